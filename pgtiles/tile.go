package pgtiles

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// Web Mercator cuts off near the poles.
const webMercatorLatLimit = 85.05112877980659

// Archives cap out at zoom 29: packTileID gives each axis 29 bits, so
// coordinates at zoom 30 and 31 do not fit. The adapter itself still
// serves single tiles up to MaxZoom.
const maxArchiveZoom = 29

// packTileID packs z/x/y into one uint64: zoom in the top 6 bits,
// then 29 bits each for x and y. Callers must keep z at or below
// maxArchiveZoom or the x bits bleed into the zoom field.
func packTileID(z uint8, x uint32, y uint32) uint64 {
	return uint64(z)<<58 | uint64(x)<<29 | uint64(y)
}

func unpackTileID(id uint64) (uint8, uint32, uint32) {
	return uint8(id >> 58), uint32(id >> 29 & (1<<29 - 1)), uint32(id & (1<<29 - 1))
}

// flipY converts between XYZ and TMS row numbering at zoom z.
func flipY(z uint8, y uint32) uint32 {
	return uint32(1)<<z - 1 - y
}

// splitBound clamps b to valid Web Mercator extents, splitting it in
// two when it crosses the antimeridian (min longitude > max).
func splitBound(b orb.Bound) []orb.Bound {
	var boxes []orb.Bound
	if b.Min.X() > b.Max.X() {
		boxes = []orb.Bound{
			{Min: orb.Point{-180.0, b.Min.Y()}, Max: b.Max},
			{Min: b.Min, Max: orb.Point{180.0, b.Max.Y()}},
		}
	} else {
		boxes = []orb.Bound{b}
	}

	clamped := make([]orb.Bound, 0, len(boxes))
	for _, box := range boxes {
		clamped = append(clamped, orb.Bound{
			Min: orb.Point{
				math.Max(-180.0, box.Min.X()),
				math.Max(-webMercatorLatLimit, box.Min.Y()),
			},
			Max: orb.Point{
				math.Min(180.0-1e-8, box.Max.X()),
				math.Min(webMercatorLatLimit, box.Max.Y()),
			},
		})
	}
	return clamped
}

// eachTile calls fn once for every tile covering b at zoom z.
func eachTile(b orb.Bound, z uint8, fn func(t maptile.Tile)) {
	for _, box := range splitBound(b) {
		minTile := maptile.At(box.Min, maptile.Zoom(z))
		maxTile := maptile.At(box.Max, maptile.Zoom(z))

		// XYZ rows grow southward, lat/lon the other way
		minTile.Y, maxTile.Y = maxTile.Y, minTile.Y

		for x := minTile.X; x <= maxTile.X; x++ {
			for y := minTile.Y; y <= maxTile.Y; y++ {
				fn(maptile.New(x, y, maptile.Zoom(z)))
			}
		}
	}
}
