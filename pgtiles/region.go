package pgtiles

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// ParseBbox parses a "minLon,minLat,maxLon,maxLat" bounding box.
func ParseBbox(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("bbox %q: need minLon,minLat,maxLon,maxLat", s)
	}
	var vals [4]float64
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("bbox %q: %w", s, err)
		}
		vals[i] = v
	}
	return orb.Bound{Min: orb.Point{vals[0], vals[1]}, Max: orb.Point{vals[2], vals[3]}}, nil
}

// ParseRegion reads a GeoJSON FeatureCollection, Feature, or bare
// geometry and collects its polygons into one MultiPolygon.
func ParseRegion(data []byte) (orb.MultiPolygon, error) {
	if fc, err := geojson.UnmarshalFeatureCollection(data); err == nil {
		var region orb.MultiPolygon
		for _, f := range fc.Features {
			region = appendPolygons(region, f.Geometry)
		}
		if len(region) > 0 {
			return region, nil
		}
	}

	if f, err := geojson.UnmarshalFeature(data); err == nil {
		if region := appendPolygons(nil, f.Geometry); len(region) > 0 {
			return region, nil
		}
	}

	g, err := geojson.UnmarshalGeometry(data)
	if err != nil {
		return nil, err
	}
	if region := appendPolygons(nil, g.Geometry()); len(region) > 0 {
		return region, nil
	}
	return nil, fmt.Errorf("region contains no polygon geometry")
}

func appendPolygons(region orb.MultiPolygon, g orb.Geometry) orb.MultiPolygon {
	switch v := g.(type) {
	case orb.Polygon:
		region = append(region, v)
	case orb.MultiPolygon:
		region = append(region, v...)
	}
	return region
}
