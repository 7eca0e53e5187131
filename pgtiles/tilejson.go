package pgtiles

import (
	"encoding/json"

	"github.com/paulmach/orb"
)

// SourceInfo is the static metadata published for one tile source.
// The backend function has no introspectable metadata of its own, so
// the operator supplies it at startup.
type SourceInfo struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Attribution string    `json:"attribution,omitempty"`
	Bounds      orb.Bound `json:"-"`
	Center      orb.Point `json:"-"`
	CenterZoom  int       `json:"-"`
	MinZoom     uint8     `json:"minzoom"`
	MaxZoom     uint8     `json:"maxzoom"`
}

// DefaultSourceInfo covers the whole world at the zoom range typical
// for an Overture-style base layer.
func DefaultSourceInfo(name string) SourceInfo {
	return SourceInfo{
		Name:    name,
		Bounds:  orb.Bound{Min: orb.Point{-180, -85.05112877980659}, Max: orb.Point{180, 85.05112877980659}},
		Center:  orb.Point{0, 0},
		MaxZoom: 14,
	}
}

// CreateTilejson renders a TileJSON 3.0.0 document advertising the
// tile endpoint at tileURL.
func CreateTilejson(info SourceInfo, tileURL string) ([]byte, error) {
	tilejson := make(map[string]interface{})

	tilejson["tilejson"] = "3.0.0"
	tilejson["scheme"] = "xyz"
	tilejson["tiles"] = []string{tileURL + "/{z}/{x}/{y}.mvt"}

	if info.Name != "" {
		tilejson["name"] = info.Name
	}
	if info.Description != "" {
		tilejson["description"] = info.Description
	}
	if info.Attribution != "" {
		tilejson["attribution"] = info.Attribution
	}

	tilejson["bounds"] = []float64{info.Bounds.Min.X(), info.Bounds.Min.Y(), info.Bounds.Max.X(), info.Bounds.Max.Y()}
	tilejson["center"] = []interface{}{info.Center.X(), info.Center.Y(), info.CenterZoom}
	tilejson["minzoom"] = info.MinZoom
	tilejson["maxzoom"] = info.MaxZoom

	return json.MarshalIndent(tilejson, "", "\t")
}
