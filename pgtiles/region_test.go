package pgtiles

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRegionFeatureCollection(t *testing.T) {
	data := []byte(`{"type":"FeatureCollection","features":[
		{"type":"Feature","properties":{},"geometry":{"type":"Polygon","coordinates":[[[0,0],[0,1],[1,1],[0,0]]]}},
		{"type":"Feature","properties":{},"geometry":{"type":"MultiPolygon","coordinates":[[[[2,2],[2,3],[3,3],[2,2]]]]}}
	]}`)
	region, err := ParseRegion(data)
	require.NoError(t, err)
	assert.Len(t, region, 2)
}

func TestParseRegionBareGeometry(t *testing.T) {
	data := []byte(`{"type":"Polygon","coordinates":[[[0,0],[0,1],[1,1],[0,0]]]}`)
	region, err := ParseRegion(data)
	require.NoError(t, err)
	assert.Len(t, region, 1)
}

func TestParseRegionNoPolygons(t *testing.T) {
	data := []byte(`{"type":"Point","coordinates":[0,0]}`)
	_, err := ParseRegion(data)
	assert.Error(t, err)
}

func TestParseRegionInvalid(t *testing.T) {
	_, err := ParseRegion([]byte(`not geojson`))
	assert.Error(t, err)
}

func TestParseBbox(t *testing.T) {
	b, err := ParseBbox("-1.5,-2.5,3.5,4.5")
	require.NoError(t, err)
	assert.Equal(t, -1.5, b.Min.X())
	assert.Equal(t, -2.5, b.Min.Y())
	assert.Equal(t, 3.5, b.Max.X())
	assert.Equal(t, 4.5, b.Max.Y())

	_, err = ParseBbox("1,2,3")
	assert.Error(t, err)
	_, err = ParseBbox("a,b,c,d")
	assert.Error(t, err)
}
