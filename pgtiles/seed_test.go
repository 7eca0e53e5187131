package pgtiles

import (
	"context"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/schollz/progressbar/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
)

func queryInt(t *testing.T, conn *sqlite.Conn, query string) int64 {
	t.Helper()
	stmt, _, err := conn.PrepareTransient(query)
	require.NoError(t, err)
	defer stmt.Finalize()
	row, err := stmt.Step()
	require.NoError(t, err)
	require.True(t, row)
	return stmt.ColumnInt64(0)
}

func TestSeed(t *testing.T) {
	// identical payload per zoom level exercises deduplication; one
	// tile at z2 is empty and must be skipped
	backend := &mockBackend{fn: func(_ context.Context, z uint8, x uint32, y uint32) (string, error) {
		if z == 2 && x == 0 && y == 0 {
			return "", nil
		}
		return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("tile-%d", z))), nil
	}}
	adapter := newTestAdapter(t, backend)

	output := filepath.Join(t.TempDir(), "test.mbtiles")
	info := DefaultSourceInfo("tiles")
	opts := SeedOptions{
		Source:      "tiles",
		Bounds:      world(),
		MinZoom:     0,
		MaxZoom:     2,
		Concurrency: 3,
	}
	require.NoError(t, Seed(context.Background(), zap.NewNop(), adapter, info, opts, output))

	conn, err := sqlite.OpenConn(output, sqlite.OpenReadOnly)
	require.NoError(t, err)
	defer conn.Close()

	// 1 + 4 + 16 tiles minus the empty one
	assert.Equal(t, int64(20), queryInt(t, conn, "SELECT count(*) FROM map"))
	// one stored payload per zoom level
	assert.Equal(t, int64(3), queryInt(t, conn, "SELECT count(*) FROM images"))
	// the tiles view joins map and images back together
	assert.Equal(t, int64(20), queryInt(t, conn, "SELECT count(*) FROM tiles"))
	assert.Equal(t, int64(4), queryInt(t, conn,
		"SELECT count(*) FROM tiles WHERE zoom_level = 1 AND tile_data IS NOT NULL"))

	stmt, _, err := conn.PrepareTransient("SELECT value FROM metadata WHERE name = 'format'")
	require.NoError(t, err)
	defer stmt.Finalize()
	row, err := stmt.Step()
	require.NoError(t, err)
	require.True(t, row)
	assert.Equal(t, "pbf", stmt.ColumnText(0))
}

func TestSeedPropagatesBackendFailure(t *testing.T) {
	backend := &mockBackend{fn: func(context.Context, uint8, uint32, uint32) (string, error) {
		return "", fmt.Errorf("backend down")
	}}
	adapter := newTestAdapter(t, backend)

	output := filepath.Join(t.TempDir(), "fail.mbtiles")
	opts := SeedOptions{Source: "tiles", Bounds: world(), MinZoom: 0, MaxZoom: 1}
	err := Seed(context.Background(), zap.NewNop(), adapter, DefaultSourceInfo("tiles"), opts, output)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend down")
}

func TestSeedRejectsBadZoomRange(t *testing.T) {
	adapter := newTestAdapter(t, staticBackend(nil))
	opts := SeedOptions{Source: "tiles", Bounds: world(), MinZoom: 5, MaxZoom: 2}
	err := Seed(context.Background(), zap.NewNop(), adapter, DefaultSourceInfo("tiles"), opts, "unused.mbtiles")
	assert.Error(t, err)
}

func TestSeedRejectsZoomBeyondArchiveLimit(t *testing.T) {
	// zoom 30 coordinates such as x=2^29 no longer fit a packed tile
	// ID, so archives stop at zoom 29
	adapter := newTestAdapter(t, staticBackend(nil))
	opts := SeedOptions{Source: "tiles", Bounds: world(), MinZoom: 0, MaxZoom: 30}
	err := Seed(context.Background(), zap.NewNop(), adapter, DefaultSourceInfo("tiles"), opts, "unused.mbtiles")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive limit")
}

type failingWriter struct {
	writes int
}

func (w *failingWriter) WriteTile(uint8, uint32, uint32, []byte) error {
	w.writes++
	return fmt.Errorf("disk full")
}

func TestSeedStopsWhenWriterFails(t *testing.T) {
	// a dead writer must cancel the in-flight fetches instead of
	// leaving them blocked on the results channel forever
	adapter := newTestAdapter(t, staticBackend([]byte("payload")))

	tileset := roaring64.New()
	for z := uint8(0); z <= 3; z++ {
		eachTile(world(), z, func(tile maptile.Tile) {
			tileset.Add(packTileID(uint8(tile.Z), tile.X, tile.Y))
		})
	}
	require.Greater(t, tileset.GetCardinality(), uint64(8))

	opts := SeedOptions{Source: "tiles", Concurrency: 2}
	bar := progressbar.DefaultSilent(int64(tileset.GetCardinality()))
	writer := &failingWriter{}
	err := fetchInto(context.Background(), adapter, opts, tileset, bar, writer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, writer.writes)
}

func TestSeedRegion(t *testing.T) {
	// a region covering only the western hemisphere seeds the two
	// z1 tiles at x=0 and nothing east of the meridian
	region := orb.MultiPolygon{{{
		{-170, -80}, {-10, -80}, {-10, 80}, {-170, 80}, {-170, -80},
	}}}
	adapter := newTestAdapter(t, staticBackend([]byte("west")))

	output := filepath.Join(t.TempDir(), "region.mbtiles")
	opts := SeedOptions{
		Source:  "tiles",
		Bounds:  region.Bound(),
		Region:  region,
		MinZoom: 1,
		MaxZoom: 1,
	}
	require.NoError(t, Seed(context.Background(), zap.NewNop(), adapter, DefaultSourceInfo("tiles"), opts, output))

	conn, err := sqlite.OpenConn(output, sqlite.OpenReadOnly)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, int64(2), queryInt(t, conn, "SELECT count(*) FROM map"))
	assert.Equal(t, int64(0), queryInt(t, conn, "SELECT count(*) FROM map WHERE tile_column != 0"))
}

func TestSeedUnknownSource(t *testing.T) {
	adapter := newTestAdapter(t, staticBackend(nil))
	opts := SeedOptions{Source: "nope", Bounds: world(), MinZoom: 0, MaxZoom: 0}
	err := Seed(context.Background(), zap.NewNop(), adapter, DefaultSourceInfo("nope"), opts, "unused.mbtiles")
	assert.ErrorIs(t, err, ErrUnknownSource)
}
