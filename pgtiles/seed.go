package pgtiles

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/dustin/go-humanize"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/maptile/tilecover"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// SeedOptions control one seeding run. When Region is set it takes
// precedence over Bounds for tile selection; Bounds still describe the
// archive extent in its metadata.
type SeedOptions struct {
	Source      string
	Bounds      orb.Bound
	Region      orb.MultiPolygon
	MinZoom     uint8
	MaxZoom     uint8
	Concurrency int
}

type seedResult struct {
	z    uint8
	x    uint32
	y    uint32
	body []byte
}

// tileWriter consumes fetched tiles in arrival order from a single
// goroutine.
type tileWriter interface {
	WriteTile(z uint8, x uint32, y uint32, body []byte) error
}

const mbtilesSchema = `
CREATE TABLE metadata (name TEXT, value TEXT);
CREATE TABLE images (tile_id TEXT PRIMARY KEY, tile_data BLOB);
CREATE TABLE map (zoom_level INTEGER, tile_column INTEGER, tile_row INTEGER, tile_id TEXT);
CREATE UNIQUE INDEX map_index ON map (zoom_level, tile_column, tile_row);
CREATE VIEW tiles AS
	SELECT map.zoom_level, map.tile_column, map.tile_row, images.tile_data
	FROM map JOIN images ON images.tile_id = map.tile_id;
`

// mbtilesWriter writes tiles into a deduplicated MBTiles archive.
// Everything happens in one transaction committed by Commit.
type mbtilesWriter struct {
	conn      *sqlite.Conn
	imageStmt *sqlite.Stmt
	mapStmt   *sqlite.Stmt
	seen      map[string]struct{}

	written    uint64
	deduped    uint64
	empty      uint64
	totalBytes uint64
}

func newMbtilesWriter(output string, info SourceInfo, opts SeedOptions) (*mbtilesWriter, error) {
	conn, err := sqlite.OpenConn(output, sqlite.OpenReadWrite, sqlite.OpenCreate)
	if err != nil {
		return nil, fmt.Errorf("creating archive %s: %w", output, err)
	}
	if err := sqlitex.ExecuteScript(conn, mbtilesSchema, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing archive schema: %w", err)
	}
	if err := writeArchiveMetadata(conn, info, opts); err != nil {
		conn.Close()
		return nil, err
	}
	if err := sqlitex.ExecuteTransient(conn, "BEGIN", nil); err != nil {
		conn.Close()
		return nil, err
	}
	return &mbtilesWriter{
		conn:      conn,
		imageStmt: conn.Prep("INSERT OR IGNORE INTO images (tile_id, tile_data) VALUES (?, ?)"),
		mapStmt:   conn.Prep("INSERT INTO map (zoom_level, tile_column, tile_row, tile_id) VALUES (?, ?, ?, ?)"),
		seen:      make(map[string]struct{}),
	}, nil
}

func (w *mbtilesWriter) WriteTile(z uint8, x uint32, y uint32, body []byte) error {
	if len(body) == 0 {
		w.empty++
		return nil
	}
	hash := contentHash(body)
	if _, ok := w.seen[hash]; ok {
		w.deduped++
	} else {
		w.seen[hash] = struct{}{}
		w.imageStmt.BindText(1, hash)
		w.imageStmt.BindBytes(2, body)
		if _, err := w.imageStmt.Step(); err != nil {
			return err
		}
		w.imageStmt.Reset()
		w.imageStmt.ClearBindings()
		w.totalBytes += uint64(len(body))
	}

	w.mapStmt.BindInt64(1, int64(z))
	w.mapStmt.BindInt64(2, int64(x))
	w.mapStmt.BindInt64(3, int64(flipY(z, y)))
	w.mapStmt.BindText(4, hash)
	if _, err := w.mapStmt.Step(); err != nil {
		return err
	}
	w.mapStmt.Reset()
	w.mapStmt.ClearBindings()
	w.written++
	return nil
}

func (w *mbtilesWriter) Commit() error {
	return sqlitex.ExecuteTransient(w.conn, "COMMIT", nil)
}

func (w *mbtilesWriter) Close() error {
	return w.conn.Close()
}

// Seed fetches every tile covering the requested bounds (or GeoJSON
// region) and zoom range through the adapter and writes them to a
// deduplicated MBTiles archive at output. Identical payloads are
// stored once.
func Seed(ctx context.Context, logger *zap.Logger, adapter *Adapter, info SourceInfo, opts SeedOptions, output string) error {
	if opts.MinZoom > opts.MaxZoom {
		return fmt.Errorf("minzoom %d exceeds maxzoom %d", opts.MinZoom, opts.MaxZoom)
	}
	if opts.MaxZoom > maxArchiveZoom {
		return fmt.Errorf("maxzoom %d exceeds archive limit %d", opts.MaxZoom, maxArchiveZoom)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if _, ok := adapter.Backend(opts.Source); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSource, opts.Source)
	}

	tileset := roaring64.New()
	for z := opts.MinZoom; ; z++ {
		if len(opts.Region) > 0 {
			covering, err := tilecover.Geometry(opts.Region, maptile.Zoom(z))
			if err != nil {
				return fmt.Errorf("covering region at zoom %d: %w", z, err)
			}
			for tile := range covering {
				tileset.Add(packTileID(uint8(tile.Z), tile.X, tile.Y))
			}
		} else {
			eachTile(opts.Bounds, z, func(t maptile.Tile) {
				tileset.Add(packTileID(uint8(t.Z), t.X, t.Y))
			})
		}
		if z == opts.MaxZoom {
			break
		}
	}

	writer, err := newMbtilesWriter(output, info, opts)
	if err != nil {
		return err
	}
	defer writer.Close()

	logger.Info("seeding",
		zap.String("source", opts.Source),
		zap.Uint8("minzoom", opts.MinZoom),
		zap.Uint8("maxzoom", opts.MaxZoom),
		zap.Uint64("tiles", tileset.GetCardinality()))

	bar := progressbar.Default(int64(tileset.GetCardinality()))
	if err := fetchInto(ctx, adapter, opts, tileset, bar, writer); err != nil {
		return err
	}
	if err := writer.Commit(); err != nil {
		return fmt.Errorf("writing archive: %w", err)
	}

	logger.Info("seeded",
		zap.Uint64("written", writer.written),
		zap.Uint64("deduplicated", writer.deduped),
		zap.Uint64("empty", writer.empty),
		zap.String("size", humanize.Bytes(writer.totalBytes)))
	return nil
}

// fetchInto pumps every tile in tileset through the adapter into
// writer. Fetches run concurrently; writes happen on a single
// goroutine. A write failure cancels the in-flight fetches so nobody
// is left blocked on the results channel.
func fetchInto(ctx context.Context, adapter *Adapter, opts SeedOptions, tileset *roaring64.Bitmap, bar *progressbar.ProgressBar, writer tileWriter) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan seedResult, opts.Concurrency)
	writerErr := make(chan error, 1)
	go func() {
		writerErr <- func() error {
			for res := range results {
				bar.Add(1)
				if err := writer.WriteTile(res.z, res.x, res.y, res.body); err != nil {
					cancel()
					return err
				}
			}
			return nil
		}()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	it := tileset.Iterator()
	for it.HasNext() {
		if gctx.Err() != nil {
			break
		}
		id := it.Next()
		g.Go(func() error {
			z, x, y := unpackTileID(id)
			body, err := adapter.Fetch(gctx, TileRequest{Source: opts.Source, Z: z, X: x, Y: y})
			if err != nil {
				return err
			}
			select {
			case results <- seedResult{z: z, x: x, y: y, body: body}:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}

	fetchErr := g.Wait()
	close(results)
	if err := <-writerErr; err != nil {
		return fmt.Errorf("writing archive: %w", err)
	}
	if fetchErr != nil {
		return fmt.Errorf("seeding aborted: %w", fetchErr)
	}
	return nil
}

func writeArchiveMetadata(conn *sqlite.Conn, info SourceInfo, opts SeedOptions) error {
	bounds := fmt.Sprintf("%f,%f,%f,%f",
		opts.Bounds.Min.X(), opts.Bounds.Min.Y(), opts.Bounds.Max.X(), opts.Bounds.Max.Y())
	center := fmt.Sprintf("%f,%f,%d", info.Center.X(), info.Center.Y(), info.CenterZoom)

	rows := [][2]string{
		{"name", info.Name},
		{"format", "pbf"},
		{"minzoom", fmt.Sprintf("%d", opts.MinZoom)},
		{"maxzoom", fmt.Sprintf("%d", opts.MaxZoom)},
		{"bounds", bounds},
		{"center", center},
		{"type", "baselayer"},
		{"version", "2"},
	}
	if info.Attribution != "" {
		rows = append(rows, [2]string{"attribution", info.Attribution})
	}
	if info.Description != "" {
		rows = append(rows, [2]string{"description", info.Description})
	}

	stmt := conn.Prep("INSERT INTO metadata (name, value) VALUES (?, ?)")
	for _, row := range rows {
		stmt.BindText(1, row[0])
		stmt.BindText(2, row[1])
		if _, err := stmt.Step(); err != nil {
			return fmt.Errorf("writing archive metadata: %w", err)
		}
		stmt.Reset()
		stmt.ClearBindings()
	}
	return nil
}
