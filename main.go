package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	httptrace "github.com/DataDog/dd-trace-go/contrib/net/http/v2"
	"github.com/DataDog/dd-trace-go/v2/ddtrace/tracer"
	"github.com/alecthomas/kong"
	"github.com/paulmach/orb"
	"github.com/pgtiles/go-pgtiles/pgtiles"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const urlScheme = "pgtiles"

type backendFlags struct {
	DSN         string `help:"PostgreSQL connection string." env:"DATABASE_URL"`
	RPCURL      string `name:"rpc-url" help:"Base URL of a PostgREST-style RPC gateway."`
	Function    string `default:"mvt" help:"Name of the tile-generating SQL function."`
	RecordTable string `help:"Table queried for record lookups."`
	Source      string `default:"tiles" help:"Source name exposed in tile URLs."`
}

var cli struct {
	Serve struct {
		backendFlags
		Port        int    `default:"8080"`
		Cors        string `help:"Comma-separated list of allowed CORS origins."`
		CacheSize   int    `default:"64" help:"Size of tile cache in Megabytes."`
		PublicURL   string `help:"Public base URL of the tile endpoint e.g. https://example.com"`
		Minzoom     uint8  `default:"0" help:"Minimum zoom level served."`
		Maxzoom     uint8  `default:"14" help:"Maximum zoom level served."`
		Bounds      string `help:"Advertised bounds: min_lon,min_lat,max_lon,max_lat"`
		Attribution string `help:"Attribution advertised in TileJSON."`
		Tracing     bool   `help:"Enable Datadog tracing of HTTP requests."`
	} `cmd:"" help:"Run an HTTP Z/X/Y tile server backed by the mvt function."`

	Tile struct {
		backendFlags
		Z uint8  `arg:""`
		X uint32 `arg:""`
		Y uint32 `arg:""`
	} `cmd:"" help:"Fetch one tile and output its bytes on stdout."`

	Record struct {
		backendFlags
		ID int64 `arg:""`
	} `cmd:"" help:"Fetch one record by id and output it as JSON on stdout."`

	Seed struct {
		backendFlags
		Output      string `arg:"" help:"Output MBTiles archive." type:"path"`
		Bbox        string `help:"Area of interest: min_lon,min_lat,max_lon,max_lat"`
		Region      string `help:"Local GeoJSON Polygon or MultiPolygon file for area of interest." type:"existingfile"`
		Minzoom     uint8  `default:"0" help:"Minimum zoom level, inclusive."`
		Maxzoom     uint8  `default:"14" help:"Maximum zoom level, inclusive."`
		Concurrency int    `default:"4" help:"Number of concurrent tile fetches."`
	} `cmd:"" help:"Fetch all tiles for an area into a local MBTiles archive."`

	Upload struct {
		Input          string `arg:"" type:"existingfile"`
		Key            string `arg:""`
		MaxConcurrency int    `default:"2" help:"# of upload threads"`
		Bucket         string `required:"" help:"Bucket to upload to."`
	} `cmd:"" help:"Upload a local archive to remote storage."`

	Version struct {
	} `cmd:"" help:"Show the program version."`
}

func newBackend(ctx context.Context, flags backendFlags) (pgtiles.Backend, func(), error) {
	switch {
	case flags.DSN != "":
		b, err := pgtiles.NewPostgresBackend(ctx, flags.DSN, flags.Function, flags.RecordTable)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	case flags.RPCURL != "":
		return pgtiles.NewRPCBackend(flags.RPCURL, nil), func() {}, nil
	}
	return nil, nil, fmt.Errorf("either --dsn or --rpc-url is required")
}

func newAdapter(ctx context.Context, flags backendFlags) (*pgtiles.Adapter, func(), error) {
	backend, closer, err := newBackend(ctx, flags)
	if err != nil {
		return nil, nil, err
	}
	adapter, err := pgtiles.NewAdapter(urlScheme, map[string]pgtiles.Backend{flags.Source: backend})
	if err != nil {
		closer()
		return nil, nil, err
	}
	return adapter, closer, nil
}

func main() {
	if len(os.Args) < 2 {
		os.Args = append(os.Args, "--help")
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()
	ctx := context.Background()
	kctx := kong.Parse(&cli)

	switch kctx.Command() {
	case "serve":
		adapter, closer, err := newAdapter(ctx, cli.Serve.backendFlags)
		if err != nil {
			logger.Fatal("creating backend", zap.Error(err))
		}
		defer closer()

		info := pgtiles.DefaultSourceInfo(cli.Serve.Source)
		info.MinZoom = cli.Serve.Minzoom
		info.MaxZoom = cli.Serve.Maxzoom
		info.Attribution = cli.Serve.Attribution
		if cli.Serve.Bounds != "" {
			bounds, err := pgtiles.ParseBbox(cli.Serve.Bounds)
			if err != nil {
				logger.Fatal("parsing bounds", zap.Error(err))
			}
			info.Bounds = bounds
		}

		server, err := pgtiles.NewServer(adapter, map[string]pgtiles.SourceInfo{cli.Serve.Source: info}, logger, cli.Serve.CacheSize, cli.Serve.PublicURL)
		if err != nil {
			logger.Fatal("creating server", zap.Error(err))
		}
		pgtiles.SetBuildInfo(version, commit, date)
		server.Start()

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/", server)

		var handler http.Handler = mux
		if cli.Serve.Cors != "" {
			handler = cors.New(cors.Options{
				AllowedOrigins: strings.Split(cli.Serve.Cors, ","),
			}).Handler(handler)
		}
		if cli.Serve.Tracing {
			tracer.Start(tracer.WithService("go-pgtiles"))
			defer tracer.Stop()
			handler = httptrace.WrapHandler(handler, "go-pgtiles", "serve")
		}

		logger.Info("serving tiles",
			zap.String("source", cli.Serve.Source),
			zap.Int("port", cli.Serve.Port),
			zap.String("cors", cli.Serve.Cors))
		logger.Fatal("server exited", zap.Error(http.ListenAndServe(":"+strconv.Itoa(cli.Serve.Port), handler)))
	case "tile <z> <x> <y>":
		adapter, closer, err := newAdapter(ctx, cli.Tile.backendFlags)
		if err != nil {
			logger.Fatal("creating backend", zap.Error(err))
		}
		defer closer()

		url := fmt.Sprintf("%s://%s/%d/%d/%d", urlScheme, cli.Tile.Source, cli.Tile.Z, cli.Tile.X, cli.Tile.Y)
		data, err := adapter.FetchTile(ctx, url)
		if err != nil {
			logger.Fatal("fetching tile", zap.Error(err))
		}
		os.Stdout.Write(data)
	case "record <id>":
		backend, closer, err := newBackend(ctx, cli.Record.backendFlags)
		if err != nil {
			logger.Fatal("creating backend", zap.Error(err))
		}
		defer closer()

		fetcher, ok := backend.(pgtiles.RecordFetcher)
		if !ok {
			logger.Fatal("backend does not support record lookups")
		}
		doc, err := fetcher.Record(ctx, cli.Record.ID)
		if err != nil {
			logger.Fatal("fetching record", zap.Error(err))
		}
		os.Stdout.Write(doc)
		fmt.Println()
	case "seed <output>":
		adapter, closer, err := newAdapter(ctx, cli.Seed.backendFlags)
		if err != nil {
			logger.Fatal("creating backend", zap.Error(err))
		}
		defer closer()

		info := pgtiles.DefaultSourceInfo(cli.Seed.Source)
		bounds := info.Bounds
		var region orb.MultiPolygon
		switch {
		case cli.Seed.Region != "":
			data, err := os.ReadFile(cli.Seed.Region)
			if err != nil {
				logger.Fatal("reading region", zap.Error(err))
			}
			region, err = pgtiles.ParseRegion(data)
			if err != nil {
				logger.Fatal("parsing region", zap.Error(err))
			}
			bounds = region.Bound()
		case cli.Seed.Bbox != "":
			bounds, err = pgtiles.ParseBbox(cli.Seed.Bbox)
			if err != nil {
				logger.Fatal("parsing bbox", zap.Error(err))
			}
		}

		opts := pgtiles.SeedOptions{
			Source:      cli.Seed.Source,
			Bounds:      bounds,
			Region:      region,
			MinZoom:     cli.Seed.Minzoom,
			MaxZoom:     cli.Seed.Maxzoom,
			Concurrency: cli.Seed.Concurrency,
		}
		if err := pgtiles.Seed(ctx, logger, adapter, info, opts, cli.Seed.Output); err != nil {
			logger.Fatal("seeding", zap.Error(err))
		}
	case "upload <input> <key>":
		err := pgtiles.Upload(ctx, logger, cli.Upload.Input, cli.Upload.Bucket, cli.Upload.Key, cli.Upload.MaxConcurrency)
		if err != nil {
			logger.Fatal("uploading archive", zap.Error(err))
		}
	case "version":
		fmt.Printf("go-pgtiles %s, commit %s, built at %s\n", version, commit, date)
	default:
		panic(kctx.Command())
	}
}
