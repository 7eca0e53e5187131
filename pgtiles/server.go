package pgtiles

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"
)

type cacheKey struct {
	source string
	z      uint8
	x      uint32
	y      uint32
}

type cachedTile struct {
	body []byte
	etag string
	ok   bool
	err  error
}

type request struct {
	key   cacheKey
	value chan cachedTile
}

type response struct {
	key   cacheKey
	value cachedTile
	size  int
	ok    bool
}

// Server answers Z/X/Y tile requests by calling the configured
// backend through the protocol adapter, with a bounded in-memory
// tile cache in front so a pan across an already-seen area does not
// hit the database again.
type Server struct {
	reqs      chan request
	adapter   *Adapter
	sources   map[string]SourceInfo
	logger    *zap.Logger
	cacheSize int
	publicURL string
	metrics   *metrics
}

// NewServer wires an adapter and per-source metadata into a server.
// cacheSize is the tile cache budget in megabytes. Every source must
// resolve to an adapter backend.
func NewServer(adapter *Adapter, sources map[string]SourceInfo, logger *zap.Logger, cacheSize int, publicURL string) (*Server, error) {
	for name := range sources {
		if _, ok := adapter.Backend(name); !ok {
			return nil, fmt.Errorf("source %q has no backend", name)
		}
	}
	return &Server{
		reqs:      make(chan request, 8),
		adapter:   adapter,
		sources:   sources,
		logger:    logger,
		cacheSize: cacheSize,
		publicURL: publicURL,
		metrics:   createMetrics("server", logger),
	}, nil
}

// Start runs the cache loop. Concurrent requests for the same tile
// share one backend call; distinct tiles proceed independently.
func (server *Server) Start() {
	go func() {
		cache := make(map[cacheKey]*list.Element)
		inflight := make(map[cacheKey][]request)
		resps := make(chan response, 8)
		evictList := list.New()
		totalSize := 0
		ctx := context.Background()

		server.metrics.initCacheStats(server.cacheSize * 1000 * 1000)

		for {
			select {
			case req := <-server.reqs:
				key := req.key
				if val, ok := cache[key]; ok {
					server.metrics.cacheRequest(key.source, "hit")
					evictList.MoveToFront(val)
					req.value <- val.Value.(*response).value
				} else if _, ok := inflight[key]; ok {
					server.metrics.cacheRequest(key.source, "share")
					inflight[key] = append(inflight[key], req)
				} else {
					server.metrics.cacheRequest(key.source, "miss")
					inflight[key] = []request{req}
					go func() {
						tracker := server.metrics.startBackendCall(key.source)
						body, err := server.adapter.Fetch(ctx, TileRequest{Source: key.source, Z: key.z, X: key.x, Y: key.y})
						if err != nil {
							tracker.finish(ctx, "error")
							server.logger.Error("fetching tile",
								zap.String("source", key.source),
								zap.Uint8("z", key.z), zap.Uint32("x", key.x), zap.Uint32("y", key.y),
								zap.Error(err))
							resps <- response{key: key, value: cachedTile{err: err}}
							return
						}
						tracker.finish(ctx, "ok")
						value := cachedTile{body: body, etag: generateEtag(body), ok: true}
						resps <- response{key: key, value: value, size: len(body) + 64, ok: true}
					}()
				}
			case resp := <-resps:
				key := resp.key
				for _, v := range inflight[key] {
					v.value <- resp.value
				}
				delete(inflight, key)

				if resp.ok {
					totalSize += resp.size
					ent := &resp
					entry := evictList.PushFront(ent)
					cache[key] = entry

					for totalSize > server.cacheSize*1000*1000 {
						last := evictList.Back()
						if last == nil {
							break
						}
						evictList.Remove(last)
						kv := last.Value.(*response)
						delete(cache, kv.key)
						totalSize -= kv.size
					}
					server.metrics.updateCacheStats(totalSize, len(cache))
				}
			}
		}
	}()
}

func (server *Server) getTile(ctx context.Context, httpHeaders map[string]string, source string, z uint8, x uint32, y uint32, ifNoneMatch string) (int, map[string]string, []byte) {
	info, ok := server.sources[source]
	if !ok {
		return 404, httpHeaders, []byte("Source not found")
	}
	if z < info.MinZoom || z > info.MaxZoom {
		return 404, httpHeaders, []byte("Tile not found")
	}
	if uint64(x) >= 1<<z || uint64(y) >= 1<<z {
		return 400, httpHeaders, []byte("Tile coordinates out of range")
	}

	tileReq := request{key: cacheKey{source: source, z: z, x: x, y: y}, value: make(chan cachedTile, 1)}
	server.reqs <- tileReq

	var value cachedTile
	select {
	case value = <-tileReq.value:
	case <-ctx.Done():
		return 499, httpHeaders, nil
	}

	if !value.ok {
		var remoteErr *RemoteError
		if errors.As(value.err, &remoteErr) {
			return 502, httpHeaders, []byte("Backend error")
		}
		return 500, httpHeaders, []byte("Internal error")
	}

	if len(value.body) == 0 {
		return 204, httpHeaders, nil
	}

	httpHeaders["ETag"] = value.etag
	if ifNoneMatch == value.etag {
		return 304, httpHeaders, nil
	}

	httpHeaders["Content-Type"] = "application/x-protobuf"
	return 200, httpHeaders, value.body
}

func (server *Server) getTileJSON(httpHeaders map[string]string, source string) (int, map[string]string, []byte) {
	info, ok := server.sources[source]
	if !ok {
		return 404, httpHeaders, []byte("Source not found")
	}
	if server.publicURL == "" {
		return 501, httpHeaders, []byte("Public URL must be set for TileJSON")
	}

	tilejsonBytes, err := CreateTilejson(info, server.publicURL+"/"+source)
	if err != nil {
		return 500, httpHeaders, []byte("Error generating tilejson")
	}

	httpHeaders["Content-Type"] = "application/json"
	return 200, httpHeaders, tilejsonBytes
}

func (server *Server) getMetadata(httpHeaders map[string]string, source string) (int, map[string]string, []byte) {
	info, ok := server.sources[source]
	if !ok {
		return 404, httpHeaders, []byte("Source not found")
	}

	body, err := CreateTilejson(info, "")
	if err != nil {
		return 500, httpHeaders, []byte("Error generating metadata")
	}
	httpHeaders["Content-Type"] = "application/json"
	return 200, httpHeaders, body
}

var tilePathPattern = regexp.MustCompile(`^\/([-A-Za-z0-9_.]+)\/(\d+)\/(\d+)\/(\d+)\.mvt$`)
var metadataPathPattern = regexp.MustCompile(`^\/([-A-Za-z0-9_.]+)\/metadata$`)
var tileJSONPathPattern = regexp.MustCompile(`^\/([-A-Za-z0-9_.]+)\.json$`)

func parseTilePath(path string) (bool, string, uint8, uint32, uint32) {
	res := tilePathPattern.FindStringSubmatch(path)
	if res == nil {
		return false, "", 0, 0, 0
	}
	z, err := strconv.ParseUint(res[2], 10, 8)
	if err != nil || z > MaxZoom {
		return false, "", 0, 0, 0
	}
	x, err := strconv.ParseUint(res[3], 10, 32)
	if err != nil {
		return false, "", 0, 0, 0
	}
	y, err := strconv.ParseUint(res[4], 10, 32)
	if err != nil {
		return false, "", 0, 0, 0
	}
	return true, res[1], uint8(z), uint32(x), uint32(y)
}

func parseTilejsonPath(path string) (bool, string) {
	if res := tileJSONPathPattern.FindStringSubmatch(path); res != nil {
		return true, res[1]
	}
	return false, ""
}

func parseMetadataPath(path string) (bool, string) {
	if res := metadataPathPattern.FindStringSubmatch(path); res != nil {
		return true, res[1]
	}
	return false, ""
}

// Get routes one request path and returns status code, response
// headers, and body.
func (server *Server) Get(ctx context.Context, path string) (int, map[string]string, []byte) {
	return server.get(ctx, path, "")
}

func (server *Server) get(ctx context.Context, path string, ifNoneMatch string) (int, map[string]string, []byte) {
	httpHeaders := make(map[string]string)

	if ok, source, z, x, y := parseTilePath(path); ok {
		tracker := server.metrics.startRequest()
		status, headers, body := server.getTile(ctx, httpHeaders, source, z, x, y, ifNoneMatch)
		tracker.finish(ctx, source, "tile", status, len(body))
		return status, headers, body
	}
	if ok, source := parseTilejsonPath(path); ok {
		tracker := server.metrics.startRequest()
		status, headers, body := server.getTileJSON(httpHeaders, source)
		tracker.finish(ctx, source, "tilejson", status, len(body))
		return status, headers, body
	}
	if ok, source := parseMetadataPath(path); ok {
		tracker := server.metrics.startRequest()
		status, headers, body := server.getMetadata(httpHeaders, source)
		tracker.finish(ctx, source, "metadata", status, len(body))
		return status, headers, body
	}

	if path == "/" {
		return 204, httpHeaders, []byte{}
	}

	return 404, httpHeaders, []byte("Path not found")
}

// ServeHTTP adapts the server to net/http, honoring If-None-Match.
func (server *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	statusCode, headers, body := server.get(r.Context(), r.URL.Path, r.Header.Get("If-None-Match"))
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(statusCode)
	w.Write(body)
	server.logger.Debug("response",
		zap.Int("status", statusCode),
		zap.String("path", r.URL.Path),
		zap.Duration("duration", time.Since(start)))
}
