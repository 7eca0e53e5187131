package pgtiles

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T, backend Backend, publicURL string) *Server {
	t.Helper()
	adapter, err := NewAdapter("pgtiles", map[string]Backend{"tiles": backend})
	require.NoError(t, err)

	info := DefaultSourceInfo("tiles")
	info.Attribution = "test data"
	server, err := NewServer(adapter, map[string]SourceInfo{"tiles": info}, zap.NewNop(), 4, publicURL)
	require.NoError(t, err)
	server.Start()
	return server
}

func TestParseTilePaths(t *testing.T) {
	ok, source, z, x, y := parseTilePath("/tiles/3/4/5.mvt")
	assert.True(t, ok)
	assert.Equal(t, "tiles", source)
	assert.Equal(t, uint8(3), z)
	assert.Equal(t, uint32(4), x)
	assert.Equal(t, uint32(5), y)

	for _, path := range []string{
		"/tiles/3/4/5",
		"/tiles/3/4/5.png",
		"/tiles/3/4.mvt",
		"/tiles/a/4/5.mvt",
		"/tiles/99/0/0.mvt",
	} {
		ok, _, _, _, _ := parseTilePath(path)
		assert.False(t, ok, "path %q", path)
	}

	ok, source = parseTilejsonPath("/overture.base.json")
	assert.True(t, ok)
	assert.Equal(t, "overture.base", source)

	ok, source = parseMetadataPath("/tiles/metadata")
	assert.True(t, ok)
	assert.Equal(t, "tiles", source)
}

func TestServerGetTile(t *testing.T) {
	server := newTestServer(t, staticBackend([]byte("hello")), "")

	status, headers, body := server.Get(context.Background(), "/tiles/1/0/1.mvt")
	assert.Equal(t, 200, status)
	assert.Equal(t, "application/x-protobuf", headers["Content-Type"])
	assert.NotEmpty(t, headers["ETag"])
	assert.Equal(t, []byte("hello"), body)
}

func TestServerTileCached(t *testing.T) {
	backend := staticBackend([]byte("hello"))
	server := newTestServer(t, backend, "")

	for i := 0; i < 3; i++ {
		status, _, _ := server.Get(context.Background(), "/tiles/2/1/1.mvt")
		assert.Equal(t, 200, status)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&backend.calls))
}

func TestServerUnknownSource(t *testing.T) {
	server := newTestServer(t, staticBackend(nil), "")

	status, _, body := server.Get(context.Background(), "/other/0/0/0.mvt")
	assert.Equal(t, 404, status)
	assert.Equal(t, "Source not found", string(body))
}

func TestServerZoomOutsideServedRange(t *testing.T) {
	server := newTestServer(t, staticBackend([]byte("x")), "")

	status, _, _ := server.Get(context.Background(), "/tiles/15/0/0.mvt")
	assert.Equal(t, 404, status)
}

func TestServerCoordinatesOutOfRange(t *testing.T) {
	server := newTestServer(t, staticBackend([]byte("x")), "")

	status, _, _ := server.Get(context.Background(), "/tiles/2/4/0.mvt")
	assert.Equal(t, 400, status)
	status, _, _ = server.Get(context.Background(), "/tiles/2/0/4.mvt")
	assert.Equal(t, 400, status)
}

func TestServerBackendError(t *testing.T) {
	backend := &mockBackend{fn: func(context.Context, uint8, uint32, uint32) (string, error) {
		return "", errors.New("boom")
	}}
	server := newTestServer(t, backend, "")

	status, _, body := server.Get(context.Background(), "/tiles/0/0/0.mvt")
	assert.Equal(t, 502, status)
	assert.Equal(t, "Backend error", string(body))
}

func TestServerEmptyTile(t *testing.T) {
	server := newTestServer(t, staticBackend(nil), "")

	status, _, body := server.Get(context.Background(), "/tiles/4/3/3.mvt")
	assert.Equal(t, 204, status)
	assert.Empty(t, body)
}

func TestServerErrorNotCached(t *testing.T) {
	var failed int32
	backend := &mockBackend{fn: func(context.Context, uint8, uint32, uint32) (string, error) {
		if atomic.CompareAndSwapInt32(&failed, 0, 1) {
			return "", errors.New("transient")
		}
		return base64.StdEncoding.EncodeToString([]byte("recovered")), nil
	}}
	server := newTestServer(t, backend, "")

	status, _, _ := server.Get(context.Background(), "/tiles/3/1/2.mvt")
	assert.Equal(t, 502, status)

	status, _, body := server.Get(context.Background(), "/tiles/3/1/2.mvt")
	assert.Equal(t, 200, status)
	assert.Equal(t, "recovered", string(body))
}

func TestServerTileJSON(t *testing.T) {
	server := newTestServer(t, staticBackend([]byte("x")), "https://tiles.example.com")

	status, headers, body := server.Get(context.Background(), "/tiles.json")
	require.Equal(t, 200, status)
	assert.Equal(t, "application/json", headers["Content-Type"])

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, "3.0.0", doc["tilejson"])
	assert.Equal(t, []interface{}{"https://tiles.example.com/tiles/{z}/{x}/{y}.mvt"}, doc["tiles"])
	assert.Equal(t, "test data", doc["attribution"])
}

func TestServerTileJSONRequiresPublicURL(t *testing.T) {
	server := newTestServer(t, staticBackend([]byte("x")), "")

	status, _, _ := server.Get(context.Background(), "/tiles.json")
	assert.Equal(t, 501, status)
}

func TestServerMetadata(t *testing.T) {
	server := newTestServer(t, staticBackend([]byte("x")), "")

	status, headers, body := server.Get(context.Background(), "/tiles/metadata")
	require.Equal(t, 200, status)
	assert.Equal(t, "application/json", headers["Content-Type"])

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, "tiles", doc["name"])
}

func TestServerRootAndUnknownPaths(t *testing.T) {
	server := newTestServer(t, staticBackend(nil), "")

	status, _, _ := server.Get(context.Background(), "/")
	assert.Equal(t, 204, status)

	status, _, _ = server.Get(context.Background(), "/favicon.ico")
	assert.Equal(t, 404, status)
}

func TestServerConditionalRequest(t *testing.T) {
	server := newTestServer(t, staticBackend([]byte("hello")), "")

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest("GET", "/tiles/1/0/0.mvt", nil))
	require.Equal(t, 200, rec.Code)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req := httptest.NewRequest("GET", "/tiles/1/0/0.mvt", nil)
	req.Header.Set("If-None-Match", etag)
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	assert.Equal(t, 304, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}
