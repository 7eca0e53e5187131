package pgtiles

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// ErrMalformedURL indicates a tile URL that does not match
// scheme://source/z/x/y with in-range integer coordinates.
var ErrMalformedURL = errors.New("malformed tile URL")

// ErrUnknownSource indicates a well-formed URL naming a source
// the adapter has no backend for.
var ErrUnknownSource = errors.New("unknown tile source")

// MaxZoom is the highest zoom level accepted in tile URLs.
const MaxZoom = 31

var tileURLPattern = regexp.MustCompile(`^([a-z][a-z0-9+.-]*)://([-A-Za-z0-9_.]+)/(\d+)/(\d+)/(\d+)$`)

// TileRequest is one parsed tile fetch. It lives for a single
// request/response cycle; the adapter keeps no state across requests.
type TileRequest struct {
	Source string
	Z      uint8
	X      uint32
	Y      uint32
}

func (req TileRequest) String() string {
	return fmt.Sprintf("%s/%d/%d/%d", req.Source, req.Z, req.X, req.Y)
}

// RemoteError is a failed backend call or an undecodable backend
// response. Cancellation is never wrapped in a RemoteError.
type RemoteError struct {
	Request TileRequest
	Err     error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("mvt call for %s failed: %v", e.Request, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// ParseTileURL matches rawURL against scheme://source/z/x/y and
// validates the captures: z at most MaxZoom, x and y below 2^z.
func ParseTileURL(scheme string, rawURL string) (TileRequest, error) {
	res := tileURLPattern.FindStringSubmatch(rawURL)
	if res == nil {
		return TileRequest{}, fmt.Errorf("%w: %q", ErrMalformedURL, rawURL)
	}
	if res[1] != scheme {
		return TileRequest{}, fmt.Errorf("%w: scheme %q, want %q", ErrMalformedURL, res[1], scheme)
	}
	z, err := strconv.ParseUint(res[3], 10, 8)
	if err != nil || z > MaxZoom {
		return TileRequest{}, fmt.Errorf("%w: zoom %q out of range", ErrMalformedURL, res[3])
	}
	x, err := strconv.ParseUint(res[4], 10, 32)
	if err != nil || x >= 1<<z {
		return TileRequest{}, fmt.Errorf("%w: x %q out of range for zoom %d", ErrMalformedURL, res[4], z)
	}
	y, err := strconv.ParseUint(res[5], 10, 32)
	if err != nil || y >= 1<<z {
		return TileRequest{}, fmt.Errorf("%w: y %q out of range for zoom %d", ErrMalformedURL, res[5], z)
	}
	return TileRequest{Source: res[2], Z: uint8(z), X: uint32(x), Y: uint32(y)}, nil
}

// Adapter bridges a tile renderer's generic fetch mechanism to the
// backend mvt call. Backends are passed in explicitly so tests can
// substitute a mock; there is no ambient client singleton.
type Adapter struct {
	scheme   string
	backends map[string]Backend
}

// NewAdapter creates an Adapter for the given URL scheme. Each map
// entry routes one source name to a backend; a single-entry map
// reproduces the common one-table deployment.
func NewAdapter(scheme string, backends map[string]Backend) (*Adapter, error) {
	if scheme == "" {
		return nil, errors.New("scheme must not be empty")
	}
	if len(backends) == 0 {
		return nil, errors.New("at least one backend is required")
	}
	return &Adapter{scheme: scheme, backends: backends}, nil
}

// Scheme returns the URL scheme this adapter accepts.
func (a *Adapter) Scheme() string {
	return a.scheme
}

// Backend returns the backend serving the named source.
func (a *Adapter) Backend(source string) (Backend, bool) {
	backend, ok := a.backends[source]
	return backend, ok
}

// FetchTile parses rawURL and fetches the tile it names. Malformed
// URLs fail before any backend call is made.
func (a *Adapter) FetchTile(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := ParseTileURL(a.scheme, rawURL)
	if err != nil {
		return nil, err
	}
	return a.Fetch(ctx, req)
}

// Fetch issues one backend call for req and decodes the base64 text
// response into raw tile bytes. There is no caching and no retry; a
// canceled context settles as cancellation, never as success or as a
// RemoteError.
func (a *Adapter) Fetch(ctx context.Context, req TileRequest) ([]byte, error) {
	backend, ok := a.backends[req.Source]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, req.Source)
	}

	encoded, err := backend.MVT(ctx, req.Z, req.X, req.Y)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &RemoteError{Request: req, Err: err}
	}
	if cerr := ctx.Err(); cerr != nil {
		return nil, cerr
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &RemoteError{Request: req, Err: fmt.Errorf("decoding tile payload: %w", err)}
	}
	return data, nil
}
