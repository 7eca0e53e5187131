package pgtiles

import "context"

// Backend is the remote procedure contract: an mvt call taking tile
// coordinates and returning the base64 text encoding of a binary tile
// payload. The payload format is opaque at this level.
type Backend interface {
	MVT(ctx context.Context, z uint8, x uint32, y uint32) (string, error)
}

// RecordFetcher retrieves one record as a JSON document by primary
// key. Presentation layers (feature popups and the like) call this;
// rendering the result is out of scope here.
type RecordFetcher interface {
	Record(ctx context.Context, id int64) ([]byte, error)
}
