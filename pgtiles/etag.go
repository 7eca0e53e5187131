package pgtiles

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

func uintToBytes(n uint64) []byte {
	bs := make([]byte, 8)
	binary.LittleEndian.PutUint64(bs, n)
	return bs
}

// generateEtag returns a quoted strong ETag for a tile body.
func generateEtag(data []byte) string {
	sum := uintToBytes(xxhash.Sum64(data))
	return fmt.Sprintf(`"%s"`, hex.EncodeToString(sum))
}

// contentHash keys deduplicated tile payloads in seeded archives.
func contentHash(data []byte) string {
	return hex.EncodeToString(uintToBytes(xxhash.Sum64(data)))
}
