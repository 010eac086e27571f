package common

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2b"
)

// Hash64 is the first 8 bytes (little endian) of the BLAKE2b-256 digest. It is
// the content hash persisted across runs, so it must stay stable.
func Hash64(data []byte) uint64 {
	hash := blake2b.Sum256(data)
	return binary.LittleEndian.Uint64(hash[:8])
}

// FastHash is a non-cryptographic hash used for in-process cache keys.
func FastHash(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// FastHashUint64 hashes a single integer key, e.g. for shard selection.
func FastHashUint64(v uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return xxhash.Sum64(b[:])
}
