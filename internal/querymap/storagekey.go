package querymap

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/OneOfOne/xxhash"
)

// twox128 is the substrate TwoX-128 hasher: two xxhash64 passes with seeds 0
// and 1, little-endian concatenated.
func twox128(data []byte) []byte {
	out := make([]byte, 16)
	binary.LittleEndian.PutUint64(out[:8], xxhash.Checksum64S(data, 0))
	binary.LittleEndian.PutUint64(out[8:], xxhash.Checksum64S(data, 1))
	return out
}

// StoragePrefix returns the hex storage key prefix for a storage map:
// twox128(pallet) ++ twox128(item).
func StoragePrefix(pallet, item string) string {
	prefix := append(twox128([]byte(pallet)), twox128([]byte(item))...)
	return "0x" + hex.EncodeToString(prefix)
}
