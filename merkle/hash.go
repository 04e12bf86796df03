package merkle

import (
	"encoding/hex"

	"github.com/latticefs/latticefs/errs"
	"github.com/spaolacci/murmur3"
	"lukechampine.com/blake3"
)

// HashSize is the width of a content digest in bytes (128 bits), per
// spec.md §3.
const HashSize = 16

// Hash is a 128-bit content digest, the key under which every Node
// and every VersionStore blob is addressed.
type Hash [HashSize]byte

// ZeroHash is the hash of nothing; used as a tombstone / "no parent"
// sentinel, mirroring layerfs.ZeroKey.
var ZeroHash = Hash{}

// String renders the hash as 32 lowercase hex characters.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool { return h == ZeroHash }

// ParseHash decodes a 32-character hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != HashSize {
		return h, errs.InvalidArgumentf("parse_hash", s, err)
	}
	copy(h[:], b)
	return h, nil
}

// hasher returns a fresh BLAKE3 instance truncated to HashSize bytes
// of output, the content-hash primitive used for every Node payload
// and every VersionStore blob. BLAKE3's native output is arbitrary
// length (github.com/lukechampine/blake3's New(size, key)), so no
// separate truncation step is needed the way it would be with a
// fixed-width digest.
func hasher() *blake3.Hasher {
	h, err := blake3.New(HashSize, nil)
	if err != nil {
		// New only fails for a key of the wrong length; nil is always valid.
		panic(err)
	}
	return h
}

// SumBytes hashes data to a Hash.
func SumBytes(data []byte) Hash {
	h := hasher()
	h.Write(data)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// SumAll hashes the concatenation of parts, used to combine a node's
// own canonical payload bytes with its children's hashes into one
// digest (the Merkle property, spec.md §3 invariant 1).
func SumAll(parts ...[]byte) Hash {
	h := hasher()
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Bucket computes spec.md §4.3's deterministic vnode bucket:
// the high 64 bits of murmur3's 128-bit hash of path, mod numVNodes — a
// fast, non-cryptographic hash reserved for routing, distinct from
// the BLAKE3 content-identity hash above.
func Bucket(path string, numVNodes int) int {
	if numVNodes <= 0 {
		return 0
	}
	hi, _ := murmur3.Sum128([]byte(path))
	return int(hi % uint64(numVNodes))
}
