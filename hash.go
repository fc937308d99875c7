package policycache

import (
	"encoding/hex"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 hash in bytes (256 bits).
const HashSize = 32

// Hash represents a BLAKE3 256-bit digest.
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for display.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// ETag returns the hash formatted as a strong HTTP entity tag.
func (h Hash) ETag() string {
	return `"` + h.ShortString() + `"`
}

// MatchesETag reports whether an If-None-Match header value selects h.
// The header may be "*" or a comma separated list of tags; weak tags
// (W/"...") compare by their opaque value.
func (h Hash) MatchesETag(header string) bool {
	etag := h.ETag()
	for tag := range strings.SplitSeq(header, ",") {
		tag = strings.TrimSpace(tag)
		if tag == "*" {
			return true
		}
		if strings.TrimPrefix(tag, "W/") == etag {
			return true
		}
	}
	return false
}

// Hasher wraps a BLAKE3 hasher for incremental hashing.
type Hasher struct {
	h *blake3.Hasher
}

// NewHasher creates a new Hasher for incremental hashing.
func NewHasher() *Hasher {
	return &Hasher{h: blake3.New()}
}

// Write implements io.Writer.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Sum returns the current hash without resetting the hasher.
func (h *Hasher) Sum() Hash {
	var hash Hash
	h.h.Sum(hash[:0])
	return hash
}

// DigestRecords hashes a set of records independently of their order.
// Stores do not guarantee listing order, so records are sorted by id first.
func DigestRecords(records []Record) Hash {
	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	h := NewHasher()
	for _, rec := range sorted {
		_, _ = h.Write([]byte(rec.ID))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write(rec.Data)
		_, _ = h.Write([]byte{0})
	}
	return h.Sum()
}
