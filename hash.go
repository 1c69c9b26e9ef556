package bundlecache

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 hash in bytes (256 bits).
const HashSize = 32

// Hash represents a BLAKE3 256-bit digest. The engine uses it as the
// generation identity of an installed bundle: each install hashes the
// manifest bytes and language code, and the content caches key on the
// result so entries from a bundle replaced with different content become
// unreachable without explicit invalidation.
type Hash [HashSize]byte

// HashBytes computes the digest of the concatenation of the given chunks.
func HashBytes(chunks ...[]byte) Hash {
	h := blake3.New()
	for _, c := range chunks {
		_, _ = h.Write(c)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for display.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// IsZero returns true if the hash is all zeros (uninitialized).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ParseHash parses a hex-encoded hash string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// HashingReader wraps an io.Reader and computes a BLAKE3 hash of all data
// read through it. Used while streaming a bundle archive to disk so the
// digest is available for logging without a second pass.
type HashingReader struct {
	r      io.Reader
	hasher *blake3.Hasher
	n      int64
}

// NewHashingReader creates a reader that hashes data as it is read.
func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{
		r:      r,
		hasher: blake3.New(),
	}
}

// Read implements io.Reader.
func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		_, _ = hr.hasher.Write(p[:n])
		hr.n += int64(n)
	}
	return n, err
}

// Sum returns the hash of all data read so far.
func (hr *HashingReader) Sum() Hash {
	var out Hash
	copy(out[:], hr.hasher.Sum(nil))
	return out
}

// BytesRead returns the number of bytes read so far.
func (hr *HashingReader) BytesRead() int64 {
	return hr.n
}
