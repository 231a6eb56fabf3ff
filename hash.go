// Package tmplscout provides the data-access layer for the tmplscout CLI:
// a three-tier cache engine, a hybrid local/remote template store, and a
// coordinated outbound request layer.
package tmplscout

import (
	"encoding/hex"
	"fmt"
	"io"
	"sort"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 hash in bytes (256 bits).
const HashSize = 32

// Hash represents a BLAKE3 256-bit digest. It is used for cache keys,
// disk-tier file names and request fingerprints.
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for display.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// Dir returns the first two hex characters of the hash, used for sharding
// disk-tier files into subdirectories to bound directory fan-out.
func (h Hash) Dir() string {
	return hex.EncodeToString(h[:1])
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

// HashBytes computes the BLAKE3 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// HashReader computes the BLAKE3 hash of content from the reader.
// It returns the hash and the number of bytes read.
func HashReader(r io.Reader) (Hash, int64, error) {
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Hash{}, n, fmt.Errorf("hashing content: %w", err)
	}
	var hash Hash
	h.Sum(hash[:0])
	return hash, n, nil
}

// Fingerprint computes a deterministic hash of a request's method, endpoint,
// parameters and body. Params are folded in sorted key order so two maps with
// the same contents always produce the same fingerprint.
func Fingerprint(method, endpoint string, params map[string]string, body []byte) Hash {
	h := blake3.New()
	_, _ = h.Write([]byte(method))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(endpoint))
	_, _ = h.Write([]byte{0})

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{'='})
		_, _ = h.Write([]byte(params[k]))
		_, _ = h.Write([]byte{0})
	}

	_, _ = h.Write(body)

	var hash Hash
	h.Sum(hash[:0])
	return hash
}
