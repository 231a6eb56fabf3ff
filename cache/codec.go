package cache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	// maxDecompressedSize is the hard cap during decompression to prevent
	// compression bombs.
	maxDecompressedSize = 64 * 1024 * 1024
)

// ErrDecompressionBomb is returned when a decompressed payload exceeds the limit.
var ErrDecompressionBomb = errors.New("decompressed payload exceeds maximum size")

// compressor handles optional zstd compression of disk-tier payloads.
// Encoder and decoder are goroutine-safe and reused across calls.
type compressor struct {
	threshold int
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	mu        sync.RWMutex
}

// newCompressor creates a compressor that compresses payloads at or above
// the given size threshold.
func newCompressor(threshold int) (*compressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &compressor{
		threshold: threshold,
		encoder:   enc,
		decoder:   dec,
	}, nil
}

// close releases encoder/decoder resources.
func (c *compressor) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// encode compresses data when it is at or above the threshold and the
// compressed form is actually smaller. It reports whether compression
// was applied.
func (c *compressor) encode(data []byte) (out []byte, compressed bool) {
	if len(data) < c.threshold {
		return data, false
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()

	if enc == nil {
		return data, false
	}

	encoded := enc.EncodeAll(data, nil)
	if len(encoded) >= len(data) {
		return data, false
	}
	return encoded, true
}

// decode decompresses data when compressed is set; otherwise it returns
// data unchanged.
func (c *compressor) decode(data []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return data, nil
	}

	c.mu.RLock()
	dec := c.decoder
	c.mu.RUnlock()

	if dec == nil {
		return nil, errors.New("decoder not initialized")
	}

	decoded, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}
	if len(decoded) > maxDecompressedSize {
		return nil, ErrDecompressionBomb
	}
	return decoded, nil
}
