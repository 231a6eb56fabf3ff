package cache

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	// frameMagic is the 4-byte prefix for disk-tier entry files.
	frameMagic = []byte("TSC1")

	// ErrInvalidMagic is returned when a file doesn't start with the expected magic bytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected TSC1")

	// ErrHeaderTooLarge is returned when the header exceeds maxFrameHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")
)

// maxFrameHeaderSize is the maximum allowed size for the JSON header (64 KiB).
const maxFrameHeaderSize = 64 * 1024

// frameHeader describes a disk-tier entry. The compressed flag is recorded
// both here and in the manifest so a reader never has to guess.
type frameHeader struct {
	Key         string `json:"key"`
	Compressed  bool   `json:"compressed"`
	RawSize     int64  `json:"raw_size"`
	CreatedAtMs int64  `json:"created_at_ms"`
	ExpiresAtMs int64  `json:"expires_at_ms"`
}

// writeFramed writes a framed disk entry to the writer.
// Format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDRBYTES (JSON) | BODYBYTES
func writeFramed(w io.Writer, header *frameHeader, body []byte) error {
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}

	headerLen := len(headerBytes)
	if headerLen > maxFrameHeaderSize {
		return ErrHeaderTooLarge
	}

	if _, err := w.Write(frameMagic); err != nil {
		return fmt.Errorf("writing magic bytes: %w", err)
	}

	if err := binary.Write(w, binary.BigEndian, uint32(headerLen)); err != nil { //nolint:gosec // headerLen is bounds-checked above
		return fmt.Errorf("writing header length: %w", err)
	}

	if _, err := w.Write(headerBytes); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("writing body: %w", err)
	}

	return nil
}

// readFramed reads a framed disk entry from the reader.
// Returns the parsed header and the body bytes.
func readFramed(r io.Reader) (*frameHeader, []byte, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, nil, fmt.Errorf("reading magic bytes: %w", err)
	}
	if !bytes.Equal(magic, frameMagic) {
		return nil, nil, ErrInvalidMagic
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, nil, fmt.Errorf("reading header length: %w", err)
	}

	if headerLen > maxFrameHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	var header frameHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, nil, fmt.Errorf("parsing header: %w", err)
	}

	body, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("reading body: %w", err)
	}

	return &header, body, nil
}
