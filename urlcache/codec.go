package urlcache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const (
	// CompressionThreshold is the minimum encoded entry size before compression is considered.
	// 2KB threshold - zstd overhead not worth it for smaller payloads.
	CompressionThreshold = 2048

	// MaxDecompressedSize is the hard cap during decompression to prevent compression bombs.
	MaxDecompressedSize = 10 * 1024 * 1024 // 10MB
)

// zstdMagic prefixes every zstd frame. A JSON document can never start
// with these bytes, so stored values are self-describing.
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// ErrCorrupted is returned when a stored value cannot be decoded.
var ErrCorrupted = errors.New("urlcache: corrupted entry")

// Entry is a cached payload with the time it was stored.
type Entry struct {
	Data json.RawMessage `json:"data"`
	// Timestamp is milliseconds since the Unix epoch.
	Timestamp int64 `json:"timestamp"`
}

// codec encodes entries as JSON, compressing large ones with zstd.
// Encoder and decoder are goroutine-safe and can be reused.
type codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecompressedSize))
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &codec{encoder: enc, decoder: dec}, nil
}

func (c *codec) close() {
	_ = c.encoder.Close()
	c.decoder.Close()
}

func (c *codec) encode(e Entry) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding entry: %w", err)
	}

	if len(raw) < CompressionThreshold {
		return raw, nil
	}

	compressed := c.encoder.EncodeAll(raw, nil)
	if len(compressed) >= len(raw) {
		return raw, nil
	}
	return compressed, nil
}

func (c *codec) decode(value []byte) (Entry, error) {
	if bytes.HasPrefix(value, zstdMagic) {
		decompressed, err := c.decoder.DecodeAll(value, nil)
		if err != nil {
			return Entry{}, fmt.Errorf("%w: decompressing: %w", ErrCorrupted, err)
		}
		if len(decompressed) > MaxDecompressedSize {
			return Entry{}, fmt.Errorf("%w: decompressed entry too large", ErrCorrupted)
		}
		value = decompressed
	}

	var e Entry
	if err := json.Unmarshal(value, &e); err != nil {
		return Entry{}, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	if len(e.Data) == 0 {
		return Entry{}, fmt.Errorf("%w: missing data", ErrCorrupted)
	}
	return e, nil
}
