package publisher

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compression kinds accepted in sink configuration
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// Compressor encodes a payload before it is published. The result never
// aliases src.
type Compressor func(src []byte) []byte

func noCompression(src []byte) []byte {
	return append([]byte(nil), src...)
}

// NewCompressor returns the compressor for kind.
func NewCompressor(kind string) (Compressor, error) {
	switch kind {
	case "", CompressionNone:
		return noCompression, nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		return func(src []byte) []byte {
			return enc.EncodeAll(src, make([]byte, 0, len(src)))
		}, nil
	default:
		return nil, fmt.Errorf("unknown compression: %s", kind)
	}
}

// Decompress reverses a Compressor of the given kind.
func Decompress(kind string, data []byte) ([]byte, error) {
	switch kind {
	case "", CompressionNone:
		return data, nil
	case CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	default:
		return nil, fmt.Errorf("unknown compression: %s", kind)
	}
}
