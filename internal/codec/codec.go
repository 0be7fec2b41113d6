// Package codec compresses stored objects. Decoding detects the codec from
// the frame magic, so readers never need to know how an object was written.
package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Supported codec names.
const (
	None = "none"
	Zstd = "zstd"
	LZ4  = "lz4"
)

var (
	zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}
	lz4Magic  = []byte{0x04, 0x22, 0x4D, 0x18}
)

// EncodeAll and DecodeAll are safe for concurrent use on shared instances.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Validate reports whether name is a known codec.
func Validate(name string) error {
	switch name {
	case None, Zstd, LZ4, "":
		return nil
	default:
		return fmt.Errorf("unknown codec %q", name)
	}
}

// Encode compresses data with the named codec. An empty name means None.
func Encode(name string, data []byte) ([]byte, error) {
	switch name {
	case None, "":
		return data, nil
	case Zstd:
		return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	case LZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 encode: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 encode: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// Decode reverses Encode, detecting the codec from the leading magic bytes.
// Data without a known magic is returned unchanged.
func Decode(data []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(data, zstdMagic):
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return out, nil
	case bytes.HasPrefix(data, lz4Magic):
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("lz4 decode: %w", err)
		}
		return out, nil
	default:
		return data, nil
	}
}
