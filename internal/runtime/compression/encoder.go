package compression

import (
	"bytes"
	"fmt"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Encode compresses the payload with the named coding. Identity returns the
// payload untouched; an unknown coding is an error so the caller can fall back
// to the uncompressed body instead of emitting a mislabeled one.
func Encode(encoding string, payload []byte) ([]byte, error) {
	switch encoding {
	case EncodingIdentity, "":
		return payload, nil
	case EncodingGzip:
		return encodeGzip(payload)
	case EncodingZstd:
		return encodeZstd(payload)
	case EncodingBrotli:
		return encodeBrotli(payload)
	default:
		return nil, fmt.Errorf("compression: unsupported encoding %q", encoding)
	}
}

func encodeGzip(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("compression: gzip writer: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return nil, fmt.Errorf("compression: gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compression: gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeZstd(payload []byte) ([]byte, error) {
	w, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("compression: zstd writer: %w", err)
	}
	out := w.EncodeAll(payload, nil)
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compression: zstd close: %w", err)
	}
	return out, nil
}

func encodeBrotli(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(payload); err != nil {
		return nil, fmt.Errorf("compression: brotli write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compression: brotli close: %w", err)
	}
	return buf.Bytes(), nil
}
