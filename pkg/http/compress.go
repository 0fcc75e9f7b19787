package http

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression selects the request body content encoding.
type Compression string

// Supported compressions.
const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

// DefaultCompressionThreshold is the body size below which bodies are sent
// uncompressed.
const DefaultCompressionThreshold = 1024

// Validate reports an unknown compression.
func (c Compression) Validate() error {
	switch c {
	case CompressionNone, CompressionGzip, CompressionZstd:
		return nil
	default:
		return fmt.Errorf("tracestream: unknown compression %q", c)
	}
}

// errIncompressible reports a body that did not shrink.
var errIncompressible = errors.New("incompressible")

var gzipWriters = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(nil, gzip.DefaultCompression)
		return w
	},
}

// zstd.Encoder is safe for concurrent EncodeAll calls.
var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdErr     error
)

func compressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(data) / 2)

	w := gzipWriters.Get().(*gzip.Writer)
	defer gzipWriters.Put(w)
	w.Reset(&buf)

	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	if buf.Len() >= len(data) {
		return nil, errIncompressible
	}
	return buf.Bytes(), nil
}

func compressZstd(data []byte) ([]byte, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	if zstdErr != nil {
		return nil, zstdErr
	}
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

// encodeBody compresses data when it is at least threshold bytes and the
// result is smaller. It returns the body and its Content-Encoding, which is
// empty for an uncompressed body.
func encodeBody(c Compression, threshold int, data []byte) ([]byte, string, error) {
	if c == CompressionNone || c == "" || len(data) < threshold {
		return data, "", nil
	}

	var (
		out []byte
		err error
	)
	switch c {
	case CompressionGzip:
		out, err = compressGzip(data)
	case CompressionZstd:
		out, err = compressZstd(data)
	default:
		return nil, "", c.Validate()
	}
	if errors.Is(err, errIncompressible) {
		return data, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("tracestream: compress body: %w", err)
	}
	return out, string(c), nil
}
