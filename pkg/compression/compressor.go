// Package compression compresses full-load batch objects before they are
// written to an object store.
//
// # Basic Usage
//
//	comp, err := compression.NewCompressor(compression.Zstd, compression.Default)
//	compressed, err := comp.Compress(data)
//	key := "orders/orders_20240101T000000Z.jsonl" + comp.Extension()
//
// Speed (fastest to slowest): LZ4 > Zstd > Gzip.
// Compression ratio (best to worst): Zstd > Gzip > LZ4.
package compression

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm represents a compression algorithm
type Algorithm string

const (
	None Algorithm = "none"
	Gzip Algorithm = "gzip"
	Zstd Algorithm = "zstd"
	LZ4  Algorithm = "lz4"
)

// Level represents compression level, trading speed for ratio
type Level int

const (
	Fastest Level = 1
	Default Level = 5
	Better  Level = 7
	Best    Level = 9
)

// ParseAlgorithm maps a configuration value to an Algorithm. Empty means None.
func ParseAlgorithm(raw string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(raw))) {
	case "", None:
		return None, nil
	case Gzip:
		return Gzip, nil
	case Zstd:
		return Zstd, nil
	case LZ4:
		return LZ4, nil
	default:
		return None, fmt.Errorf("unsupported compression algorithm: %s", raw)
	}
}

// Compressor compresses whole in-memory payloads. Implementations are safe for concurrent use.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Algorithm() Algorithm
	// Extension is the file suffix for compressed objects, including the dot, or ""
	Extension() string
}

// NewCompressor creates a compressor for the algorithm
func NewCompressor(algorithm Algorithm, level Level) (Compressor, error) {
	switch algorithm {
	case None, "":
		return noneCompressor{}, nil
	case Gzip:
		return newGzipCompressor(level), nil
	case Zstd:
		return newZstdCompressor(level)
	case LZ4:
		return &lz4Compressor{level: mapLZ4Level(level)}, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}
}

type noneCompressor struct{}

func (noneCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (noneCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }
func (noneCompressor) Algorithm() Algorithm                   { return None }
func (noneCompressor) Extension() string                      { return "" }

type gzipCompressor struct {
	writerPool sync.Pool
}

func newGzipCompressor(level Level) *gzipCompressor {
	gl := mapGzipLevel(level)
	gc := &gzipCompressor{}
	gc.writerPool.New = func() interface{} {
		w, _ := gzip.NewWriterLevel(nil, gl)
		return w
	}
	return gc
}

func (gc *gzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gc.writerPool.Get().(*gzip.Writer)
	defer gc.writerPool.Put(w)

	w.Reset(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gc *gzipCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (gc *gzipCompressor) Algorithm() Algorithm { return Gzip }
func (gc *gzipCompressor) Extension() string    { return ".gz" }

type zstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newZstdCompressor(level Level) (*zstdCompressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(mapZstdLevel(level)))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &zstdCompressor{encoder: enc, decoder: dec}, nil
}

// EncodeAll and DecodeAll are safe for concurrent use on a shared coder
func (zc *zstdCompressor) Compress(data []byte) ([]byte, error) {
	return zc.encoder.EncodeAll(data, nil), nil
}

func (zc *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	return zc.decoder.DecodeAll(data, nil)
}

func (zc *zstdCompressor) Algorithm() Algorithm { return Zstd }
func (zc *zstdCompressor) Extension() string    { return ".zst" }

type lz4Compressor struct {
	level lz4.CompressionLevel
}

func (lc *lz4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if err := w.Apply(lz4.CompressionLevelOption(lc.level)); err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (lc *lz4Compressor) Decompress(data []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
}

func (lc *lz4Compressor) Algorithm() Algorithm { return LZ4 }
func (lc *lz4Compressor) Extension() string    { return ".lz4" }

func mapGzipLevel(level Level) int {
	switch level {
	case Fastest:
		return gzip.BestSpeed
	case Better:
		return 7
	case Best:
		return gzip.BestCompression
	default:
		return gzip.DefaultCompression
	}
}

func mapZstdLevel(level Level) zstd.EncoderLevel {
	switch level {
	case Fastest:
		return zstd.SpeedFastest
	case Better:
		return zstd.SpeedBetterCompression
	case Best:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

func mapLZ4Level(level Level) lz4.CompressionLevel {
	switch level {
	case Fastest:
		return lz4.Fast
	case Better:
		return lz4.Level6
	case Best:
		return lz4.Level9
	default:
		return lz4.Level3
	}
}
