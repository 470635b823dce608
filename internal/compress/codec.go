// Package compress implements per-message payload compression for the wire
// protocol.
//
// Encoded payloads carry a 5-byte header: a 1-byte algorithm tag followed by
// the uncompressed size as a big-endian uint32. These values are protocol
// constants — changing them breaks client compatibility. Decode verifies
// that the body's magic bytes match the declared algorithm and that the
// decompressed length matches the header exactly.
package compress

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/pierrec/lz4/v4"
)

var (
	// ErrAlgorithmMismatch indicates a payload's declared algorithm does not
	// match its magic bytes. Decode fails closed on this condition.
	ErrAlgorithmMismatch = errors.New("payload magic bytes do not match declared algorithm")

	errIncompressible = errors.New("data is incompressible")
)

// Algorithm identifies a compression algorithm. The tag byte is part of the
// wire format.
type Algorithm uint8

const (
	// None indicates an uncompressed payload. Small payloads always use
	// None: header overhead would exceed the savings.
	None Algorithm = 0

	// Gzip indicates RFC 1952 gzip framing.
	Gzip Algorithm = 1

	// Zlib indicates RFC 1950 zlib framing.
	Zlib Algorithm = 2

	// LZ4 indicates LZ4 frame format. The default: best latency/ratio
	// tradeoff for small, frequent messages.
	LZ4 Algorithm = 3
)

// String returns the human-readable name of an algorithm.
func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case Gzip:
		return "gzip"
	case Zlib:
		return "zlib"
	case LZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// ParseAlgorithm parses an algorithm from its config-file name.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "none":
		return None, nil
	case "gzip":
		return Gzip, nil
	case "zlib":
		return Zlib, nil
	case "lz4", "":
		return LZ4, nil
	default:
		return 0, fmt.Errorf("unknown compression algorithm: %q", name)
	}
}

const headerSize = 5 // 1-byte tag + 4-byte uncompressed size

// DefaultMinSize is the payload size below which compression is skipped.
const DefaultMinSize = 1024

// Config controls encoding policy.
type Config struct {
	// Algorithm used when AutoSelect is false.
	Algorithm Algorithm
	// MinSizeBytes: payloads smaller than this are never compressed.
	MinSizeBytes int
	// MaxCompressionTime is the latency budget. Compression that exceeds it
	// is discarded and the payload is sent uncompressed.
	MaxCompressionTime time.Duration
	// AutoSelect picks the fastest algorithm expected to finish within the
	// budget for the payload's size class.
	AutoSelect bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Algorithm:          LZ4,
		MinSizeBytes:       DefaultMinSize,
		MaxCompressionTime: 10 * time.Millisecond,
		AutoSelect:         true,
	}
}

// Decision records the outcome of one encode call. Used only for metrics,
// never persisted.
type Decision struct {
	Algorithm      Algorithm
	OriginalSize   int
	CompressedSize int
	Elapsed        time.Duration
}

// Codec compresses and decompresses wire payloads.
type Codec struct {
	cfg Config
}

// NewCodec creates a codec with the given policy. Zero-value fields fall
// back to defaults.
func NewCodec(cfg Config) *Codec {
	if cfg.MinSizeBytes <= 0 {
		cfg.MinSizeBytes = DefaultMinSize
	}
	if cfg.MaxCompressionTime <= 0 {
		cfg.MaxCompressionTime = DefaultConfig().MaxCompressionTime
	}
	return &Codec{cfg: cfg}
}

// Encode compresses payload according to policy and returns the framed
// bytes plus the decision record. Encode never fails the message: any
// compression problem degrades to an uncompressed frame.
func (c *Codec) Encode(payload []byte) ([]byte, Decision) {
	start := time.Now()

	algorithm := c.cfg.Algorithm
	if len(payload) < c.cfg.MinSizeBytes {
		algorithm = None
	} else if c.cfg.AutoSelect {
		algorithm = selectAlgorithm(len(payload), c.cfg.MaxCompressionTime)
	}

	if algorithm == None {
		return frame(None, len(payload), payload), Decision{
			Algorithm:      None,
			OriginalSize:   len(payload),
			CompressedSize: len(payload),
			Elapsed:        time.Since(start),
		}
	}

	compressed, err := compress(payload, algorithm)
	elapsed := time.Since(start)
	if err != nil || elapsed > c.cfg.MaxCompressionTime {
		// Incompressible data or blown latency budget: real-time delivery
		// outranks bandwidth savings, so fall back to uncompressed.
		return frame(None, len(payload), payload), Decision{
			Algorithm:      None,
			OriginalSize:   len(payload),
			CompressedSize: len(payload),
			Elapsed:        elapsed,
		}
	}

	return frame(algorithm, len(payload), compressed), Decision{
		Algorithm:      algorithm,
		OriginalSize:   len(payload),
		CompressedSize: len(compressed),
		Elapsed:        elapsed,
	}
}

// Decode is the exact inverse of Encode. It rejects frames whose declared
// algorithm does not match the body's magic bytes, and frames whose
// decompressed size does not match the header.
func (c *Codec) Decode(encoded []byte) ([]byte, error) {
	if len(encoded) < headerSize {
		return nil, fmt.Errorf("frame too short: %d bytes", len(encoded))
	}

	algorithm := Algorithm(encoded[0])
	declaredSize := int(binary.BigEndian.Uint32(encoded[1:5]))
	body := encoded[headerSize:]

	if algorithm == None {
		if len(body) != declaredSize {
			return nil, fmt.Errorf("uncompressed frame: size %d does not match declared %d", len(body), declaredSize)
		}
		return body, nil
	}

	if !magicMatches(algorithm, body) {
		return nil, fmt.Errorf("%w: declared %s", ErrAlgorithmMismatch, algorithm)
	}

	decompressed, err := decompress(body, algorithm)
	if err != nil {
		return nil, err
	}
	if len(decompressed) != declaredSize {
		return nil, fmt.Errorf("%s decompress: got %d bytes, declared %d", algorithm, len(decompressed), declaredSize)
	}
	return decompressed, nil
}

// frame prepends the algorithm tag and the declared uncompressed size. The
// header always declares the original payload size, not the body length.
func frame(algorithm Algorithm, uncompressedSize int, body []byte) []byte {
	out := make([]byte, headerSize+len(body))
	out[0] = byte(algorithm)
	binary.BigEndian.PutUint32(out[1:5], uint32(uncompressedSize))
	copy(out[headerSize:], body)
	return out
}

// compress dispatches to the algorithm implementation.
func compress(data []byte, algorithm Algorithm) ([]byte, error) {
	switch algorithm {
	case Gzip:
		return compressGzip(data)
	case Zlib:
		return compressZlib(data)
	case LZ4:
		return compressLZ4(data)
	default:
		return nil, fmt.Errorf("unsupported algorithm: %d", algorithm)
	}
}

func decompress(body []byte, algorithm Algorithm) ([]byte, error) {
	switch algorithm {
	case Gzip:
		return decompressGzip(body)
	case Zlib:
		return decompressZlib(body)
	case LZ4:
		return decompressLZ4(body)
	default:
		return nil, fmt.Errorf("unsupported algorithm: %d", algorithm)
	}
}

// magicMatches checks the body's leading bytes against the declared
// algorithm's framing magic.
func magicMatches(algorithm Algorithm, body []byte) bool {
	switch algorithm {
	case Gzip:
		return len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b
	case Zlib:
		// RFC 1950: CMF byte declares deflate (low nibble 8) and the
		// CMF/FLG pair is a multiple of 31.
		if len(body) < 2 || body[0]&0x0f != 8 {
			return false
		}
		return (uint(body[0])<<8|uint(body[1]))%31 == 0
	case LZ4:
		// LZ4 frame magic, little-endian 0x184D2204.
		return len(body) >= 4 &&
			body[0] == 0x04 && body[1] == 0x22 && body[2] == 0x4d && body[3] == 0x18
	default:
		return false
	}
}

func compressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, flate.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("gzip compress: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("gzip compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip compress: %w", err)
	}
	if buf.Len() >= len(data) {
		return nil, errIncompressible
	}
	return buf.Bytes(), nil
}

func decompressGzip(body []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gzip decompress: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip decompress: %w", err)
	}
	return out, nil
}

func compressZlib(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, flate.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("zlib compress: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("zlib compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("zlib compress: %w", err)
	}
	if buf.Len() >= len(data) {
		return nil, errIncompressible
	}
	return buf.Bytes(), nil
}

func decompressZlib(body []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("zlib decompress: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("zlib decompress: %w", err)
	}
	return out, nil
}

func compressLZ4(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if buf.Len() >= len(data) {
		return nil, errIncompressible
	}
	return buf.Bytes(), nil
}

func decompressLZ4(body []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(body))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	return out, nil
}

// Estimated single-core compression throughput, bytes per second. Used only
// for algorithm selection; deliberately conservative so selection errs
// toward skipping compression rather than blowing the budget.
const (
	lz4Throughput  = 400 << 20
	zlibThroughput = 40 << 20
	gzipThroughput = 40 << 20
)

// selectAlgorithm returns the fastest algorithm whose expected compression
// time for this payload size stays under the budget. When even LZ4 cannot
// be expected to finish in time, the payload goes uncompressed.
func selectAlgorithm(size int, budget time.Duration) Algorithm {
	candidates := []struct {
		algorithm  Algorithm
		throughput float64
	}{
		{LZ4, lz4Throughput},
		{Zlib, zlibThroughput},
		{Gzip, gzipThroughput},
	}

	for _, c := range candidates {
		expected := time.Duration(float64(size) / c.throughput * float64(time.Second))
		if expected <= budget {
			return c.algorithm
		}
	}
	return None
}
