// Package compress defines the codec abstraction used by pages and blobs
// (spec §4.2): gzip/lz4/zstd encode/decode behind one interface, magic-byte
// auto-detection, and a preset selector. The concrete codecs live in the
// gzipcodec, zstdcodec, and lz4codec subpackages so each can depend on its
// own third-party library without leaking that dependency into callers
// that only need the Algorithm enum or the detection helpers.
package compress

import (
	"bytes"

	"github.com/fsx-project/fsx/pkg/errtypes"
)

// Algorithm identifies a compression codec.
type Algorithm string

const (
	Gzip    Algorithm = "gzip"
	Zstd    Algorithm = "zstd"
	LZ4     Algorithm = "lz4"
	Unknown Algorithm = ""
)

// Preset picks an Algorithm (and, where meaningful, a level) by intent
// rather than by name.
type Preset string

const (
	PresetSpeed    Preset = "speed"    // lz4
	PresetRatio    Preset = "ratio"    // zstd level 9
	PresetBalanced Preset = "balanced" // gzip level 6
)

// SelectForPreset maps a Preset to its algorithm and level.
func SelectForPreset(p Preset) (Algorithm, int, error) {
	switch p {
	case PresetSpeed:
		return LZ4, 0, nil
	case PresetRatio:
		return Zstd, 9, nil
	case PresetBalanced:
		return Gzip, 6, nil
	default:
		return Unknown, 0, &errtypes.Compression{
			Code: errtypes.UnsupportedAlgorithm,
			Msg:  "unknown preset: " + string(p),
		}
	}
}

var magic = []struct {
	alg   Algorithm
	bytes []byte
}{
	{Gzip, []byte{0x1f, 0x8b}},
	{Zstd, []byte{0x28, 0xb5, 0x2f, 0xfd}},
	{LZ4, []byte{0x04, 0x22, 0x4d, 0x18}},
}

// AutoDetect inspects the leading bytes of data and returns the inferred
// Algorithm, or Unknown if the header matches none of gzip/zstd/lz4 — such
// data is treated as uncompressed, not an error.
func AutoDetect(data []byte) Algorithm {
	for _, m := range magic {
		if bytes.HasPrefix(data, m.bytes) {
			return m.alg
		}
	}
	return Unknown
}

// Codec is the per-algorithm encode/decode contract every subpackage
// implements.
type Codec interface {
	Algorithm() Algorithm
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// Metrics is the result of CompressWithMetrics: the compressed payload plus
// the bookkeeping the spec requires for tiering/transfer decisions.
type Metrics struct {
	Data           []byte
	OriginalSize   int
	CompressedSize int
	Ratio          float64
	Expanded       bool
	Algorithm      Algorithm
}

// CompressWithMetrics runs c over data and reports the before/after sizes.
// Expanded is true when compression made the payload larger — pathological
// for already-compressed or tiny inputs, but not an error.
func CompressWithMetrics(c Codec, data []byte) (Metrics, error) {
	out, err := c.Compress(data)
	if err != nil {
		return Metrics{}, err
	}
	m := Metrics{
		Data:           out,
		OriginalSize:   len(data),
		CompressedSize: len(out),
		Algorithm:      c.Algorithm(),
		Expanded:       len(out) > len(data),
	}
	if len(data) > 0 {
		m.Ratio = float64(len(out)) / float64(len(data))
	}
	return m, nil
}

// Registry resolves an Algorithm to its Codec, for anything that needs
// auto-decompress.
type Registry struct {
	codecs map[Algorithm]Codec
}

// NewRegistry builds a Registry from the given codecs, keyed by their own
// Algorithm().
func NewRegistry(codecs ...Codec) *Registry {
	r := &Registry{codecs: make(map[Algorithm]Codec, len(codecs))}
	for _, c := range codecs {
		r.codecs[c.Algorithm()] = c
	}
	return r
}

// Get returns the codec registered for alg, if any.
func (r *Registry) Get(alg Algorithm) (Codec, bool) {
	c, ok := r.codecs[alg]
	return c, ok
}

// AutoDecompress detects the algorithm from data's header and dispatches
// to the matching codec. Data with no recognized header is returned
// unchanged, matching AutoDetect treating it as uncompressed.
func (r *Registry) AutoDecompress(data []byte) ([]byte, Algorithm, error) {
	alg := AutoDetect(data)
	if alg == Unknown {
		return data, Unknown, nil
	}
	c, ok := r.codecs[alg]
	if !ok {
		return nil, alg, &errtypes.Compression{
			Code: errtypes.UnsupportedAlgorithm,
			Msg:  "no codec registered for " + string(alg),
		}
	}
	out, err := c.Decompress(data)
	return out, alg, err
}
