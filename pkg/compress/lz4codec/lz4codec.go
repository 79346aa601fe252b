// Package lz4codec implements the lz4 compress.Codec on top of
// pierrec/lz4/v4, the speed-optimized end of the codec spectrum.
package lz4codec

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v4"

	"github.com/fsx-project/fsx/pkg/compress"
	"github.com/fsx-project/fsx/pkg/errtypes"
)

// Codec implements compress.Codec for lz4 frames.
type Codec struct {
	fast bool
}

// New returns an lz4 Codec. fast selects lz4.Fast over the default
// compression level, trading ratio for speed.
func New(fast bool) *Codec {
	return &Codec{fast: fast}
}

func (c *Codec) Algorithm() compress.Algorithm { return compress.LZ4 }

func (c *Codec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	opts := []lz4.Option{}
	if c.fast {
		opts = append(opts, lz4.CompressionLevelOption(lz4.Fast))
	}
	if err := w.Apply(opts...); err != nil {
		return nil, &errtypes.Compression{Code: errtypes.CompressionFailed, Msg: err.Error()}
	}
	if _, err := w.Write(data); err != nil {
		return nil, &errtypes.Compression{Code: errtypes.CompressionFailed, Msg: err.Error()}
	}
	if err := w.Close(); err != nil {
		return nil, &errtypes.Compression{Code: errtypes.CompressionFailed, Msg: err.Error()}
	}
	return buf.Bytes(), nil
}

func (c *Codec) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, &errtypes.Compression{Code: errtypes.InvalidData, Msg: "empty input"}
	}
	if compress.AutoDetect(data) != compress.LZ4 {
		return nil, &errtypes.Compression{Code: errtypes.InvalidData, Msg: "bad lz4 magic bytes"}
	}
	r := lz4.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, &errtypes.Compression{Code: errtypes.DecompressionFailed, Msg: err.Error()}
	}
	return out, nil
}
