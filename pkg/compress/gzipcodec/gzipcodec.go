// Package gzipcodec implements the gzip compress.Codec using
// klauspost/compress's drop-in, faster gzip package rather than the
// stdlib one, matching the level-tunable (0-9) behavior the spec requires.
package gzipcodec

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/fsx-project/fsx/pkg/compress"
	"github.com/fsx-project/fsx/pkg/errtypes"
)

// Codec implements compress.Codec for gzip at a fixed level.
type Codec struct {
	level int
}

// New returns a gzip Codec at level, which must be 0 (no compression)
// through 9 (best compression); levels outside that range are rejected
// here with an INVALID_DATA Compression error.
func New(level int) (*Codec, error) {
	if level < gzip.NoCompression || level > gzip.BestCompression {
		return nil, &errtypes.Compression{
			Code: errtypes.InvalidData,
			Msg:  "gzip level out of range 0-9",
		}
	}
	return &Codec{level: level}, nil
}

func (c *Codec) Algorithm() compress.Algorithm { return compress.Gzip }

func (c *Codec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
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
	if compress.AutoDetect(data) != compress.Gzip {
		return nil, &errtypes.Compression{Code: errtypes.InvalidData, Msg: "bad gzip magic bytes"}
	}
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, &errtypes.Compression{Code: errtypes.DecompressionFailed, Msg: err.Error()}
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, &errtypes.Compression{Code: errtypes.DecompressionFailed, Msg: err.Error()}
	}
	return out, nil
}
