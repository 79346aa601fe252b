// Package zstdcodec implements the zstd compress.Codec on top of
// klauspost/compress/zstd, the ratio-optimized end of the codec spectrum.
package zstdcodec

import (
	"github.com/klauspost/compress/zstd"

	"github.com/fsx-project/fsx/pkg/compress"
	"github.com/fsx-project/fsx/pkg/errtypes"
)

// Codec implements compress.Codec for zstd at a fixed encoder level.
type Codec struct {
	level zstd.EncoderLevel
}

// New returns a zstd Codec. level follows zstd's 1-22 scale and is mapped
// onto the library's coarser EncoderLevel buckets; 0 selects the default.
func New(level int) (*Codec, error) {
	if level < 0 || level > 22 {
		return nil, &errtypes.Compression{
			Code: errtypes.InvalidData,
			Msg:  "zstd level out of range 0-22",
		}
	}
	return &Codec{level: levelFor(level)}, nil
}

func levelFor(level int) zstd.EncoderLevel {
	switch {
	case level == 0:
		return zstd.SpeedDefault
	case level <= 3:
		return zstd.SpeedFastest
	case level <= 9:
		return zstd.SpeedDefault
	case level <= 15:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

func (c *Codec) Algorithm() compress.Algorithm { return compress.Zstd }

func (c *Codec) Compress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(c.level))
	if err != nil {
		return nil, &errtypes.Compression{Code: errtypes.CompressionFailed, Msg: err.Error()}
	}
	defer enc.Close()
	return enc.EncodeAll(data, make([]byte, 0, len(data))), nil
}

func (c *Codec) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, &errtypes.Compression{Code: errtypes.InvalidData, Msg: "empty input"}
	}
	if compress.AutoDetect(data) != compress.Zstd {
		return nil, &errtypes.Compression{Code: errtypes.InvalidData, Msg: "bad zstd magic bytes"}
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, &errtypes.Compression{Code: errtypes.DecompressionFailed, Msg: err.Error()}
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, &errtypes.Compression{Code: errtypes.DecompressionFailed, Msg: err.Error()}
	}
	return out, nil
}
