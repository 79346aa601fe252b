package zstdcodec

import (
	"bytes"
	"testing"

	"github.com/fsx-project/fsx/pkg/compress"
)

func TestRoundTrip(t *testing.T) {
	c, err := New(9)
	if err != nil {
		t.Fatal(err)
	}
	if c.Algorithm() != compress.Zstd {
		t.Fatalf("Algorithm = %v", c.Algorithm())
	}
	in := bytes.Repeat([]byte("hello fsx "), 100)
	out, err := c.Compress(in)
	if err != nil {
		t.Fatal(err)
	}
	if compress.AutoDetect(out) != compress.Zstd {
		t.Fatal("compressed output missing zstd magic bytes")
	}
	got, err := c.Decompress(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, in) {
		t.Fatal("round trip mismatch")
	}
}

func TestDecompressRejectsEmptyAndBadMagic(t *testing.T) {
	c, err := New(9)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Decompress(nil); err == nil {
		t.Fatal("expected error for empty input")
	}
	if _, err := c.Decompress([]byte("not zstd")); err == nil {
		t.Fatal("expected error for bad magic bytes")
	}
}

func TestNewRejectsOutOfRangeLevel(t *testing.T) {
	if _, err := New(-1); err == nil {
		t.Fatal("expected error for out-of-range level")
	}
}
