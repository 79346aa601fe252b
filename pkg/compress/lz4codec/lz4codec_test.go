package lz4codec

import (
	"bytes"
	"testing"

	"github.com/fsx-project/fsx/pkg/compress"
)

func TestRoundTrip(t *testing.T) {
	c := New(true)
	if c.Algorithm() != compress.LZ4 {
		t.Fatalf("Algorithm = %v", c.Algorithm())
	}
	in := bytes.Repeat([]byte("hello fsx "), 100)
	out, err := c.Compress(in)
	if err != nil {
		t.Fatal(err)
	}
	if compress.AutoDetect(out) != compress.LZ4 {
		t.Fatal("compressed output missing lz4 magic bytes")
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
	c := New(false)
	if _, err := c.Decompress(nil); err == nil {
		t.Fatal("expected error for empty input")
	}
	if _, err := c.Decompress([]byte("not lz4")); err == nil {
		t.Fatal("expected error for bad magic bytes")
	}
}
