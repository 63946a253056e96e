package fvde

import (
	"bytes"
	"compress/flate"
	"compress/zlib"
	"math/rand"
	"testing"
)

func TestAdler32MatchesZlib(t *testing.T) {
	data := []byte("CoreStorage logical volume family")
	got := adler32(data)

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	w.Write(data)
	w.Close()
	// The last 4 bytes of a zlib stream are the big-endian Adler-32 of
	// the uncompressed input.
	trailer := buf.Bytes()[buf.Len()-4:]
	want := uint32(trailer[0])<<24 | uint32(trailer[1])<<16 | uint32(trailer[2])<<8 | uint32(trailer[3])

	if got != want {
		t.Fatalf("adler32 mismatch: got 0x%08x, want 0x%08x", got, want)
	}
}

func TestInflateRawRoundTrip(t *testing.T) {
	plain := []byte("the quick brown fox jumps over the lazy dog, repeated: " +
		"the quick brown fox jumps over the lazy dog")

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		t.Fatalf("flate.NewWriter: %v", err)
	}
	if _, err := w.Write(plain); err != nil {
		t.Fatalf("flate write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("flate close: %v", err)
	}

	out := make([]byte, len(plain))
	n, err := inflateRaw(buf.Bytes(), out)
	if err != nil {
		t.Fatalf("inflateRaw: %v", err)
	}
	if n != len(plain) {
		t.Fatalf("decompressed length %d, want %d", n, len(plain))
	}
	if !bytes.Equal(out[:n], plain) {
		t.Fatalf("decompressed mismatch: got %q, want %q", out[:n], plain)
	}
}

func TestInflateZlibRoundTrip(t *testing.T) {
	plain := bytes.Repeat([]byte("corestorage-metadata-plist-fixture"), 64)

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(plain); err != nil {
		t.Fatalf("zlib write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zlib close: %v", err)
	}

	out := make([]byte, len(plain))
	n, err := inflateZlib(buf.Bytes(), out)
	if err != nil {
		t.Fatalf("inflateZlib: %v", err)
	}
	if n != len(plain) {
		t.Fatalf("decompressed length %d, want %d", n, len(plain))
	}
	if !bytes.Equal(out[:n], plain) {
		t.Fatal("decompressed content mismatch")
	}
}

// TestInflateRawCorpus is the S6 scenario: 1000 random byte strings
// between 0 and 65535 bytes, each compressed with the standard library's
// DEFLATE writer and decompressed with this package's decoder.
func TestInflateRawCorpus(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 1000; i++ {
		size := rng.Intn(65536)
		plain := make([]byte, size)
		rng.Read(plain)

		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, rng.Intn(9)+1)
		if err != nil {
			t.Fatalf("case %d: flate.NewWriter: %v", i, err)
		}
		if _, err := w.Write(plain); err != nil {
			t.Fatalf("case %d: write: %v", i, err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("case %d: close: %v", i, err)
		}

		out := make([]byte, size)
		n, err := inflateRaw(buf.Bytes(), out)
		if err != nil {
			t.Fatalf("case %d (size %d): inflateRaw: %v", i, size, err)
		}
		if n != size || !bytes.Equal(out[:n], plain) {
			t.Fatalf("case %d (size %d): round-trip mismatch", i, size)
		}
	}
}
