package fvde

import (
	"bytes"
	"testing"

	"github.com/blacktop/go-fvde/testutil"
)

func TestParseMetadataBlockRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0x5A}, 100)
	raw := testutil.BuildMetadataBlock(testutil.MetadataBlockParams{
		Version:       1,
		Type:          0x0011,
		SerialNumber:  3,
		TransactionID: 42,
		ObjectID:      7,
		Number:        1,
		Payload:       payload,
	})

	block, err := ParseMetadataBlock(raw)
	if err != nil {
		t.Fatalf("ParseMetadataBlock: %v", err)
	}
	if block.Type != 0x0011 {
		t.Errorf("Type = 0x%04x, want 0x0011", block.Type)
	}
	if block.TransactionID != 42 {
		t.Errorf("TransactionID = %d, want 42", block.TransactionID)
	}
	if block.ObjectID != 7 {
		t.Errorf("ObjectID = %d, want 7", block.ObjectID)
	}
	if !bytes.Equal(block.Payload[:len(payload)], payload) {
		t.Error("payload mismatch")
	}
	if block.IsWiped() {
		t.Error("non-wiped block reported as wiped")
	}
}

func TestParseMetadataBlockWiped(t *testing.T) {
	raw := testutil.BuildWipedMetadataBlock()
	block, err := ParseMetadataBlock(raw)
	if err != nil {
		t.Fatalf("ParseMetadataBlock: %v", err)
	}
	if !block.IsWiped() {
		t.Error("wiped block not reported as wiped")
	}
}

func TestParseMetadataBlockRejectsChecksumMismatch(t *testing.T) {
	raw := testutil.BuildMetadataBlock(testutil.MetadataBlockParams{Type: 0x0011})
	raw[100] ^= 0xFF

	_, err := ParseMetadataBlock(raw)
	if err == nil {
		t.Fatal("expected checksum mismatch")
	}
	if kind, ok := KindOf(err); !ok || kind != ChecksumMismatch {
		t.Fatalf("got kind %v, want ChecksumMismatch", kind)
	}
}

func TestParseMetadataBlockRejectsWrongSize(t *testing.T) {
	if _, err := ParseMetadataBlock(make([]byte, 100)); err == nil {
		t.Fatal("expected error for wrong-size block")
	}
}

func TestParseMetadataBlockRejectsUnsupportedVersion(t *testing.T) {
	raw := testutil.BuildMetadataBlock(testutil.MetadataBlockParams{Version: 2, Type: 0x0011})
	_, err := ParseMetadataBlock(raw)
	if err == nil {
		t.Fatal("expected error for unsupported version")
	}
	if kind, ok := KindOf(err); !ok || kind != Unsupported {
		t.Fatalf("got kind %v, want Unsupported", kind)
	}
}

func TestParseMetadataBlockTreatsUnwrittenSlotAsWiped(t *testing.T) {
	raw := make([]byte, metadataBlockSize) // all-zero: an unwritten metadata slot
	block, err := ParseMetadataBlock(raw)
	if err != nil {
		t.Fatalf("ParseMetadataBlock: %v", err)
	}
	if !block.IsWiped() {
		t.Error("all-zero block not reported as wiped")
	}
}
