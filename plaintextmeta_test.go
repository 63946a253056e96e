package fvde

import (
	"testing"

	"github.com/google/uuid"

	"github.com/blacktop/go-fvde/testutil"
)

func buildPlaintextMetadataBlock(t *testing.T, p testutil.PlaintextMetadataParams) *MetadataBlock {
	t.Helper()
	payload := testutil.BuildPlaintextMetadataPayload(p)
	raw := testutil.BuildMetadataBlock(testutil.MetadataBlockParams{
		Type:    0x0011,
		Payload: payload,
	})
	block, err := ParseMetadataBlock(raw)
	if err != nil {
		t.Fatalf("ParseMetadataBlock: %v", err)
	}
	return block
}

func TestParsePlaintextMetadataRoundTrip(t *testing.T) {
	groupID := uuid.New()
	pv1 := uuid.New()
	pv2 := uuid.New()
	xml := testutil.BuildVolumeGroupPlistXML(groupID, "Macintosh HD", []uuid.UUID{pv1, pv2})

	block := buildPlaintextMetadataBlock(t, testutil.PlaintextMetadataParams{
		PhysicalVolumeIndex: 1,
		Entries: []testutil.MetadataEntryFixture{
			{TransactionID: 10, MetadataBlockNumber: 2},
			{TransactionID: 55, MetadataBlockNumber: 3},
			{TransactionID: 30, MetadataBlockNumber: 1},
		},
		EncryptedMetadataBlockCount: 4,
		EncryptedMetadata1Offset:    8,
		EncryptedMetadata1PVIndex:   0,
		EncryptedMetadata2Offset:    16,
		EncryptedMetadata2PVIndex:   1,
		VolumeGroupXML:              xml,
	})

	meta, err := ParsePlaintextMetadata(block, 4096)
	if err != nil {
		t.Fatalf("ParsePlaintextMetadata: %v", err)
	}

	if meta.PhysicalVolumeIndex != 1 {
		t.Errorf("PhysicalVolumeIndex = %d, want 1", meta.PhysicalVolumeIndex)
	}
	if len(meta.Entries) != 3 {
		t.Fatalf("len(Entries) = %d, want 3", len(meta.Entries))
	}
	if meta.EncryptedMetadataBlockCount != 4 {
		t.Errorf("EncryptedMetadataBlockCount = %d, want 4", meta.EncryptedMetadataBlockCount)
	}
	if meta.EncryptedMetadataSize != 4*4096 {
		t.Errorf("EncryptedMetadataSize = %d, want %d", meta.EncryptedMetadataSize, 4*4096)
	}
	if meta.EncryptedMetadata1Offset != 8*4096 {
		t.Errorf("EncryptedMetadata1Offset = %d, want %d", meta.EncryptedMetadata1Offset, 8*4096)
	}
	if meta.EncryptedMetadata1PVIndex != 0 {
		t.Errorf("EncryptedMetadata1PVIndex = %d, want 0", meta.EncryptedMetadata1PVIndex)
	}
	if meta.EncryptedMetadata2Offset != 16*4096 {
		t.Errorf("EncryptedMetadata2Offset = %d, want %d", meta.EncryptedMetadata2Offset, 16*4096)
	}
	if meta.EncryptedMetadata2PVIndex != 1 {
		t.Errorf("EncryptedMetadata2PVIndex = %d, want 1", meta.EncryptedMetadata2PVIndex)
	}

	if meta.VolumeGroup == nil {
		t.Fatal("VolumeGroup is nil")
	}
	if meta.VolumeGroup.UUID != groupID {
		t.Errorf("VolumeGroup.UUID mismatch")
	}
	if meta.VolumeGroup.Name != "Macintosh HD" {
		t.Errorf("VolumeGroup.Name = %q, want %q", meta.VolumeGroup.Name, "Macintosh HD")
	}
	if len(meta.VolumeGroup.PhysicalVolumes) != 2 {
		t.Fatalf("len(PhysicalVolumes) = %d, want 2", len(meta.VolumeGroup.PhysicalVolumes))
	}
	if meta.VolumeGroup.PhysicalVolumes[0].UUID != pv1 || meta.VolumeGroup.PhysicalVolumes[1].UUID != pv2 {
		t.Error("PhysicalVolumes UUID mismatch")
	}
}

func TestPlaintextMetadataNewestEntry(t *testing.T) {
	groupID := uuid.New()
	xml := testutil.BuildVolumeGroupPlistXML(groupID, "Data", nil)
	block := buildPlaintextMetadataBlock(t, testutil.PlaintextMetadataParams{
		Entries: []testutil.MetadataEntryFixture{
			{TransactionID: 10, MetadataBlockNumber: 2},
			{TransactionID: 55, MetadataBlockNumber: 3},
			{TransactionID: 30, MetadataBlockNumber: 1},
		},
		VolumeGroupXML: xml,
	})

	meta, err := ParsePlaintextMetadata(block, 4096)
	if err != nil {
		t.Fatalf("ParsePlaintextMetadata: %v", err)
	}
	newest, ok := meta.NewestEntry()
	if !ok {
		t.Fatal("NewestEntry returned false")
	}
	if newest.TransactionID != 55 {
		t.Errorf("NewestEntry.TransactionID = %d, want 55", newest.TransactionID)
	}
	if newest.MetadataBlockNumber != 3 {
		t.Errorf("NewestEntry.MetadataBlockNumber = %d, want 3", newest.MetadataBlockNumber)
	}
}

func TestPlaintextMetadataNewestEntryEmpty(t *testing.T) {
	meta := &PlaintextMetadata{}
	if _, ok := meta.NewestEntry(); ok {
		t.Fatal("NewestEntry should return false for no entries")
	}
}

func TestParsePlaintextMetadataRejectsWrongBlockType(t *testing.T) {
	raw := testutil.BuildMetadataBlock(testutil.MetadataBlockParams{
		Type:    0x0012,
		Payload: make([]byte, 200),
	})
	block, err := ParseMetadataBlock(raw)
	if err != nil {
		t.Fatalf("ParseMetadataBlock: %v", err)
	}
	if _, err := ParsePlaintextMetadata(block, 4096); err == nil {
		t.Fatal("expected error for wrong block type")
	}
}

func TestParsePlaintextMetadataRejectsShortPayload(t *testing.T) {
	raw := testutil.BuildMetadataBlock(testutil.MetadataBlockParams{
		Type:    0x0011,
		Payload: make([]byte, 50),
	})
	block, err := ParseMetadataBlock(raw)
	if err != nil {
		t.Fatalf("ParseMetadataBlock: %v", err)
	}
	// Block framing always yields an 8128-byte payload; cut it down so the
	// parser sees a payload shorter than its fixed fields.
	block.Payload = block.Payload[:50]
	if _, err := ParsePlaintextMetadata(block, 4096); err == nil {
		t.Fatal("expected error for undersized payload")
	}
}
