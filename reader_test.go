package fvde

import (
	"bytes"
	"io"
	"testing"

	"github.com/blacktop/go-fvde/testutil"
)

func TestBuildSegmentSectorMapSparseGapsAndTail(t *testing.T) {
	segs := []SegmentDescriptor{
		{LogicalBlockNumber: 2, PVIndex: 0, PhysicalBlockNumber: 100, BlockCount: 1},
	}
	// blockSize 512 -> 1 sector per block; volume spans 5 sectors, so
	// sectors [0,2) are a leading gap, [2,3) is the real segment, [3,5) a
	// trailing gap.
	segMap := buildSegmentSectorMap(segs, 512, 5)

	if len(segMap) != 3 {
		t.Fatalf("len(segMap) = %d, want 3", len(segMap))
	}
	if !segMap[0].sparse || segMap[0].startSector != 0 || segMap[0].numSectors != 2 {
		t.Errorf("leading gap wrong: %+v", segMap[0])
	}
	if segMap[1].sparse || segMap[1].startSector != 2 || segMap[1].numSectors != 1 {
		t.Errorf("real segment wrong: %+v", segMap[1])
	}
	if !segMap[2].sparse || segMap[2].startSector != 3 || segMap[2].numSectors != 2 {
		t.Errorf("trailing gap wrong: %+v", segMap[2])
	}
}

func TestFindSegmentBinarySearch(t *testing.T) {
	segMap := buildSegmentSectorMap([]SegmentDescriptor{
		{LogicalBlockNumber: 0, PVIndex: 0, PhysicalBlockNumber: 0, BlockCount: 2},
		{LogicalBlockNumber: 4, PVIndex: 0, PhysicalBlockNumber: 10, BlockCount: 1},
	}, 512, 5)

	if _, ok := findSegment(segMap, 0); !ok {
		t.Error("sector 0 should be found")
	}
	if seg, ok := findSegment(segMap, 4); !ok || seg.sparse {
		t.Errorf("sector 4 should map to the real trailing segment, got %+v ok=%v", seg, ok)
	}
	if _, ok := findSegment(segMap, 99); ok {
		t.Error("out-of-range sector should not be found")
	}
}

func TestBuildSegmentSectorMapHonorsBasePhysicalBlockNumber(t *testing.T) {
	segs := []SegmentDescriptor{
		{LogicalBlockNumber: 0, PVIndex: 0, BasePhysicalBlockNumber: 100, PhysicalBlockNumber: 5, BlockCount: 1},
	}
	segMap := buildSegmentSectorMap(segs, 512, 1)
	if len(segMap) != 1 {
		t.Fatalf("len(segMap) = %d, want 1", len(segMap))
	}
	want := (uint64(100) + 5) * 512
	if segMap[0].pvByteBase != want {
		t.Fatalf("pvByteBase = %d, want %d (base_physical_block_number + physical_block_number)", segMap[0].pvByteBase, want)
	}
}

// countingPool wraps a MemoryBlockPool and counts ReadAt calls, used to
// assert sparse reads never touch physical storage.
type countingPool struct {
	*MemoryBlockPool
	reads int
}

func (p *countingPool) ReadAt(pvIndex uint16, offset uint64, buf []byte) (int, error) {
	p.reads++
	return p.MemoryBlockPool.ReadAt(pvIndex, offset, buf)
}

func newTestLogicalVolume(pool BlockPool, desc *LogicalVolumeDescriptor, blockSize uint32, encrypted bool) *LogicalVolume {
	return newLogicalVolume(pool, nil, desc, blockSize, encrypted, 64)
}

func TestLogicalVolumeSparseReadReturnsZeros(t *testing.T) {
	pool := &countingPool{MemoryBlockPool: NewMemoryBlockPool()}
	desc := &LogicalVolumeDescriptor{Size: 1 << 20} // fully sparse, no segments at all
	lv := newTestLogicalVolume(pool, desc, 4096, true)
	lv.setUnlocked(nil)

	buf := make([]byte, 4096)
	n, err := lv.ReadAt(0, buf)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != 4096 {
		t.Fatalf("n = %d, want 4096", n)
	}
	if !bytes.Equal(buf, make([]byte, 4096)) {
		t.Fatal("sparse read did not return zero bytes")
	}
	if pool.reads != 0 {
		t.Fatalf("sparse read performed %d pool I/O, want 0", pool.reads)
	}
}

func TestLogicalVolumeUnencryptedReadAt(t *testing.T) {
	pool := NewMemoryBlockPool()
	plaintext := bytes.Repeat([]byte{0xAB}, 4096)
	pool.SetVolume(0, plaintext)

	desc := &LogicalVolumeDescriptor{
		Size: 4096,
		Segments: []SegmentDescriptor{
			{LogicalBlockNumber: 0, PVIndex: 0, PhysicalBlockNumber: 0, BlockCount: 1},
		},
	}
	lv := newTestLogicalVolume(pool, desc, 4096, false)
	lv.setUnlocked(nil)

	buf := make([]byte, 512)
	n, err := lv.ReadAt(512, buf)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != 512 {
		t.Fatalf("n = %d, want 512", n)
	}
	if !bytes.Equal(buf, bytes.Repeat([]byte{0xAB}, 512)) {
		t.Fatal("unexpected contents")
	}
}

func TestLogicalVolumeSeekSemantics(t *testing.T) {
	pool := NewMemoryBlockPool()
	desc := &LogicalVolumeDescriptor{Size: 4096}
	lv := newTestLogicalVolume(pool, desc, 4096, false)
	lv.setUnlocked(nil)

	if off, err := lv.Seek(100, io.SeekStart); err != nil || off != 100 {
		t.Fatalf("Seek(SeekStart): off=%d err=%v", off, err)
	}
	if off, err := lv.Seek(50, io.SeekCurrent); err != nil || off != 150 {
		t.Fatalf("Seek(SeekCurrent): off=%d err=%v", off, err)
	}
	if off, err := lv.Seek(-1, io.SeekStart); err == nil {
		t.Fatalf("expected error for negative offset, got off=%d", off)
	}
	if off, err := lv.Seek(0, io.SeekEnd); err != nil || off != 4096 {
		t.Fatalf("Seek(SeekEnd): off=%d err=%v", off, err)
	}

	// Seeking past the end is allowed; a subsequent Read returns EOF.
	if _, err := lv.Seek(100, io.SeekEnd); err != nil {
		t.Fatalf("Seek past end: %v", err)
	}
	n, err := lv.Read(make([]byte, 10))
	if n != 0 || err != io.EOF {
		t.Fatalf("Read past end: n=%d err=%v", n, err)
	}
}

func TestLogicalVolumeReadAdvancesOffset(t *testing.T) {
	pool := NewMemoryBlockPool()
	plaintext := bytes.Repeat([]byte{0x01}, 8192)
	pool.SetVolume(0, plaintext)

	desc := &LogicalVolumeDescriptor{
		Size: 8192,
		Segments: []SegmentDescriptor{
			{LogicalBlockNumber: 0, PVIndex: 0, PhysicalBlockNumber: 0, BlockCount: 2},
		},
	}
	lv := newTestLogicalVolume(pool, desc, 4096, false)
	lv.setUnlocked(nil)

	first := make([]byte, 100)
	if n, err := lv.Read(first); n != 100 || err != nil {
		t.Fatalf("first Read: n=%d err=%v", n, err)
	}
	if lv.Offset() != 100 {
		t.Fatalf("Offset() = %d, want 100", lv.Offset())
	}
	second := make([]byte, 100)
	if n, err := lv.Read(second); n != 100 || err != nil {
		t.Fatalf("second Read: n=%d err=%v", n, err)
	}
	if lv.Offset() != 200 {
		t.Fatalf("Offset() = %d, want 200", lv.Offset())
	}
}

func TestLogicalVolumeReadWhileLockedFails(t *testing.T) {
	pool := NewMemoryBlockPool()
	desc := &LogicalVolumeDescriptor{Size: 4096}
	lv := newTestLogicalVolume(pool, desc, 4096, true)

	_, err := lv.ReadAt(0, make([]byte, 10))
	if err == nil {
		t.Fatal("expected error reading a locked volume")
	}
	if kind, ok := KindOf(err); !ok || kind != Locked {
		t.Fatalf("got kind %v, want Locked", kind)
	}
}

func TestLogicalVolumeCacheHitAvoidsSecondRead(t *testing.T) {
	pool := &countingPool{MemoryBlockPool: NewMemoryBlockPool()}
	plaintext := bytes.Repeat([]byte{0x9, 0x9}, 256)
	pool.SetVolume(0, plaintext)

	desc := &LogicalVolumeDescriptor{
		Size: 512,
		Segments: []SegmentDescriptor{
			{LogicalBlockNumber: 0, PVIndex: 0, PhysicalBlockNumber: 0, BlockCount: 1},
		},
	}
	lv := newTestLogicalVolume(pool, desc, 512, false)
	lv.setUnlocked(nil)

	buf := make([]byte, 512)
	if _, err := lv.ReadAt(0, buf); err != nil {
		t.Fatalf("first ReadAt: %v", err)
	}
	if _, err := lv.ReadAt(0, buf); err != nil {
		t.Fatalf("second ReadAt: %v", err)
	}
	if pool.reads != 1 {
		t.Fatalf("pool.reads = %d, want 1 (second read should hit cache)", pool.reads)
	}
	stats := lv.Stats()
	if stats.Hits == 0 {
		t.Fatal("expected at least one cache hit")
	}
}

func TestLogicalVolumeEncryptedRoundTrip(t *testing.T) {
	var vmk, tweakKey [16]byte
	copy(vmk[:], bytes.Repeat([]byte{0x5A}, 16))
	copy(tweakKey[:], bytes.Repeat([]byte{0xA5}, 16))

	plaintext := bytes.Repeat([]byte{0x11, 0x22}, 256)
	ciphertext, err := testutil.EncryptXTSBlock(vmk, tweakKey, 0, plaintext)
	if err != nil {
		t.Fatalf("EncryptXTSBlock: %v", err)
	}

	pool := NewMemoryBlockPool()
	pool.SetVolume(0, ciphertext)

	desc := &LogicalVolumeDescriptor{
		Size: 512,
		Segments: []SegmentDescriptor{
			{LogicalBlockNumber: 0, PVIndex: 0, PhysicalBlockNumber: 0, BlockCount: 1},
		},
	}
	lv := newTestLogicalVolume(pool, desc, 512, true)
	codec, err := newSectorCodec(vmk, tweakKey, true)
	if err != nil {
		t.Fatalf("newSectorCodec: %v", err)
	}
	lv.setUnlocked(codec)

	buf := make([]byte, 512)
	if _, err := lv.ReadAt(0, buf); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(buf, plaintext) {
		t.Fatal("decrypted contents do not match plaintext")
	}
}
