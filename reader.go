package fvde

import (
	"io"
	"sort"
	"sync"
)

const bytesPerSector = 512

// segmentMapEntry is one element of the logical volume's sector map: a
// contiguous run of either sparse or physically-backed sectors.
type segmentMapEntry struct {
	startSector uint64 // first logical sector this entry covers
	numSectors  uint64
	sparse      bool
	pvIndex     uint16
	pvByteBase  uint64 // physical-volume byte offset of startSector, if not sparse
}

// buildSegmentSectorMap turns an unordered set of on-disk segment
// descriptors into an ordered, gapless map spanning [0, volumeSectors),
// synthesizing Sparse entries for gaps between segments and for any tail
// shorter than the logical volume's declared size, per §4.Q.
func buildSegmentSectorMap(segments []SegmentDescriptor, blockSize uint32, volumeSectors uint64) []segmentMapEntry {
	sorted := make([]SegmentDescriptor, len(segments))
	copy(sorted, segments)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].LogicalBlockNumber < sorted[j].LogicalBlockNumber
	})

	sectorsPerBlock := uint64(blockSize) / bytesPerSector
	if sectorsPerBlock == 0 {
		sectorsPerBlock = 1
	}

	var out []segmentMapEntry
	var cursor uint64

	appendSparse := func(upTo uint64) {
		if upTo > cursor {
			out = append(out, segmentMapEntry{startSector: cursor, numSectors: upTo - cursor, sparse: true})
			cursor = upTo
		}
	}

	for _, seg := range sorted {
		segStartSector := seg.LogicalBlockNumber * sectorsPerBlock
		segSectors := seg.BlockCount * sectorsPerBlock
		if segStartSector > cursor {
			appendSparse(segStartSector)
		}
		if seg.Flags&SegmentFlagSparse != 0 {
			out = append(out, segmentMapEntry{startSector: segStartSector, numSectors: segSectors, sparse: true})
		} else {
			out = append(out, segmentMapEntry{
				startSector: segStartSector,
				numSectors:  segSectors,
				sparse:      false,
				pvIndex:     seg.PVIndex,
				pvByteBase:  (seg.BasePhysicalBlockNumber + seg.PhysicalBlockNumber) * uint64(blockSize),
			})
		}
		if end := segStartSector + segSectors; end > cursor {
			cursor = end
		}
	}
	appendSparse(volumeSectors)

	return out
}

// findSegment binary-searches the sector map for the entry covering
// sector.
func findSegment(segMap []segmentMapEntry, sector uint64) (segmentMapEntry, bool) {
	i := sort.Search(len(segMap), func(i int) bool {
		return segMap[i].startSector+segMap[i].numSectors > sector
	})
	if i >= len(segMap) || segMap[i].startSector > sector {
		return segmentMapEntry{}, false
	}
	return segMap[i], true
}

// LogicalVolume presents a decrypted logical volume as a random-access
// byte stream (§4.Q). All mutating operations acquire a single read-write
// lock protecting the current offset, lock state, and sector cache,
// matching spec §5's concurrency model: distinct logical volumes proceed
// independently, but reads against one are serialized.
type LogicalVolume struct {
	pool   BlockPool
	volume *Volume

	descriptor *LogicalVolumeDescriptor
	blockSize  uint32
	encrypted  bool

	mu            sync.RWMutex
	currentOffset uint64
	locked        bool
	codec         *SectorCodec
	segMap        []segmentMapEntry
	cache         *sectorCache
	pendingSecret Secret
}

func newLogicalVolume(pool BlockPool, vol *Volume, desc *LogicalVolumeDescriptor, blockSize uint32, encrypted bool, cacheSize int) *LogicalVolume {
	volumeSectors := (desc.Size + bytesPerSector - 1) / bytesPerSector
	return &LogicalVolume{
		pool:       pool,
		volume:     vol,
		descriptor: desc,
		blockSize:  blockSize,
		encrypted:  encrypted,
		locked:     true,
		segMap:     buildSegmentSectorMap(desc.Segments, blockSize, volumeSectors),
		cache:      newSectorCache(cacheSize),
	}
}

func (lv *LogicalVolume) Identifier() string { return lv.descriptor.UUID.String() }
func (lv *LogicalVolume) Name() string       { return lv.descriptor.Name }
func (lv *LogicalVolume) Size() uint64       { return lv.descriptor.Size }

func (lv *LogicalVolume) IsLocked() bool {
	lv.mu.RLock()
	defer lv.mu.RUnlock()
	return lv.locked
}

// setUnlocked installs a derived codec and marks the volume unlocked. It
// is called by the facade (§4.R) after the disk-label sanity check
// passes.
func (lv *LogicalVolume) setUnlocked(codec *SectorCodec) {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	lv.codec = codec
	lv.locked = false
}

// Lock discards the derived key material and cached plaintext.
func (lv *LogicalVolume) Lock() {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	lv.codec = nil
	lv.locked = true
	lv.cache.clear()
}

func (lv *LogicalVolume) Offset() uint64 {
	lv.mu.RLock()
	defer lv.mu.RUnlock()
	return lv.currentOffset
}

// Seek implements io.Seeker semantics: negative resulting offsets are
// rejected; seeking past the volume's size is permitted and subsequent
// reads return 0.
func (lv *LogicalVolume) Seek(offset int64, whence int) (int64, error) {
	lv.mu.Lock()
	defer lv.mu.Unlock()

	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = int64(lv.currentOffset)
	case io.SeekEnd:
		base = int64(lv.descriptor.Size)
	default:
		return 0, newErr(InvalidArgument, "LogicalVolume.Seek", "invalid whence %d", whence)
	}

	result := base + offset
	if result < 0 {
		return 0, newErr(InvalidArgument, "LogicalVolume.Seek", "resulting offset %d is negative", result)
	}
	lv.currentOffset = uint64(result)
	return result, nil
}

// Read fills buf starting at the current offset and advances it,
// matching io.Reader semantics (returns io.EOF once the offset reaches
// the volume's size).
func (lv *LogicalVolume) Read(buf []byte) (int, error) {
	lv.mu.Lock()
	defer lv.mu.Unlock()

	n, err := lv.readAtLocked(lv.currentOffset, buf)
	lv.currentOffset += uint64(n)
	return n, err
}

// ReadAt implements io.ReaderAt without disturbing the current offset.
func (lv *LogicalVolume) ReadAt(off int64, buf []byte) (int, error) {
	if off < 0 {
		return 0, newErr(InvalidArgument, "LogicalVolume.ReadAt", "negative offset %d", off)
	}
	lv.mu.Lock()
	defer lv.mu.Unlock()
	return lv.readAtLocked(uint64(off), buf)
}

func (lv *LogicalVolume) readAtLocked(offset uint64, buf []byte) (int, error) {
	if lv.locked {
		return 0, wrapErr(Locked, "LogicalVolume.Read", ErrLocked)
	}
	if offset >= lv.descriptor.Size {
		return 0, io.EOF
	}

	remaining := len(buf)
	if want := lv.descriptor.Size - offset; uint64(remaining) > want {
		remaining = int(want)
	}

	total := 0
	cur := offset
	for remaining > 0 {
		if lv.volume != nil && lv.volume.aborted() {
			break
		}

		sectorIndex := cur / bytesPerSector
		sectorOffset := int(cur % bytesPerSector)

		plaintext, err := lv.fetchSector(sectorIndex)
		if err != nil {
			return total, err
		}

		n := bytesPerSector - sectorOffset
		if n > remaining {
			n = remaining
		}
		copy(buf[total:total+n], plaintext[sectorOffset:sectorOffset+n])

		total += n
		cur += uint64(n)
		remaining -= n
	}
	return total, nil
}

// fetchSector returns the decrypted contents of the given logical sector,
// consulting (and populating) the sector cache.
func (lv *LogicalVolume) fetchSector(sectorIndex uint64) ([]byte, error) {
	seg, ok := findSegment(lv.segMap, sectorIndex)
	if !ok {
		return nil, newErr(OutOfBounds, "LogicalVolume.fetchSector", "sector %d outside segment map", sectorIndex)
	}

	if seg.sparse {
		return sparseSector(bytesPerSector), nil
	}

	pvByteOffset := seg.pvByteBase + (sectorIndex-seg.startSector)*bytesPerSector
	key := sectorKey{pvIndex: seg.pvIndex, pvByte: pvByteOffset}

	if cached := lv.cache.get(key); cached != nil {
		return cached, nil
	}

	if !lv.encrypted {
		raw := make([]byte, bytesPerSector)
		n, err := lv.pool.ReadAt(seg.pvIndex, pvByteOffset, raw)
		if err != nil {
			return nil, wrapErr(Io, "LogicalVolume.fetchSector", err)
		}
		if n != bytesPerSector {
			return nil, newErr(Io, "LogicalVolume.fetchSector", "short read: got %d of %d bytes", n, bytesPerSector)
		}
		lv.cache.put(key, raw)
		return raw, nil
	}

	ciphertext := make([]byte, bytesPerSector)
	n, err := lv.pool.ReadAt(seg.pvIndex, pvByteOffset, ciphertext)
	if err != nil {
		return nil, wrapErr(Io, "LogicalVolume.fetchSector", err)
	}
	if n != bytesPerSector {
		return nil, newErr(Io, "LogicalVolume.fetchSector", "short read: got %d of %d bytes", n, bytesPerSector)
	}

	if lv.codec == nil {
		return nil, wrapErr(Locked, "LogicalVolume.fetchSector", ErrLocked)
	}
	plaintext, err := lv.codec.DecryptSector(ciphertext, sectorIndex)
	if err != nil {
		return nil, wrapErr(Malformed, "LogicalVolume.fetchSector", err)
	}

	lv.cache.put(key, plaintext)
	return plaintext, nil
}

// Stats reports this logical volume's sector cache hit/miss counters.
func (lv *LogicalVolume) Stats() CacheStats {
	return lv.cache.stats()
}
