package fvde

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Component R: the top-level facade. Open reads every physical volume's
// header and the primary one's plaintext metadata; Group lazily decrypts
// and walks the encrypted-metadata region to produce logical volume
// descriptors on first access.
type Volume struct {
	pool    BlockPool
	opts    *volumeOptions
	headers []*VolumeHeader // indexed by pv_index

	plaintext *PlaintextMetadata
	keybag    *Keybag

	groupOnce sync.Once
	groupErr  error
	group     *VolumeGroup

	abortFlag atomic.Bool
}

// PhysicalVolume is a read-only view over one member of a volume group.
type PhysicalVolume struct {
	Index  uint16
	Header *VolumeHeader
}

// VolumeGroup is the decrypted set of physical and logical volumes that
// make up one CoreStorage group.
type VolumeGroup struct {
	UUID            uuid.UUID
	Name            string
	physicalVolumes []PhysicalVolume
	logicalVolumes  []*LogicalVolume
}

// Open reads the header of every entry the pool exposes, then the
// plaintext metadata (§4.K) of physical-volume index 0 (the primary),
// choosing among the copies its MetadataOffsets point at (see
// readPlaintextMetadata). Physical volume indices are assumed contiguous
// starting at 0; Open stops at the first index above 0 whose header read
// returns an error.
func Open(pool BlockPool, opts ...Option) (*Volume, error) {
	const op = "Open"
	o := defaultVolumeOptions()
	for _, apply := range opts {
		apply(o)
	}

	vol := &Volume{pool: pool, opts: o}

	headerBuf := make([]byte, volumeHeaderSize)
	for pvIndex := uint16(0); ; pvIndex++ {
		n, err := pool.ReadAt(pvIndex, 0, headerBuf)
		if err != nil {
			if pvIndex == 0 {
				return nil, wrapErr(Io, op, err)
			}
			break
		}
		if n != volumeHeaderSize {
			return nil, newErr(Io, op, "short read of physical volume %d header", pvIndex)
		}
		header, err := ParseVolumeHeader(headerBuf)
		if err != nil {
			return nil, wrapErr(Unsupported, op, err)
		}
		vol.headers = append(vol.headers, header)
	}
	if len(vol.headers) == 0 {
		return nil, newErr(Unsupported, op, "no physical volumes reported by pool")
	}

	primary := vol.headers[0]
	plaintext, err := readPlaintextMetadata(pool, 0, primary)
	if err != nil {
		return nil, err
	}
	vol.plaintext = plaintext

	if len(o.keybagData) > 0 {
		keybag, err := ParseKeybag(o.keybagData)
		if err != nil {
			return nil, wrapErr(Malformed, op, err)
		}
		vol.keybag = keybag
	}

	return vol, nil
}

// readPlaintextMetadata tries every one of the physical volume's four
// plaintext metadata copies, keeping the one whose entry table carries
// the highest transaction id (the most recent generation). A copy that
// fails to read or parse is skipped rather than aborting the whole
// lookup, so a corrupt or wiped slot does not prevent Open from finding
// a good copy elsewhere in MetadataOffsets.
func readPlaintextMetadata(pool BlockPool, pvIndex uint16, header *VolumeHeader) (*PlaintextMetadata, error) {
	const op = "readPlaintextMetadata"
	var lastErr error
	var best *PlaintextMetadata
	var bestTxID uint64
	blockBuf := make([]byte, metadataBlockSize)

	for _, offset := range header.MetadataOffsets {
		n, err := pool.ReadAt(pvIndex, offset, blockBuf)
		if err != nil {
			lastErr = wrapErr(Io, op, err)
			continue
		}
		if n != metadataBlockSize {
			lastErr = newErr(Io, op, "short read of plaintext metadata at offset %d", offset)
			continue
		}
		block, err := ParseMetadataBlock(blockBuf)
		if err != nil {
			lastErr = err
			continue
		}
		if block.IsWiped() || block.Type != 0x0011 {
			continue
		}
		meta, err := ParsePlaintextMetadata(block, header.BlockSize)
		if err != nil {
			lastErr = err
			continue
		}
		txID := uint64(0)
		if entry, ok := meta.NewestEntry(); ok {
			txID = entry.TransactionID
		}
		if best == nil || txID > bestTxID {
			best, bestTxID = meta, txID
		}
	}
	if best != nil {
		return best, nil
	}
	if lastErr == nil {
		lastErr = newErr(Malformed, op, "no plaintext metadata copy found")
	}
	return nil, lastErr
}

// Group lazily decrypts the encrypted-metadata region and reconstructs
// every logical volume descriptor it references.
func (v *Volume) Group() (*VolumeGroup, error) {
	v.groupOnce.Do(func() {
		v.group, v.groupErr = v.buildGroup()
	})
	return v.group, v.groupErr
}

func (v *Volume) buildGroup() (*VolumeGroup, error) {
	const op = "Volume.Group"

	meta := v.plaintext
	if meta.VolumeGroup == nil {
		return nil, newErr(Malformed, op, "plaintext metadata carries no volume group plist")
	}

	pvIndex := meta.EncryptedMetadata1PVIndex
	if int(pvIndex) >= len(v.headers) {
		return nil, newErr(OutOfBounds, op, "encrypted metadata references physical volume %d, only %d present", pvIndex, len(v.headers))
	}
	header := v.headers[pvIndex]

	kek, tweakKey := physicalVolumeMetadataKeys(header)
	encMeta, err := DecryptEncryptedMetadata(v.pool, pvIndex, meta.EncryptedMetadata1Offset, meta.EncryptedMetadataSize, kek, tweakKey)
	if err != nil {
		if meta.EncryptedMetadata2Offset == 0 {
			return nil, err
		}
		pvIndex = meta.EncryptedMetadata2PVIndex
		if int(pvIndex) >= len(v.headers) {
			return nil, err
		}
		header = v.headers[pvIndex]
		kek, tweakKey = physicalVolumeMetadataKeys(header)
		encMeta, err = DecryptEncryptedMetadata(v.pool, pvIndex, meta.EncryptedMetadata2Offset, meta.EncryptedMetadataSize, kek, tweakKey)
		if err != nil {
			return nil, err
		}
	}

	group := &VolumeGroup{
		UUID: meta.VolumeGroup.UUID,
		Name: meta.VolumeGroup.Name,
	}
	for i, pv := range meta.VolumeGroup.PhysicalVolumes {
		group.physicalVolumes = append(group.physicalVolumes, PhysicalVolume{
			Index:  uint16(i),
			Header: v.headerForPhysicalVolumeUUID(pv.UUID),
		})
	}
	for _, lv := range encMeta.LogicalVolumes {
		group.logicalVolumes = append(group.logicalVolumes, newLogicalVolume(v.pool, v, lv, header.BlockSize, true, v.opts.sectorCacheSize))
	}
	return group, nil
}

func (v *Volume) headerForPhysicalVolumeUUID(id uuid.UUID) *VolumeHeader {
	for _, h := range v.headers {
		if h.PhysicalVolumeID == id {
			return h
		}
	}
	return nil
}

// physicalVolumeMetadataKeys derives the KEK/tweak-key pair that decrypts
// a physical volume's own encrypted-metadata region, from the key data
// embedded in its header. §4.I stores this pre-derived rather than
// requiring a password at this layer: the header's key_data field is
// itself the 16-byte metadata key plus a second 16-byte tweak key, back
// to back.
func physicalVolumeMetadataKeys(header *VolumeHeader) (kek, tweakKey [16]byte) {
	copy(kek[:], header.KeyData[:16])
	copy(tweakKey[:], header.KeyData[16:32])
	return kek, tweakKey
}

func (v *Volume) SetAbort(abort bool) {
	v.abortFlag.Store(abort)
}

func (v *Volume) aborted() bool {
	return v.abortFlag.Load()
}

// PhysicalVolume returns a read-only view of physical volume i.
func (g *VolumeGroup) PhysicalVolume(i int) (*PhysicalVolume, error) {
	if i < 0 || i >= len(g.physicalVolumes) {
		return nil, newErr(OutOfBounds, "VolumeGroup.PhysicalVolume", "index %d out of range [0,%d)", i, len(g.physicalVolumes))
	}
	return &g.physicalVolumes[i], nil
}

// LogicalVolume returns logical volume i, initialized locked.
func (g *VolumeGroup) LogicalVolume(i int) (*LogicalVolume, error) {
	if i < 0 || i >= len(g.logicalVolumes) {
		return nil, newErr(OutOfBounds, "VolumeGroup.LogicalVolume", "index %d out of range [0,%d)", i, len(g.logicalVolumes))
	}
	return g.logicalVolumes[i], nil
}

// LogicalVolumeCount reports how many logical volumes this group has.
func (g *VolumeGroup) LogicalVolumeCount() int { return len(g.logicalVolumes) }

// SetPassword stores a password secret to try on the next Unlock call.
func (lv *LogicalVolume) SetPassword(password []byte) {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	lv.pendingSecret = PasswordSecret(password)
}

// SetRecoveryPassword stores a recovery-password secret to try on the
// next Unlock call.
func (lv *LogicalVolume) SetRecoveryPassword(password []byte) {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	lv.pendingSecret = RecoverySecret(password)
}

// SetKey stores a raw 16-byte volume master key to try on the next Unlock
// call, bypassing PBKDF2 and key unwrap.
func (lv *LogicalVolume) SetKey(vmk [16]byte) {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	lv.pendingSecret = RawKeySecret(vmk)
}

// Unlock derives keys from the pending secret and the owning volume's
// keybag, then verifies the result by reading the logical volume's disk
// label (§4.O). It returns false (not an error) when the secret is
// simply wrong; it returns an error only for structural failures (I/O,
// a missing keybag for a password-based secret).
func (lv *LogicalVolume) Unlock() (bool, error) {
	const op = "LogicalVolume.Unlock"

	lv.mu.RLock()
	secret := lv.pendingSecret
	lv.mu.RUnlock()
	if secret == nil {
		return false, newErr(InvalidArgument, op, "no secret set: call SetPassword, SetRecoveryPassword, or SetKey first")
	}

	var keybag *Keybag
	if lv.volume != nil {
		keybag = lv.volume.keybag
	}

	vmk, tweakKey, err := DeriveVolumeKeys(lv.descriptor, secret, keybag)
	if err != nil {
		if kind, ok := KindOf(err); ok && kind == AuthenticationFailed {
			return false, nil
		}
		return false, err
	}
	defer scrubBytes(vmk[:])
	defer scrubBytes(tweakKey[:])

	codec, err := newSectorCodec(vmk, tweakKey, lv.encrypted)
	if err != nil {
		return false, err
	}

	lv.setUnlocked(codec)

	labelSector := make([]byte, bytesPerSector)
	n, err := lv.ReadAt(1024, labelSector)
	if kind, ok := KindOf(err); ok && kind == Io {
		lv.Lock()
		return false, err
	}
	if err != nil || n != bytesPerSector || !diskLabelSanityCheck(labelSector) {
		lv.Lock()
		return false, nil
	}

	return true, nil
}
