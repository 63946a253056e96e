// Package testutil builds synthetic CoreStorage/FVDE containers in memory
// for tests, the fvde-domain sibling of the teacher's testutil/qemu.go:
// where that package shells out to qemu-img/qemu-io to produce real QCOW2
// images, this one assembles FVDE's byte layout directly since there is
// no equivalent external tool to generate a FileVault container from.
package testutil

import (
	"bytes"
	"crypto/aes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/xts"
)

const (
	weakCRC32Polynomial = 0x82f63b78
	metadataBlockSize   = 8192
	volumeHeaderSize    = 512
)

var weakCRC32Table [256]uint32

func init() {
	for i := uint32(0); i < 256; i++ {
		c := i
		for range 8 {
			if c&1 != 0 {
				c = weakCRC32Polynomial ^ (c >> 1)
			} else {
				c = c >> 1
			}
		}
		weakCRC32Table[i] = c
	}
}

// WeakCRC32 computes the reversed-polynomial CRC-32 the volume header and
// metadata block checksums use.
func WeakCRC32(data []byte, initial uint32) uint32 {
	checksum := initial
	for _, b := range data {
		idx := (checksum ^ uint32(b)) & 0xff
		checksum = weakCRC32Table[idx] ^ (checksum >> 8)
	}
	return checksum
}

func putUUID(dst []byte, id uuid.UUID) {
	copy(dst, id[:])
}

// VolumeHeaderParams configures BuildVolumeHeader.
type VolumeHeaderParams struct {
	SerialNumber     uint32
	BytesPerSector   uint32
	VolumeSize       uint64
	BlockSize        uint32
	MetadataSize     uint32
	MetadataOffsets  [4]uint64 // in blocks, matching the on-disk packed form
	KeyData          [128]byte
	PhysicalVolumeID uuid.UUID
	VolumeGroupID    uuid.UUID
}

// BuildVolumeHeader assembles a 512-byte physical volume header matching
// the layout ParseVolumeHeader expects, with a correct checksum.
func BuildVolumeHeader(p VolumeHeaderParams) []byte {
	buf := make([]byte, volumeHeaderSize)

	binary.LittleEndian.PutUint32(buf[4:8], 0xFFFFFFFF) // initial_value
	binary.LittleEndian.PutUint16(buf[10:12], 0x0010)   // block_type
	binary.LittleEndian.PutUint32(buf[12:16], p.SerialNumber)
	binary.LittleEndian.PutUint32(buf[48:52], p.BytesPerSector)
	binary.LittleEndian.PutUint64(buf[64:72], p.VolumeSize)
	buf[88] = 'C'
	buf[89] = 'S'
	binary.LittleEndian.PutUint32(buf[90:94], 1) // checksum_algorithm
	binary.LittleEndian.PutUint32(buf[96:100], p.BlockSize)
	binary.LittleEndian.PutUint32(buf[100:104], p.MetadataSize)
	for i, off := range p.MetadataOffsets {
		binary.LittleEndian.PutUint64(buf[104+i*8:104+i*8+8], off)
	}
	binary.LittleEndian.PutUint32(buf[168:172], uint32(len(p.KeyData)))
	binary.LittleEndian.PutUint32(buf[172:176], 2) // encryption_method = AES-XTS
	copy(buf[176:304], p.KeyData[:])
	putUUID(buf[304:320], p.PhysicalVolumeID)
	putUUID(buf[320:336], p.VolumeGroupID)

	checksum := WeakCRC32(buf[8:], 0xFFFFFFFF)
	binary.LittleEndian.PutUint32(buf[0:4], checksum)
	return buf
}

// MetadataBlockParams configures BuildMetadataBlock.
type MetadataBlockParams struct {
	Version       uint16
	Type          uint16
	SerialNumber  uint32
	TransactionID uint64
	ObjectID      uint64
	Number        uint64
	Payload       []byte // up to 8128 bytes; zero-padded
}

// BuildMetadataBlock assembles an 8192-byte framed metadata block with a
// correct checksum, matching ParseMetadataBlock's expected layout.
func BuildMetadataBlock(p MetadataBlockParams) []byte {
	if p.Version == 0 {
		p.Version = 1 // on-disk metadata blocks are always version 1; let callers omit it
	}
	buf := make([]byte, metadataBlockSize)
	binary.LittleEndian.PutUint32(buf[4:8], 0xFFFFFFFF)
	binary.LittleEndian.PutUint16(buf[8:10], p.Version)
	binary.LittleEndian.PutUint16(buf[10:12], p.Type)
	binary.LittleEndian.PutUint32(buf[12:16], p.SerialNumber)
	binary.LittleEndian.PutUint64(buf[16:24], p.TransactionID)
	binary.LittleEndian.PutUint64(buf[24:32], p.ObjectID)
	binary.LittleEndian.PutUint64(buf[32:40], p.Number)
	binary.LittleEndian.PutUint32(buf[48:52], metadataBlockSize)
	copy(buf[64:], p.Payload)

	checksum := WeakCRC32(buf[8:], 0xFFFFFFFF)
	binary.LittleEndian.PutUint32(buf[0:4], checksum)
	return buf
}

// BuildWipedMetadataBlock assembles a block marked "LVFwiped", which
// ParseMetadataBlock recognizes before checking its checksum.
func BuildWipedMetadataBlock() []byte {
	buf := make([]byte, metadataBlockSize)
	copy(buf[0:8], []byte("LVFwiped"))
	return buf
}

// MetadataEntryFixture mirrors fvde.MetadataEntry for fixture construction.
type MetadataEntryFixture struct {
	TransactionID       uint64
	Unknown             uint64
	MetadataBlockNumber uint64
}

// PlaintextMetadataParams configures BuildPlaintextMetadataPayload.
type PlaintextMetadataParams struct {
	PhysicalVolumeIndex         uint16
	Entries                     []MetadataEntryFixture
	EncryptedMetadataBlockCount uint64
	EncryptedMetadata1Offset    uint64 // in blocks
	EncryptedMetadata1PVIndex   uint16
	EncryptedMetadata2Offset    uint64 // in blocks
	EncryptedMetadata2PVIndex   uint16
	VolumeGroupXML              []byte
}

// BuildPlaintextMetadataPayload assembles the 8128-byte payload of a type
// 0x0011 metadata block, matching ParsePlaintextMetadata's field offsets.
func BuildPlaintextMetadataPayload(p PlaintextMetadataParams) []byte {
	const (
		entriesStart = 192
		entrySize    = 24
	)
	xmlOffset := entriesStart + len(p.Entries)*entrySize
	for xmlOffset < 248 {
		xmlOffset++
	}
	vgdOffset := xmlOffset + len(p.VolumeGroupXML)
	if vgdOffset%8 != 0 {
		vgdOffset += 8 - vgdOffset%8
	}
	payloadSize := vgdOffset + 48

	payload := make([]byte, 8128)
	metadataSize := uint32(64 + payloadSize)
	binary.LittleEndian.PutUint32(payload[0:4], metadataSize)
	binary.LittleEndian.PutUint32(payload[156:160], uint32(vgdOffset+64))
	binary.LittleEndian.PutUint32(payload[160:164], uint32(xmlOffset+64))
	binary.LittleEndian.PutUint16(payload[174:176], p.PhysicalVolumeIndex)
	binary.LittleEndian.PutUint32(payload[184:188], uint32(len(p.Entries)))

	off := entriesStart
	for _, e := range p.Entries {
		binary.LittleEndian.PutUint64(payload[off:off+8], e.TransactionID)
		binary.LittleEndian.PutUint64(payload[off+8:off+16], e.Unknown)
		binary.LittleEndian.PutUint64(payload[off+16:off+24], e.MetadataBlockNumber)
		off += entrySize
	}

	copy(payload[xmlOffset:], p.VolumeGroupXML)

	vgd := vgdOffset
	binary.LittleEndian.PutUint64(payload[vgd+8:vgd+16], p.EncryptedMetadataBlockCount)
	packed1 := p.EncryptedMetadata1Offset | uint64(p.EncryptedMetadata1PVIndex)<<48
	packed2 := p.EncryptedMetadata2Offset | uint64(p.EncryptedMetadata2PVIndex)<<48
	binary.LittleEndian.PutUint64(payload[vgd+32:vgd+40], packed1)
	binary.LittleEndian.PutUint64(payload[vgd+40:vgd+48], packed2)

	return payload
}

// BuildVolumeGroupPlistXML assembles a minimal CoreStorage logical volume
// group plist carrying the three keys parseVolumeGroupPlist reads.
func BuildVolumeGroupPlistXML(groupUUID uuid.UUID, name string, physicalVolumeUUIDs []uuid.UUID) []byte {
	var b bytes.Buffer
	b.WriteString("<dict>\n")
	b.WriteString("<key>com.apple.corestorage.lvg.uuid</key>\n")
	fmt.Fprintf(&b, "<string>%s</string>\n", groupUUID.String())
	b.WriteString("<key>com.apple.corestorage.lvg.name</key>\n")
	fmt.Fprintf(&b, "<string>%s</string>\n", name)
	b.WriteString("<key>com.apple.corestorage.lvg.physicalVolumes</key>\n")
	b.WriteString("<array>\n")
	for _, id := range physicalVolumeUUIDs {
		fmt.Fprintf(&b, "<string>%s</string>\n", id.String())
	}
	b.WriteString("</array>\n")
	b.WriteString("</dict>\n")
	return b.Bytes()
}

// SegmentFixture mirrors fvde.SegmentDescriptor for fixture construction.
type SegmentFixture struct {
	LogicalBlockNumber      uint64
	PVIndex                 uint16
	PhysicalBlockNumber     uint64
	BlockCount              uint64
	BasePhysicalBlockNumber uint64
	Flags                   uint64
}

// BuildLogicalVolumeRecordPayload assembles a type 0x001A record payload.
func BuildLogicalVolumeRecordPayload(objectID uint64, lvUUID, familyUUID uuid.UUID, size uint64, name string) []byte {
	nameUTF16 := utf16LE(name)
	payload := make([]byte, 50+len(nameUTF16))
	binary.LittleEndian.PutUint64(payload[0:8], objectID)
	putUUID(payload[8:24], lvUUID)
	putUUID(payload[24:40], familyUUID)
	binary.LittleEndian.PutUint64(payload[40:48], size)
	binary.LittleEndian.PutUint16(payload[48:50], uint16(len(name)))
	copy(payload[50:], nameUTF16)
	return payload
}

// BuildVolumeFamilyRecordPayload assembles a type 0x0019 record payload.
func BuildVolumeFamilyRecordPayload(familyUUID uuid.UUID) []byte {
	payload := make([]byte, 16)
	putUUID(payload, familyUUID)
	return payload
}

// BuildSegmentTableRecordPayload assembles a type 0x0305 record payload.
func BuildSegmentTableRecordPayload(contentObjectID uint64) []byte {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, contentObjectID)
	return payload
}

// BuildSegmentMapRecordPayload assembles a type 0x0505 record payload.
func BuildSegmentMapRecordPayload(headerObjectID uint64, segments []SegmentFixture) []byte {
	const entrySize = 42
	payload := make([]byte, 12+len(segments)*entrySize)
	binary.LittleEndian.PutUint64(payload[0:8], headerObjectID)
	binary.LittleEndian.PutUint32(payload[8:12], uint32(len(segments)))
	off := 12
	for _, s := range segments {
		binary.LittleEndian.PutUint64(payload[off:off+8], s.LogicalBlockNumber)
		binary.LittleEndian.PutUint16(payload[off+8:off+10], s.PVIndex)
		binary.LittleEndian.PutUint64(payload[off+10:off+18], s.PhysicalBlockNumber)
		binary.LittleEndian.PutUint64(payload[off+18:off+26], s.BlockCount)
		binary.LittleEndian.PutUint64(payload[off+26:off+34], s.BasePhysicalBlockNumber)
		binary.LittleEndian.PutUint64(payload[off+34:off+42], s.Flags)
		off += entrySize
	}
	return payload
}

func utf16LE(s string) []byte {
	runes := []rune(s)
	buf := make([]byte, 0, len(runes)*2)
	for _, r := range runes {
		buf = append(buf, byte(r), byte(r>>8))
	}
	return buf
}

// EncryptXTSBlock encrypts plaintext (a multiple of 16 bytes) under
// AES-XTS-128 with the given key/tweak-key pair and unit index, the
// inverse of the core's decryptSectorUnit, for assembling encrypted
// fixture data.
func EncryptXTSBlock(key, tweakKey [16]byte, unit uint64, plaintext []byte) ([]byte, error) {
	combined := make([]byte, 32)
	copy(combined[:16], key[:])
	copy(combined[16:], tweakKey[:])
	c, err := xts.NewCipher(aes.NewCipher, combined)
	if err != nil {
		return nil, err
	}
	ciphertext := make([]byte, len(plaintext))
	c.Encrypt(ciphertext, plaintext, unit)
	return ciphertext, nil
}

// DeriveTweakKey mirrors the core's SHA256(VMK ‖ family)[0:16] derivation,
// for fixtures that need to pre-encrypt sector data a real Unlock would
// later decrypt with the same key.
func DeriveTweakKey(vmk [16]byte, family uuid.UUID) [16]byte {
	input := make([]byte, 32)
	copy(input[:16], vmk[:])
	famBytes, _ := family.MarshalBinary()
	copy(input[16:], famBytes)
	sum := sha256.Sum256(input)
	var tweakKey [16]byte
	copy(tweakKey[:], sum[:16])
	return tweakKey
}

// AESKeyWrap implements RFC 3394 key wrap (forward direction), the
// counterpart to the core's unwrap-only keyUnwrap, so fixtures can
// produce a wrapped VMK a real Unlock will successfully unwrap.
func AESKeyWrap(kek, plaintext []byte) ([]byte, error) {
	if len(plaintext)%8 != 0 || len(plaintext) == 0 {
		return nil, fmt.Errorf("testutil: plaintext must be a positive multiple of 8 bytes, got %d", len(plaintext))
	}
	cipher, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}

	n := len(plaintext) / 8
	a := [8]byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}
	r := make([][8]byte, n+1)
	for i := 1; i <= n; i++ {
		copy(r[i][:], plaintext[(i-1)*8:i*8])
	}

	buf := make([]byte, 16)
	for j := 0; j <= 5; j++ {
		for i := 1; i <= n; i++ {
			copy(buf[:8], a[:])
			copy(buf[8:], r[i][:])
			cipher.Encrypt(buf, buf)

			t := uint64(n*j + i)
			var tBytes [8]byte
			binary.BigEndian.PutUint64(tBytes[:], t)
			for k := range a {
				a[k] = buf[k] ^ tBytes[k]
			}
			copy(r[i][:], buf[8:])
		}
	}

	out := make([]byte, 8+n*8)
	copy(out[:8], a[:])
	for i := 1; i <= n; i++ {
		copy(out[8+(i-1)*8:8+i*8], r[i][:])
	}
	return out, nil
}

// KeybagEntry describes one CryptoUsers entry for BuildKeybagPlistXML.
type KeybagEntry struct {
	UUID       uuid.UUID
	FamilyUUID uuid.UUID
	Kind       string // "Password", "Recovery", "Institutional"
	Iterations int
	Salt       []byte
	WrappedKEK []byte
}

// NewPasswordKeybagEntry derives a KEK from password via PBKDF2 and wraps
// vmk under it, producing a keybag entry a real Unlock with the same
// password can successfully resolve.
func NewPasswordKeybagEntry(id, family uuid.UUID, kind string, password, salt []byte, iterations int, vmk [16]byte) (KeybagEntry, error) {
	kek := pbkdf2.Key(password, salt, iterations, 16, sha256.New)
	wrapped, err := AESKeyWrap(kek, vmk[:])
	if err != nil {
		return KeybagEntry{}, err
	}
	return KeybagEntry{
		UUID: id, FamilyUUID: family, Kind: kind,
		Iterations: iterations, Salt: salt, WrappedKEK: wrapped,
	}, nil
}

// BuildKeybagPlistXML assembles a minimal EncryptedRoot.plist document.
func BuildKeybagPlistXML(entries []KeybagEntry) []byte {
	var b bytes.Buffer
	b.WriteString("<dict>\n<key>CryptoUsers</key>\n<array>\n")
	for _, e := range entries {
		b.WriteString("<dict>\n")
		b.WriteString("<key>UUID</key>\n")
		fmt.Fprintf(&b, "<string>%s</string>\n", e.UUID.String())
		b.WriteString("<key>FamilyUUID</key>\n")
		fmt.Fprintf(&b, "<string>%s</string>\n", e.FamilyUUID.String())
		b.WriteString("<key>Kind</key>\n")
		fmt.Fprintf(&b, "<string>%s</string>\n", e.Kind)
		b.WriteString("<key>PassphraseWrappedKEKStruct</key>\n")

		blob := make([]byte, 0, 20+len(e.WrappedKEK))
		var iterBytes [4]byte
		binary.LittleEndian.PutUint32(iterBytes[:], uint32(e.Iterations))
		blob = append(blob, iterBytes[:]...)
		blob = append(blob, e.Salt...)
		blob = append(blob, e.WrappedKEK...)

		fmt.Fprintf(&b, "<data>%s</data>\n", base64.StdEncoding.EncodeToString(blob))
		b.WriteString("</dict>\n")
	}
	b.WriteString("</array>\n</dict>\n")
	return b.Bytes()
}

// DiskLabelSector builds a 512-byte sector whose first two bytes are the
// given big-endian HFS+/HFSX signature, for the §4.O sanity-check and S1
// end-to-end scenarios.
func DiskLabelSector(signature uint16) []byte {
	sector := make([]byte, 512)
	binary.BigEndian.PutUint16(sector[0:2], signature)
	return sector
}
