package fvde

import "github.com/google/uuid"

// Component I: the physical volume header, the first 512 bytes of every
// CoreStorage physical volume. Field layout ported from fvde_volume_header
// in fvde_volume.h.
const (
	volumeHeaderSize          = 512
	volumeHeaderBlockType     = 0x0010
	volumeHeaderChecksumAlgo  = 1
	volumeHeaderEncryptionAES = 2
	volumeHeaderInitialValue  = 0xFFFFFFFF
)

var coreStorageSignature = [2]byte{'C', 'S'}

type VolumeHeader struct {
	SerialNumber     uint32
	BytesPerSector   uint32
	VolumeSize       uint64
	BlockSize        uint32
	MetadataSize     uint32
	MetadataOffsets  [4]uint64 // byte offsets within this PV
	KeyDataSize      uint32
	KeyData          [128]byte
	PhysicalVolumeID uuid.UUID
	VolumeGroupID    uuid.UUID
}

// ParseVolumeHeader validates and decodes a 512-byte physical volume
// header. It fails with Unsupported on any structural field mismatch and
// ChecksumMismatch on CRC failure, per §4.I.
func ParseVolumeHeader(data []byte) (*VolumeHeader, error) {
	const op = "ParseVolumeHeader"
	if len(data) < volumeHeaderSize {
		return nil, newErr(InvalidArgument, op, "volume header requires %d bytes, got %d", volumeHeaderSize, len(data))
	}
	data = data[:volumeHeaderSize]

	storedChecksum := uint32LE(data[0:4])
	calculated := weakCRC32(data[8:], volumeHeaderInitialValue)
	if storedChecksum != calculated {
		return nil, newErr(ChecksumMismatch, op, "header checksum mismatch (stored 0x%08x, calculated 0x%08x)", storedChecksum, calculated)
	}

	initialValue := uint32LE(data[4:8])
	if initialValue != volumeHeaderInitialValue {
		return nil, newErr(Unsupported, op, "unexpected header initial value 0x%08x", initialValue)
	}

	blockType := uint16LE(data[10:12])
	if blockType != volumeHeaderBlockType {
		return nil, newErr(Unsupported, op, "unexpected block type 0x%04x", blockType)
	}

	if data[88] != coreStorageSignature[0] || data[89] != coreStorageSignature[1] {
		return nil, newErr(Unsupported, op, "missing CoreStorage signature")
	}

	checksumAlgorithm := uint32LE(data[90:94])
	if checksumAlgorithm != volumeHeaderChecksumAlgo {
		return nil, newErr(Unsupported, op, "unsupported checksum algorithm %d", checksumAlgorithm)
	}

	blockSize := uint32LE(data[96:100])
	metadataSize := uint32LE(data[100:104])

	encryptionMethod := uint32LE(data[172:176])
	if encryptionMethod != volumeHeaderEncryptionAES {
		return nil, newErr(Unsupported, op, "unsupported encryption method %d", encryptionMethod)
	}

	h := &VolumeHeader{
		SerialNumber:   uint32LE(data[12:16]),
		BytesPerSector: uint32LE(data[48:52]),
		VolumeSize:     uint64LE(data[64:72]),
		BlockSize:      blockSize,
		MetadataSize:   metadataSize,
		KeyDataSize:    uint32LE(data[168:172]),
	}
	for i := range h.MetadataOffsets {
		off := 104 + i*8
		h.MetadataOffsets[i] = uint64LE(data[off:off+8]) * uint64(blockSize)
	}
	copy(h.KeyData[:], data[176:304])

	var err error
	h.PhysicalVolumeID, err = uuid.FromBytes(data[304:320])
	if err != nil {
		return nil, wrapErr(Malformed, op, err)
	}
	h.VolumeGroupID, err = uuid.FromBytes(data[320:336])
	if err != nil {
		return nil, wrapErr(Malformed, op, err)
	}
	return h, nil
}
