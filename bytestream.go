package fvde

import "encoding/binary"

// Component A: endian-safe integer decoding and an aligned equal-byte
// scan, ported from libfvde's byte_stream helpers and
// libfvde_metadata_block_check_for_empty_block's word-at-a-time compare.
//
// The core's on-disk structures are little-endian throughout (volume
// header, metadata block header, plist data blobs); big-endian decoding
// is needed only for the disk-label sanity check in §4.O (an HFS+/HFSX
// signature) and the UUID-as-big-endian-bytes conversion in §4.K.

func uint16LE(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
func uint32LE(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func uint64LE(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }
func uint16BE(b []byte) uint16 { return binary.BigEndian.Uint16(b) }

// isEmptyBlock reports whether every byte in b equals b[0]. It scans
// word-at-a-time once the read pointer is 8-byte aligned, matching the
// behavior (not necessarily the exact machine code) of libfvde's
// libfvde_aligned_t comparison loop: the result must be identical to a
// byte-wise comparison for every input, alignment is purely a speed
// optimization.
func isEmptyBlock(b []byte) bool {
	if len(b) == 0 {
		return true
	}
	first := b[0]

	i := 0
	// Byte-wise prologue until 8-byte aligned relative to the start of b.
	// There is no real pointer alignment in Go, so "aligned" here means
	// "a multiple of 8 bytes into the slice", which is what the decoding
	// loop actually benefits from.
	for i < len(b) && i%8 != 0 {
		if b[i] != first {
			return false
		}
		i++
	}

	pattern := uint64(first) * 0x0101010101010101

	for len(b)-i >= 8 {
		word := binary.LittleEndian.Uint64(b[i : i+8])
		if word != pattern {
			// Fall back to byte-wise to report precisely and keep the
			// function simple; the word compare was only a fast path.
			for j := i; j < i+8; j++ {
				if b[j] != first {
					return false
				}
			}
		}
		i += 8
	}

	for ; i < len(b); i++ {
		if b[i] != first {
			return false
		}
	}
	return true
}
