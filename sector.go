package fvde

// Component P: the sector codec. Wraps aes128Xts (§4.F) with the two
// bypasses spec §4.P calls for: sparse segments never reach the cipher,
// and a logical volume marked not-encrypted returns its ciphertext
// unchanged.
type SectorCodec struct {
	xts       *aes128Xts
	encrypted bool
}

func newSectorCodec(vmk, tweakKey [16]byte, encrypted bool) (*SectorCodec, error) {
	if !encrypted {
		return &SectorCodec{encrypted: false}, nil
	}
	xts, err := newAES128Xts(vmk, tweakKey)
	if err != nil {
		return nil, wrapErr(InvalidArgument, "newSectorCodec", err)
	}
	return &SectorCodec{xts: xts, encrypted: true}, nil
}

// DecryptSector decrypts one sector of ciphertext, using tweakValue as
// the logical sector index within the owning logical volume (not the
// physical volume's sector index).
func (c *SectorCodec) DecryptSector(ciphertext []byte, tweakValue uint64) ([]byte, error) {
	if !c.encrypted {
		out := make([]byte, len(ciphertext))
		copy(out, ciphertext)
		return out, nil
	}
	return c.xts.decryptSectorUnit(ciphertext, tweakValue)
}

// sparseSector returns a zero-filled sector of the given size, bypassing
// the codec entirely as §4.P requires for segments flagged IS_SPARSE.
func sparseSector(size int) []byte {
	return make([]byte, size)
}
