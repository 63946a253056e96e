package fvde

import (
	"crypto/aes"
	"crypto/sha256"

	"golang.org/x/crypto/xts"
)

// Component F: the AES primitive contracts spec §6 treats as injected
// collaborators. The teacher wires golang.org/x/crypto/xts for exactly
// this purpose in luks.go's LUKSDecryptor; we keep that wiring and add a
// thin ECB-single-block wrapper over stdlib crypto/aes for the Key Wrap
// unwrap loop (component G), which operates one 16-byte block at a time
// and has no natural fit in any chaining-mode package.

// aes128EcbDecryptBlock decrypts a single 16-byte block in place using
// key (128/192/256-bit, per RFC 3394's key-size rule) under raw AES-ECB,
// i.e. one call to the block cipher with no chaining. This exists only to
// back AES Key Wrap's internal unwrap loop (§4.G); it is never exposed as
// a general ECB-mode codec, matching spec §1's scope note that the codec
// only ever decrypts.
func aes128EcbDecryptBlock(key []byte, block []byte) error {
	if len(block) != aes.BlockSize {
		return newErr(InvalidArgument, "aesEcbDecryptBlock", "block must be %d bytes, got %d", aes.BlockSize, len(block))
	}
	cipher, err := aes.NewCipher(key)
	if err != nil {
		return wrapErr(InvalidArgument, "aesEcbDecryptBlock", err)
	}
	cipher.Decrypt(block, block)
	return nil
}

// aes128Xts wraps golang.org/x/crypto/xts.Cipher for the data-encryption
// key + tweak key pair used throughout the sector codec (§4.P) and the
// encrypted-metadata walker (§4.M), both of which decrypt with AES-XTS-128
// using a 64-bit block index folded into a 16-byte tweak.
type aes128Xts struct {
	cipher *xts.Cipher
}

func newAES128Xts(key, tweakKey [16]byte) (*aes128Xts, error) {
	combined := make([]byte, 32)
	copy(combined[:16], key[:])
	copy(combined[16:], tweakKey[:])
	c, err := xts.NewCipher(aes.NewCipher, combined)
	if err != nil {
		return nil, wrapErr(InvalidArgument, "newAES128Xts", err)
	}
	return &aes128Xts{cipher: c}, nil
}

// decryptSectorUnit decrypts ciphertext (a multiple of aes.BlockSize) in
// place-compatible fashion, using sectorNum as the XTS "tweak" unit
// (golang.org/x/crypto/xts encodes the unit number as a little-endian
// 128-bit value internally, matching §4.P's "little-endian encoding of
// tweak_value padded with zeros").
func (a *aes128Xts) decryptSectorUnit(ciphertext []byte, sectorNum uint64) ([]byte, error) {
	if len(ciphertext)%16 != 0 {
		return nil, newErr(InvalidArgument, "decryptSectorUnit", "ciphertext length %d not a multiple of 16", len(ciphertext))
	}
	plaintext := make([]byte, len(ciphertext))
	a.cipher.Decrypt(plaintext, ciphertext, sectorNum)
	return plaintext, nil
}

func sha256Sum(data []byte) [32]byte {
	return sha256.Sum256(data)
}
