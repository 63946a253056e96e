package fvde

import "encoding/binary"

// Component G: AES Key Wrap (RFC 3394), unwrap direction only. Ported
// from libfvde_encryption_context.c's libfvde_encryption_aes_key_unwrap.
// Spec's open question notes the original duplicates this routine
// byte-for-byte in two C files (libfvde_encryption.c and
// libfvde_encryption_context.c); this package provides exactly one
// implementation, used by both the EncryptedRoot.plist keybag path and
// any other wrapped-key site.
//
// keyUnwrap does not validate the integrity check value (0xA6A6A6A6A6A6A6A6)
// against A; per spec §4.G, callers validate the unwrapped volume master
// key downstream (the §4.O disk-label sanity check).
func keyUnwrap(kek []byte, wrapped []byte) ([]byte, error) {
	switch len(kek) {
	case 16, 24, 32:
	default:
		return nil, newErr(InvalidArgument, "keyUnwrap", "key must be 128/192/256 bits, got %d bytes", len(kek)*8)
	}
	if len(wrapped) <= 8 || len(wrapped)%8 != 0 {
		return nil, newErr(InvalidArgument, "keyUnwrap", "wrapped data must be a positive multiple of 8 greater than 8, got %d bytes", len(wrapped))
	}

	n := len(wrapped)/8 - 1

	a := make([]byte, 8)
	copy(a, wrapped[:8])

	r := make([][]byte, n+1) // 1-indexed, r[0] unused
	for i := 1; i <= n; i++ {
		r[i] = make([]byte, 8)
		copy(r[i], wrapped[i*8:(i+1)*8])
	}

	buf := make([]byte, 16)
	for j := 5; j >= 0; j-- {
		for i := n; i >= 1; i-- {
			t := uint64(j*n + i)
			// A XOR t: RFC 3394's counter t = (n*j)+i is a full 64-bit
			// value, XORed into A big-endian.
			var tBytes [8]byte
			binary.BigEndian.PutUint64(tBytes[:], t)

			copy(buf[:8], a)
			for k := range buf[:8] {
				buf[k] ^= tBytes[k]
			}
			copy(buf[8:], r[i])

			if err := aes128EcbDecryptBlock(kek, buf); err != nil {
				return nil, wrapErr(Malformed, "keyUnwrap", err)
			}

			copy(a, buf[:8])
			copy(r[i], buf[8:])
		}
	}

	out := make([]byte, n*8)
	for i := 1; i <= n; i++ {
		copy(out[(i-1)*8:i*8], r[i])
	}
	scrubBytes(a)
	return out, nil
}
