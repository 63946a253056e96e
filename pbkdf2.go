package fvde

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

// Component H: password/recovery-passphrase to KEK derivation. The
// teacher's LUKS1 path (luks.go's tryUnlockKeySlot) calls
// golang.org/x/crypto/pbkdf2.Key directly for the same purpose (password
// bytes + salt + iteration count -> fixed-length key); we keep that exact
// wiring rather than hand-rolling HMAC/PBKDF2 bookkeeping.
func deriveKEK(password []byte, salt []byte, iterations int, keyLen int) ([]byte, error) {
	if iterations <= 0 {
		return nil, newErr(InvalidArgument, "deriveKEK", "iteration count must be positive, got %d", iterations)
	}
	if keyLen <= 0 {
		return nil, newErr(InvalidArgument, "deriveKEK", "key length must be positive, got %d", keyLen)
	}
	return pbkdf2.Key(password, salt, iterations, keyLen, sha256.New), nil
}
