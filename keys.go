package fvde

import "github.com/google/uuid"

// Component O: the key derivation pipeline. Composes §4.H's PBKDF2
// wrapper, §4.G's AES Key Wrap unwrap, and a SHA-256 tweak-key derivation
// into the (volume master key, tweak key) pair the sector codec (§4.P)
// decrypts logical-volume sectors with. The encrypted-metadata walker
// (§4.M) does not use this pair; its keys come from the physical volume
// header (physicalVolumeMetadataKeys).

// Secret is the user-supplied credential Unlock tries against a logical
// volume's keybag entry. A raw VMK bypasses PBKDF2 and key unwrap
// entirely.
type Secret interface {
	isSecret()
}

type passwordSecret struct {
	password []byte
}

func (passwordSecret) isSecret() {}

// PasswordSecret wraps a user password for the default keybag entry kind.
func PasswordSecret(password []byte) Secret {
	return passwordSecret{password: password}
}

type recoverySecret struct {
	password []byte
}

func (recoverySecret) isSecret() {}

// RecoverySecret wraps a recovery password, matched against the keybag's
// Recovery-kind crypto user instead of the default Password kind.
func RecoverySecret(password []byte) Secret {
	return recoverySecret{password: password}
}

type rawKeySecret struct {
	vmk [16]byte
}

func (rawKeySecret) isSecret() {}

// RawKeySecret supplies the 16-byte volume master key directly, skipping
// PBKDF2 and AES Key Wrap.
func RawKeySecret(vmk [16]byte) Secret {
	return rawKeySecret{vmk: vmk}
}

// DeriveVolumeKeys resolves secret against keybag (unless secret already
// carries a raw VMK) and derives the tweak key from the result, per
// §4.O's pipeline. It does not perform the disk-label sanity check; the
// caller (the top-level facade's Unlock) does that after a trial read.
func DeriveVolumeKeys(lv *LogicalVolumeDescriptor, secret Secret, keybag *Keybag) (vmk, tweakKey [16]byte, err error) {
	const op = "DeriveVolumeKeys"

	switch s := secret.(type) {
	case rawKeySecret:
		vmk = s.vmk

	case passwordSecret, recoverySecret:
		if keybag == nil {
			return vmk, tweakKey, newErr(AuthenticationFailed, op, "no keybag available to resolve password secret")
		}
		var pw []byte
		kind := CryptoUserPassword
		switch v := s.(type) {
		case passwordSecret:
			pw = v.password
			kind = CryptoUserPassword
		case recoverySecret:
			pw = v.password
			kind = CryptoUserRecovery
		}

		wrapped, err := keybag.FindWrappedVMK(lv.FamilyUUID, kind)
		if err != nil {
			return vmk, tweakKey, err
		}

		kek, err := deriveKEK(pw, wrapped.Salt, wrapped.Iterations, 16)
		if err != nil {
			return vmk, tweakKey, wrapErr(AuthenticationFailed, op, err)
		}
		defer scrubBytes(kek)

		unwrapped, err := keyUnwrap(kek, wrapped.Wrapped)
		if err != nil {
			return vmk, tweakKey, wrapErr(AuthenticationFailed, op, err)
		}
		defer scrubBytes(unwrapped)
		if len(unwrapped) < 16 {
			return vmk, tweakKey, newErr(AuthenticationFailed, op, "unwrapped key material too short: %d bytes", len(unwrapped))
		}
		copy(vmk[:], unwrapped[:16])

	default:
		return vmk, tweakKey, newErr(InvalidArgument, op, "unrecognized Secret implementation")
	}

	tweakKey = deriveTweakKey(vmk, lv.FamilyUUID)
	return vmk, tweakKey, nil
}

// deriveTweakKey computes SHA256(VMK ‖ family_identifier)[0:16].
func deriveTweakKey(vmk [16]byte, family uuid.UUID) [16]byte {
	input := make([]byte, 32)
	copy(input[:16], vmk[:])
	famBytes, _ := family.MarshalBinary()
	copy(input[16:], famBytes)

	sum := sha256Sum(input)
	var tweakKey [16]byte
	copy(tweakKey[:], sum[:16])
	return tweakKey
}

// diskLabelSanityCheck reports whether sector is a recognized HFS+/HFSX
// disk label, the post-unlock check §4.O requires before trusting a
// derived key.
func diskLabelSanityCheck(sector []byte) bool {
	if len(sector) < 2 {
		return false
	}
	signature := uint16BE(sector[0:2])
	return signature == 0x482B || signature == 0x4858
}
