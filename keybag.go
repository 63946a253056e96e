package fvde

import "github.com/google/uuid"

// Component N: EncryptedRoot.plist, the keybag that maps a logical
// volume family to the wrapped key material protecting it. This file is
// not produced or parsed by the trimmed libfvde snapshot bundled as
// original_source/ (EncryptedRoot.plist lives on the EFI/Recovery
// partition and is conventionally handled by a separate tool layer, not
// the core metadata library); the wrapped-KEK blob layout below follows
// spec.md §4.N's field list (PBKDF2 salt, iteration count, wrapped
// bytes) in the order publicly documented FileVault 2 tooling uses. See
// DESIGN.md.
type CryptoUserKind int

const (
	CryptoUserUnknown CryptoUserKind = iota
	CryptoUserPassword
	CryptoUserRecovery
	CryptoUserInstitutional
)

type WrappedKey struct {
	Iterations int
	Salt       []byte
	Wrapped    []byte
}

type CryptoUser struct {
	UUID       uuid.UUID
	FamilyUUID uuid.UUID
	Kind       CryptoUserKind
	Key        WrappedKey
}

type Keybag struct {
	users []CryptoUser
}

func (k *Keybag) CryptoUsers() []CryptoUser {
	return k.users
}

// FindWrappedVMK returns the first crypto user matching the given family
// UUID and kind.
func (k *Keybag) FindWrappedVMK(family uuid.UUID, kind CryptoUserKind) (*WrappedKey, error) {
	for i := range k.users {
		u := &k.users[i]
		if u.FamilyUUID == family && u.Kind == kind {
			return &u.Key, nil
		}
	}
	return nil, newErr(AuthenticationFailed, "Keybag.FindWrappedVMK", "no crypto user of kind %d for family %s", kind, family)
}

// ParseKeybag decodes an EncryptedRoot.plist document: a top-level dict
// with a CryptoUsers array, each entry carrying a UUID and either a
// PassphraseWrappedKEKStruct or KEKWrappedVolumeKeyStruct blob.
func ParseKeybag(data []byte) (*Keybag, error) {
	const op = "ParseKeybag"
	root, err := ParsePlist(data)
	if err != nil {
		return nil, wrapErr(Malformed, op, err)
	}

	usersValue, ok := root.Lookup("CryptoUsers")
	if !ok {
		return nil, newErr(Malformed, op, "missing CryptoUsers array")
	}
	entries, ok := usersValue.Array()
	if !ok {
		return nil, newErr(Malformed, op, "CryptoUsers is not an array")
	}

	kb := &Keybag{}
	for _, entry := range entries {
		user, err := parseCryptoUser(entry)
		if err != nil {
			return nil, wrapErr(Malformed, op, err)
		}
		kb.users = append(kb.users, user)
	}
	return kb, nil
}

func parseCryptoUser(entry PlistValue) (CryptoUser, error) {
	var user CryptoUser

	if v, ok := entry.Lookup("UUID"); ok {
		id, ok := v.UUID()
		if !ok {
			return CryptoUser{}, newErr(Malformed, "parseCryptoUser", "CryptoUsers entry has an invalid UUID")
		}
		user.UUID = id
	}
	if v, ok := entry.Lookup("FamilyUUID"); ok {
		id, ok := v.UUID()
		if ok {
			user.FamilyUUID = id
		}
	}

	kind := CryptoUserPassword
	if v, ok := entry.Lookup("Kind"); ok {
		if s, ok := v.String(); ok {
			switch s {
			case "Recovery":
				kind = CryptoUserRecovery
			case "Institutional":
				kind = CryptoUserInstitutional
			case "Password":
				kind = CryptoUserPassword
			default:
				kind = CryptoUserUnknown
			}
		}
	}
	user.Kind = kind

	blobValue, ok := entry.Lookup("PassphraseWrappedKEKStruct")
	if !ok {
		blobValue, ok = entry.Lookup("KEKWrappedVolumeKeyStruct")
	}
	if !ok {
		return CryptoUser{}, newErr(Malformed, "parseCryptoUser", "CryptoUsers entry missing wrapped KEK blob")
	}
	blob, ok := blobValue.Data()
	if !ok {
		return CryptoUser{}, newErr(Malformed, "parseCryptoUser", "wrapped KEK blob is not <data>")
	}

	key, err := parseWrappedKeyBlob(blob)
	if err != nil {
		return CryptoUser{}, err
	}
	user.Key = key
	return user, nil
}

// parseWrappedKeyBlob decodes: u32 iteration count, 16-byte PBKDF2 salt,
// remaining bytes the AES Key Wrap ciphertext (a multiple of 8, per
// RFC 3394, validated downstream by keyUnwrap).
func parseWrappedKeyBlob(blob []byte) (WrappedKey, error) {
	const op = "parseWrappedKeyBlob"
	if len(blob) < 20 {
		return WrappedKey{}, newErr(Malformed, op, "wrapped key blob too short: %d bytes", len(blob))
	}
	iterations := int(uint32LE(blob[0:4]))
	salt := append([]byte(nil), blob[4:20]...)
	wrapped := append([]byte(nil), blob[20:]...)
	if len(wrapped) == 0 || len(wrapped)%8 != 0 {
		return WrappedKey{}, newErr(Malformed, op, "wrapped key length %d is not a positive multiple of 8", len(wrapped))
	}
	return WrappedKey{Iterations: iterations, Salt: salt, Wrapped: wrapped}, nil
}
