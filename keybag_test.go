package fvde

import (
	"bytes"
	"testing"

	"github.com/google/uuid"

	"github.com/blacktop/go-fvde/testutil"
)

func TestParseKeybagRoundTrip(t *testing.T) {
	family := uuid.New()
	var vmk [16]byte
	copy(vmk[:], bytes.Repeat([]byte{0x09}, 16))
	salt := bytes.Repeat([]byte{0x5C}, 16)

	entry, err := testutil.NewPasswordKeybagEntry(uuid.New(), family, "Password", []byte("fvde-TEST"), salt, 4096, vmk)
	if err != nil {
		t.Fatalf("NewPasswordKeybagEntry: %v", err)
	}
	recovery, err := testutil.NewPasswordKeybagEntry(uuid.New(), family, "Recovery", []byte("RECOVERY-KEY"), salt, 4096, vmk)
	if err != nil {
		t.Fatalf("NewPasswordKeybagEntry: %v", err)
	}

	doc := testutil.BuildKeybagPlistXML([]testutil.KeybagEntry{entry, recovery})

	kb, err := ParseKeybag(doc)
	if err != nil {
		t.Fatalf("ParseKeybag: %v", err)
	}
	if len(kb.CryptoUsers()) != 2 {
		t.Fatalf("CryptoUsers() len = %d, want 2", len(kb.CryptoUsers()))
	}

	wrapped, err := kb.FindWrappedVMK(family, CryptoUserPassword)
	if err != nil {
		t.Fatalf("FindWrappedVMK(Password): %v", err)
	}
	if wrapped.Iterations != 4096 {
		t.Errorf("Iterations = %d, want 4096", wrapped.Iterations)
	}
	if !bytes.Equal(wrapped.Salt, salt) {
		t.Errorf("Salt mismatch")
	}

	key, err := keyUnwrap(mustDeriveKEK(t, []byte("fvde-TEST"), salt, 4096), wrapped.Wrapped)
	if err != nil {
		t.Fatalf("keyUnwrap: %v", err)
	}
	if !bytes.Equal(key, vmk[:]) {
		t.Fatalf("unwrapped key mismatch: got %x, want %x", key, vmk)
	}

	if _, err := kb.FindWrappedVMK(family, CryptoUserRecovery); err != nil {
		t.Fatalf("FindWrappedVMK(Recovery): %v", err)
	}
}

func mustDeriveKEK(t *testing.T, password, salt []byte, iterations int) []byte {
	t.Helper()
	kek, err := deriveKEK(password, salt, iterations, 16)
	if err != nil {
		t.Fatalf("deriveKEK: %v", err)
	}
	return kek
}

func TestKeybagFindWrappedVMKMissing(t *testing.T) {
	kb := &Keybag{}
	_, err := kb.FindWrappedVMK(uuid.New(), CryptoUserPassword)
	if err == nil {
		t.Fatal("expected error for empty keybag")
	}
	if kind, ok := KindOf(err); !ok || kind != AuthenticationFailed {
		t.Fatalf("got kind %v, want AuthenticationFailed", kind)
	}
}

func TestParseKeybagRejectsMissingCryptoUsers(t *testing.T) {
	if _, err := ParseKeybag([]byte(`<dict></dict>`)); err == nil {
		t.Fatal("expected error for missing CryptoUsers key")
	}
}

func TestParseKeybagRejectsMalformedWrappedBlob(t *testing.T) {
	doc := []byte(`<dict>
<key>CryptoUsers</key>
<array>
<dict>
<key>UUID</key><string>` + uuid.New().String() + `</string>
<key>FamilyUUID</key><string>` + uuid.New().String() + `</string>
<key>Kind</key><string>Password</string>
<key>PassphraseWrappedKEKStruct</key><data>AAAA</data>
</dict>
</array>
</dict>`)
	if _, err := ParseKeybag(doc); err == nil {
		t.Fatal("expected error for undersized wrapped key blob")
	}
}
