package identity

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"keyforge/go-backend/pkg/models"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/curve25519"
)

func TestSecretTextRoundtrip(t *testing.T) {
	pub, seed, err := Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	text, err := EncodeSecret(seed)
	if err != nil {
		t.Fatalf("encode secret failed: %v", err)
	}
	imported, err := Import(text)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if imported.ViewOnly {
		t.Fatal("secret import must not be view-only")
	}
	if imported.Source != SourceSecretText {
		t.Fatalf("unexpected source: %s", imported.Source)
	}
	if !bytes.Equal(imported.Secret, seed) {
		t.Fatal("imported secret mismatch")
	}
	if !bytes.Equal(imported.PublicKey, pub) {
		t.Fatal("imported public key mismatch")
	}
}

func TestImportHexSecret(t *testing.T) {
	pub, seed, err := Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	imported, err := Import(hex.EncodeToString(seed))
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if imported.Source != SourceSecretHex || !bytes.Equal(imported.PublicKey, pub) {
		t.Fatal("hex import should reproduce the same public key")
	}
}

func TestImportPublicIsViewOnly(t *testing.T) {
	pub, _, err := Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	text, err := EncodePublic(pub)
	if err != nil {
		t.Fatalf("encode public failed: %v", err)
	}
	imported, err := Import(text)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if !imported.ViewOnly || imported.Secret != nil {
		t.Fatal("public key import must be view-only without secret")
	}
}

func TestImportMnemonicDeterministic(t *testing.T) {
	mnemonic, pub, seed, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("generate mnemonic failed: %v", err)
	}
	imported, err := Import("  " + mnemonic + "  ")
	if err != nil {
		t.Fatalf("import mnemonic failed: %v", err)
	}
	if imported.Source != SourceMnemonic {
		t.Fatalf("unexpected source: %s", imported.Source)
	}
	if !bytes.Equal(imported.Secret, seed) || !bytes.Equal(imported.PublicKey, pub) {
		t.Fatal("mnemonic import should be deterministic")
	}
}

func TestGenerateDerivesFromMnemonic(t *testing.T) {
	entropy := bytes.Repeat([]byte{0x5a}, 32)
	restore := newEntropy
	newEntropy = func() ([]byte, error) { return append([]byte(nil), entropy...), nil }
	t.Cleanup(func() { newEntropy = restore })

	pub, seed, err := Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		t.Fatalf("mnemonic failed: %v", err)
	}
	want, err := SecretFromMnemonic(mnemonic)
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	if !bytes.Equal(seed, want) || !bytes.Equal(pub, PublicKeyFromSecret(want)) {
		t.Fatal("generated key must derive from its mnemonic")
	}
}

func TestImportRejectsGarbage(t *testing.T) {
	cases := []string{"", "hello", "kfsk1!!!", "kfpk1abc", "not a valid mnemonic phrase at all"}
	for _, text := range cases {
		if _, err := Import(text); err == nil {
			t.Fatalf("expected error for %q", text)
		}
	}
	if _, err := Import(""); !errors.Is(err, ErrKeyTextRequired) {
		t.Fatalf("expected ErrKeyTextRequired, got %v", err)
	}
}

func TestIdentityIDValidation(t *testing.T) {
	pub, _, err := Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	id, err := BuildIdentityID(pub)
	if err != nil {
		t.Fatalf("build identity id failed: %v", err)
	}
	if err := ValidateIdentityID(id); err != nil {
		t.Fatalf("valid id rejected: %v", err)
	}
	ok, err := VerifyIdentityID(id, pub)
	if err != nil || !ok {
		t.Fatalf("verify identity id failed: ok=%v err=%v", ok, err)
	}
	for _, bad := range []string{"", "kf1", "kf2abc", id + "x", "kf1000"} {
		if err := ValidateIdentityID(bad); err == nil {
			t.Fatalf("expected invalid id for %q", bad)
		}
	}
}

func TestEventSignVerify(t *testing.T) {
	_, seed, err := Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	ev := models.Event{
		Kind:      models.EventKindProfile,
		CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Content:   `{"name":"alice"}`,
		PublicKey: "placeholder",
	}
	signed, err := SignEvent(seed, ev)
	if err != nil {
		t.Fatalf("sign event failed: %v", err)
	}
	if err := VerifyEvent(signed); err != nil {
		t.Fatalf("verify event failed: %v", err)
	}

	tampered := signed
	tampered.Content = `{"name":"mallory"}`
	if err := VerifyEvent(tampered); !errors.Is(err, ErrEventSignature) {
		t.Fatalf("expected ErrEventSignature, got %v", err)
	}
}

func TestEncryptionKeysMatch(t *testing.T) {
	pub, seed, err := Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	xPub, err := EncryptionPublicKey(pub)
	if err != nil {
		t.Fatalf("encryption public key failed: %v", err)
	}
	xPriv, err := EncryptionPrivateKey(seed)
	if err != nil {
		t.Fatalf("encryption private key failed: %v", err)
	}
	derived, err := curve25519.X25519(xPriv[:], curve25519.Basepoint)
	if err != nil {
		t.Fatalf("x25519 failed: %v", err)
	}
	if !bytes.Equal(derived, xPub[:]) {
		t.Fatal("converted X25519 keys should form a pair")
	}
}
