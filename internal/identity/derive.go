package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/sha512"
	"io"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfoSigning = "keyforge/identity/signing/v1"

func deriveSigningSeed(seedBytes []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, seedBytes, nil, []byte(hkdfInfoSigning))
	out := make([]byte, SecretSize)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

// EncryptionPublicKey maps an Ed25519 public key to its X25519 form so that
// payloads can be sealed to a signing identity.
func EncryptionPublicKey(pub ed25519.PublicKey) (*[32]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	point, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	var out [32]byte
	copy(out[:], point.BytesMontgomery())
	return &out, nil
}

// EncryptionPrivateKey returns the X25519 scalar matching EncryptionPublicKey.
// Callers must wipe the result.
func EncryptionPrivateKey(seed []byte) (*[32]byte, error) {
	if len(seed) != SecretSize {
		return nil, ErrInvalidSecret
	}
	h := sha512.Sum512(seed)
	defer zeroBytes(h[:])
	var out [32]byte
	copy(out[:], h[:32])
	out[0] &= 248
	out[31] &= 127
	out[31] |= 64
	return &out, nil
}
