package ownership

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"time"

	"keyforge/go-backend/internal/identity"

	"golang.org/x/crypto/nacl/box"
)

var ErrCannotOpen = errors.New("challenge notice cannot be opened with this key")

// CodeNotice is what the holder of the claimed key receives.
type CodeNotice struct {
	SessionID string    `json:"session_id"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SealCode encrypts notice so only the holder of claimed can read it.
func SealCode(claimed ed25519.PublicKey, notice CodeNotice) ([]byte, error) {
	recipient, err := identity.EncryptionPublicKey(claimed)
	if err != nil {
		return nil, ErrInvalidClaim
	}
	raw, err := json.Marshal(notice)
	if err != nil {
		return nil, err
	}
	defer wipe(raw)
	return box.SealAnonymous(nil, raw, recipient, rand.Reader)
}

// OpenCode decrypts a sealed notice with the secret seed of the claimed key.
func OpenCode(seed []byte, sealed []byte) (CodeNotice, error) {
	priv, err := identity.EncryptionPrivateKey(seed)
	if err != nil {
		return CodeNotice{}, err
	}
	defer wipe(priv[:])
	pub, err := identity.EncryptionPublicKey(identity.PublicKeyFromSecret(seed))
	if err != nil {
		return CodeNotice{}, err
	}
	raw, ok := box.OpenAnonymous(nil, sealed, pub, priv)
	if !ok {
		return CodeNotice{}, ErrCannotOpen
	}
	defer wipe(raw)
	var notice CodeNotice
	if err := json.Unmarshal(raw, &notice); err != nil {
		return CodeNotice{}, ErrCannotOpen
	}
	return notice, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
