package identity

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	"keyforge/go-backend/pkg/models"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
)

const identityIDPrefix = "kf1"

var ErrInvalidIdentityID = fmt.Errorf("invalid identity id")

func BuildIdentityID(signingPublicKey []byte) (string, error) {
	if len(signingPublicKey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("invalid signing public key size: %d", len(signingPublicKey))
	}
	h := blake2b.Sum256(signingPublicKey)
	return identityIDPrefix + base58.Encode(h[:]), nil
}

func VerifyIdentityID(identityID string, signingPublicKey []byte) (bool, error) {
	expected, err := BuildIdentityID(signingPublicKey)
	if err != nil {
		return false, err
	}
	return identityID == expected, nil
}

// ValidateIdentityID checks the format of an account identifier without
// needing the public key.
func ValidateIdentityID(identityID string) error {
	identityID = strings.TrimSpace(identityID)
	if !strings.HasPrefix(identityID, identityIDPrefix) {
		return ErrInvalidIdentityID
	}
	raw, err := base58.Decode(strings.TrimPrefix(identityID, identityIDPrefix))
	if err != nil || len(raw) != blake2b.Size256 {
		return ErrInvalidIdentityID
	}
	return nil
}

func Describe(pub ed25519.PublicKey) (models.Identity, error) {
	id, err := BuildIdentityID(pub)
	if err != nil {
		return models.Identity{}, err
	}
	text, err := EncodePublic(pub)
	if err != nil {
		return models.Identity{}, err
	}
	return models.Identity{ID: id, PublicKey: text}, nil
}
