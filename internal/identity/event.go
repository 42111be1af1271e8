package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"keyforge/go-backend/pkg/models"
)

var (
	ErrInvalidEvent   = errors.New("invalid event")
	ErrEventSignature = errors.New("event signature mismatch")
)

// EventDigest returns the canonical hash that event signatures cover.
func EventDigest(ev models.Event) ([]byte, error) {
	if strings.TrimSpace(ev.Kind) == "" || strings.TrimSpace(ev.PublicKey) == "" {
		return nil, ErrInvalidEvent
	}
	tags := ev.Tags
	if tags == nil {
		tags = [][]string{}
	}
	raw, err := json.Marshal([]any{0, ev.PublicKey, ev.CreatedAt.Unix(), ev.Kind, tags, ev.Content})
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(raw)
	return sum[:], nil
}

// SignEvent stamps the event with the public key of seed and signs its digest.
// The expanded private key is wiped before returning; seed is left to the caller.
func SignEvent(seed []byte, ev models.Event) (models.Event, error) {
	if len(seed) != SecretSize {
		return models.Event{}, ErrInvalidSecret
	}
	priv := ed25519.NewKeyFromSeed(seed)
	defer zeroBytes(priv)

	pubText, err := EncodePublic(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return models.Event{}, err
	}
	ev.PublicKey = pubText
	digest, err := EventDigest(ev)
	if err != nil {
		return models.Event{}, err
	}
	ev.ID = hex.EncodeToString(digest)
	ev.Signature = ed25519.Sign(priv, digest)
	return ev, nil
}

func VerifyEvent(ev models.Event) error {
	pub, err := DecodePublic(ev.PublicKey)
	if err != nil {
		return err
	}
	digest, err := EventDigest(ev)
	if err != nil {
		return err
	}
	if ev.ID != hex.EncodeToString(digest) {
		return ErrEventSignature
	}
	if len(ev.Signature) != ed25519.SignatureSize || !ed25519.Verify(pub, digest, ev.Signature) {
		return ErrEventSignature
	}
	return nil
}
