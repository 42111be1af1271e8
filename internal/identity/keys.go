package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58/base58"
	"github.com/tyler-smith/go-bip39"
)

const (
	SecretSize = ed25519.SeedSize

	secretTextPrefix = "kfsk1"
	publicTextPrefix = "kfpk1"
)

const (
	SourceSecretText = "secret_text"
	SourceSecretHex  = "secret_hex"
	SourceMnemonic   = "mnemonic"
	SourcePublicText = "public_text"
)

var (
	ErrInvalidKeyText   = errors.New("invalid key text")
	ErrInvalidSecret    = errors.New("invalid secret key")
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrKeyTextRequired  = errors.New("key text is required")
)

// Imported is the decoded form of user-supplied key text. Secret is nil for
// view-only imports.
type Imported struct {
	PublicKey ed25519.PublicKey
	Secret    []byte
	ViewOnly  bool
	Source    string
}

var newEntropy = func() ([]byte, error) { return bip39.NewEntropy(256) }

// Generate returns a fresh public key and the 32-byte secret seed, derived
// from a new mnemonic exactly as a mnemonic import would derive it.
func Generate() (ed25519.PublicKey, []byte, error) {
	_, pub, seed, err := GenerateMnemonic()
	if err != nil {
		return nil, nil, err
	}
	return pub, seed, nil
}

// GenerateMnemonic creates a 24-word mnemonic and the secret seed derived from it.
func GenerateMnemonic() (string, ed25519.PublicKey, []byte, error) {
	entropy, err := newEntropy()
	if err != nil {
		return "", nil, nil, err
	}
	defer zeroBytes(entropy)
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", nil, nil, err
	}
	seed, err := SecretFromMnemonic(mnemonic)
	if err != nil {
		return "", nil, nil, err
	}
	return mnemonic, PublicKeyFromSecret(seed), seed, nil
}

// Import decodes secret text, a hex seed, a BIP-39 mnemonic or public key text.
func Import(text string) (Imported, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Imported{}, ErrKeyTextRequired
	}
	switch {
	case strings.HasPrefix(text, secretTextPrefix):
		seed, err := DecodeSecret(text)
		if err != nil {
			return Imported{}, err
		}
		return Imported{PublicKey: PublicKeyFromSecret(seed), Secret: seed, Source: SourceSecretText}, nil
	case strings.HasPrefix(text, publicTextPrefix):
		pub, err := DecodePublic(text)
		if err != nil {
			return Imported{}, err
		}
		return Imported{PublicKey: pub, ViewOnly: true, Source: SourcePublicText}, nil
	case strings.Contains(text, " "):
		seed, err := SecretFromMnemonic(text)
		if err != nil {
			return Imported{}, err
		}
		return Imported{PublicKey: PublicKeyFromSecret(seed), Secret: seed, Source: SourceMnemonic}, nil
	case len(text) == hex.EncodedLen(SecretSize):
		seed, err := hex.DecodeString(text)
		if err != nil {
			return Imported{}, fmt.Errorf("%w: %v", ErrInvalidKeyText, err)
		}
		return Imported{PublicKey: PublicKeyFromSecret(seed), Secret: seed, Source: SourceSecretHex}, nil
	default:
		return Imported{}, ErrInvalidKeyText
	}
}

func SecretFromMnemonic(mnemonic string) ([]byte, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("%w: mnemonic", ErrInvalidKeyText)
	}
	seedBytes := bip39.NewSeed(mnemonic, "")
	defer zeroBytes(seedBytes)
	return deriveSigningSeed(seedBytes)
}

func PublicKeyFromSecret(seed []byte) ed25519.PublicKey {
	priv := ed25519.NewKeyFromSeed(seed)
	defer zeroBytes(priv)
	return append(ed25519.PublicKey(nil), priv.Public().(ed25519.PublicKey)...)
}

func EncodeSecret(seed []byte) (string, error) {
	if len(seed) != SecretSize {
		return "", ErrInvalidSecret
	}
	return secretTextPrefix + base58.Encode(seed), nil
}

func DecodeSecret(text string) ([]byte, error) {
	raw, err := decodePrefixed(text, secretTextPrefix)
	if err != nil {
		return nil, err
	}
	if len(raw) != SecretSize {
		zeroBytes(raw)
		return nil, ErrInvalidSecret
	}
	return raw, nil
}

func EncodePublic(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", ErrInvalidPublicKey
	}
	return publicTextPrefix + base58.Encode(pub), nil
}

func DecodePublic(text string) (ed25519.PublicKey, error) {
	raw, err := decodePrefixed(text, publicTextPrefix)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	return ed25519.PublicKey(raw), nil
}

func decodePrefixed(text, prefix string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, prefix) {
		return nil, ErrInvalidKeyText
	}
	raw, err := base58.Decode(strings.TrimPrefix(text, prefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyText, err)
	}
	return raw, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
