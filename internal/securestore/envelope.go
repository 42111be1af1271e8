package securestore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopeVersion = 1
	saltSize        = 16
	blobPrefix      = "KFKEY1\n"
	kdfName         = "argon2id"

	argonTime    = uint32(2)
	argonMemKB   = uint32(64 * 1024)
	argonThreads = uint8(1)
)

var (
	ErrAuthFailed = errors.New("securestore authentication failed")
	ErrInvalid    = errors.New("securestore envelope is invalid")
)

// Envelope is a password-wrapped secret key. The account id is bound as
// additional data so a blob cannot be replayed under another account.
type Envelope struct {
	Version     uint32 `json:"version"`
	AccountID   string `json:"account_id"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

func Seal(passphrase []byte, accountID string, plaintext []byte) (*Envelope, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" || len(passphrase) == 0 {
		return nil, ErrInvalid
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := argon2.IDKey(passphrase, salt, argonTime, argonMemKB, argonThreads, chacha20poly1305.KeySize)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return &Envelope{
		Version:     envelopeVersion,
		AccountID:   accountID,
		KDF:         kdfName,
		KDFTime:     argonTime,
		KDFMemoryKB: argonMemKB,
		KDFThreads:  argonThreads,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, plaintext, []byte(accountID)),
	}, nil
}

// Open decrypts env. The returned plaintext belongs to the caller, who must wipe it.
func Open(passphrase []byte, env *Envelope) ([]byte, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	key := argon2.IDKey(passphrase, env.Salt, env.KDFTime, env.KDFMemoryKB, env.KDFThreads, chacha20poly1305.KeySize)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, []byte(env.AccountID))
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func (env *Envelope) Marshal() ([]byte, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append([]byte(blobPrefix), raw...), nil
}

func Unmarshal(blob []byte) (*Envelope, error) {
	if !strings.HasPrefix(string(blob), blobPrefix) {
		return nil, ErrInvalid
	}
	var env Envelope
	if err := json.Unmarshal(blob[len(blobPrefix):], &env); err != nil {
		return nil, ErrInvalid
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

func (env *Envelope) validate() error {
	if env == nil || env.Version != envelopeVersion || env.KDF != kdfName {
		return ErrInvalid
	}
	if strings.TrimSpace(env.AccountID) == "" || len(env.Salt) != saltSize {
		return ErrInvalid
	}
	if len(env.Nonce) != chacha20poly1305.NonceSizeX || len(env.Ciphertext) < chacha20poly1305.Overhead {
		return ErrInvalid
	}
	// Reject KDF downgrades that would make offline guessing cheaper.
	if env.KDFTime < argonTime || env.KDFMemoryKB < argonMemKB || env.KDFThreads < argonThreads {
		return ErrInvalid
	}
	return nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
