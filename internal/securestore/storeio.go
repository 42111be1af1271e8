package securestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("encrypted secret not found")

// Vault persists already-encrypted secret blobs per account.
type Vault interface {
	Persist(ctx context.Context, accountID string, blob []byte) error
	Load(ctx context.Context, accountID string) ([]byte, error)
}

type MemoryVault struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{blobs: make(map[string][]byte)}
}

func (v *MemoryVault) Persist(ctx context.Context, accountID string, blob []byte) error {
	accountID, err := checkPersist(ctx, accountID, blob)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.blobs[accountID] = append([]byte(nil), blob...)
	return nil
}

func (v *MemoryVault) Load(ctx context.Context, accountID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	blob, ok := v.blobs[strings.TrimSpace(accountID)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), blob...), nil
}

type FileVault struct {
	mu  sync.Mutex
	dir string
}

func NewFileVault(dir string) (*FileVault, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("vault directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileVault{dir: dir}, nil
}

// Persist writes blob via a temp file and rename so a crash never leaves a
// truncated key file behind.
func (v *FileVault) Persist(ctx context.Context, accountID string, blob []byte) error {
	accountID, err := checkPersist(ctx, accountID, blob)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	path := v.pathFor(accountID)
	tmp, err := os.CreateTemp(v.dir, ".vault-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(blob); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (v *FileVault) Load(ctx context.Context, accountID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	data, err := os.ReadFile(v.pathFor(strings.TrimSpace(accountID)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (v *FileVault) pathFor(accountID string) string {
	sum := sha256.Sum256([]byte(accountID))
	return filepath.Join(v.dir, hex.EncodeToString(sum[:16])+".key")
}

func checkPersist(ctx context.Context, accountID string, blob []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return "", errors.New("account id is required")
	}
	env, err := Unmarshal(blob)
	if err != nil {
		return "", err
	}
	if env.AccountID != accountID {
		return "", ErrInvalid
	}
	return accountID, nil
}
