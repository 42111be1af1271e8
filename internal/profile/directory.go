package profile

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"keyforge/go-backend/internal/identity"
	"keyforge/go-backend/internal/platform/privacylog"
	"keyforge/go-backend/internal/waku"
	"keyforge/go-backend/pkg/models"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultCacheSize = 4096
	backfillLimit    = 500
)

var ErrNotFound = errors.New("profile not found")

// Source is the transport a Directory learns profiles from.
type Source interface {
	Subscribe(topic, recipient string, handler func(waku.Message)) error
	FetchSince(ctx context.Context, topic, recipient string, since time.Time, limit int) ([]waku.Message, error)
}

// Directory indexes the newest profile event per public key.
type Directory struct {
	source Source
	logger *slog.Logger

	mu    sync.Mutex
	cache *lru.Cache[string, models.ProfileMetadata]
}

func NewDirectory(source Source, size int, logger *slog.Logger) (*Directory, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, models.ProfileMetadata](size)
	if err != nil {
		return nil, err
	}
	return &Directory{source: source, logger: privacylog.Ensure(logger), cache: cache}, nil
}

// Watch starts indexing profile events broadcast on the transport.
func (d *Directory) Watch() error {
	if d.source == nil {
		return nil
	}
	return d.source.Subscribe(waku.TopicEvents, "", d.ingestMessage)
}

// Ingest records ev when it is a validly signed profile event newer than
// what is already known for its key.
func (d *Directory) Ingest(ev models.Event) error {
	if ev.Kind != models.EventKindProfile {
		return nil
	}
	if err := identity.VerifyEvent(ev); err != nil {
		return err
	}
	var meta models.ProfileMetadata
	if err := json.Unmarshal([]byte(ev.Content), &meta); err != nil {
		return fmt.Errorf("decode profile content: %w", err)
	}
	meta.UpdatedAt = ev.CreatedAt.UTC()

	d.mu.Lock()
	defer d.mu.Unlock()
	if known, ok := d.cache.Peek(ev.PublicKey); ok && known.UpdatedAt.After(meta.UpdatedAt) {
		return nil
	}
	d.cache.Add(ev.PublicKey, meta)
	return nil
}

// Fetch returns the newest known profile for pub. On a cache miss it asks
// the transport's history once before giving up with ErrNotFound.
func (d *Directory) Fetch(ctx context.Context, pub ed25519.PublicKey) (models.ProfileMetadata, error) {
	key, err := identity.EncodePublic(pub)
	if err != nil {
		return models.ProfileMetadata{}, err
	}
	if meta, ok := d.lookup(key); ok {
		return meta, nil
	}
	if d.source == nil {
		return models.ProfileMetadata{}, ErrNotFound
	}
	msgs, err := d.source.FetchSince(ctx, waku.TopicEvents, "", time.Time{}, backfillLimit)
	if err != nil {
		return models.ProfileMetadata{}, err
	}
	for _, msg := range msgs {
		d.ingestMessage(msg)
	}
	if meta, ok := d.lookup(key); ok {
		return meta, nil
	}
	return models.ProfileMetadata{}, ErrNotFound
}

func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.Len()
}

func (d *Directory) lookup(key string) (models.ProfileMetadata, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.Get(key)
}

func (d *Directory) ingestMessage(msg waku.Message) {
	var ev models.Event
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return
	}
	if err := d.Ingest(ev); err != nil {
		d.logger.Debug("profile event ignored", "event_id", ev.ID, "error", err)
	}
}
