package profile

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"keyforge/go-backend/internal/identity"
	"keyforge/go-backend/internal/platform/privacylog"
	"keyforge/go-backend/internal/waku"
	"keyforge/go-backend/pkg/models"
)

type historySource struct {
	history []waku.Message
	err     error
	fetches int
}

func (s *historySource) Subscribe(string, string, func(waku.Message)) error { return nil }

func (s *historySource) FetchSince(context.Context, string, string, time.Time, int) ([]waku.Message, error) {
	s.fetches++
	return s.history, s.err
}

func signedProfile(t *testing.T, seed []byte, name string, at time.Time) models.Event {
	t.Helper()
	content, err := json.Marshal(models.ProfileMetadata{Name: name})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	ev, err := identity.SignEvent(seed, models.Event{Kind: models.EventKindProfile, Content: string(content), CreatedAt: at})
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	return ev
}

func TestDirectoryKeepsNewestProfile(t *testing.T) {
	dir, err := NewDirectory(nil, 8, privacylog.New(io.Discard, "info", "json"))
	if err != nil {
		t.Fatalf("new directory failed: %v", err)
	}
	pub, seed, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := dir.Ingest(signedProfile(t, seed, "newer", now)); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if err := dir.Ingest(signedProfile(t, seed, "older", now.Add(-time.Hour))); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	meta, err := dir.Fetch(context.Background(), pub)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if meta.Name != "newer" || !meta.UpdatedAt.Equal(now) {
		t.Fatalf("unexpected profile: %+v", meta)
	}

	forged := signedProfile(t, seed, "forged", now.Add(time.Hour))
	forged.Content = `{"name":"mallory"}`
	if err := dir.Ingest(forged); err == nil {
		t.Fatal("tampered profile must be rejected")
	}
}

func TestDirectoryBackfillsFromHistory(t *testing.T) {
	pub, seed, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	payload, _ := json.Marshal(signedProfile(t, seed, "ada", time.Now()))
	src := &historySource{history: []waku.Message{{Topic: waku.TopicEvents, Payload: payload}}}
	dir, err := NewDirectory(src, 8, nil)
	if err != nil {
		t.Fatalf("new directory failed: %v", err)
	}
	meta, err := dir.Fetch(context.Background(), pub)
	if err != nil || meta.Name != "ada" {
		t.Fatalf("expected backfilled profile, got %+v err=%v", meta, err)
	}

	other, _, _ := identity.Generate()
	if _, err := dir.Fetch(context.Background(), other); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := dir.Fetch(context.Background(), ed25519.PublicKey{1}); err == nil {
		t.Fatal("invalid key must fail")
	}
}
