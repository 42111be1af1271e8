package forge

import (
	"context"
	"sync"

	"keyforge/go-backend/pkg/models"
)

// RemoteSigner is an external signer the user keeps outside this process,
// such as a browser extension bridge.
type RemoteSigner interface {
	Available(ctx context.Context) bool
	SignEvent(ctx context.Context, ev models.Event) (models.Event, error)
}

// SignerGuard switches the ambient remote signer off while any forge flow
// holds a live secret. Enter calls nest; each release func is idempotent.
type SignerGuard struct {
	mu    sync.Mutex
	depth int
	inner RemoteSigner
}

func NewSignerGuard(inner RemoteSigner) *SignerGuard {
	return &SignerGuard{inner: inner}
}

func (g *SignerGuard) Enter() (release func()) {
	if g == nil {
		return func() {}
	}
	g.mu.Lock()
	g.depth++
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			if g.depth > 0 {
				g.depth--
			}
			g.mu.Unlock()
		})
	}
}

func (g *SignerGuard) Active() bool {
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.depth > 0
}

// Signer returns the guarded view of the remote signer, or nil when none is
// configured.
func (g *SignerGuard) Signer() RemoteSigner {
	if g == nil || g.inner == nil {
		return nil
	}
	return guardedSigner{guard: g}
}

type guardedSigner struct {
	guard *SignerGuard
}

func (s guardedSigner) Available(ctx context.Context) bool {
	if s.guard.Active() {
		return false
	}
	return s.guard.inner.Available(ctx)
}

func (s guardedSigner) SignEvent(ctx context.Context, ev models.Event) (models.Event, error) {
	if s.guard.Active() {
		return models.Event{}, ErrSignerGuarded
	}
	return s.guard.inner.SignEvent(ctx, ev)
}
