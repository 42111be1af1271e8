package forge

import (
	"context"
	"errors"
	"testing"

	"keyforge/go-backend/internal/identity"
	"keyforge/go-backend/pkg/models"
)

type fakeRemoteSigner struct {
	seed      []byte
	available bool
	block     bool
	calls     int
}

func (f *fakeRemoteSigner) Available(context.Context) bool { return f.available }

func (f *fakeRemoteSigner) SignEvent(ctx context.Context, ev models.Event) (models.Event, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return models.Event{}, ctx.Err()
	}
	return identity.SignEvent(f.seed, ev)
}

func TestSignerGuardNestsAndRestores(t *testing.T) {
	_, seed := newTestSeed(t)
	inner := &fakeRemoteSigner{seed: seed, available: true}
	guard := NewSignerGuard(inner)
	signer := guard.Signer()
	ev := models.Event{Kind: models.EventKindProfile, Content: "{}"}

	outer := guard.Enter()
	nested := guard.Enter()
	if signer.Available(context.Background()) {
		t.Fatal("guarded signer must report unavailable")
	}
	if _, err := signer.SignEvent(context.Background(), ev); !errors.Is(err, ErrSignerGuarded) {
		t.Fatalf("expected ErrSignerGuarded, got %v", err)
	}
	if inner.calls != 0 {
		t.Fatal("guarded call reached the inner signer")
	}

	nested()
	nested()
	if !guard.Active() {
		t.Fatal("double release of the nested scope must not drop the outer scope")
	}
	outer()
	if guard.Active() {
		t.Fatal("guard still active after every scope released")
	}
	if _, err := signer.SignEvent(context.Background(), ev); err != nil {
		t.Fatalf("sign after release failed: %v", err)
	}
}

func TestSignerGuardReleasedOnPanic(t *testing.T) {
	guard := NewSignerGuard(&fakeRemoteSigner{})
	func() {
		defer func() { _ = recover() }()
		release := guard.Enter()
		defer release()
		panic("wizard step failed")
	}()
	if guard.Active() {
		t.Fatal("guard must be released on an error path")
	}
}

func TestNilSignerGuard(t *testing.T) {
	var guard *SignerGuard
	guard.Enter()()
	if guard.Active() || guard.Signer() != nil {
		t.Fatal("nil guard must be inert")
	}
}
