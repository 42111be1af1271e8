package forge

import (
	"context"
	"errors"
	"testing"
	"time"

	"keyforge/go-backend/internal/identity"
	"keyforge/go-backend/internal/securestore"
	"keyforge/go-backend/pkg/models"
)

func TestSecuredAtTenSecondsDisarmsAndEmptiesStore(t *testing.T) {
	guard := NewSignerGuard(nil)
	lc, mock := newTestLifecycle(t, Options{Guard: guard})
	_, seed := newTestSeed(t)

	if err := lc.Set(seed, true, false); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if !guard.Active() {
		t.Fatal("signer guard must be active while a secret is live")
	}
	text, deadline, err := lc.Reveal()
	if err != nil {
		t.Fatalf("reveal failed: %v", err)
	}
	if _, err := identity.DecodeSecret(text); err != nil {
		t.Fatalf("revealed text does not decode: %v", err)
	}
	if want := mock.Now().Add(300 * time.Second); !deadline.Equal(want) {
		t.Fatalf("unexpected deadline: got %v want %v", deadline, want)
	}
	if !lc.Status().CountdownActive {
		t.Fatal("countdown must be active after first display")
	}

	mock.Add(10 * time.Second)
	if err := lc.MarkSecured(); err != nil {
		t.Fatalf("mark secured failed: %v", err)
	}
	st := lc.Status()
	if st.CountdownActive || st.Phase != PhaseSecured || st.Displayed {
		t.Fatalf("unexpected status after secure: %+v", st)
	}
	if _, ok := lc.store.Get(); ok {
		t.Fatal("store must be empty after secure")
	}
	if guard.Active() {
		t.Fatal("signer guard must be released after secure")
	}

	resolver := NewSigningResolver(securestore.NewMemoryVault(), guard, ResolverConfig{Clock: mock})
	_, err = resolver.Sign(context.Background(), lc, LocalEphemeral(), OpPublishProfile, Payload{Event: models.Event{Content: "{}"}}, nil)
	if !errors.Is(err, ErrNoSecret) {
		t.Fatalf("expected ErrNoSecret, got %v", err)
	}

	mock.Add(300 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if got := lc.Status().EndedBy; got != "secured" {
		t.Fatalf("a disarmed timer must not end the lifecycle again, got %q", got)
	}
}

func TestRevealIsIdempotentWhileDisplayed(t *testing.T) {
	lc, mock := newTestLifecycle(t, Options{})
	_, seed := newTestSeed(t)
	if err := lc.Set(seed, true, false); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	text1, deadline1, err := lc.Reveal()
	if err != nil {
		t.Fatalf("reveal failed: %v", err)
	}
	mock.Add(30 * time.Second)
	text2, deadline2, err := lc.Reveal()
	if err != nil {
		t.Fatalf("second reveal failed: %v", err)
	}
	if text1 != text2 || !deadline1.Equal(deadline2) {
		t.Fatal("second reveal must return the same secret and deadline")
	}
}

func TestExpiryWipesUnsecuredSecret(t *testing.T) {
	guard := NewSignerGuard(nil)
	lc, mock := newTestLifecycle(t, Options{Guard: guard})
	_, seed := newTestSeed(t)
	if err := lc.Set(seed, true, false); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	mock.Add(time.Hour)
	if !lc.HasSecret() {
		t.Fatal("expiry window starts at first display, not generation")
	}

	if _, _, err := lc.Reveal(); err != nil {
		t.Fatalf("reveal failed: %v", err)
	}
	mock.Add(300 * time.Second)
	waitFor(t, "expiry wipe", func() bool { return !lc.HasSecret() })

	st := lc.Status()
	if st.EndedBy != "expired_unsecured" {
		t.Fatalf("expected expired_unsecured, got %q", st.EndedBy)
	}
	if st.Displayed || st.CountdownActive || st.Phase != PhaseAbsent {
		t.Fatalf("unexpected status after expiry: %+v", st)
	}
	if guard.Active() {
		t.Fatal("signer guard must be released after expiry")
	}
	if _, _, err := lc.Reveal(); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("expected ErrNoSecret after expiry, got %v", err)
	}
	if err := lc.MarkSecured(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expired secret cannot be secured, got %v", err)
	}
}

func TestExpiryDeferredDuringSubmissionUpToCeiling(t *testing.T) {
	lc, mock := newTestLifecycle(t, Options{
		Window:       10 * time.Second,
		DeferStep:    5 * time.Second,
		DeferCeiling: 20 * time.Second,
	})
	_, seed := newTestSeed(t)
	if err := lc.Set(seed, true, false); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	start := mock.Now()
	if _, _, err := lc.Reveal(); err != nil {
		t.Fatalf("reveal failed: %v", err)
	}
	end, err := lc.BeginSubmission()
	if err != nil {
		t.Fatalf("begin submission failed: %v", err)
	}
	defer end()

	mock.Add(10 * time.Second)
	waitFor(t, "first deferral", func() bool {
		return lc.Status().Deadline.Equal(start.Add(15 * time.Second))
	})
	if !lc.HasSecret() {
		t.Fatal("secret wiped during in-flight submission")
	}

	mock.Add(5 * time.Second)
	waitFor(t, "second deferral", func() bool {
		return lc.Status().Deadline.Equal(start.Add(20 * time.Second))
	})

	mock.Add(5 * time.Second)
	waitFor(t, "ceiling wipe", func() bool { return !lc.HasSecret() })
	if got := lc.Status().EndedBy; got != "expired_unsecured" {
		t.Fatalf("expected expired_unsecured at ceiling, got %q", got)
	}
}

func TestExpiryResumesAfterSubmissionEnds(t *testing.T) {
	lc, mock := newTestLifecycle(t, Options{
		Window:       10 * time.Second,
		DeferStep:    5 * time.Second,
		DeferCeiling: 60 * time.Second,
	})
	_, seed := newTestSeed(t)
	if err := lc.Set(seed, false, false); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	start := mock.Now()
	if _, _, err := lc.Reveal(); err != nil {
		t.Fatalf("reveal failed: %v", err)
	}
	end, err := lc.BeginSubmission()
	if err != nil {
		t.Fatalf("begin submission failed: %v", err)
	}
	mock.Add(10 * time.Second)
	waitFor(t, "deferral", func() bool {
		return lc.Status().Deadline.Equal(start.Add(15 * time.Second))
	})
	end()
	end()

	mock.Add(5 * time.Second)
	waitFor(t, "wipe after submission ended", func() bool { return !lc.HasSecret() })
}

func TestTeardownIgnoresProtection(t *testing.T) {
	guard := NewSignerGuard(nil)
	lc, _ := newTestLifecycle(t, Options{Guard: guard})
	_, seed := newTestSeed(t)
	if err := lc.Set(seed, true, false); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, _, err := lc.Reveal(); err != nil {
		t.Fatalf("reveal failed: %v", err)
	}
	if lc.Clear(false) {
		t.Fatal("unforced clear must not remove a protected secret")
	}
	lc.Teardown()
	st := lc.Status()
	if lc.HasSecret() || st.CountdownActive || st.EndedBy != "teardown" {
		t.Fatalf("teardown left state behind: %+v", st)
	}
	if guard.Active() {
		t.Fatal("teardown must release the signer guard")
	}
	lc.Teardown()
}

func TestSetConflictKeepsLiveSecret(t *testing.T) {
	lc, _ := newTestLifecycle(t, Options{})
	_, seed := newTestSeed(t)
	_, other := newTestSeed(t)
	if err := lc.Set(seed, true, false); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	text, _, err := lc.Reveal()
	if err != nil {
		t.Fatalf("reveal failed: %v", err)
	}
	if err := lc.Set(other, false, false); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	again, _, err := lc.Reveal()
	if err != nil || again != text {
		t.Fatal("conflicting set must not disturb the live secret")
	}
	if !lc.Status().CountdownActive {
		t.Fatal("conflicting set must not stop the countdown")
	}
}

func TestGuardRepairsDisplayWithoutSecret(t *testing.T) {
	lc, mock := newTestLifecycle(t, Options{})
	_, seed := newTestSeed(t)
	if err := lc.Set(seed, false, false); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, _, err := lc.Reveal(); err != nil {
		t.Fatalf("reveal failed: %v", err)
	}
	mock.Add(300 * time.Second)
	waitFor(t, "expiry wipe", func() bool { return !lc.HasSecret() })

	lc.SetDisplayed(true)
	if lc.Status().Displayed {
		t.Fatal("guard must hide a display with no secret behind it")
	}
}

func TestGuardStopsOrphanedCountdown(t *testing.T) {
	lc, _ := newTestLifecycle(t, Options{})
	_, seed := newTestSeed(t)
	if err := lc.Set(seed, false, false); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, _, err := lc.Reveal(); err != nil {
		t.Fatalf("reveal failed: %v", err)
	}

	lc.mu.Lock()
	lc.store.Clear(true)
	lc.reconcileLocked()
	lc.mu.Unlock()

	st := lc.Status()
	if st.CountdownActive || st.Displayed {
		t.Fatalf("guard left an orphaned countdown or display: %+v", st)
	}
}
