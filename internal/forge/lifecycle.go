package forge

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"keyforge/go-backend/internal/identity"
	"keyforge/go-backend/internal/platform/privacylog"
	"keyforge/go-backend/internal/platform/telemetry"

	"github.com/benbjohnson/clock"
)

const (
	DefaultWindow       = 300 * time.Second
	DefaultDeferStep    = 30 * time.Second
	DefaultDeferCeiling = 600 * time.Second
)

type Options struct {
	// Window runs from first display, not from generation.
	Window time.Duration
	// DeferStep is how far an expiry is pushed while a submission is in flight.
	DeferStep time.Duration
	// DeferCeiling bounds deferrals, measured from first display.
	DeferCeiling time.Duration

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Guard   *SignerGuard
}

func (o Options) normalized() Options {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.DeferStep <= 0 {
		o.DeferStep = DefaultDeferStep
	}
	if o.DeferCeiling <= 0 {
		o.DeferCeiling = DefaultDeferCeiling
	}
	if o.DeferCeiling < o.Window {
		o.DeferCeiling = o.Window
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	o.Logger = privacylog.Ensure(o.Logger)
	return o
}

// Status is a point-in-time view of a lifecycle.
type Status struct {
	Phase           Phase
	Protected       bool
	Displayed       bool
	CountdownActive bool
	Remaining       time.Duration
	Deadline        time.Time
	Submitting      bool
	EndedBy         string
}

// Lifecycle owns one SecretStore and its ExpiryTimer and mutates them, with
// the consistency guard, under a single lock. Lock order is Lifecycle then
// ExpiryTimer.
type Lifecycle struct {
	id     string
	opts   Options
	logger *slog.Logger

	mu           sync.Mutex
	store        *SecretStore
	timer        *ExpiryTimer
	displayed    bool
	firstDisplay time.Time
	submitting   int
	consuming    bool
	endedBy      string
	release      func()
}

func NewLifecycle(id string, opts Options) *Lifecycle {
	opts = opts.normalized()
	l := &Lifecycle{
		id:     id,
		opts:   opts,
		logger: opts.Logger.With("forge_id", id),
	}
	l.store = NewSecretStore(l.reportWipeFailure)
	l.timer = NewExpiryTimer(opts.Clock, l.onExpiry)
	return l
}

func (l *Lifecycle) ID() string { return l.id }

// Set moves raw into the store and zeroes raw. On error the new bytes are
// wiped and the live secret, if any, is untouched.
func (l *Lifecycle) Set(raw []byte, protect, force bool, ops ...Operation) error {
	secret, failure := NewSecret(raw, ops...)
	if failure != nil {
		l.reportWipeFailure(failure)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.Set(secret, protect, force); err != nil {
		if f := secret.Destroy(); f != nil {
			l.reportWipeFailure(f)
		}
		return err
	}
	l.timer.Disarm()
	l.displayed = false
	l.firstDisplay = time.Time{}
	l.endedBy = ""
	if l.release == nil {
		l.release = l.opts.Guard.Enter()
	}
	l.logger.Info("secret installed", "protected", protect, "locked_memory", secret.Locked())
	l.reconcileLocked()
	return nil
}

func (l *Lifecycle) HasSecret() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.store.Get()
	return ok
}

// CanConsume reports whether a live secret tagged for op is free to use.
func (l *Lifecycle) CanConsume(op Operation) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	secret, ok := l.store.Get()
	return ok && secret.Allows(op) && !l.consuming
}

// Reveal returns the secret text for display. The first call arms the expiry
// window; later calls return the same deadline.
func (l *Lifecycle) Reveal() (string, time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	secret, ok := l.store.Get()
	if !ok {
		return "", time.Time{}, ErrNoSecret
	}
	text, err := identity.EncodeSecret(secret.Bytes())
	if err != nil {
		return "", time.Time{}, err
	}

	var deadline time.Time
	if l.store.Phase() == PhaseGenerated {
		now := l.opts.Clock.Now()
		deadline = now.Add(l.opts.Window)
		if err := l.timer.Arm(deadline); err != nil {
			return "", time.Time{}, err
		}
		if _, err := l.store.MarkDisplayed(deadline); err != nil {
			l.timer.Disarm()
			return "", time.Time{}, err
		}
		l.firstDisplay = now
		l.logger.Info("secret displayed", "deadline", deadline)
	} else {
		deadline, _ = l.store.Deadline()
	}
	l.displayed = true
	l.reconcileLocked()
	return text, deadline, nil
}

// SetDisplayed records what the wizard reports it is showing.
func (l *Lifecycle) SetDisplayed(displayed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.displayed = displayed
	l.reconcileLocked()
}

func (l *Lifecycle) MarkSecured() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.MarkSecured(); err != nil {
		return err
	}
	l.timer.Disarm()
	l.displayed = false
	l.finishLocked(telemetry.OutcomeSecured)
	l.reconcileLocked()
	return nil
}

// Clear wipes an unprotected secret, or any secret when force is set.
func (l *Lifecycle) Clear(force bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, had := l.store.Get()
	if !l.store.Clear(force) {
		return false
	}
	if had {
		l.timer.Disarm()
		l.displayed = false
		l.finishLocked(telemetry.OutcomeCleared)
	}
	l.reconcileLocked()
	return true
}

// BeginSubmission marks a final submission that needs the secret as in
// flight. Expiry is deferred until every returned func has been called or the
// deferral ceiling is reached.
func (l *Lifecycle) BeginSubmission() (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.store.Get(); !ok {
		return nil, ErrNoSecret
	}
	l.submitting++
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.submitting--
		})
	}, nil
}

// Teardown force-clears the secret and stops the timer regardless of the
// protection flag.
func (l *Lifecycle) Teardown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, had := l.store.Get()
	l.store.Clear(true)
	l.timer.Disarm()
	l.displayed = false
	if had {
		l.finishLocked(telemetry.OutcomeTeardown)
	} else {
		l.releaseGuardLocked()
	}
}

func (l *Lifecycle) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := Status{
		Phase:           l.store.Phase(),
		Protected:       l.store.Protected(),
		Displayed:       l.displayed,
		CountdownActive: l.timer.Active(),
		Remaining:       l.timer.Remaining(),
		Submitting:      l.submitting > 0,
		EndedBy:         l.endedBy,
	}
	if deadline, ok := l.timer.Deadline(); ok {
		st.Deadline = deadline
	}
	return st
}

// consume lends the secret bytes to produce under the lifecycle lock. A
// secret that does not derive to a non-nil owner is refused and left alone.
// A failing produce wipes the secret. Otherwise the secret stays live until
// the returned settle func reports a successful commit.
func (l *Lifecycle) consume(op Operation, owner ed25519.PublicKey, produce func(seed []byte) error) (func(commitErr error), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	secret, ok := l.store.Get()
	if !ok {
		return nil, ErrNoSecret
	}
	if !secret.Allows(op) {
		return nil, fmt.Errorf("%w: secret is not tagged for %s", ErrNoSecret, op)
	}
	if l.consuming {
		return nil, ErrConsumptionPending
	}
	if owner != nil && !bytes.Equal(identity.PublicKeyFromSecret(secret.Bytes()), owner) {
		l.logger.Warn("live secret does not match the signing identity", "operation", string(op))
		return nil, ErrKeyMismatch
	}
	if err := produce(secret.Bytes()); err != nil {
		l.store.Clear(true)
		l.timer.Disarm()
		l.displayed = false
		l.finishLocked(telemetry.OutcomeFailed)
		l.reconcileLocked()
		return nil, err
	}
	l.consuming = true
	l.submitting++

	var once sync.Once
	return func(commitErr error) {
		once.Do(func() { l.settle(op, commitErr) })
	}, nil
}

func (l *Lifecycle) settle(op Operation, commitErr error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consuming = false
	l.submitting--
	if commitErr != nil {
		l.logger.Warn("consumer commit failed, secret retained", "operation", string(op), "error", commitErr)
		return
	}
	if l.store.Phase().holdsBytes() {
		if err := l.store.MarkConsumed(); err == nil {
			l.timer.Disarm()
			l.displayed = false
			l.finishLocked(telemetry.OutcomeConsumed)
		}
	}
	l.reconcileLocked()
}

func (l *Lifecycle) onExpiry(e Expiry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.timer.Claim(e) {
		return
	}
	if l.submitting > 0 && l.store.Phase().holdsBytes() {
		now := l.opts.Clock.Now()
		ceiling := l.firstDisplay.Add(l.opts.DeferCeiling)
		if now.Before(ceiling) {
			next := now.Add(l.opts.DeferStep)
			if next.After(ceiling) {
				next = ceiling
			}
			if err := l.timer.Arm(next); err == nil {
				l.opts.Metrics.ExpiryDeferred()
				l.logger.Info("expiry deferred for in-flight submission", "until", next)
				return
			}
		}
		l.logger.Warn("deferral ceiling reached, wiping secret mid-submission")
	}
	l.store.Clear(true)
	l.displayed = false
	l.finishLocked(telemetry.OutcomeExpired)
	l.reconcileLocked()
}

func (l *Lifecycle) finishLocked(outcome string) {
	l.endedBy = outcome
	l.releaseGuardLocked()
	l.opts.Metrics.LifecycleEnded(outcome)
	l.logger.Info("secret lifecycle ended", "outcome", outcome)
}

func (l *Lifecycle) releaseGuardLocked() {
	if l.release != nil {
		l.release()
		l.release = nil
	}
}

func (l *Lifecycle) reconcileLocked() {
	_, present := l.store.Get()
	snap := Snapshot{
		SecretPresent:   present,
		Displayed:       l.displayed,
		Secured:         l.store.Phase() == PhaseSecured,
		CountdownActive: l.timer.Active(),
	}
	fixed, repairs := Reconcile(snap)
	for _, repair := range repairs {
		l.logger.Warn("consistency guard repaired state", "repair", string(repair))
		l.opts.Metrics.GuardRepair(string(repair))
	}
	l.displayed = fixed.Displayed
	if snap.CountdownActive && !fixed.CountdownActive {
		l.timer.Disarm()
	}
}

func (l *Lifecycle) reportWipeFailure(f *WipeFailure) {
	l.opts.Metrics.WipeFailure()
	l.logger.Error("secret wipe degraded", "stage", f.Stage, "error", f)
}
