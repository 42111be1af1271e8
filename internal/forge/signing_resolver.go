package forge

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"keyforge/go-backend/internal/identity"
	"keyforge/go-backend/internal/platform/privacylog"
	"keyforge/go-backend/internal/platform/telemetry"
	"keyforge/go-backend/internal/securestore"
	"keyforge/go-backend/pkg/models"

	"github.com/benbjohnson/clock"
)

type Method string

const (
	MethodLocalEphemeral  Method = "local_ephemeral"
	MethodRemoteExtension Method = "remote_extension"
	MethodPasswordDerived Method = "password_derived"
)

const (
	DefaultPasswordMinLength = 8
	DefaultRemoteTimeout     = 15 * time.Second
)

// SigningMethod is chosen per operation and never persisted.
type SigningMethod struct {
	Kind      Method
	accountID string
	password  []byte
}

func LocalEphemeral() SigningMethod { return SigningMethod{Kind: MethodLocalEphemeral} }

func RemoteExtension() SigningMethod { return SigningMethod{Kind: MethodRemoteExtension} }

func (m SigningMethod) wipe() {
	for i := range m.password {
		m.password[i] = 0
	}
}

type SigningContext struct {
	Operation    Operation
	PreferRemote bool
	AccountID    string
	Password     string
}

// Payload carries the input of one operation: an unsigned event for
// publish and invitation, a passphrase and account for storage encryption.
// When Signer is set a local secret must derive to it.
type Payload struct {
	Event      models.Event
	AccountID  string
	Passphrase []byte
	Signer     ed25519.PublicKey
}

type Result struct {
	Method Method
	Event  models.Event
	Blob   []byte
}

// Commit hands a result to its consumer (persist, publish). Its outcome
// decides whether a local secret is wiped.
type Commit func(ctx context.Context, res Result) error

type ResolverConfig struct {
	PasswordMinLength int
	RemoteTimeout     time.Duration
	Clock             clock.Clock
	Logger            *slog.Logger
	Metrics           *telemetry.Metrics
}

type SigningResolver struct {
	cfg    ResolverConfig
	vault  securestore.Vault
	guard  *SignerGuard
	logger *slog.Logger

	mu       sync.Mutex
	attempts map[string]*passwordAttempts
}

type passwordAttempts struct {
	failed      int
	lockedUntil time.Time
}

func NewSigningResolver(vault securestore.Vault, guard *SignerGuard, cfg ResolverConfig) *SigningResolver {
	if cfg.PasswordMinLength <= 0 {
		cfg.PasswordMinLength = DefaultPasswordMinLength
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = DefaultRemoteTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &SigningResolver{
		cfg:      cfg,
		vault:    vault,
		guard:    guard,
		logger:   privacylog.Ensure(cfg.Logger),
		attempts: make(map[string]*passwordAttempts),
	}
}

// Resolve picks a method in priority order: the flow's own live secret, then
// a preferred and reachable remote signer, then password-derived decryption.
func (r *SigningResolver) Resolve(ctx context.Context, lc *Lifecycle, sc SigningContext) (SigningMethod, error) {
	if !sc.Operation.Valid() {
		return SigningMethod{}, fmt.Errorf("%w: unknown operation %q", ErrUnsupported, sc.Operation)
	}
	if lc != nil && lc.CanConsume(sc.Operation) {
		return LocalEphemeral(), nil
	}
	if sc.PreferRemote && sc.Operation != OpEncryptForStorage && r.remoteReachable(ctx) {
		return RemoteExtension(), nil
	}
	return r.passwordMethod(sc.AccountID, sc.Password)
}

// Sign runs method for op and passes the result to commit. Local and
// password-derived key bytes are wiped whatever the outcome; a live local
// secret is only consumed once commit succeeds.
func (r *SigningResolver) Sign(ctx context.Context, lc *Lifecycle, method SigningMethod, op Operation, payload Payload, commit Commit) (res Result, err error) {
	defer method.wipe()
	if !op.Valid() {
		return Result{}, fmt.Errorf("%w: unknown operation %q", ErrUnsupported, op)
	}
	defer func() {
		r.cfg.Metrics.Signature(string(method.Kind), string(op), err)
		if err != nil {
			r.logger.Warn("signing failed", "method", string(method.Kind), "operation", string(op), "error", err)
		}
	}()

	switch method.Kind {
	case MethodLocalEphemeral:
		return r.signLocal(ctx, lc, op, payload, commit)
	case MethodPasswordDerived:
		return r.signWithPassword(ctx, method, op, payload, commit)
	case MethodRemoteExtension:
		return r.signRemote(ctx, op, payload, commit)
	default:
		return Result{}, fmt.Errorf("%w: method %q", ErrUnsupported, method.Kind)
	}
}

func (r *SigningResolver) signLocal(ctx context.Context, lc *Lifecycle, op Operation, payload Payload, commit Commit) (Result, error) {
	if lc == nil {
		return Result{}, ErrNoSecret
	}
	var res Result
	settle, err := lc.consume(op, payload.Signer, func(seed []byte) error {
		out, err := r.produce(op, seed, payload)
		res = out
		return err
	})
	if err != nil {
		return Result{}, err
	}
	res.Method = MethodLocalEphemeral
	commitErr := runCommit(ctx, commit, res)
	settle(commitErr)
	if commitErr != nil {
		return Result{}, commitErr
	}
	return res, nil
}

func (r *SigningResolver) signWithPassword(ctx context.Context, method SigningMethod, op Operation, payload Payload, commit Commit) (Result, error) {
	accountID := method.accountID
	if err := r.ensureUnlocked(accountID); err != nil {
		return Result{}, err
	}

	loadCtx, cancel := context.WithTimeout(ctx, r.cfg.RemoteTimeout)
	blob, err := r.vault.Load(loadCtx, accountID)
	cancel()
	if err != nil {
		if errors.Is(err, securestore.ErrNotFound) {
			r.onFailedPasswordAttempt(accountID)
			return Result{}, fmt.Errorf("%w: no stored key for account", ErrAuthentication)
		}
		return Result{}, AsTimeout(err)
	}
	env, err := securestore.Unmarshal(blob)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	seed, err := securestore.Open(method.password, env)
	if err != nil {
		r.onFailedPasswordAttempt(accountID)
		return Result{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	defer wipeBytes(seed)
	if len(seed) != identity.SecretSize {
		return Result{}, fmt.Errorf("%w: stored key has unexpected size", ErrAuthentication)
	}
	if ok, err := identity.VerifyIdentityID(accountID, identity.PublicKeyFromSecret(seed)); err != nil || !ok {
		return Result{}, fmt.Errorf("%w: stored key does not match account", ErrAuthentication)
	}
	r.resetPasswordAttempts(accountID)

	res, err := r.produce(op, seed, payload)
	if err != nil {
		return Result{}, err
	}
	res.Method = MethodPasswordDerived
	if err := runCommit(ctx, commit, res); err != nil {
		return Result{}, err
	}
	return res, nil
}

func (r *SigningResolver) signRemote(ctx context.Context, op Operation, payload Payload, commit Commit) (Result, error) {
	if op == OpEncryptForStorage {
		return Result{}, fmt.Errorf("%w: remote signer cannot encrypt for storage", ErrUnsupported)
	}
	if r.guard.Active() {
		return Result{}, ErrSignerGuarded
	}
	signer := r.guard.Signer()
	if signer == nil {
		return Result{}, ErrRemoteUnavailable
	}
	ev := r.prepareEvent(op, payload.Event)

	signCtx, cancel := context.WithTimeout(ctx, r.cfg.RemoteTimeout)
	signed, err := signer.SignEvent(signCtx, ev)
	cancel()
	if err != nil {
		return Result{}, AsTimeout(err)
	}
	if err := identity.VerifyEvent(signed); err != nil {
		return Result{}, fmt.Errorf("%w: remote signature: %v", ErrAuthentication, err)
	}
	if signed.Kind != ev.Kind || signed.Content != ev.Content {
		return Result{}, fmt.Errorf("%w: remote signer altered the event", ErrAuthentication)
	}
	res := Result{Method: MethodRemoteExtension, Event: signed}
	if err := runCommit(ctx, commit, res); err != nil {
		return Result{}, err
	}
	return res, nil
}

func (r *SigningResolver) produce(op Operation, seed []byte, payload Payload) (Result, error) {
	if op == OpEncryptForStorage {
		accountID := strings.TrimSpace(payload.AccountID)
		if accountID == "" || len(payload.Passphrase) == 0 {
			return Result{}, fmt.Errorf("%w: account and passphrase are required", securestore.ErrInvalid)
		}
		env, err := securestore.Seal(payload.Passphrase, accountID, seed)
		if err != nil {
			return Result{}, err
		}
		blob, err := env.Marshal()
		if err != nil {
			return Result{}, err
		}
		return Result{Blob: blob}, nil
	}
	signed, err := identity.SignEvent(seed, r.prepareEvent(op, payload.Event))
	if err != nil {
		return Result{}, err
	}
	return Result{Event: signed}, nil
}

func (r *SigningResolver) prepareEvent(op Operation, ev models.Event) models.Event {
	switch op {
	case OpPublishProfile:
		ev.Kind = models.EventKindProfile
	case OpSignInvitation:
		ev.Kind = models.EventKindInvitation
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = r.cfg.Clock.Now().UTC().Truncate(time.Second)
	}
	return ev
}

func (r *SigningResolver) remoteReachable(ctx context.Context) bool {
	if r.guard.Active() {
		return false
	}
	signer := r.guard.Signer()
	if signer == nil {
		return false
	}
	checkCtx, cancel := context.WithTimeout(ctx, r.cfg.RemoteTimeout)
	defer cancel()
	return signer.Available(checkCtx)
}

func (r *SigningResolver) passwordMethod(accountID, password string) (SigningMethod, error) {
	accountID = strings.TrimSpace(accountID)
	if err := identity.ValidateIdentityID(accountID); err != nil {
		return SigningMethod{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	if utf8.RuneCountInString(password) < r.cfg.PasswordMinLength {
		return SigningMethod{}, fmt.Errorf("%w: password must be at least %d characters", ErrAuthentication, r.cfg.PasswordMinLength)
	}
	return SigningMethod{Kind: MethodPasswordDerived, accountID: accountID, password: []byte(password)}, nil
}

func (r *SigningResolver) ensureUnlocked(accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.attempts[accountID]
	if !ok || state.lockedUntil.IsZero() {
		return nil
	}
	if r.cfg.Clock.Now().Before(state.lockedUntil) {
		return ErrPasswordLocked
	}
	return nil
}

func (r *SigningResolver) onFailedPasswordAttempt(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.attempts[accountID]
	if !ok {
		state = &passwordAttempts{}
		r.attempts[accountID] = state
	}
	state.failed++
	state.lockedUntil = r.cfg.Clock.Now().Add(failedAttemptBackoff(state.failed))
}

func (r *SigningResolver) resetPasswordAttempts(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, accountID)
}

func failedAttemptBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	// 1s, 2s, 4s... up to 32s max.
	shift := attempt - 1
	if shift > 5 {
		shift = 5
	}
	return time.Second * time.Duration(1<<shift)
}

func runCommit(ctx context.Context, commit Commit, res Result) error {
	if commit == nil {
		return nil
	}
	return AsTimeout(commit(ctx, res))
}

// AsTimeout maps an expired context deadline to ErrTimeout.
func AsTimeout(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
