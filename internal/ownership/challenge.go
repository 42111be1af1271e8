package ownership

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base32"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"keyforge/go-backend/internal/identity"
	"keyforge/go-backend/internal/platform/privacylog"
	"keyforge/go-backend/internal/platform/telemetry"
	"keyforge/go-backend/pkg/models"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

var (
	ErrVerificationFailed = errors.New("ownership verification failed")
	ErrChallengeExpired   = errors.New("ownership challenge expired")
	ErrDeliveryFailed     = errors.New("challenge code delivery failed")
	ErrInvalidClaim       = errors.New("invalid claimed public key")
)

const (
	DefaultDigits         = 6
	DefaultPeriod         = 120 * time.Second
	DefaultNetworkTimeout = 10 * time.Second

	totpSecretSize = 20
)

type State string

const (
	StateIssued   State = "issued"
	StateVerified State = "verified"
	StateExpired  State = "expired"
	// StateFailed labels a rejected attempt. The session itself stays Issued
	// so the key holder can still answer within the period.
	StateFailed State = "failed"
)

// Deliverer carries a sealed code notice to whoever holds the claimed key.
type Deliverer interface {
	DeliverChallengeCode(ctx context.Context, claimed ed25519.PublicKey, contact string, sealed []byte) error
}

type Config struct {
	Digits         int
	Period         time.Duration
	NetworkTimeout time.Duration
	// Retention keeps finished sessions around after expiry so late verify
	// calls still answer Expired instead of a generic failure.
	Retention time.Duration
	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics
}

type session struct {
	id        string
	claimed   ed25519.PublicKey
	secret    string
	contact   string
	issuedAt  time.Time
	expiresAt time.Time
	state     State
	rejected  int
}

// Service issues and verifies time-boxed codes proving control of a key.
type Service struct {
	cfg       Config
	deliverer Deliverer
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

func NewService(deliverer Deliverer, cfg Config) *Service {
	if cfg.Digits < 6 || cfg.Digits > 8 {
		cfg.Digits = DefaultDigits
	}
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.NetworkTimeout <= 0 {
		cfg.NetworkTimeout = DefaultNetworkTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = cfg.Period
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Service{
		cfg:       cfg,
		deliverer: deliverer,
		logger:    privacylog.Ensure(cfg.Logger),
		sessions:  make(map[string]*session),
	}
}

// Issue creates a session for claimed and delivers its code sealed to that
// key. The code itself is never returned.
func (s *Service) Issue(ctx context.Context, claimed ed25519.PublicKey, contact string) (models.OwnershipSessionInfo, error) {
	if s.deliverer == nil {
		return models.OwnershipSessionInfo{}, fmt.Errorf("%w: no delivery channel", ErrDeliveryFailed)
	}
	if _, err := identity.EncryptionPublicKey(claimed); err != nil {
		return models.OwnershipSessionInfo{}, ErrInvalidClaim
	}
	secret, err := newTOTPSecret()
	if err != nil {
		return models.OwnershipSessionInfo{}, err
	}
	now := s.cfg.Clock.Now()
	sess := &session{
		id:        uuid.NewString(),
		claimed:   append(ed25519.PublicKey(nil), claimed...),
		secret:    secret,
		contact:   strings.TrimSpace(contact),
		issuedAt:  now,
		expiresAt: now.Add(s.cfg.Period),
		state:     StateIssued,
	}
	code, err := totp.GenerateCodeCustom(sess.secret, sess.issuedAt, s.validateOpts())
	if err != nil {
		return models.OwnershipSessionInfo{}, err
	}
	sealed, err := SealCode(claimed, CodeNotice{SessionID: sess.id, Code: code, ExpiresAt: sess.expiresAt})
	if err != nil {
		return models.OwnershipSessionInfo{}, err
	}

	deliverCtx, cancel := context.WithTimeout(ctx, s.cfg.NetworkTimeout)
	err = s.deliverer.DeliverChallengeCode(deliverCtx, sess.claimed, sess.contact, sealed)
	cancel()
	if err != nil {
		s.cfg.Metrics.Challenge("delivery_failed")
		s.logger.Warn("challenge delivery failed", "session_id", sess.id, "error", err)
		return models.OwnershipSessionInfo{}, fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	s.cfg.Metrics.Challenge("issued")
	s.logger.Info("ownership challenge issued", "session_id", sess.id, "expires_at", sess.expiresAt)
	return s.info(sess), nil
}

// Verify checks one code for sessionID. A rejected attempt leaves the session
// open until it is verified or expires; past its expiry it always answers
// ErrChallengeExpired.
func (s *Service) Verify(sessionID string, claimed ed25519.PublicKey, code string) error {
	now := s.cfg.Clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[strings.TrimSpace(sessionID)]
	if !ok {
		s.cfg.Metrics.Challenge(string(StateFailed))
		return ErrVerificationFailed
	}
	if !now.Before(sess.expiresAt) {
		sess.state = StateExpired
		s.cfg.Metrics.Challenge("expired")
		return ErrChallengeExpired
	}
	if sess.state != StateIssued {
		s.cfg.Metrics.Challenge(string(StateFailed))
		return ErrVerificationFailed
	}

	keyMatches := subtle.ConstantTimeCompare(sess.claimed, claimed) == 1
	codeMatches, err := totp.ValidateCustom(strings.TrimSpace(code), sess.secret, sess.issuedAt, s.validateOpts())
	if err != nil || !keyMatches || !codeMatches {
		sess.rejected++
		s.cfg.Metrics.Challenge(string(StateFailed))
		s.logger.Info("ownership verification failed", "session_id", sess.id, "rejected", sess.rejected)
		return ErrVerificationFailed
	}
	sess.state = StateVerified
	s.cfg.Metrics.Challenge("verified")
	s.logger.Info("ownership verified", "session_id", sess.id)
	return nil
}

func (s *Service) State(sessionID string) (State, bool) {
	now := s.cfg.Clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return "", false
	}
	if sess.state == StateIssued && !now.Before(sess.expiresAt) {
		return StateExpired, true
	}
	return sess.state, true
}

func (s *Service) Info(sessionID string) (models.OwnershipSessionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return models.OwnershipSessionInfo{}, false
	}
	return s.info(sess), true
}

func (s *Service) Discard(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// Sweep drops sessions whose retention after expiry has passed.
func (s *Service) Sweep() int {
	now := s.cfg.Clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.sessions {
		if now.After(sess.expiresAt.Add(s.cfg.Retention)) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Service) info(sess *session) models.OwnershipSessionInfo {
	claimed, _ := identity.EncodePublic(sess.claimed)
	return models.OwnershipSessionInfo{
		SessionID:        sess.id,
		ClaimedPublicKey: claimed,
		CodeDigits:       s.cfg.Digits,
		CodePeriodSec:    int(s.cfg.Period / time.Second),
		ExpiresAt:        sess.expiresAt,
		Sent:             true,
	}
}

func (s *Service) validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    uint(s.cfg.Period / time.Second),
		Digits:    otp.Digits(s.cfg.Digits),
		Algorithm: otp.AlgorithmSHA1,
	}
}

func newTOTPSecret() (string, error) {
	buf := make([]byte, totpSecretSize)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf), nil
}
