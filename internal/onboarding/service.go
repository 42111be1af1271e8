package onboarding

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"keyforge/go-backend/internal/forge"
	"keyforge/go-backend/internal/identity"
	"keyforge/go-backend/internal/ownership"
	"keyforge/go-backend/internal/platform/privacylog"
	"keyforge/go-backend/internal/platform/telemetry"
	"keyforge/go-backend/internal/securestore"
	"keyforge/go-backend/pkg/models"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

const (
	DefaultFlowIdleTimeout = 30 * time.Minute
	DefaultNetworkTimeout  = 10 * time.Second
	sweepInterval          = time.Minute
)

var (
	ErrFlowNotFound       = errors.New("forge flow not found")
	ErrNotImported        = errors.New("forge flow has no imported key")
	ErrNoOwnershipSession = errors.New("no ownership challenge issued for this flow")
	ErrNoSubmission       = errors.New("no submission in flight")
	ErrNoIdentity         = errors.New("forge flow has no identity yet")
)

type ProfileFetcher interface {
	Fetch(ctx context.Context, pub ed25519.PublicKey) (models.ProfileMetadata, error)
}

type EventPublisher interface {
	PublishSignedEvent(ctx context.Context, ev models.Event) (models.PublishReceipt, error)
}

type Deps struct {
	Resolver  *forge.SigningResolver
	Guard     *forge.SignerGuard
	Ownership *ownership.Service
	Vault     securestore.Vault
	Profiles  ProfileFetcher
	Publisher EventPublisher
}

type Config struct {
	Window          time.Duration
	DeferStep       time.Duration
	DeferCeiling    time.Duration
	FlowIdleTimeout time.Duration
	NetworkTimeout  time.Duration
	Clock           clock.Clock
	Logger          *slog.Logger
	Metrics         *telemetry.Metrics
}

// SigningRequest carries what the caller offers beyond the flow's own key.
type SigningRequest struct {
	PreferRemote bool   `json:"prefer_remote,omitempty"`
	AccountID    string `json:"account_id,omitempty"`
	Password     string `json:"password,omitempty"`
}

type ImportResult struct {
	Identity models.Identity        `json:"identity"`
	ViewOnly bool                   `json:"view_only"`
	Source   string                 `json:"source"`
	Profile  models.ProfileMetadata `json:"profile"`
}

type RevealResult struct {
	SecretText string    `json:"secret_text"`
	Deadline   time.Time `json:"deadline"`
}

type flow struct {
	id          string
	lc          *forge.Lifecycle
	identity    models.Identity
	pub         ed25519.PublicKey
	imported    bool
	viewOnly    bool
	session     string
	verified    bool
	submissions []func()
	lastSeen    time.Time
}

// Service drives forge flows on behalf of the onboarding wizard.
type Service struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu    sync.Mutex
	flows map[string]*flow
}

func NewService(deps Deps, cfg Config) *Service {
	if cfg.FlowIdleTimeout <= 0 {
		cfg.FlowIdleTimeout = DefaultFlowIdleTimeout
	}
	if cfg.NetworkTimeout <= 0 {
		cfg.NetworkTimeout = DefaultNetworkTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	cfg.Logger = privacylog.Ensure(cfg.Logger)
	return &Service{
		cfg:    cfg,
		deps:   deps,
		logger: cfg.Logger,
		flows:  make(map[string]*flow),
	}
}

// Start opens a flow with its own lifecycle and returns its id.
func (s *Service) Start() string {
	id := uuid.NewString()
	lc := forge.NewLifecycle(id, forge.Options{
		Window:       s.cfg.Window,
		DeferStep:    s.cfg.DeferStep,
		DeferCeiling: s.cfg.DeferCeiling,
		Clock:        s.cfg.Clock,
		Logger:       s.cfg.Logger,
		Metrics:      s.cfg.Metrics,
		Guard:        s.deps.Guard,
	})
	s.mu.Lock()
	s.flows[id] = &flow{id: id, lc: lc, lastSeen: s.cfg.Clock.Now()}
	s.mu.Unlock()
	s.cfg.Metrics.FlowStarted()
	s.logger.Info("forge flow started", "forge_id", id)
	return id
}

func (s *Service) Generate(forgeID string, protect, force bool) (models.Identity, error) {
	f, err := s.flow(forgeID)
	if err != nil {
		return models.Identity{}, err
	}
	pub, seed, err := identity.Generate()
	if err != nil {
		return models.Identity{}, err
	}
	ident, err := identity.Describe(pub)
	if err != nil {
		return models.Identity{}, err
	}
	if err := f.lc.Set(seed, protect, force); err != nil {
		return models.Identity{}, err
	}
	s.mu.Lock()
	previous := f.session
	f.identity = ident
	f.pub = pub
	f.imported = false
	f.viewOnly = false
	f.session = ""
	f.verified = false
	s.mu.Unlock()
	s.discardSession(previous)
	return ident, nil
}

// Import installs pre-existing key text. A public-key import drops any live
// secret first, so it fails with forge.ErrConflict over a protected secret
// unless force is set. The existing profile is looked up on a best-effort
// basis; lookup failures yield an empty profile.
func (s *Service) Import(ctx context.Context, forgeID, text string, protect, force bool) (ImportResult, error) {
	f, err := s.flow(forgeID)
	if err != nil {
		return ImportResult{}, err
	}
	imported, err := identity.Import(text)
	if err != nil {
		return ImportResult{}, err
	}
	ident, err := identity.Describe(imported.PublicKey)
	if err != nil {
		return ImportResult{}, err
	}
	if imported.ViewOnly {
		if !f.lc.Clear(force) {
			return ImportResult{}, forge.ErrConflict
		}
	} else if err := f.lc.Set(imported.Secret, protect, force); err != nil {
		return ImportResult{}, err
	}

	s.mu.Lock()
	previous := f.session
	f.identity = ident
	f.pub = imported.PublicKey
	f.imported = true
	f.viewOnly = imported.ViewOnly
	f.session = ""
	f.verified = false
	s.mu.Unlock()
	s.discardSession(previous)

	return ImportResult{
		Identity: ident,
		ViewOnly: imported.ViewOnly,
		Source:   imported.Source,
		Profile:  s.fetchExistingProfile(ctx, imported.PublicKey),
	}, nil
}

func (s *Service) Reveal(forgeID string) (RevealResult, error) {
	f, err := s.flow(forgeID)
	if err != nil {
		return RevealResult{}, err
	}
	text, deadline, err := f.lc.Reveal()
	if err != nil {
		return RevealResult{}, err
	}
	return RevealResult{SecretText: text, Deadline: deadline}, nil
}

func (s *Service) SetDisplayed(forgeID string, displayed bool) error {
	f, err := s.flow(forgeID)
	if err != nil {
		return err
	}
	f.lc.SetDisplayed(displayed)
	return nil
}

// Secure records that the user saved the secret. Imported keys must pass an
// ownership challenge first.
func (s *Service) Secure(forgeID string) error {
	f, err := s.flow(forgeID)
	if err != nil {
		return err
	}
	if err := s.requireBinding(f); err != nil {
		return err
	}
	return f.lc.MarkSecured()
}

func (s *Service) BeginSubmission(forgeID string) error {
	f, err := s.flow(forgeID)
	if err != nil {
		return err
	}
	end, err := f.lc.BeginSubmission()
	if err != nil {
		return err
	}
	s.mu.Lock()
	f.submissions = append(f.submissions, end)
	s.mu.Unlock()
	return nil
}

func (s *Service) EndSubmission(forgeID string) error {
	f, err := s.flow(forgeID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if len(f.submissions) == 0 {
		s.mu.Unlock()
		return ErrNoSubmission
	}
	end := f.submissions[len(f.submissions)-1]
	f.submissions = f.submissions[:len(f.submissions)-1]
	s.mu.Unlock()
	end()
	return nil
}

// PersistRecovery encrypts the key under passphrase and stores it for the
// flow's account. The flow's secret is wiped only once the vault accepts it.
func (s *Service) PersistRecovery(ctx context.Context, forgeID, passphrase string, req SigningRequest) (string, error) {
	f, err := s.flow(forgeID)
	if err != nil {
		return "", err
	}
	accountID := s.flowIdentity(f).ID
	if accountID == "" {
		return "", ErrNoIdentity
	}
	if req.AccountID == "" {
		req.AccountID = accountID
	}
	payload := forge.Payload{AccountID: accountID, Passphrase: []byte(passphrase)}
	commit := func(ctx context.Context, res forge.Result) error {
		persistCtx, cancel := context.WithTimeout(ctx, s.cfg.NetworkTimeout)
		defer cancel()
		return s.deps.Vault.Persist(persistCtx, accountID, res.Blob)
	}
	if _, err := s.sign(ctx, f, forge.OpEncryptForStorage, req, payload, commit); err != nil {
		return "", err
	}
	s.logger.Info("recovery key persisted", "account_id", accountID)
	return accountID, nil
}

// PublishProfile signs a profile event and publishes it. forgeID may be empty
// when the caller signs with a remote or password-derived key.
func (s *Service) PublishProfile(ctx context.Context, forgeID string, meta models.ProfileMetadata, req SigningRequest) (models.PublishReceipt, error) {
	f, err := s.optionalFlow(forgeID)
	if err != nil {
		return models.PublishReceipt{}, err
	}
	content, err := json.Marshal(meta)
	if err != nil {
		return models.PublishReceipt{}, err
	}
	var receipt models.PublishReceipt
	commit := func(ctx context.Context, res forge.Result) error {
		publishCtx, cancel := context.WithTimeout(ctx, s.cfg.NetworkTimeout)
		defer cancel()
		r, err := s.deps.Publisher.PublishSignedEvent(publishCtx, res.Event)
		receipt = r
		return err
	}
	payload := forge.Payload{Event: models.Event{Content: string(content)}}
	if _, err := s.sign(ctx, f, forge.OpPublishProfile, req, payload, commit); err != nil {
		return models.PublishReceipt{}, err
	}
	return receipt, nil
}

// SignInvitation returns a signed invitation for invitee.
func (s *Service) SignInvitation(ctx context.Context, forgeID, invitee, note string, req SigningRequest) (models.Event, error) {
	f, err := s.optionalFlow(forgeID)
	if err != nil {
		return models.Event{}, err
	}
	invitee = strings.TrimSpace(invitee)
	if err := identity.ValidateIdentityID(invitee); err != nil {
		return models.Event{}, err
	}
	payload := forge.Payload{Event: models.Event{
		Tags:    [][]string{{"p", invitee}},
		Content: note,
	}}
	res, err := s.sign(ctx, f, forge.OpSignInvitation, req, payload, nil)
	if err != nil {
		return models.Event{}, err
	}
	return res.Event, nil
}

// IssueOwnership sends a challenge code to the holder of the imported key.
func (s *Service) IssueOwnership(ctx context.Context, forgeID, contact string) (models.OwnershipSessionInfo, error) {
	f, err := s.flow(forgeID)
	if err != nil {
		return models.OwnershipSessionInfo{}, err
	}
	s.mu.Lock()
	imported, pub, previous := f.imported, f.pub, f.session
	s.mu.Unlock()
	if !imported {
		return models.OwnershipSessionInfo{}, ErrNotImported
	}

	info, err := s.deps.Ownership.Issue(ctx, pub, contact)
	if err != nil {
		return models.OwnershipSessionInfo{}, forge.AsTimeout(err)
	}
	s.discardSession(previous)
	s.mu.Lock()
	f.session = info.SessionID
	f.verified = false
	s.mu.Unlock()
	return info, nil
}

func (s *Service) VerifyOwnership(forgeID, code string) error {
	f, err := s.flow(forgeID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	session, pub := f.session, f.pub
	s.mu.Unlock()
	if session == "" {
		return ErrNoOwnershipSession
	}
	if err := s.deps.Ownership.Verify(session, pub, code); err != nil {
		return err
	}
	s.mu.Lock()
	f.verified = true
	s.mu.Unlock()
	return nil
}

func (s *Service) Status(forgeID string) (models.ForgeStatus, error) {
	f, err := s.flow(forgeID)
	if err != nil {
		return models.ForgeStatus{}, err
	}
	st := f.lc.Status()
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.ForgeStatus{
		ForgeID:           f.id,
		Phase:             string(st.Phase),
		Protected:         st.Protected,
		Displayed:         st.Displayed,
		CountdownActive:   st.CountdownActive,
		RemainingSeconds:  int(st.Remaining / time.Second),
		Deadline:          st.Deadline,
		Submitting:        st.Submitting,
		Imported:          f.imported,
		ViewOnly:          f.viewOnly,
		OwnershipVerified: f.verified,
		Identity:          f.identity,
		EndedBy:           st.EndedBy,
	}, nil
}

// Teardown ends a flow, wiping its secret regardless of protection.
func (s *Service) Teardown(forgeID string) error {
	s.mu.Lock()
	f, ok := s.flows[strings.TrimSpace(forgeID)]
	if ok {
		delete(s.flows, f.id)
	}
	s.mu.Unlock()
	if !ok {
		return ErrFlowNotFound
	}
	s.teardownFlow(f)
	return nil
}

// TeardownAll ends every flow. It is called on shutdown.
func (s *Service) TeardownAll() {
	s.mu.Lock()
	flows := make([]*flow, 0, len(s.flows))
	for id, f := range s.flows {
		flows = append(flows, f)
		delete(s.flows, id)
	}
	s.mu.Unlock()
	for _, f := range flows {
		s.teardownFlow(f)
	}
}

// Sweep tears down flows idle for longer than the configured timeout and
// drops stale ownership sessions.
func (s *Service) Sweep() int {
	cutoff := s.cfg.Clock.Now().Add(-s.cfg.FlowIdleTimeout)
	s.mu.Lock()
	var idle []*flow
	for id, f := range s.flows {
		if f.lastSeen.Before(cutoff) {
			idle = append(idle, f)
			delete(s.flows, id)
		}
	}
	s.mu.Unlock()
	for _, f := range idle {
		s.logger.Info("idle forge flow swept", "forge_id", f.id)
		s.teardownFlow(f)
	}
	if s.deps.Ownership != nil {
		s.deps.Ownership.Sweep()
	}
	return len(idle)
}

// Run sweeps periodically until ctx is done, then tears every flow down.
func (s *Service) Run(ctx context.Context) {
	ticker := s.cfg.Clock.Ticker(sweepInterval)
	defer ticker.Stop()
	defer s.TeardownAll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.flows)
}

func (s *Service) sign(ctx context.Context, f *flow, op forge.Operation, req SigningRequest, payload forge.Payload, commit forge.Commit) (forge.Result, error) {
	var lc *forge.Lifecycle
	if f != nil {
		lc = f.lc
		if lc.CanConsume(op) {
			if err := s.requireBinding(f); err != nil {
				return forge.Result{}, err
			}
		}
		s.mu.Lock()
		payload.Signer = f.pub
		s.mu.Unlock()
	}
	method, err := s.deps.Resolver.Resolve(ctx, lc, forge.SigningContext{
		Operation:    op,
		PreferRemote: req.PreferRemote,
		AccountID:    req.AccountID,
		Password:     req.Password,
	})
	if err != nil {
		return forge.Result{}, err
	}
	return s.deps.Resolver.Sign(ctx, lc, method, op, payload, commit)
}

func (s *Service) requireBinding(f *flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.imported && !f.verified {
		return forge.ErrOwnershipUnverified
	}
	return nil
}

func (s *Service) fetchExistingProfile(ctx context.Context, pub ed25519.PublicKey) models.ProfileMetadata {
	if s.deps.Profiles == nil {
		return models.ProfileMetadata{}
	}
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.NetworkTimeout)
	defer cancel()
	meta, err := s.deps.Profiles.Fetch(fetchCtx, pub)
	if err != nil {
		s.logger.Debug("existing profile unavailable", "error", err)
		return models.ProfileMetadata{}
	}
	return meta
}

func (s *Service) flow(forgeID string) (*flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[strings.TrimSpace(forgeID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, forgeID)
	}
	f.lastSeen = s.cfg.Clock.Now()
	return f, nil
}

func (s *Service) optionalFlow(forgeID string) (*flow, error) {
	if strings.TrimSpace(forgeID) == "" {
		return nil, nil
	}
	return s.flow(forgeID)
}

func (s *Service) flowIdentity(f *flow) models.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return f.identity
}

func (s *Service) teardownFlow(f *flow) {
	s.mu.Lock()
	ends := f.submissions
	f.submissions = nil
	session := f.session
	s.mu.Unlock()
	for _, end := range ends {
		end()
	}
	f.lc.Teardown()
	s.discardSession(session)
	s.cfg.Metrics.FlowEnded()
	s.logger.Info("forge flow ended", "forge_id", f.id)
}

func (s *Service) discardSession(session string) {
	if session != "" && s.deps.Ownership != nil {
		s.deps.Ownership.Discard(session)
	}
}
