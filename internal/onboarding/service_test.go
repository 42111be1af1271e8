package onboarding

import (
	"context"
	"crypto/ed25519"
	"errors"
	"io"
	"testing"
	"time"

	"keyforge/go-backend/internal/forge"
	"keyforge/go-backend/internal/identity"
	"keyforge/go-backend/internal/ownership"
	"keyforge/go-backend/internal/platform/privacylog"
	"keyforge/go-backend/internal/securestore"
	"keyforge/go-backend/pkg/models"

	"github.com/benbjohnson/clock"
)

type fakeDeliverer struct {
	sealed []byte
}

func (d *fakeDeliverer) DeliverChallengeCode(_ context.Context, _ ed25519.PublicKey, _ string, sealed []byte) error {
	d.sealed = append([]byte(nil), sealed...)
	return nil
}

type fakeProfiles struct {
	meta models.ProfileMetadata
	err  error
}

func (f *fakeProfiles) Fetch(context.Context, ed25519.PublicKey) (models.ProfileMetadata, error) {
	return f.meta, f.err
}

type fakePublisher struct {
	events []models.Event
	err    error
}

func (p *fakePublisher) PublishSignedEvent(_ context.Context, ev models.Event) (models.PublishReceipt, error) {
	if p.err != nil {
		return models.PublishReceipt{}, p.err
	}
	p.events = append(p.events, ev)
	return models.PublishReceipt{EventID: ev.ID, Topic: "test"}, nil
}

type harness struct {
	svc       *Service
	clock     *clock.Mock
	vault     *securestore.MemoryVault
	deliverer *fakeDeliverer
	profiles  *fakeProfiles
	publisher *fakePublisher
	ownership *ownership.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	logger := privacylog.New(io.Discard, "debug", "text")
	h := &harness{
		clock:     mock,
		vault:     securestore.NewMemoryVault(),
		deliverer: &fakeDeliverer{},
		profiles:  &fakeProfiles{err: errors.New("offline")},
		publisher: &fakePublisher{},
	}
	guard := forge.NewSignerGuard(nil)
	h.ownership = ownership.NewService(h.deliverer, ownership.Config{Clock: mock, Logger: logger})
	h.svc = NewService(Deps{
		Resolver:  forge.NewSigningResolver(h.vault, guard, forge.ResolverConfig{Clock: mock, Logger: logger}),
		Guard:     guard,
		Ownership: h.ownership,
		Vault:     h.vault,
		Profiles:  h.profiles,
		Publisher: h.publisher,
	}, Config{Clock: mock, Logger: logger})
	t.Cleanup(h.svc.TeardownAll)
	return h
}

func TestGeneratePersistThenPublishWithPassword(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.svc.Start()

	ident, err := h.svc.Generate(id, false, false)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	revealed, err := h.svc.Reveal(id)
	if err != nil {
		t.Fatalf("reveal failed: %v", err)
	}
	if revealed.SecretText == "" || !revealed.Deadline.Equal(h.clock.Now().Add(forge.DefaultWindow)) {
		t.Fatalf("unexpected reveal result: deadline=%v", revealed.Deadline)
	}

	const passphrase = "correct horse battery"
	accountID, err := h.svc.PersistRecovery(ctx, id, passphrase, SigningRequest{})
	if err != nil {
		t.Fatalf("persist recovery failed: %v", err)
	}
	if accountID != ident.ID {
		t.Fatalf("unexpected account id: %s", accountID)
	}
	if _, err := h.vault.Load(ctx, accountID); err != nil {
		t.Fatalf("vault load failed: %v", err)
	}
	st, err := h.svc.Status(id)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if st.Phase != string(forge.PhaseConsumed) || st.CountdownActive {
		t.Fatalf("expected consumed phase without countdown, got %+v", st)
	}

	receipt, err := h.svc.PublishProfile(ctx, id, models.ProfileMetadata{Name: "ada"}, SigningRequest{
		AccountID: accountID,
		Password:  passphrase,
	})
	if err != nil {
		t.Fatalf("publish profile failed: %v", err)
	}
	if len(h.publisher.events) != 1 || receipt.EventID != h.publisher.events[0].ID {
		t.Fatalf("unexpected publish result: %+v", receipt)
	}
	ev := h.publisher.events[0]
	if ev.PublicKey != ident.PublicKey || ev.Kind != models.EventKindProfile {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if err := identity.VerifyEvent(ev); err != nil {
		t.Fatalf("published event does not verify: %v", err)
	}
}

func TestPublishFailureKeepsSecret(t *testing.T) {
	h := newHarness(t)
	id := h.svc.Start()
	if _, err := h.svc.Generate(id, false, false); err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	h.publisher.err = errors.New("relay down")
	if _, err := h.svc.PublishProfile(context.Background(), id, models.ProfileMetadata{Name: "ada"}, SigningRequest{}); err == nil {
		t.Fatal("expected publish failure")
	}
	st, err := h.svc.Status(id)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if st.Phase != string(forge.PhaseGenerated) {
		t.Fatalf("secret should survive a failed publish, got phase %s", st.Phase)
	}

	h.publisher.err = nil
	if _, err := h.svc.PublishProfile(context.Background(), id, models.ProfileMetadata{Name: "ada"}, SigningRequest{}); err != nil {
		t.Fatalf("retry publish failed: %v", err)
	}
}

func TestImportRequiresOwnershipBeforeBinding(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pub, seed, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	text, err := identity.EncodeSecret(seed)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	id := h.svc.Start()
	res, err := h.svc.Import(ctx, id, text, true, false)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if res.ViewOnly || !res.Profile.IsEmpty() {
		t.Fatalf("unexpected import result: %+v", res)
	}
	if err := h.svc.Secure(id); !errors.Is(err, forge.ErrOwnershipUnverified) {
		t.Fatalf("expected ErrOwnershipUnverified, got %v", err)
	}
	if _, err := h.svc.PersistRecovery(ctx, id, "correct horse battery", SigningRequest{}); !errors.Is(err, forge.ErrOwnershipUnverified) {
		t.Fatalf("expected ErrOwnershipUnverified on persist, got %v", err)
	}
	if err := h.svc.VerifyOwnership(id, "123456"); !errors.Is(err, ErrNoOwnershipSession) {
		t.Fatalf("expected ErrNoOwnershipSession, got %v", err)
	}

	info, err := h.svc.IssueOwnership(ctx, id, "")
	if err != nil {
		t.Fatalf("issue ownership failed: %v", err)
	}
	notice, err := ownership.OpenCode(seed, h.deliverer.sealed)
	if err != nil {
		t.Fatalf("open code failed: %v", err)
	}
	if notice.SessionID != info.SessionID {
		t.Fatalf("notice for wrong session: %s", notice.SessionID)
	}
	if err := h.svc.VerifyOwnership(id, notice.Code); err != nil {
		t.Fatalf("verify ownership failed: %v", err)
	}
	if _, err := h.svc.Reveal(id); err != nil {
		t.Fatalf("reveal failed: %v", err)
	}
	if err := h.svc.Secure(id); err != nil {
		t.Fatalf("secure after verification failed: %v", err)
	}
	st, _ := h.svc.Status(id)
	if !st.Imported || !st.OwnershipVerified || st.Phase != string(forge.PhaseSecured) {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st.Identity.PublicKey == "" {
		t.Fatal("status should carry the identity")
	}
	if want, _ := identity.EncodePublic(pub); st.Identity.PublicKey != want {
		t.Fatalf("unexpected public key: %s", st.Identity.PublicKey)
	}
}

func TestViewOnlyImportHoldsNoSecret(t *testing.T) {
	h := newHarness(t)
	h.profiles.err = nil
	h.profiles.meta = models.ProfileMetadata{Name: "ada"}
	pub, _, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	text, err := identity.EncodePublic(pub)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	id := h.svc.Start()
	res, err := h.svc.Import(context.Background(), id, text, false, false)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if !res.ViewOnly || res.Profile.Name != "ada" {
		t.Fatalf("unexpected import result: %+v", res)
	}
	if _, err := h.svc.Reveal(id); !errors.Is(err, forge.ErrNoSecret) {
		t.Fatalf("expected ErrNoSecret, got %v", err)
	}
}

func TestViewOnlyImportDropsLiveSecret(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	otherPub, _, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	text, err := identity.EncodePublic(otherPub)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	id := h.svc.Start()
	generated, err := h.svc.Generate(id, true, false)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if _, err := h.svc.Import(ctx, id, text, false, false); !errors.Is(err, forge.ErrConflict) {
		t.Fatalf("expected ErrConflict over a protected secret, got %v", err)
	}
	st, _ := h.svc.Status(id)
	if st.Imported || st.Identity.ID != generated.ID {
		t.Fatalf("refused import must keep the generated identity: %+v", st)
	}
	if _, err := h.svc.Reveal(id); err != nil {
		t.Fatalf("generated secret must survive a refused import: %v", err)
	}

	res, err := h.svc.Import(ctx, id, text, false, true)
	if err != nil {
		t.Fatalf("forced import failed: %v", err)
	}
	if !res.ViewOnly {
		t.Fatal("expected a view-only import")
	}
	if _, err := h.svc.Reveal(id); !errors.Is(err, forge.ErrNoSecret) {
		t.Fatalf("forced view-only import must drop the secret, got %v", err)
	}
	if _, err := h.svc.PersistRecovery(ctx, id, "correct horse battery", SigningRequest{}); err == nil {
		t.Fatal("persist without a secret must fail")
	}
	for _, accountID := range []string{generated.ID, res.Identity.ID} {
		if _, err := h.vault.Load(ctx, accountID); !errors.Is(err, securestore.ErrNotFound) {
			t.Fatalf("nothing may be stored for %s, got %v", accountID, err)
		}
	}
}

func TestViewOnlyImportClearsUnprotectedSecret(t *testing.T) {
	h := newHarness(t)
	otherPub, _, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	text, _ := identity.EncodePublic(otherPub)

	id := h.svc.Start()
	if _, err := h.svc.Generate(id, false, false); err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if _, err := h.svc.Import(context.Background(), id, text, false, false); err != nil {
		t.Fatalf("import over an unprotected secret failed: %v", err)
	}
	st, _ := h.svc.Status(id)
	if st.Phase != string(forge.PhaseAbsent) || !st.ViewOnly || st.EndedBy != "cleared" {
		t.Fatalf("unexpected status after view-only import: %+v", st)
	}
}

func TestRebindingDiscardsOwnershipSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, seed, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	text, err := identity.EncodeSecret(seed)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	id := h.svc.Start()
	if _, err := h.svc.Import(ctx, id, text, false, false); err != nil {
		t.Fatalf("import failed: %v", err)
	}
	first, err := h.svc.IssueOwnership(ctx, id, "")
	if err != nil {
		t.Fatalf("issue ownership failed: %v", err)
	}
	if _, err := h.svc.Import(ctx, id, text, false, false); err != nil {
		t.Fatalf("re-import failed: %v", err)
	}
	if _, ok := h.ownership.State(first.SessionID); ok || h.ownership.Len() != 0 {
		t.Fatal("re-import must discard the earlier ownership session")
	}

	second, err := h.svc.IssueOwnership(ctx, id, "")
	if err != nil {
		t.Fatalf("issue ownership failed: %v", err)
	}
	if _, err := h.svc.Generate(id, false, false); err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if _, ok := h.ownership.State(second.SessionID); ok || h.ownership.Len() != 0 {
		t.Fatal("generate must discard the earlier ownership session")
	}
}

func TestGenerateRespectsProtection(t *testing.T) {
	h := newHarness(t)
	id := h.svc.Start()
	if _, err := h.svc.Generate(id, true, false); err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if _, err := h.svc.Generate(id, false, false); !errors.Is(err, forge.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := h.svc.Generate(id, false, true); err != nil {
		t.Fatalf("forced generate failed: %v", err)
	}
}

func TestSubmissionBracketing(t *testing.T) {
	h := newHarness(t)
	id := h.svc.Start()
	if err := h.svc.BeginSubmission(id); !errors.Is(err, forge.ErrNoSecret) {
		t.Fatalf("expected ErrNoSecret without a secret, got %v", err)
	}
	if _, err := h.svc.Generate(id, false, false); err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if err := h.svc.EndSubmission(id); !errors.Is(err, ErrNoSubmission) {
		t.Fatalf("expected ErrNoSubmission, got %v", err)
	}
	if err := h.svc.BeginSubmission(id); err != nil {
		t.Fatalf("begin submission failed: %v", err)
	}
	st, _ := h.svc.Status(id)
	if !st.Submitting {
		t.Fatal("expected submitting status")
	}
	if err := h.svc.EndSubmission(id); err != nil {
		t.Fatalf("end submission failed: %v", err)
	}
	st, _ = h.svc.Status(id)
	if st.Submitting {
		t.Fatal("submission should have ended")
	}
}

func TestSweepEndsIdleFlows(t *testing.T) {
	h := newHarness(t)
	idle := h.svc.Start()
	if _, err := h.svc.Generate(idle, true, false); err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	h.clock.Add(20 * time.Minute)
	active := h.svc.Start()
	h.clock.Add(15 * time.Minute)

	if n := h.svc.Sweep(); n != 1 {
		t.Fatalf("expected one swept flow, got %d", n)
	}
	if _, err := h.svc.Status(idle); !errors.Is(err, ErrFlowNotFound) {
		t.Fatalf("expected ErrFlowNotFound, got %v", err)
	}
	if _, err := h.svc.Status(active); err != nil {
		t.Fatalf("active flow should survive: %v", err)
	}
}

func TestTeardownUnknownFlow(t *testing.T) {
	h := newHarness(t)
	if err := h.svc.Teardown("missing"); !errors.Is(err, ErrFlowNotFound) {
		t.Fatalf("expected ErrFlowNotFound, got %v", err)
	}
	id := h.svc.Start()
	if err := h.svc.Teardown(id); err != nil {
		t.Fatalf("teardown failed: %v", err)
	}
	if h.svc.Len() != 0 {
		t.Fatalf("expected no flows, got %d", h.svc.Len())
	}
}
