package daemon

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"keyforge/go-backend/internal/config"
	"keyforge/go-backend/internal/identity"
	"keyforge/go-backend/internal/onboarding"
	"keyforge/go-backend/internal/ownership"
	"keyforge/go-backend/internal/platform/privacylog"
	"keyforge/go-backend/internal/waku"
	"keyforge/go-backend/pkg/models"
)

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Network.Transport = waku.TransportMock
	cfg.Storage.InMemory = true
	cfg.RPC.Addr = "127.0.0.1:0"
	return cfg
}

func buildTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	d, err := Build(testConfig(), privacylog.New(io.Discard, "debug", "text"))
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	ctx := context.Background()
	if err := d.StartNetworking(ctx); err != nil {
		t.Fatalf("start networking failed: %v", err)
	}
	t.Cleanup(func() {
		d.onboarding.TeardownAll()
		_ = d.StopNetworking(ctx)
	})
	return d
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Ownership.Digits = 5
	if _, err := Build(cfg, nil); err == nil {
		t.Fatal("expected invalid config error")
	}
}

func TestRemoteSignerReceivesConfiguredToken(t *testing.T) {
	remotePub, remoteSeed, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	authorized := func(r *http.Request) bool { return r.Header.Get("Authorization") == "Bearer signer-tok" }
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/sign", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var ev models.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			http.Error(w, "bad event", http.StatusBadRequest)
			return
		}
		signed, err := identity.SignEvent(remoteSeed, ev)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(signed)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := testConfig()
	cfg.RPC.RemoteSignerURL = srv.URL
	cfg.RPC.RemoteSignerToken = "signer-tok"
	d, err := Build(cfg, privacylog.New(io.Discard, "debug", "text"))
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	t.Cleanup(d.onboarding.TeardownAll)

	invitee, err := identity.Describe(remotePub)
	if err != nil {
		t.Fatalf("describe failed: %v", err)
	}
	ev, err := d.onboarding.SignInvitation(context.Background(), "", invitee.ID, "welcome", onboarding.SigningRequest{PreferRemote: true})
	if err != nil {
		t.Fatalf("remote sign failed: %v", err)
	}
	if ev.PublicKey != invitee.PublicKey {
		t.Fatal("invitation not signed by the remote signer")
	}
}

func TestHealthz(t *testing.T) {
	d := buildTestDaemon(t)
	rec := httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestImportedKeyOwnershipOverTransport(t *testing.T) {
	d := buildTestDaemon(t)
	ctx := context.Background()

	pub, seed, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	text, err := identity.EncodeSecret(seed)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	accountID, err := identity.BuildIdentityID(pub)
	if err != nil {
		t.Fatalf("build identity id failed: %v", err)
	}

	forgeID := d.onboarding.Start()
	if _, err := d.onboarding.Import(ctx, forgeID, text, false, false); err != nil {
		t.Fatalf("import failed: %v", err)
	}
	info, err := d.onboarding.IssueOwnership(ctx, forgeID, "")
	if err != nil {
		t.Fatalf("issue ownership failed: %v", err)
	}

	var sealed []byte
	waitFor(t, "challenge notice", func() bool {
		notices := d.publisher.PendingNotices(accountID)
		if len(notices) == 0 {
			return false
		}
		sealed = notices[0]
		return true
	})
	notice, err := ownership.OpenCode(seed, sealed)
	if err != nil {
		t.Fatalf("open code failed: %v", err)
	}
	if notice.SessionID != info.SessionID {
		t.Fatalf("unexpected session: %s", notice.SessionID)
	}
	if err := d.onboarding.VerifyOwnership(forgeID, notice.Code); err != nil {
		t.Fatalf("verify failed: %v", err)
	}

	if _, err := d.onboarding.PublishProfile(ctx, forgeID, models.ProfileMetadata{Name: "ada"}, onboarding.SigningRequest{}); err != nil {
		t.Fatalf("publish profile failed: %v", err)
	}
	waitFor(t, "profile indexed", func() bool {
		meta, err := d.directory.Fetch(ctx, pub)
		return err == nil && meta.Name == "ada"
	})
}
