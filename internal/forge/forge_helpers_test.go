package forge

import (
	"io"
	"testing"
	"time"

	"keyforge/go-backend/internal/identity"
	"keyforge/go-backend/internal/platform/privacylog"

	"github.com/benbjohnson/clock"
)

func newTestLifecycle(t *testing.T, opts Options) (*Lifecycle, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	opts.Clock = mock
	opts.Logger = privacylog.New(io.Discard, "debug", "text")
	lc := NewLifecycle("forge-test", opts)
	t.Cleanup(lc.Teardown)
	return lc, mock
}

func newTestSeed(t *testing.T) ([]byte, []byte) {
	t.Helper()
	pub, seed, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	return pub, seed
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
