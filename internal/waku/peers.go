package waku

import (
	"context"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"
)

const (
	peerPollInterval    = 200 * time.Millisecond
	minHandshakeTimeout = 2 * time.Second
	maxMockPeers        = 12
)

// startupPeerTarget is how many peers Start waits for before reporting
// connected. It never exceeds the number of bootstrap nodes.
func startupPeerTarget(cfg Config) int {
	target := cfg.MinPeers
	if target <= 0 {
		target = 1
	}
	if n := len(cfg.BootstrapNodes); n > 0 && target > n {
		target = n
	}
	return target
}

// maintenanceTarget is the floor the redial loop keeps the node above.
func maintenanceTarget(cfg Config) int {
	n := len(cfg.BootstrapNodes)
	if n == 0 {
		return 0
	}
	target := cfg.MinPeers
	if target <= 0 {
		target = min(n, 2)
	}
	return min(target, n)
}

func stateForPeers(peers int, target int) string {
	if peers >= target && peers > 0 {
		return StateConnected
	}
	return StateDegraded
}

func handshakeTimeout(cfg Config) time.Duration {
	timeout := max(cfg.ReconnectInterval*5, minHandshakeTimeout)
	if cfg.ReconnectBackoffMax > 0 && timeout > cfg.ReconnectBackoffMax {
		timeout = cfg.ReconnectBackoffMax
	}
	return timeout
}

// awaitPeers polls backend until it reaches the startup target or the
// handshake window closes. Running out of time is not an error; the node
// starts degraded.
func awaitPeers(ctx context.Context, clk clock.Clock, backend transportBackend, cfg Config) (int, error) {
	target := startupPeerTarget(cfg)
	if peers := backend.PeerCount(); peers >= target {
		return peers, nil
	}
	deadline := clk.Timer(handshakeTimeout(cfg))
	defer deadline.Stop()
	poll := clk.Ticker(peerPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return backend.PeerCount(), ctx.Err()
		case <-deadline.C:
			return backend.PeerCount(), nil
		case <-poll.C:
			if peers := backend.PeerCount(); peers >= target {
				return peers, nil
			}
		}
	}
}

func mockPeers(cfg Config) int {
	return min(max(len(cfg.BootstrapNodes), 1), maxMockPeers)
}

// storeCandidate is one history query target. A nil peer lets the backend
// pick any connected store node.
type storeCandidate struct {
	addr string
	peer ma.Multiaddr
}

// storeCandidates lists up to fanout distinct bootstrap peers followed by an
// unpinned query. Without failover only the first candidate is tried.
func storeCandidates(bootstrap []string, fanout int, failover bool) []storeCandidate {
	fanout = max(fanout, 1)
	out := make([]storeCandidate, 0, min(len(bootstrap), fanout)+1)
	seen := make(map[string]struct{}, len(bootstrap))
	for _, addr := range bootstrap {
		if len(out) >= fanout {
			break
		}
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		peer, err := ma.NewMultiaddr(addr)
		if err != nil {
			continue
		}
		out = append(out, storeCandidate{addr: addr, peer: peer})
	}
	out = append(out, storeCandidate{addr: "auto"})
	if !failover {
		return out[:1]
	}
	return out
}

// nextBackoff doubles current within [floor, ceiling].
func nextBackoff(current, floor, ceiling time.Duration) time.Duration {
	next := max(current*2, floor)
	if ceiling > 0 && next > ceiling {
		next = ceiling
	}
	return next
}
