//go:build real_waku

package waku

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/waku-org/go-waku/waku/persistence"
	"github.com/waku-org/go-waku/waku/persistence/sqlite"
	wakuNode "github.com/waku-org/go-waku/waku/v2/node"
	"github.com/waku-org/go-waku/waku/v2/protocol"
	legacyStore "github.com/waku-org/go-waku/waku/v2/protocol/legacy_store"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	"github.com/waku-org/go-waku/waku/v2/protocol/relay"
	"github.com/waku-org/go-waku/waku/v2/utils"
)

const (
	pubsubTopic       = "/waku/2/default-waku/proto"
	defaultFetchLimit = 100
)

var errNodeStopped = errors.New("go-waku node is not running")

// goWakuBackend runs a relay node with an in-memory history store and keeps
// it dialled into the configured bootstrap peers.
type goWakuBackend struct {
	env backendEnv

	mu       sync.RWMutex
	node     *wakuNode.WakuNode
	cfg      Config
	lifetime context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func newGoWakuBackend(env backendEnv) transportBackend {
	return &goWakuBackend{env: env}
}

func (b *goWakuBackend) nodeOptions(cfg Config) ([]wakuNode.WakuNodeOption, error) {
	hostAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, err
	}
	opts := []wakuNode.WakuNodeOption{wakuNode.WithHostAddress(hostAddr)}
	if cfg.EnableRelay {
		opts = append(opts, wakuNode.WithWakuRelay())
	}
	if cfg.EnableStore {
		provider, err := b.historyStore()
		if err != nil {
			return nil, err
		}
		opts = append(opts, wakuNode.WithMessageProvider(provider), wakuNode.WithWakuStore())
	}
	if cfg.EnableFilter {
		opts = append(opts, wakuNode.WithWakuFilterLightNode(), wakuNode.WithWakuFilterFullNode())
	}
	if cfg.EnableLightPush {
		opts = append(opts, wakuNode.WithLightPush())
	}
	return opts, nil
}

// historyStore keeps relayed messages in an in-memory sqlite database so
// peers that reconnect can collect challenge notices they missed.
func (b *goWakuBackend) historyStore() (*persistence.DBStore, error) {
	db, err := sqlite.NewDB(":memory:", utils.Logger())
	if err != nil {
		return nil, err
	}
	reg := b.env.registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return persistence.NewDBStore(
		reg,
		utils.Logger(),
		persistence.WithDB(db),
		persistence.WithMigrations(sqlite.Migrations),
	)
}

func (b *goWakuBackend) Start(ctx context.Context, cfg Config) error {
	opts, err := b.nodeOptions(cfg)
	if err != nil {
		return err
	}
	node, err := wakuNode.New(opts...)
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}

	lifetime, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.node = node
	b.cfg = cfg
	b.lifetime = lifetime
	b.cancel = cancel
	b.mu.Unlock()

	b.dialBootstrap(ctx, cfg.BootstrapNodes)
	if cfg.FailoverV1 && maintenanceTarget(cfg) > 0 {
		b.wg.Add(1)
		go b.maintainPeers(lifetime, cfg)
	}
	return nil
}

func (b *goWakuBackend) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	node := b.node
	b.cancel = nil
	b.node = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
	if node != nil {
		node.Stop()
	}
}

func (b *goWakuBackend) running() (*wakuNode.WakuNode, context.Context, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.node == nil {
		return nil, nil, errNodeStopped
	}
	return b.node, b.lifetime, nil
}

func (b *goWakuBackend) PeerCount() int {
	node, _, err := b.running()
	if err != nil {
		return 0
	}
	return node.PeerCount()
}

func (b *goWakuBackend) ListenAddresses() []string {
	node, _, err := b.running()
	if err != nil {
		return nil
	}
	addrs := node.ListenAddresses()
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.String())
	}
	return out
}

func (b *goWakuBackend) Subscribe(topic, recipient string, handler func(Message)) error {
	node, lifetime, err := b.running()
	if err != nil {
		return err
	}
	subs, err := node.Relay().Subscribe(lifetime, protocol.NewContentFilter(pubsubTopic, topic))
	if err != nil {
		return err
	}
	for _, sub := range subs {
		go func(sub *relay.Subscription) {
			for env := range sub.Ch {
				if env == nil || env.Message() == nil {
					continue
				}
				if msg, ok := decodeEnvelope(env.Message().Payload, topic, recipient); ok {
					handler(msg)
				}
			}
		}(sub)
	}
	return nil
}

func (b *goWakuBackend) Publish(ctx context.Context, msg Message) error {
	node, _, err := b.running()
	if err != nil {
		return err
	}
	payload, err := encodeEnvelope(msg)
	if err != nil {
		return err
	}
	ts := msg.Timestamp.UnixNano()
	_, err = node.Relay().Publish(ctx, &wpb.WakuMessage{
		Payload:      payload,
		ContentTopic: msg.Topic,
		Timestamp:    &ts,
	}, relay.WithPubSubTopic(pubsubTopic))
	return err
}

// FetchSince walks store candidates until one answers, then pages through
// its result up to limit messages.
func (b *goWakuBackend) FetchSince(ctx context.Context, topic, recipient string, since time.Time, limit int) ([]Message, error) {
	node, _, err := b.running()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultFetchLimit
	}
	b.mu.RLock()
	cfg := b.cfg
	b.mu.RUnlock()

	start := since.UnixNano()
	end := b.env.clock.Now().UnixNano()
	query := legacyStore.Query{
		PubsubTopic:   pubsubTopic,
		ContentTopics: []string{topic},
		StartTime:     &start,
		EndTime:       &end,
	}

	var (
		result  *legacyStore.Result
		lastErr error
	)
	for i, candidate := range storeCandidates(cfg.BootstrapNodes, cfg.StoreQueryFanout, cfg.FailoverV1) {
		opts := []legacyStore.HistoryRequestOption{legacyStore.WithPaging(true, uint64(limit))}
		if candidate.peer != nil {
			opts = append(opts, legacyStore.WithPeerAddr(candidate.peer))
		}
		result, lastErr = node.LegacyStore().Query(ctx, query, opts...)
		if lastErr == nil {
			if i > 0 {
				b.env.metrics.StoreQuery("failover")
				b.env.logger.Info("store query recovered on another peer", "peer_addr", candidate.addr, "attempt", i+1)
			} else {
				b.env.metrics.StoreQuery("ok")
			}
			break
		}
		b.env.metrics.StoreQuery("error")
		b.env.logger.Warn("store query failed", "peer_addr", candidate.addr, "attempt", i+1, "reason", lastErr.Error())
	}
	if lastErr != nil {
		return nil, lastErr
	}

	var collected []Message
	for {
		for _, wm := range result.Messages {
			if wm == nil {
				continue
			}
			if msg, ok := decodeEnvelope(wm.Payload, topic, recipient); ok {
				collected = append(collected, msg)
			}
		}
		if result.IsComplete() || len(collected) >= limit {
			break
		}
		if result, err = node.LegacyStore().Next(ctx, result); err != nil {
			return nil, err
		}
	}
	return collectMessages(collected, limit), nil
}

func (b *goWakuBackend) dialBootstrap(ctx context.Context, addrs []string) bool {
	node, _, err := b.running()
	if err != nil {
		return false
	}
	dialled := false
	for _, addr := range addrs {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		err := node.DialPeer(ctx, addr)
		b.env.metrics.TransportDial(err)
		if err != nil {
			b.env.logger.Warn("bootstrap dial failed", "peer_addr", addr, "reason", err.Error())
			continue
		}
		dialled = true
	}
	return dialled
}

// maintainPeers redials bootstrap peers whenever the node drops below its
// peer floor, backing off with jitter while dials keep failing.
func (b *goWakuBackend) maintainPeers(ctx context.Context, cfg Config) {
	defer b.wg.Done()
	clk := b.env.clock
	ticker := clk.Ticker(cfg.ReconnectInterval)
	defer ticker.Stop()

	target := maintenanceTarget(cfg)
	backoff := cfg.ReconnectInterval
	next := clk.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := clk.Now()
		if now.Before(next) {
			continue
		}
		if b.PeerCount() >= target {
			backoff, next = cfg.ReconnectInterval, now
			continue
		}
		addrs := append([]string(nil), cfg.BootstrapNodes...)
		rand.Shuffle(len(addrs), func(i, j int) { addrs[i], addrs[j] = addrs[j], addrs[i] })
		if b.dialBootstrap(ctx, addrs) || b.PeerCount() >= target {
			backoff, next = cfg.ReconnectInterval, now
			continue
		}
		backoff = nextBackoff(backoff, cfg.ReconnectInterval, cfg.ReconnectBackoffMax)
		next = now.Add(backoff + rand.N(backoff/2+1))
	}
}
