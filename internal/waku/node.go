package waku

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"keyforge/go-backend/internal/platform/privacylog"
	"keyforge/go-backend/internal/platform/telemetry"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	TransportMock   = "mock"
	TransportGoWaku = "go-waku"

	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateDegraded     = "degraded"
)

var (
	ErrNotConnected       = errors.New("transport not connected")
	ErrTopicRequired      = errors.New("topic is required")
	ErrHandlerRequired    = errors.New("handler is required")
	ErrBackendUnavailable = errors.New("go-waku backend is not available in this build")
)

var statusPollInterval = time.Second

// Config selects the transport and tunes peer handling. The mock transport
// keeps everything in process and is the default.
type Config struct {
	Transport           string        `yaml:"transport"`
	Port                int           `yaml:"port"`
	EnableRelay         bool          `yaml:"enableRelay"`
	EnableStore         bool          `yaml:"enableStore"`
	EnableFilter        bool          `yaml:"enableFilter"`
	EnableLightPush     bool          `yaml:"enableLightPush"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	FailoverV1          bool          `yaml:"failoverV1"`
	MinPeers            int           `yaml:"minPeers"`
	StoreQueryFanout    int           `yaml:"storeQueryFanout"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
}

type Status struct {
	Transport  string
	State      string
	PeerCount  int
	LastChange time.Time
}

// NodeOptions carries the ambient dependencies of a Node. Zero values fall
// back to a sanitizing logger, no metrics and the wall clock.
type NodeOptions struct {
	Logger     *slog.Logger
	Metrics    *telemetry.Metrics
	Registerer prometheus.Registerer
	Clock      clock.Clock
}

// backendEnv is what a transport backend may use from its Node.
type backendEnv struct {
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	registerer prometheus.Registerer
	clock      clock.Clock
}

type transportBackend interface {
	Start(ctx context.Context, cfg Config) error
	Stop()
	PeerCount() int
	ListenAddresses() []string
	Subscribe(topic, recipient string, handler func(Message)) error
	Publish(ctx context.Context, msg Message) error
	FetchSince(ctx context.Context, topic, recipient string, since time.Time, limit int) ([]Message, error)
}

// Node is the messaging endpoint challenge notices and signed events travel
// through.
type Node struct {
	cfg        Config
	env        backendEnv
	bus        *messageBus
	newBackend func(backendEnv) transportBackend

	mu      sync.RWMutex
	status  Status
	backend transportBackend
	subs    []busSubscription

	monitorCancel context.CancelFunc
	monitorWG     sync.WaitGroup
}

type busSubscription struct {
	topic     string
	recipient string
	id        int
}

func DefaultConfig() Config {
	return Config{
		Transport:           TransportMock,
		Port:                60000,
		EnableRelay:         true,
		EnableStore:         true,
		EnableFilter:        true,
		EnableLightPush:     true,
		FailoverV1:          true,
		MinPeers:            2,
		StoreQueryFanout:    3,
		ReconnectInterval:   time.Second,
		ReconnectBackoffMax: 30 * time.Second,
	}
}

func NewNode(cfg Config, opts NodeOptions) *Node {
	return newNodeWithBus(cfg, opts, globalBus)
}

func newNodeWithBus(cfg Config, opts NodeOptions, bus *messageBus) *Node {
	cfg = normalizeConfig(cfg)
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Node{
		cfg: cfg,
		env: backendEnv{
			logger:     privacylog.Ensure(opts.Logger),
			metrics:    opts.Metrics,
			registerer: opts.Registerer,
			clock:      clk,
		},
		bus:        bus,
		newBackend: newGoWakuBackend,
		status:     Status{Transport: cfg.Transport, State: StateDisconnected},
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	cfg.Transport = strings.TrimSpace(cfg.Transport)
	if cfg.Transport == "" {
		cfg.Transport = def.Transport
	}
	if cfg.StoreQueryFanout <= 0 {
		cfg.StoreQueryFanout = def.StoreQueryFanout
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.ReconnectBackoffMax <= 0 {
		cfg.ReconnectBackoffMax = def.ReconnectBackoffMax
	}
	cfg.ReconnectBackoffMax = max(cfg.ReconnectBackoffMax, cfg.ReconnectInterval)
	cfg.MinPeers = max(cfg.MinPeers, 0)
	return cfg
}

func (n *Node) Start(ctx context.Context) error {
	n.setState(StateConnecting, 0)
	if n.cfg.Transport != TransportGoWaku {
		if err := ctx.Err(); err != nil {
			n.setState(StateDisconnected, 0)
			return err
		}
		n.setState(StateConnected, mockPeers(n.cfg))
		return nil
	}

	backend := n.newBackend(n.env)
	if backend == nil {
		n.setState(StateDisconnected, 0)
		return ErrBackendUnavailable
	}
	if err := backend.Start(ctx, n.cfg); err != nil {
		n.setState(StateDisconnected, 0)
		return err
	}
	peers := backend.PeerCount()
	if n.cfg.FailoverV1 {
		var err error
		if peers, err = awaitPeers(ctx, n.env.clock, backend, n.cfg); err != nil {
			backend.Stop()
			n.setState(StateDisconnected, 0)
			return err
		}
	}
	n.mu.Lock()
	n.backend = backend
	n.mu.Unlock()
	n.setState(stateForPeers(peers, startupPeerTarget(n.cfg)), peers)
	n.startMonitor()
	return nil
}

func (n *Node) Stop(_ context.Context) error {
	n.stopMonitor()

	n.mu.Lock()
	backend := n.backend
	n.backend = nil
	subs := n.subs
	n.subs = nil
	n.mu.Unlock()

	if backend != nil {
		backend.Stop()
	}
	for _, sub := range subs {
		n.bus.unsubscribe(sub.topic, sub.recipient, sub.id)
	}
	n.setState(StateDisconnected, 0)
	return nil
}

func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s := n.status
	if n.backend != nil {
		s.PeerCount = n.backend.PeerCount()
	}
	return s
}

func (n *Node) Connected() bool {
	_, ok := n.live()
	return ok
}

// Subscribe delivers messages on topic. With a recipient only messages
// addressed to it arrive; with an empty recipient every message does.
func (n *Node) Subscribe(topic, recipient string, handler func(Message)) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return ErrTopicRequired
	}
	if handler == nil {
		return ErrHandlerRequired
	}
	backend, ok := n.live()
	if !ok {
		return ErrNotConnected
	}
	if backend != nil {
		return backend.Subscribe(topic, recipient, handler)
	}
	id := n.bus.subscribe(topic, recipient, handler)
	n.mu.Lock()
	n.subs = append(n.subs, busSubscription{topic: topic, recipient: recipient, id: id})
	n.mu.Unlock()
	return nil
}

func (n *Node) Publish(ctx context.Context, msg Message) error {
	backend, ok := n.live()
	if !ok {
		return ErrNotConnected
	}
	msg.Topic = strings.TrimSpace(msg.Topic)
	if msg.Topic == "" {
		return ErrTopicRequired
	}
	if len(msg.Payload) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = n.env.clock.Now().UTC()
	}
	var err error
	if backend != nil {
		err = backend.Publish(ctx, msg)
	} else {
		n.bus.publish(msg)
	}
	n.env.metrics.Published(msg.Topic, err)
	return err
}

// FetchSince asks the history store for messages the node missed. The mock
// transport replays held mail on Subscribe instead and returns nothing here.
func (n *Node) FetchSince(ctx context.Context, topic, recipient string, since time.Time, limit int) ([]Message, error) {
	backend, ok := n.live()
	if !ok {
		return nil, ErrNotConnected
	}
	if strings.TrimSpace(topic) == "" {
		return nil, ErrTopicRequired
	}
	if backend == nil {
		return nil, nil
	}
	return backend.FetchSince(ctx, topic, recipient, since, limit)
}

func (n *Node) ListenAddresses() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.backend == nil {
		return nil
	}
	return append([]string(nil), n.backend.ListenAddresses()...)
}

// live returns the backend (nil for the mock transport) when the node can
// carry traffic.
func (n *Node) live() (transportBackend, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	state := n.status.State
	return n.backend, state == StateConnected || state == StateDegraded
}

func (n *Node) setState(state string, peers int) {
	n.mu.Lock()
	changed := n.status.State != state
	n.status.State = state
	n.status.PeerCount = peers
	if changed {
		n.status.LastChange = n.env.clock.Now()
	}
	n.mu.Unlock()

	if changed {
		n.env.metrics.TransportState(state, peers)
		n.env.logger.Debug("transport state changed", "transport", n.cfg.Transport, "state", state, "peers", peers)
	} else {
		n.env.metrics.TransportPeers(peers)
	}
}

func (n *Node) startMonitor() {
	ctx, cancel := context.WithCancel(context.Background())
	n.mu.Lock()
	if n.monitorCancel != nil {
		n.monitorCancel()
	}
	n.monitorCancel = cancel
	n.mu.Unlock()

	n.monitorWG.Add(1)
	go func() {
		defer n.monitorWG.Done()
		ticker := n.env.clock.Ticker(statusPollInterval)
		defer ticker.Stop()

		n.refreshStatus()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n.refreshStatus()
			}
		}
	}()
}

func (n *Node) stopMonitor() {
	n.mu.Lock()
	cancel := n.monitorCancel
	n.monitorCancel = nil
	n.mu.Unlock()
	if cancel != nil {
		cancel()
		n.monitorWG.Wait()
	}
}

// refreshStatus moves a running node between connected and degraded as peers
// come and go.
func (n *Node) refreshStatus() {
	n.mu.RLock()
	backend := n.backend
	state := n.status.State
	n.mu.RUnlock()
	if backend == nil || state == StateDisconnected {
		return
	}
	peers := backend.PeerCount()
	next := StateConnected
	if peers <= 0 {
		next = StateDegraded
	}
	n.setState(next, peers)
}
