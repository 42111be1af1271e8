package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"keyforge/go-backend/internal/adapters/remotesigner"
	"keyforge/go-backend/internal/adapters/rpc"
	"keyforge/go-backend/internal/config"
	"keyforge/go-backend/internal/forge"
	"keyforge/go-backend/internal/onboarding"
	"keyforge/go-backend/internal/ownership"
	"keyforge/go-backend/internal/platform/privacylog"
	"keyforge/go-backend/internal/platform/telemetry"
	"keyforge/go-backend/internal/profile"
	"keyforge/go-backend/internal/securestore"
	"keyforge/go-backend/internal/waku"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Daemon is the assembled service graph.
type Daemon struct {
	cfg    config.Config
	logger *slog.Logger

	registry   *prometheus.Registry
	node       *waku.Node
	publisher  *waku.Publisher
	directory  *profile.Directory
	onboarding *onboarding.Service
	server     *rpc.Server
}

func Build(cfg config.Config, logger *slog.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = privacylog.Ensure(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.New(registry)

	vault, err := buildVault(cfg.Storage)
	if err != nil {
		return nil, err
	}

	var inner forge.RemoteSigner
	if cfg.RPC.RemoteSignerURL != "" {
		client, err := remotesigner.New(cfg.RPC.RemoteSignerURL, cfg.RPC.RemoteSignerToken)
		if err != nil {
			return nil, err
		}
		inner = client
	}
	guard := forge.NewSignerGuard(inner)

	node := waku.NewNode(cfg.Network, waku.NodeOptions{Logger: logger, Metrics: metrics, Registerer: registry})
	publisher, err := waku.NewPublisher(node, logger)
	if err != nil {
		return nil, err
	}
	directory, err := profile.NewDirectory(node, cfg.Forge.ProfileCacheSize, logger)
	if err != nil {
		return nil, err
	}

	resolver := forge.NewSigningResolver(vault, guard, forge.ResolverConfig{
		PasswordMinLength: cfg.Forge.PasswordMinLength,
		RemoteTimeout:     cfg.Forge.RemoteTimeout,
		Logger:            logger,
		Metrics:           metrics,
	})
	challenges := ownership.NewService(publisher, ownership.Config{
		Digits:         cfg.Ownership.Digits,
		Period:         cfg.Ownership.Period,
		NetworkTimeout: cfg.Ownership.NetworkTimeout,
		Logger:         logger,
		Metrics:        metrics,
	})
	svc := onboarding.NewService(onboarding.Deps{
		Resolver:  resolver,
		Guard:     guard,
		Ownership: challenges,
		Vault:     vault,
		Profiles:  directory,
		Publisher: publisher,
	}, onboarding.Config{
		Window:          cfg.Forge.Window,
		DeferStep:       cfg.Forge.DeferStep,
		DeferCeiling:    cfg.Forge.DeferCeiling,
		FlowIdleTimeout: cfg.Forge.FlowIdleTimeout,
		NetworkTimeout:  cfg.Forge.NetworkTimeout,
		Logger:          logger,
		Metrics:         metrics,
	})

	server, err := rpc.NewServer(svc, rpc.Options{
		Addr:            cfg.RPC.Addr,
		Token:           cfg.RPC.Token,
		RPS:             cfg.RPC.RPS,
		Burst:           cfg.RPC.Burst,
		VerifyPerMinute: cfg.RPC.VerifyPerMinute,
		Gatherer:        registry,
		Inbox:           publisher,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	return &Daemon{
		cfg:        cfg,
		logger:     logger,
		registry:   registry,
		node:       node,
		publisher:  publisher,
		directory:  directory,
		onboarding: svc,
		server:     server,
	}, nil
}

func buildVault(cfg config.StorageConfig) (securestore.Vault, error) {
	if cfg.InMemory {
		return securestore.NewMemoryVault(), nil
	}
	vault, err := securestore.NewFileVault(cfg.VaultDir)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	return vault, nil
}

func (d *Daemon) Handler() http.Handler {
	return d.server.Handler()
}

// StartNetworking connects the transport and installs the challenge and
// profile watchers.
func (d *Daemon) StartNetworking(ctx context.Context) error {
	if err := d.node.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	if err := d.publisher.WatchChallenges(); err != nil {
		return err
	}
	if err := d.directory.Watch(); err != nil {
		return err
	}
	d.logger.Info("transport connected", "transport", d.cfg.Network.Transport, "listen", d.node.ListenAddresses())
	return nil
}

func (d *Daemon) StopNetworking(ctx context.Context) error {
	return d.node.Stop(ctx)
}

// Run serves until ctx is cancelled. Every live forge flow is torn down on
// the way out.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.StartNetworking(ctx); err != nil {
		return err
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		d.onboarding.Run(sweepCtx)
	}()

	runErr := d.server.Run(ctx)
	stopSweep()
	<-sweepDone

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Join(runErr, d.StopNetworking(stopCtx))
}
