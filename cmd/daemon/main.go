package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"keyforge/go-backend/internal/composition/daemon"
	"keyforge/go-backend/internal/config"
	"keyforge/go-backend/internal/platform/privacylog"

	"github.com/awnumar/memguard"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to keyforge.yaml (optional)")
	rpcAddr := flag.String("rpc-addr", "", "JSON-RPC listen address override")
	rpcToken := flag.String("rpc-token", "", "RPC token for Authorization/X-Forge-RPC-Token (optional)")
	vaultDir := flag.String("vault-dir", "", "Directory for encrypted recovery keys (optional)")
	transport := flag.String("transport", "", "Network transport override: go-waku | mock")
	flag.Parse()
	if *showVersion {
		fmt.Printf("keyforge-daemon version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	defer memguard.Purge()

	if *rpcToken != "" {
		_ = os.Setenv("FORGE_RPC_TOKEN", *rpcToken)
	}
	if *transport != "" {
		_ = os.Setenv("FORGE_NETWORK_TRANSPORT", *transport)
	}
	if *vaultDir != "" {
		_ = os.Setenv("FORGE_VAULT_DIR", *vaultDir)
	}
	if *rpcAddr != "" {
		_ = os.Setenv("FORGE_RPC_ADDR", *rpcAddr)
	}

	cfg, err := config.LoadFromPath(*configPath)
	if err != nil {
		log.Fatalf("keyforge-daemon config: %v", err)
	}
	logger := privacylog.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)

	d, err := daemon.Build(cfg, logger)
	if err != nil {
		log.Fatalf("keyforge-daemon failed to initialize: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("keyforge-daemon starting", "version", version)
	if err := d.Run(ctx); err != nil {
		logger.Error("keyforge-daemon failed", "error", err)
		memguard.Purge()
		os.Exit(1)
	}
	logger.Info("keyforge-daemon stopped")
}
