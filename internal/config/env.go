package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnvOverrides applies FORGE_* variables on top of cfg.
func ApplyEnvOverrides(cfg *Config) {
	setString(&cfg.Network.Transport, envString("FORGE_NETWORK_TRANSPORT"))
	if nodes := envCSV("FORGE_NETWORK_BOOTSTRAP_NODES"); nodes != nil {
		cfg.Network.BootstrapNodes = nodes
	}
	cfg.Network.FailoverV1 = envBoolWithFallback("FORGE_NETWORK_FAILOVER_V1", cfg.Network.FailoverV1)

	if secs := envBoundedIntWithFallback("FORGE_EXPIRY_WINDOW_SECONDS", 0, 0, 3600); secs > 0 {
		cfg.Forge.Window = time.Duration(secs) * time.Second
	}
	if secs := envBoundedIntWithFallback("FORGE_DEFER_CEILING_SECONDS", 0, 0, 7200); secs > 0 {
		cfg.Forge.DeferCeiling = time.Duration(secs) * time.Second
	}

	setString(&cfg.Storage.VaultDir, envString("FORGE_VAULT_DIR"))
	cfg.Storage.InMemory = envBoolWithFallback("FORGE_VAULT_IN_MEMORY", cfg.Storage.InMemory)

	setString(&cfg.RPC.Addr, envString("FORGE_RPC_ADDR"))
	setString(&cfg.RPC.Token, envString("FORGE_RPC_TOKEN"))
	setString(&cfg.RPC.RemoteSignerURL, envString("FORGE_REMOTE_SIGNER_URL"))
	setString(&cfg.RPC.RemoteSignerToken, envString("FORGE_REMOTE_SIGNER_TOKEN"))

	setString(&cfg.Log.Level, envString("FORGE_LOG_LEVEL"))
	setString(&cfg.Log.Format, envString("FORGE_LOG_FORMAT"))
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envCSV(key string) []string {
	raw := envString(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envBoolWithFallback(key string, fallback bool) bool {
	switch strings.ToLower(envString(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func envBoundedIntWithFallback(key string, fallback, min, max int) int {
	raw := envString(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
