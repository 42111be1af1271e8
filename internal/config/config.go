package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"keyforge/go-backend/internal/waku"

	ma "github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Network   waku.Config
	Forge     ForgeConfig
	Ownership OwnershipConfig
	Storage   StorageConfig
	RPC       RPCConfig
	Log       LogConfig
}

type ForgeConfig struct {
	Window            time.Duration
	DeferStep         time.Duration
	DeferCeiling      time.Duration
	FlowIdleTimeout   time.Duration
	PasswordMinLength int
	RemoteTimeout     time.Duration
	NetworkTimeout    time.Duration
	ProfileCacheSize  int
}

type OwnershipConfig struct {
	Digits         int
	Period         time.Duration
	NetworkTimeout time.Duration
}

type StorageConfig struct {
	VaultDir string
	InMemory bool
}

type RPCConfig struct {
	Addr            string
	Token           string
	RPS             float64
	Burst           int
	VerifyPerMinute int
	RemoteSignerURL string
	// RemoteSignerToken is sent as a bearer token to the remote signer.
	RemoteSignerToken string
}

type LogConfig struct {
	Level  string
	Format string
}

func DefaultConfig() Config {
	return Config{
		Network: waku.DefaultConfig(),
		Forge: ForgeConfig{
			Window:            300 * time.Second,
			DeferStep:         30 * time.Second,
			DeferCeiling:      600 * time.Second,
			FlowIdleTimeout:   30 * time.Minute,
			PasswordMinLength: 8,
			RemoteTimeout:     15 * time.Second,
			NetworkTimeout:    10 * time.Second,
			ProfileCacheSize:  1024,
		},
		Ownership: OwnershipConfig{
			Digits:         6,
			Period:         120 * time.Second,
			NetworkTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{VaultDir: defaultVaultDir()},
		RPC: RPCConfig{
			Addr:            "127.0.0.1:8787",
			RPS:             10,
			Burst:           20,
			VerifyPerMinute: 5,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

func defaultVaultDir() string {
	base, err := os.UserConfigDir()
	if err != nil || base == "" {
		return filepath.Join(".keyforge", "vault")
	}
	return filepath.Join(base, "keyforge", "vault")
}

type fileConfig struct {
	Network   fileNetworkConfig   `yaml:"network"`
	Forge     fileForgeConfig     `yaml:"forge"`
	Ownership fileOwnershipConfig `yaml:"ownership"`
	Storage   fileStorageConfig   `yaml:"storage"`
	RPC       fileRPCConfig       `yaml:"rpc"`
	Log       fileLogConfig       `yaml:"log"`
}

type fileNetworkConfig struct {
	Transport           string        `yaml:"transport"`
	Port                int           `yaml:"port"`
	EnableRelay         *bool         `yaml:"enableRelay"`
	EnableStore         *bool         `yaml:"enableStore"`
	EnableFilter        *bool         `yaml:"enableFilter"`
	EnableLightPush     *bool         `yaml:"enableLightPush"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	FailoverV1          *bool         `yaml:"failoverV1"`
	MinPeers            int           `yaml:"minPeers"`
	StoreQueryFanout    int           `yaml:"storeQueryFanout"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
}

type fileForgeConfig struct {
	Window            time.Duration `yaml:"window"`
	DeferStep         time.Duration `yaml:"deferStep"`
	DeferCeiling      time.Duration `yaml:"deferCeiling"`
	FlowIdleTimeout   time.Duration `yaml:"flowIdleTimeout"`
	PasswordMinLength int           `yaml:"passwordMinLength"`
	RemoteTimeout     time.Duration `yaml:"remoteTimeout"`
	NetworkTimeout    time.Duration `yaml:"networkTimeout"`
	ProfileCacheSize  int           `yaml:"profileCacheSize"`
}

type fileOwnershipConfig struct {
	Digits         int           `yaml:"digits"`
	Period         time.Duration `yaml:"period"`
	NetworkTimeout time.Duration `yaml:"networkTimeout"`
}

type fileStorageConfig struct {
	VaultDir string `yaml:"vaultDir"`
	InMemory *bool  `yaml:"inMemory"`
}

type fileRPCConfig struct {
	Addr              string  `yaml:"addr"`
	Token             string  `yaml:"token"`
	RPS               float64 `yaml:"rps"`
	Burst             int     `yaml:"burst"`
	VerifyPerMinute   int     `yaml:"verifyPerMinute"`
	RemoteSignerURL   string  `yaml:"remoteSignerURL"`
	RemoteSignerToken string  `yaml:"remoteSignerToken"`
}

type fileLogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadFromPath reads configPath, or the first default location that exists
// when configPath is empty, merges it over DefaultConfig and applies FORGE_*
// environment overrides. An explicit path that cannot be read is an error.
func LoadFromPath(configPath string) (Config, error) {
	cfg := DefaultConfig()

	candidates := []string{"configs/keyforge.yaml", "go-backend/configs/keyforge.yaml"}
	if configPath != "" {
		candidates = []string{configPath}
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if configPath != "" {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
			continue
		}
		parsed, err := parse(data)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
		merge(&cfg, parsed)
		break
	}

	ApplyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parse(data []byte) (fileConfig, error) {
	var parsed fileConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fileConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return parsed, nil
}

func merge(dst *Config, src fileConfig) {
	mergeNetwork(&dst.Network, src.Network)

	f := src.Forge
	setDuration(&dst.Forge.Window, f.Window)
	setDuration(&dst.Forge.DeferStep, f.DeferStep)
	setDuration(&dst.Forge.DeferCeiling, f.DeferCeiling)
	setDuration(&dst.Forge.FlowIdleTimeout, f.FlowIdleTimeout)
	setInt(&dst.Forge.PasswordMinLength, f.PasswordMinLength)
	setDuration(&dst.Forge.RemoteTimeout, f.RemoteTimeout)
	setDuration(&dst.Forge.NetworkTimeout, f.NetworkTimeout)
	setInt(&dst.Forge.ProfileCacheSize, f.ProfileCacheSize)

	setInt(&dst.Ownership.Digits, src.Ownership.Digits)
	setDuration(&dst.Ownership.Period, src.Ownership.Period)
	setDuration(&dst.Ownership.NetworkTimeout, src.Ownership.NetworkTimeout)

	setString(&dst.Storage.VaultDir, src.Storage.VaultDir)
	if src.Storage.InMemory != nil {
		dst.Storage.InMemory = *src.Storage.InMemory
	}

	setString(&dst.RPC.Addr, src.RPC.Addr)
	setString(&dst.RPC.Token, src.RPC.Token)
	if src.RPC.RPS != 0 {
		dst.RPC.RPS = src.RPC.RPS
	}
	setInt(&dst.RPC.Burst, src.RPC.Burst)
	setInt(&dst.RPC.VerifyPerMinute, src.RPC.VerifyPerMinute)
	setString(&dst.RPC.RemoteSignerURL, src.RPC.RemoteSignerURL)
	setString(&dst.RPC.RemoteSignerToken, src.RPC.RemoteSignerToken)

	setString(&dst.Log.Level, src.Log.Level)
	setString(&dst.Log.Format, src.Log.Format)
}

func mergeNetwork(dst *waku.Config, src fileNetworkConfig) {
	setString(&dst.Transport, src.Transport)
	setInt(&dst.Port, src.Port)
	setBool(&dst.EnableRelay, src.EnableRelay)
	setBool(&dst.EnableStore, src.EnableStore)
	setBool(&dst.EnableFilter, src.EnableFilter)
	setBool(&dst.EnableLightPush, src.EnableLightPush)
	if src.BootstrapNodes != nil {
		dst.BootstrapNodes = src.BootstrapNodes
	}
	setBool(&dst.FailoverV1, src.FailoverV1)
	setInt(&dst.MinPeers, src.MinPeers)
	setInt(&dst.StoreQueryFanout, src.StoreQueryFanout)
	setDuration(&dst.ReconnectInterval, src.ReconnectInterval)
	setDuration(&dst.ReconnectBackoffMax, src.ReconnectBackoffMax)
}

// Validate rejects configs the daemon cannot run with.
func (c Config) Validate() error {
	switch c.Network.Transport {
	case waku.TransportMock, waku.TransportGoWaku:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, c.Network.Transport)
	}
	for _, node := range c.Network.BootstrapNodes {
		if _, err := ma.NewMultiaddr(strings.TrimSpace(node)); err != nil {
			return fmt.Errorf("%w: bootstrap node %q: %v", ErrInvalidConfig, node, err)
		}
	}
	if c.Forge.Window <= 0 || c.Forge.DeferStep <= 0 {
		return fmt.Errorf("%w: expiry window and deferral step must be positive", ErrInvalidConfig)
	}
	if c.Forge.DeferCeiling < c.Forge.Window {
		return fmt.Errorf("%w: deferral ceiling %s is shorter than the window %s", ErrInvalidConfig, c.Forge.DeferCeiling, c.Forge.Window)
	}
	if c.Ownership.Digits != 6 && c.Ownership.Digits != 8 {
		return fmt.Errorf("%w: ownership code must have 6 or 8 digits", ErrInvalidConfig)
	}
	if c.Ownership.Period <= 0 {
		return fmt.Errorf("%w: ownership period must be positive", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.RPC.Addr) == "" {
		return fmt.Errorf("%w: rpc addr is required", ErrInvalidConfig)
	}
	if !c.Storage.InMemory && strings.TrimSpace(c.Storage.VaultDir) == "" {
		return fmt.Errorf("%w: storage vault dir is required", ErrInvalidConfig)
	}
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
