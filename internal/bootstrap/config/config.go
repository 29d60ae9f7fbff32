// Package config assembles the daemon configuration from defaults, an
// optional YAML file and COMPANION_* environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"

	"cloud-companion/companion/internal/pairing"
	"cloud-companion/companion/internal/waku"
)

const (
	DefaultHTTPAddr   = "127.0.0.1:3000"
	DefaultDataDir    = "./data"
	DefaultKeysFile   = "keys.json"
	DefaultContentDir = "ipfs-store"

	defaultConfigPath = "configs/companion.yaml"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	HTTP         HTTPConfig
	Network      waku.Config
	Pairing      PairingConfig
	Subscription SubscriptionConfig
	Storage      StorageConfig
	LogLevel     slog.Level
}

type HTTPConfig struct {
	Addr           string
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int
	RequestTimeout time.Duration
	// Token, when set, is required as a bearer token on management endpoints.
	Token string
}

type PairingConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

type SubscriptionConfig struct {
	RetryInterval time.Duration
	RetryMax      time.Duration
}

type StorageConfig struct {
	DataDir    string
	KeysFile   string
	ContentDir string
	Passphrase string
}

func (s StorageConfig) KeysPath() string {
	return resolve(s.DataDir, s.KeysFile)
}

func (s StorageConfig) ContentPath() string {
	return resolve(s.DataDir, s.ContentDir)
}

func resolve(base, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

type fileConfig struct {
	HTTP struct {
		Addr           string        `yaml:"addr"`
		AllowedOrigins []string      `yaml:"allowedOrigins"`
		RequestTimeout time.Duration `yaml:"requestTimeout"`
		RateLimit      struct {
			RPS   float64 `yaml:"rps"`
			Burst int     `yaml:"burst"`
		} `yaml:"rateLimit"`
	} `yaml:"http"`
	Network struct {
		Transport         string         `yaml:"transport"`
		Port              int            `yaml:"port"`
		EnableRelay       *bool          `yaml:"enableRelay"`
		BootstrapNodes    []string       `yaml:"bootstrapNodes"`
		MinPeers          int            `yaml:"minPeers"`
		PeerWait          *time.Duration `yaml:"peerWait"`
		RedialInterval    time.Duration  `yaml:"redialInterval"`
		RedialIntervalMax time.Duration  `yaml:"redialIntervalMax"`
	} `yaml:"network"`
	Pairing struct {
		TTL           time.Duration `yaml:"ttl"`
		SweepInterval time.Duration `yaml:"sweepInterval"`
	} `yaml:"pairing"`
	Subscription struct {
		RetryInterval time.Duration `yaml:"retryInterval"`
		RetryMax      time.Duration `yaml:"retryMax"`
	} `yaml:"subscription"`
	Storage struct {
		DataDir    string `yaml:"dataDir"`
		KeysFile   string `yaml:"keysFile"`
		ContentDir string `yaml:"contentDir"`
	} `yaml:"storage"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:           DefaultHTTPAddr,
			RateLimitRPS:   5,
			RateLimitBurst: 10,
			RequestTimeout: 30 * time.Second,
		},
		Network: waku.DefaultConfig(),
		Pairing: PairingConfig{
			TTL:           pairing.DefaultTTL,
			SweepInterval: time.Minute,
		},
		Subscription: SubscriptionConfig{
			RetryInterval: time.Second,
			RetryMax:      30 * time.Second,
		},
		Storage: StorageConfig{
			DataDir:    DefaultDataDir,
			KeysFile:   DefaultKeysFile,
			ContentDir: DefaultContentDir,
		},
		LogLevel: slog.LevelInfo,
	}
}

// Load builds the configuration. An explicit path must exist and parse;
// without one, configs/companion.yaml is used when present. A non-empty
// dataDir overrides every other source.
func Load(path, dataDir string) (Config, error) {
	cfg := Default()

	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = defaultConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var parsed fileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
		}
		if err := merge(&cfg, parsed); err != nil {
			return Config{}, err
		}
	case explicit:
		return Config{}, fmt.Errorf("%w: read %s: %v", ErrInvalidConfig, path, err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	if dir := strings.TrimSpace(dataDir); dir != "" {
		cfg.Storage.DataDir = dir
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func merge(dst *Config, src fileConfig) error {
	if src.HTTP.Addr != "" {
		dst.HTTP.Addr = src.HTTP.Addr
	}
	if src.HTTP.AllowedOrigins != nil {
		dst.HTTP.AllowedOrigins = src.HTTP.AllowedOrigins
	}
	if src.HTTP.RequestTimeout != 0 {
		dst.HTTP.RequestTimeout = src.HTTP.RequestTimeout
	}
	if src.HTTP.RateLimit.RPS != 0 {
		dst.HTTP.RateLimitRPS = src.HTTP.RateLimit.RPS
	}
	if src.HTTP.RateLimit.Burst != 0 {
		dst.HTTP.RateLimitBurst = src.HTTP.RateLimit.Burst
	}

	n := src.Network
	if n.Transport != "" {
		dst.Network.Transport = n.Transport
	}
	if n.Port != 0 {
		dst.Network.Port = n.Port
	}
	if n.EnableRelay != nil {
		dst.Network.EnableRelay = *n.EnableRelay
	}
	if n.BootstrapNodes != nil {
		dst.Network.BootstrapNodes = n.BootstrapNodes
	}
	if n.MinPeers != 0 {
		dst.Network.MinPeers = n.MinPeers
	}
	if n.PeerWait != nil {
		dst.Network.PeerWait = *n.PeerWait
	}
	if n.RedialInterval != 0 {
		dst.Network.RedialInterval = n.RedialInterval
	}
	if n.RedialIntervalMax != 0 {
		dst.Network.RedialIntervalMax = n.RedialIntervalMax
	}

	if src.Pairing.TTL != 0 {
		dst.Pairing.TTL = src.Pairing.TTL
	}
	if src.Pairing.SweepInterval != 0 {
		dst.Pairing.SweepInterval = src.Pairing.SweepInterval
	}
	if src.Subscription.RetryInterval != 0 {
		dst.Subscription.RetryInterval = src.Subscription.RetryInterval
	}
	if src.Subscription.RetryMax != 0 {
		dst.Subscription.RetryMax = src.Subscription.RetryMax
	}
	if src.Storage.DataDir != "" {
		dst.Storage.DataDir = src.Storage.DataDir
	}
	if src.Storage.KeysFile != "" {
		dst.Storage.KeysFile = src.Storage.KeysFile
	}
	if src.Storage.ContentDir != "" {
		dst.Storage.ContentDir = src.Storage.ContentDir
	}
	if src.Log.Level != "" {
		if err := dst.LogLevel.UnmarshalText([]byte(src.Log.Level)); err != nil {
			return fmt.Errorf("%w: log level: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := env("COMPANION_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := env("COMPANION_HTTP_ALLOWED_ORIGINS"); v != "" {
		cfg.HTTP.AllowedOrigins = splitList(v)
	}
	cfg.HTTP.Token = env("COMPANION_HTTP_TOKEN")
	if v := env("COMPANION_NETWORK_TRANSPORT"); v != "" {
		cfg.Network.Transport = v
	}
	if v := env("COMPANION_NETWORK_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: COMPANION_NETWORK_PORT: %v", ErrInvalidConfig, err)
		}
		cfg.Network.Port = port
	}
	if v := env("COMPANION_NETWORK_BOOTSTRAP_NODES"); v != "" {
		cfg.Network.BootstrapNodes = splitList(v)
	}
	if v := env("COMPANION_NETWORK_PEER_WAIT"); v != "" {
		wait, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: COMPANION_NETWORK_PEER_WAIT: %v", ErrInvalidConfig, err)
		}
		cfg.Network.PeerWait = wait
	}
	if v := env("COMPANION_PAIRING_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: COMPANION_PAIRING_TTL: %v", ErrInvalidConfig, err)
		}
		cfg.Pairing.TTL = ttl
	}
	if v := env("COMPANION_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	cfg.Storage.Passphrase = os.Getenv("COMPANION_STORAGE_PASSPHRASE")
	if v := env("COMPANION_LOG_LEVEL"); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%w: COMPANION_LOG_LEVEL: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.HTTP.Addr) == "" {
		return fmt.Errorf("%w: http.addr is required", ErrInvalidConfig)
	}
	switch cfg.Network.Transport {
	case waku.TransportMock, waku.TransportGoWaku:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, cfg.Network.Transport)
	}
	if cfg.Network.Port < 0 || cfg.Network.Port > 65535 {
		return fmt.Errorf("%w: network.port out of range", ErrInvalidConfig)
	}
	for _, addr := range cfg.Network.BootstrapNodes {
		if _, err := ma.NewMultiaddr(strings.TrimSpace(addr)); err != nil {
			return fmt.Errorf("%w: bootstrap node %q: %v", ErrInvalidConfig, addr, err)
		}
	}
	if cfg.Network.PeerWait < 0 {
		return fmt.Errorf("%w: network.peerWait must not be negative", ErrInvalidConfig)
	}
	if cfg.Pairing.TTL <= 0 {
		return fmt.Errorf("%w: pairing.ttl must be positive", ErrInvalidConfig)
	}
	if cfg.Subscription.RetryInterval <= 0 {
		return fmt.Errorf("%w: subscription.retryInterval must be positive", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.Storage.DataDir) == "" {
		return fmt.Errorf("%w: storage.dataDir is required", ErrInvalidConfig)
	}
	return nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
