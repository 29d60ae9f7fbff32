package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cloud-companion/companion/internal/waku"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != DefaultHTTPAddr {
		t.Fatalf("unexpected http addr %q", cfg.HTTP.Addr)
	}
	if cfg.Network.Transport != waku.TransportMock {
		t.Fatalf("expected mock transport by default, got %q", cfg.Network.Transport)
	}
	if cfg.Pairing.TTL != 5*time.Minute {
		t.Fatalf("expected 5m ttl, got %s", cfg.Pairing.TTL)
	}
	if got := cfg.Storage.KeysPath(); got != filepath.Join(DefaultDataDir, DefaultKeysFile) {
		t.Fatalf("unexpected keys path %q", got)
	}
}

func TestLoadMergesYAML(t *testing.T) {
	path := writeConfig(t, `
http:
  addr: 127.0.0.1:4000
  allowedOrigins: ["https://app.example"]
  rateLimit:
    rps: 2
    burst: 4
network:
  transport: go-waku
  port: 60010
  peerWait: 0s
  bootstrapNodes:
    - /ip4/127.0.0.1/tcp/60000/p2p/16Uiu2HAmPLe7Mzm8TsYUubgCAW1aJoeFScxrLj8ppHFivPo97bUZ
  minPeers: 2
pairing:
  ttl: 2m
subscription:
  retryInterval: 500ms
  retryMax: 10s
storage:
  dataDir: /var/lib/companion
  contentDir: /srv/blobs
log:
  level: debug
`)
	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != "127.0.0.1:4000" || len(cfg.HTTP.AllowedOrigins) != 1 {
		t.Fatalf("http section not merged: %+v", cfg.HTTP)
	}
	if cfg.HTTP.RateLimitRPS != 2 || cfg.HTTP.RateLimitBurst != 4 {
		t.Fatalf("rate limit not merged: %+v", cfg.HTTP)
	}
	if cfg.Network.Transport != waku.TransportGoWaku || cfg.Network.Port != 60010 {
		t.Fatalf("network not merged: %+v", cfg.Network)
	}
	if cfg.Network.PeerWait != 0 {
		t.Fatalf("explicit peerWait=0s must apply, got %s", cfg.Network.PeerWait)
	}
	if !cfg.Network.EnableRelay {
		t.Fatal("unset bools must keep defaults")
	}
	if cfg.Pairing.TTL != 2*time.Minute {
		t.Fatalf("ttl not merged: %s", cfg.Pairing.TTL)
	}
	if cfg.Subscription.RetryInterval != 500*time.Millisecond || cfg.Subscription.RetryMax != 10*time.Second {
		t.Fatalf("subscription not merged: %+v", cfg.Subscription)
	}
	if cfg.Storage.KeysPath() != "/var/lib/companion/keys.json" {
		t.Fatalf("unexpected keys path %q", cfg.Storage.KeysPath())
	}
	if cfg.Storage.ContentPath() != "/srv/blobs" {
		t.Fatalf("absolute content dir must be kept, got %q", cfg.Storage.ContentPath())
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("expected debug level, got %s", cfg.LogLevel)
	}
}

func TestEnvOverridesFileAndDataDirOverridesEnv(t *testing.T) {
	path := writeConfig(t, "http:\n  addr: 127.0.0.1:4000\n")
	t.Setenv("COMPANION_HTTP_ADDR", "127.0.0.1:5000")
	t.Setenv("COMPANION_HTTP_TOKEN", "s3cret")
	t.Setenv("COMPANION_STORAGE_PASSPHRASE", "pass")
	t.Setenv("COMPANION_PAIRING_TTL", "90s")
	t.Setenv("COMPANION_DATA_DIR", "/from/env")

	cfg, err := Load(path, "/from/flag")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != "127.0.0.1:5000" {
		t.Fatalf("env must override file, got %q", cfg.HTTP.Addr)
	}
	if cfg.HTTP.Token != "s3cret" || cfg.Storage.Passphrase != "pass" {
		t.Fatal("secrets must come from the environment")
	}
	if cfg.Pairing.TTL != 90*time.Second {
		t.Fatalf("unexpected ttl %s", cfg.Pairing.TTL)
	}
	if cfg.Storage.DataDir != "/from/flag" {
		t.Fatalf("data dir argument must win, got %q", cfg.Storage.DataDir)
	}
}

func TestLoadRejectsInvalidInput(t *testing.T) {
	cases := map[string]string{
		"bad yaml":      "http: [",
		"bad transport": "network:\n  transport: carrier-pigeon\n",
		"bad bootstrap": "network:\n  bootstrapNodes: [\"not-a-multiaddr\"]\n",
		"bad level":     "log:\n  level: loud\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body), ""); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), ""); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestInvalidEnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("COMPANION_NETWORK_PORT", "eighty")
	if _, err := Load("", ""); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "companion.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
