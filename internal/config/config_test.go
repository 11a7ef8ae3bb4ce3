package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_MinimalFileGetsDefaults(t *testing.T) {
	path := writeConfig(t, "listen: \":9000\"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":9000" {
		t.Errorf("Listen = %q, want :9000", cfg.Listen)
	}
	if cfg.Admit.Capacity != 100 {
		t.Errorf("Admit.Capacity = %d, want default 100", cfg.Admit.Capacity)
	}
	if cfg.Limits.Fresh.PerIdentity.Max != 5 {
		t.Errorf("Fresh.PerIdentity.Max = %d, want default 5", cfg.Limits.Fresh.PerIdentity.Max)
	}
	if cfg.FailurePolicy != "fail_open" {
		t.Errorf("FailurePolicy = %q, want default fail_open", cfg.FailurePolicy)
	}
	if cfg.Limits.LocalRPM != 60 || cfg.Limits.LocalBurst != 10 {
		t.Errorf("local guard = %d rpm / %d burst, want defaults 60/10", cfg.Limits.LocalRPM, cfg.Limits.LocalBurst)
	}
}

func TestLoad_OverridesMergeOverDefaults(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: redis
  redis:
    addr: redis-1:6379
admission:
  capacity: 40
limits:
  local_rpm: 0
  fresh:
    per_identity:
      max: 3
      window: 5m
    per_token:
      max: 10
      window: 10m
    per_client:
      capacity: 10
      refill: 10
      window: 1m
session:
  inactivity_timeout: 90s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Backend != "redis" || cfg.Store.Redis.Addr != "redis-1:6379" {
		t.Errorf("store = %+v, want redis backend at redis-1:6379", cfg.Store)
	}
	if cfg.Admit.Capacity != 40 {
		t.Errorf("Admit.Capacity = %d, want 40", cfg.Admit.Capacity)
	}
	if cfg.Limits.Fresh.PerIdentity.Window != 5*time.Minute {
		t.Errorf("PerIdentity.Window = %v, want 5m", cfg.Limits.Fresh.PerIdentity.Window)
	}
	if cfg.Session.InactivityTimeout != 90*time.Second {
		t.Errorf("InactivityTimeout = %v, want 90s", cfg.Session.InactivityTimeout)
	}
	if cfg.Limits.LocalRPM != 0 {
		t.Errorf("Limits.LocalRPM = %d, want explicit 0 (guard disabled)", cfg.Limits.LocalRPM)
	}
	// Untouched sections keep their defaults.
	if cfg.Limits.Reconnect.PerToken.Max != 30 {
		t.Errorf("Reconnect.PerToken.Max = %d, want default 30", cfg.Limits.Reconnect.PerToken.Max)
	}
	if cfg.Limits.LocalBurst != 10 {
		t.Errorf("Limits.LocalBurst = %d, want default 10", cfg.Limits.LocalBurst)
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown store backend", func(c *Config) { c.Store.Backend = "etcd" }},
		{"redis without addr", func(c *Config) { c.Store.Backend = "redis"; c.Store.Redis.Addr = "" }},
		{"postgres without dsn", func(c *Config) { c.Tokens.Backend = "postgres" }},
		{"bad failure policy", func(c *Config) { c.FailurePolicy = "maybe" }},
		{"bad notify mode", func(c *Config) { c.Notify = "carrier-pigeon" }},
		{"zero capacity", func(c *Config) { c.Admit.Capacity = 0 }},
		{"zero window limit", func(c *Config) { c.Limits.Fresh.PerIdentity.Max = 0 }},
		{"zero bucket refill", func(c *Config) { c.Limits.Reconnect.PerClient.Refill = 0 }},
		{"negative local guard rpm", func(c *Config) { c.Limits.LocalRPM = -1 }},
		{"inactivity under ping", func(c *Config) { c.Session.InactivityTimeout = c.Session.PingInterval }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "listen: [unclosed\n")
	if _, err := Load(path); err == nil {
		t.Error("Load() = nil error on malformed yaml")
	}
}
