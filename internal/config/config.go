// Package config loads and validates the server configuration from YAML,
// with hot reload for the settings that can change at runtime.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the config file lives unless overridden.
const DefaultPath = "/etc/pairgate/config.yaml"

// Config is the full server configuration.
type Config struct {
	Listen string `yaml:"listen"`

	Store   StoreConfig   `yaml:"store"`
	Tokens  TokensConfig  `yaml:"tokens"`
	Limits  LimitsConfig  `yaml:"limits"`
	Conns   ConnsConfig   `yaml:"conns"`
	Admit   AdmitConfig   `yaml:"admission"`
	Breaker BreakerConfig `yaml:"breaker"`
	Backoff BackoffConfig `yaml:"backoff"`
	Session SessionConfig `yaml:"session"`

	// FailurePolicy resolves admission checks when the coordination
	// store is unreachable: "fail_open" (availability) or "fail_closed"
	// (strict enforcement).
	FailurePolicy string `yaml:"failure_policy"`

	// Notify selects how parked sessions learn about validation:
	// "push" (store pub/sub) or "poll".
	Notify       string        `yaml:"notify"`
	PollInterval time.Duration `yaml:"poll_interval"`

	ReconnectGrace time.Duration `yaml:"reconnect_grace"`
	CredentialTTL  time.Duration `yaml:"credential_ttl"`

	LogLevel string `yaml:"log_level"`
}

// StoreConfig selects the coordination store backend.
type StoreConfig struct {
	// Backend is "redis" or "memory". Memory is single-process only;
	// limits do not hold across servers.
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TokensConfig selects the pairing-token store backend.
type TokensConfig struct {
	// Backend is "postgres" or "memory".
	Backend     string `yaml:"backend"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// WindowConfig is one fixed-window limit.
type WindowConfig struct {
	Max    int64         `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

// BucketConfig is one token-bucket limit.
type BucketConfig struct {
	Capacity int64         `yaml:"capacity"`
	Refill   int64         `yaml:"refill"`
	Window   time.Duration `yaml:"window"`
}

// ProfileConfig is the layered limits for one attempt class.
type ProfileConfig struct {
	PerIdentity WindowConfig `yaml:"per_identity"`
	PerToken    WindowConfig `yaml:"per_token"`
	PerClient   BucketConfig `yaml:"per_client"`
}

// LimitsConfig holds both limit profiles plus the in-process guard
// limiter that backstops fail-open during a store outage. local_rpm 0
// disables the guard.
type LimitsConfig struct {
	Fresh      ProfileConfig `yaml:"fresh"`
	Reconnect  ProfileConfig `yaml:"reconnect"`
	LocalRPM   int           `yaml:"local_rpm"`
	LocalBurst int           `yaml:"local_burst"`
}

// ConnsConfig holds the connection caps.
type ConnsConfig struct {
	Global      int `yaml:"global"`       // 0 disables
	PerIdentity int `yaml:"per_identity"` // 0 disables
}

// AdmitConfig sizes the global semaphore and backpressure queue.
type AdmitConfig struct {
	Capacity  int           `yaml:"capacity"`
	QueueSize int           `yaml:"queue_size"`
	QueueWait time.Duration `yaml:"queue_wait"`
}

// BreakerConfig tunes the store circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenDuration     time.Duration `yaml:"open_duration"`
}

// BackoffConfig tunes retry-hint growth for repeatedly rejected devices.
type BackoffConfig struct {
	Base        time.Duration `yaml:"base"`
	Max         time.Duration `yaml:"max"`
	QuietPeriod time.Duration `yaml:"quiet_period"`
}

// SessionConfig holds the per-session timers.
type SessionConfig struct {
	PingInterval            time.Duration `yaml:"ping_interval"`
	InactivityTimeout       time.Duration `yaml:"inactivity_timeout"`
	AutoValidationTimeout   time.Duration `yaml:"auto_validation_timeout"`
	ManualValidationTimeout time.Duration `yaml:"manual_validation_timeout"`
}

// Default returns the baked-in defaults. Every Load starts from these,
// so a minimal config file is valid.
func Default() *Config {
	return &Config{
		Listen: ":8443",
		Store:  StoreConfig{Backend: "memory", Redis: RedisConfig{Addr: "localhost:6379"}},
		Tokens: TokensConfig{Backend: "memory"},
		Limits: LimitsConfig{
			Fresh: ProfileConfig{
				PerIdentity: WindowConfig{Max: 5, Window: 10 * time.Minute},
				PerToken:    WindowConfig{Max: 10, Window: 10 * time.Minute},
				PerClient:   BucketConfig{Capacity: 10, Refill: 10, Window: time.Minute},
			},
			Reconnect: ProfileConfig{
				PerIdentity: WindowConfig{Max: 15, Window: 10 * time.Minute},
				PerToken:    WindowConfig{Max: 30, Window: 10 * time.Minute},
				PerClient:   BucketConfig{Capacity: 30, Refill: 30, Window: time.Minute},
			},
			LocalRPM:   60,
			LocalBurst: 10,
		},
		Conns: ConnsConfig{Global: 10000, PerIdentity: 3},
		Admit: AdmitConfig{Capacity: 100, QueueSize: 512, QueueWait: 10 * time.Second},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			OpenDuration:     10 * time.Second,
		},
		Backoff: BackoffConfig{
			Base:        time.Second,
			Max:         60 * time.Second,
			QuietPeriod: 5 * time.Minute,
		},
		Session: SessionConfig{
			PingInterval:            30 * time.Second,
			InactivityTimeout:       60 * time.Second,
			AutoValidationTimeout:   60 * time.Second,
			ManualValidationTimeout: 180 * time.Second,
		},
		FailurePolicy:  "fail_open",
		Notify:         "push",
		PollInterval:   2 * time.Second,
		ReconnectGrace: 5 * time.Minute,
		CredentialTTL:  24 * time.Hour,
		LogLevel:       "info",
	}
}

// Load reads, merges over defaults, and validates the config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr required for redis backend")
		}
	case "memory":
	default:
		return fmt.Errorf("store.backend must be redis or memory, got %q", c.Store.Backend)
	}

	switch c.Tokens.Backend {
	case "postgres":
		if c.Tokens.PostgresDSN == "" {
			return fmt.Errorf("tokens.postgres_dsn required for postgres backend")
		}
	case "memory":
	default:
		return fmt.Errorf("tokens.backend must be postgres or memory, got %q", c.Tokens.Backend)
	}

	switch c.FailurePolicy {
	case "fail_open", "fail_closed":
	default:
		return fmt.Errorf("failure_policy must be fail_open or fail_closed, got %q", c.FailurePolicy)
	}

	switch c.Notify {
	case "push", "poll":
	default:
		return fmt.Errorf("notify must be push or poll, got %q", c.Notify)
	}

	if c.Admit.Capacity <= 0 {
		return fmt.Errorf("admission.capacity must be positive")
	}
	if c.Admit.QueueSize < 0 {
		return fmt.Errorf("admission.queue_size must not be negative")
	}
	for name, w := range map[string]WindowConfig{
		"limits.fresh.per_identity":     c.Limits.Fresh.PerIdentity,
		"limits.fresh.per_token":        c.Limits.Fresh.PerToken,
		"limits.reconnect.per_identity": c.Limits.Reconnect.PerIdentity,
		"limits.reconnect.per_token":    c.Limits.Reconnect.PerToken,
	} {
		if w.Max <= 0 || w.Window <= 0 {
			return fmt.Errorf("%s: max and window must be positive", name)
		}
	}
	for name, b := range map[string]BucketConfig{
		"limits.fresh.per_client":     c.Limits.Fresh.PerClient,
		"limits.reconnect.per_client": c.Limits.Reconnect.PerClient,
	} {
		if b.Capacity <= 0 || b.Refill <= 0 || b.Window <= 0 {
			return fmt.Errorf("%s: capacity, refill, and window must be positive", name)
		}
	}
	if c.Limits.LocalRPM < 0 || c.Limits.LocalBurst < 0 {
		return fmt.Errorf("limits.local_rpm and limits.local_burst must not be negative")
	}
	if c.Session.InactivityTimeout <= c.Session.PingInterval {
		return fmt.Errorf("session.inactivity_timeout must exceed session.ping_interval")
	}
	return nil
}
