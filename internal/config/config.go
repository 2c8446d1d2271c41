// Package config loads and validates the termbridge daemon configuration.
//
// Configuration lives in a YAML file (default /etc/termbridge/config.yaml)
// loaded through koanf. Every field has a working default so the daemon can
// run with no config file at all: it listens on localhost, detects the
// user's shell, and keeps session history in /var/lib/termbridge. NATS,
// webhooks, and the idle reaper stay disabled until configured.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"
	goyaml "gopkg.in/yaml.v3"
)

// DefaultConfigPath is where the daemon looks for its config file unless
// overridden with the -config flag.
const DefaultConfigPath = "/etc/termbridge/config.yaml"

// Limits on the concurrent session ceiling. The registry clamps runtime
// adjustments to the same range.
const (
	MinMaxSessions = 1
	MaxMaxSessions = 1000
)

// Validation errors returned by Load.
var (
	ErrMaxSessionsRange = errors.New("max_sessions must be between 1 and 1000")
	ErrScrollbackBytes  = errors.New("scrollback_bytes must not be negative")
	ErrStatsInterval    = errors.New("stats_interval_seconds must not be negative")
	ErrIdleTimeout      = errors.New("idle_timeout_minutes must not be negative")
	ErrReapSchedule     = errors.New("invalid reap_schedule cron expression")
	ErrNKeySeedRequired = errors.New("nkey_seed is required when nats_url is set")
)

// Config holds all daemon settings.
// Fields are tagged for both koanf (loading) and yaml (saving).
type Config struct {
	// ListenAddr is the HTTP/WebSocket bind address.
	ListenAddr string `koanf:"listen_addr" yaml:"listen_addr"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `koanf:"log_level" yaml:"log_level"`

	// MaxSessions caps concurrent PTY sessions (1-1000).
	MaxSessions int `koanf:"max_sessions" yaml:"max_sessions"`

	// ScrollbackBytes bounds the per-session replay buffer.
	ScrollbackBytes int `koanf:"scrollback_bytes" yaml:"scrollback_bytes"`

	// Shell overrides shell auto-detection when set.
	Shell string `koanf:"shell" yaml:"shell"`

	// AllowedOrigins lists Origin values accepted for WebSocket upgrades.
	// Empty means same-host only; a single "*" allows any origin.
	AllowedOrigins []string `koanf:"allowed_origins" yaml:"allowed_origins"`

	// HistoryPath is the bbolt database recording session lifecycle.
	HistoryPath string `koanf:"history_path" yaml:"history_path"`

	// IdleTimeoutMinutes kills sessions that have been idle for longer.
	// Zero disables the idle reaper.
	IdleTimeoutMinutes int `koanf:"idle_timeout_minutes" yaml:"idle_timeout_minutes"`

	// ReapSchedule is the cron expression driving idle session sweeps.
	ReapSchedule string `koanf:"reap_schedule" yaml:"reap_schedule"`

	// StatsIntervalSeconds is how often host statistics are sampled.
	StatsIntervalSeconds int `koanf:"stats_interval_seconds" yaml:"stats_interval_seconds"`

	// WebhookURL receives session lifecycle event POSTs when set.
	WebhookURL string `koanf:"webhook_url" yaml:"webhook_url"`

	// NATSURL connects the daemon to a NATS control plane when set.
	NATSURL string `koanf:"nats_url" yaml:"nats_url"`

	// NKeySeed is the NATS nkey seed used for authentication.
	// The config file should stay 0600 when this is set.
	NKeySeed string `koanf:"nkey_seed" yaml:"nkey_seed"`

	// NATSSubjectPrefix is the first token of every published subject.
	NATSSubjectPrefix string `koanf:"nats_subject_prefix" yaml:"nats_subject_prefix"`

	// NodeID identifies this host in NATS subjects and webhook payloads.
	NodeID string `koanf:"node_id" yaml:"node_id"`
}

// Load reads, defaults, and validates the config file at path.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file %s: %w", path, err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// applyDefaults fills zero-valued fields with their defaults.
func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:7681"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MaxSessions == 0 {
		c.MaxSessions = 1000
	}
	if c.ScrollbackBytes == 0 {
		c.ScrollbackBytes = 2 * 1024 * 1024
	}
	if c.HistoryPath == "" {
		c.HistoryPath = "/var/lib/termbridge/history.db"
	}
	if c.ReapSchedule == "" {
		c.ReapSchedule = "*/5 * * * *"
	}
	if c.StatsIntervalSeconds == 0 {
		c.StatsIntervalSeconds = 60
	}
	if c.NATSSubjectPrefix == "" {
		c.NATSSubjectPrefix = "termbridge"
	}
	if c.NodeID == "" {
		if hostname, err := os.Hostname(); err == nil && hostname != "" {
			c.NodeID = hostname
		} else {
			c.NodeID = "termbridge"
		}
	}
}

// validate checks settings that defaults cannot repair.
func (c *Config) validate() error {
	if c.MaxSessions < MinMaxSessions || c.MaxSessions > MaxMaxSessions {
		return ErrMaxSessionsRange
	}
	if c.ScrollbackBytes < 0 {
		return ErrScrollbackBytes
	}
	if c.StatsIntervalSeconds < 0 {
		return ErrStatsInterval
	}
	if c.IdleTimeoutMinutes < 0 {
		return ErrIdleTimeout
	}
	if c.IdleTimeoutMinutes > 0 {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(c.ReapSchedule); err != nil {
			return fmt.Errorf("%w: %v", ErrReapSchedule, err)
		}
	}
	if c.NATSURL != "" && c.NKeySeed == "" {
		return ErrNKeySeedRequired
	}
	return nil
}

// NATSEnabled reports whether the NATS control plane is configured.
func (c *Config) NATSEnabled() bool { return c.NATSURL != "" }

// WebhookEnabled reports whether lifecycle webhooks are configured.
func (c *Config) WebhookEnabled() bool { return c.WebhookURL != "" }

// ReaperEnabled reports whether idle sessions should be killed.
func (c *Config) ReaperEnabled() bool { return c.IdleTimeoutMinutes > 0 }

// Save writes the configuration as YAML with owner-only permissions,
// creating the parent directory if needed. Backs the -write-config flag
// that seeds a starting config file.
func Save(path string, cfg *Config) error {
	data, err := goyaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file %s: %w", path, err)
	}
	return nil
}
