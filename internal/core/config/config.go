package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config represents the top-level agent configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Collector CollectorConfig `koanf:"collector"`
	Flush     FlushConfig     `koanf:"flush"`
	Tracking  TrackingConfig  `koanf:"tracking"`
	Consent   ConsentConfig   `koanf:"consent"`
}

type ServerConfig struct {
	Port          int    `koanf:"port"`
	Host          string `koanf:"host"`
	MaxBodySizeMB int    `koanf:"max_body_size_mb"`
	Mode          string `koanf:"mode"` // debug | release
}

type DatabaseConfig struct {
	Type         string `koanf:"type"`
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
	AutoMigrate  bool   `koanf:"auto_migrate"`
}

// CollectorConfig describes the remote collection service.
type CollectorConfig struct {
	BaseURL      string `koanf:"base_url"`
	ProjectToken string `koanf:"project_token"`
	// CampaignProjectToken optionally routes campaign/inbox events to a
	// dedicated sub-project. Empty means everything goes to ProjectToken.
	CampaignProjectToken string `koanf:"campaign_project_token"`
	AuthToken            string `koanf:"auth_token"`
	RequestTimeout       string `koanf:"request_timeout"`
}

// FlushConfig is the explicit flush/retry policy: when the queue drains and
// how many failed attempts a record survives before it is dropped.
type FlushConfig struct {
	Mode       string `koanf:"mode"` // immediate | periodic | manual
	Interval   string `koanf:"interval"`
	MaxRetries int    `koanf:"max_retries"`
	BatchSize  int    `koanf:"batch_size"`
}

// Flush modes. Immediate triggers a pass after every enqueue, periodic only
// when the configured interval has elapsed since the last pass, manual only
// on an explicit flush call.
const (
	FlushModeImmediate = "immediate"
	FlushModePeriodic  = "periodic"
	FlushModeManual    = "manual"
)

type TrackingConfig struct {
	// DefaultProperties are stamped onto every tracked event in addition to
	// the built-in platform/sdk pairs.
	DefaultProperties map[string]string `koanf:"default_properties"`
}

type ConsentConfig struct {
	// PolicyDir holds *.yaml consent policy files. An empty or missing
	// directory means tracking is unrestricted.
	PolicyDir string `koanf:"policy_dir"`
}

// EffectiveInterval returns the periodic flush interval, falling back to the
// default when unset.
func (c FlushConfig) EffectiveInterval() string {
	if c.Interval != "" {
		return c.Interval
	}
	return "60s"
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d (must be 1-65535)", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.Host) == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.MaxBodySizeMB <= 0 {
		return fmt.Errorf("server.max_body_size_mb must be > 0")
	}
	if c.Server.Mode != "debug" && c.Server.Mode != "release" {
		return fmt.Errorf("invalid server.mode %q (must be debug or release)", c.Server.Mode)
	}

	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be > 0")
	}
	if c.Database.MaxIdleConns <= 0 {
		return fmt.Errorf("database.max_idle_conns must be > 0")
	}
	if c.Database.Type != "" && c.Database.Type != "postgres" {
		return fmt.Errorf("unsupported database.type %q", c.Database.Type)
	}

	if strings.TrimSpace(c.Collector.BaseURL) == "" {
		return fmt.Errorf("collector.base_url is required")
	}
	if strings.TrimSpace(c.Collector.ProjectToken) == "" {
		return fmt.Errorf("collector.project_token is required")
	}
	if _, err := time.ParseDuration(c.Collector.RequestTimeout); err != nil {
		return fmt.Errorf("invalid collector.request_timeout %q: %w", c.Collector.RequestTimeout, err)
	}

	switch c.Flush.Mode {
	case FlushModeImmediate, FlushModePeriodic, FlushModeManual:
	default:
		return fmt.Errorf("invalid flush.mode %q (must be immediate, periodic or manual)", c.Flush.Mode)
	}
	interval, err := time.ParseDuration(c.Flush.EffectiveInterval())
	if err != nil {
		return fmt.Errorf("invalid flush.interval %q: %w", c.Flush.EffectiveInterval(), err)
	}
	if interval <= 0 {
		return fmt.Errorf("flush.interval must be > 0")
	}
	if c.Flush.MaxRetries <= 0 {
		return fmt.Errorf("flush.max_retries must be > 0")
	}
	if c.Flush.BatchSize <= 0 {
		return fmt.Errorf("flush.batch_size must be > 0")
	}

	return nil
}

// Load parses config from file + env and validates it.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":               1323,
		"server.host":               "127.0.0.1",
		"server.max_body_size_mb":   1,
		"server.mode":               "release",
		"database.type":             "postgres",
		"database.dsn":              "",
		"database.max_open_conns":   10,
		"database.max_idle_conns":   10,
		"database.auto_migrate":     true,
		"collector.base_url":        "",
		"collector.project_token":   "",
		"collector.request_timeout": "20s",
		"flush.mode":                FlushModeImmediate,
		"flush.interval":            "60s",
		"flush.max_retries":         10,
		"flush.batch_size":          50,
		"consent.policy_dir":        "./config/consent",
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("KESTREL_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "KESTREL_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
