// Package config loads ~/.taskdeck/config.yaml, applies environment
// overrides and fills defaults.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type GatewayConfig struct {
	Enabled   bool   `yaml:"enabled"`
	AuthToken string `yaml:"auth_token"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Gateway  GatewayConfig  `yaml:"gateway"`
}

type OtelConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Exporter     string `yaml:"exporter"` // otlp-http, stdout, none
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// DialogTTLMinutes bounds how long an abandoned prompt keeps a user's
	// dialog slot before the sweeper clears it.
	DialogTTLMinutes int `yaml:"dialog_ttl_minutes"`

	// RetentionCompletedDays is how long completed tasks are kept.
	// 0 keeps them forever.
	RetentionCompletedDays int `yaml:"retention_completed_days"`

	Channels ChannelsConfig `yaml:"channels"`
	Otel     OtelConfig     `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// DBPath returns the SQLite database path within the given home directory.
func DBPath(homeDir string) string {
	return filepath.Join(homeDir, "taskdeck.db")
}

func defaultConfig() Config {
	return Config{
		BindAddr:               "127.0.0.1:18990",
		LogLevel:               "info",
		DialogTTLMinutes:       30,
		RetentionCompletedDays: 0,
		Otel: OtelConfig{
			Exporter: "none",
		},
	}
}

// HomeDir resolves the data directory, honoring the TASKDECK_HOME override.
func HomeDir() string {
	if override := os.Getenv("TASKDECK_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskdeck")
}

// Load reads config.yaml from the home directory, creating the directory if
// needed. A missing file is not an error; defaults plus env overrides apply.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskdeck home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18990"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DialogTTLMinutes <= 0 {
		cfg.DialogTTLMinutes = 30
	}
	if cfg.RetentionCompletedDays < 0 {
		cfg.RetentionCompletedDays = 0
	}
	if cfg.Otel.Exporter == "" {
		cfg.Otel.Exporter = "none"
	}
	// A token provided through the environment switches the channel on; a
	// yaml-only token still requires enabled: true.
	if os.Getenv("TELEGRAM_BOT_TOKEN") != "" {
		cfg.Channels.Telegram.Enabled = true
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKDECK_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TASKDECK_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKDECK_DIALOG_TTL_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DialogTTLMinutes = v
		}
	}
	if raw := os.Getenv("TELEGRAM_BOT_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
	if raw := os.Getenv("TASKDECK_AUTH_TOKEN"); raw != "" {
		cfg.Channels.Gateway.AuthToken = raw
	}
}

// DialogTTL returns the dialog expiry window as a duration.
func (c Config) DialogTTL() time.Duration {
	return time.Duration(c.DialogTTLMinutes) * time.Minute
}

// Fingerprint returns a stable hash of the reload-relevant settings, so the
// watcher consumer can tell a real change from a spurious write event.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|ttl=%d|retention=%d|tg=%t|gw=%t",
		c.BindAddr, c.LogLevel, c.DialogTTLMinutes, c.RetentionCompletedDays,
		c.Channels.Telegram.Enabled, c.Channels.Gateway.Enabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
