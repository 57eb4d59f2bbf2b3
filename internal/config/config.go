package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/herald/internal/otel"
)

// EngineConfig describes the external execution engine herald shells out to
// for each run. The command receives the message on stdin and writes one
// output line per chunk.
type EngineConfig struct {
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// StreamConfig tunes the SSE delivery surface.
type StreamConfig struct {
	// KeepAliveSeconds is the idle wait before a keep-alive comment is
	// emitted on an open stream. Default 30.
	KeepAliveSeconds int `yaml:"keepalive_seconds"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// DBPath overrides the default <home>/herald.db task store location.
	DBPath string `yaml:"db_path"`

	// DefaultTimezone applies when a task request carries no timezone.
	DefaultTimezone string `yaml:"default_timezone"`

	Engine EngineConfig `yaml:"engine"`
	Stream StreamConfig `yaml:"stream"`
	OTel   otel.Config  `yaml:"otel"`
}

// KeepAlive returns the stream keep-alive interval as a duration.
func (c Config) KeepAlive() time.Duration {
	secs := c.Stream.KeepAliveSeconds
	if secs <= 0 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

// EngineTimeout returns the per-run engine timeout, zero meaning none.
func (c Config) EngineTimeout() time.Duration {
	if c.Engine.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Engine.TimeoutSeconds) * time.Second
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|tz=%s|engine=%s|keepalive=%d",
		c.BindAddr, c.LogLevel, c.DBPath, c.DefaultTimezone, c.Engine.Command, c.Stream.KeepAliveSeconds)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		BindAddr:        "127.0.0.1:5001",
		LogLevel:        "info",
		DefaultTimezone: "UTC",
		Stream: StreamConfig{
			KeepAliveSeconds: 30,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("HERALD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".herald")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml under homeDir, applying defaults and env
// overrides. A missing file is not an error.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create herald home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HERALD_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("HERALD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("HERALD_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("HERALD_TZ"); v != "" {
		cfg.DefaultTimezone = v
	}
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:5001"
	}
	if cfg.DefaultTimezone == "" {
		cfg.DefaultTimezone = "UTC"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "herald.db")
	}
	if cfg.Stream.KeepAliveSeconds <= 0 {
		cfg.Stream.KeepAliveSeconds = 30
	}
}
