package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/medbox-link/internal/ble"
	"github.com/chaz8081/medbox-link/internal/ble/protocol"
	"github.com/chaz8081/medbox-link/internal/ota"
)

// Config holds all application configuration.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	OTA       OTAConfig       `yaml:"ota"`
	Store     StoreConfig     `yaml:"store"`
	LogLevel  string          `yaml:"log_level"`
}

// DeviceConfig holds scan and connection settings.
type DeviceConfig struct {
	Name             string        `yaml:"name"`
	ScanTimeout      time.Duration `yaml:"scan_timeout"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`
}

// ReconnectConfig holds the policy applied when a ready link drops.
type ReconnectConfig struct {
	Auto        bool          `yaml:"auto"`
	MaxAttempts int           `yaml:"max_attempts"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// OTAConfig holds firmware transfer settings.
type OTAConfig struct {
	ChunkSize  int           `yaml:"chunk_size"`
	AckTimeout time.Duration `yaml:"ack_timeout"`
}

// StoreConfig holds the medication store location.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "medbox")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	storePath := filepath.Join(home, ".local", "share", "medbox", "medbox.db")

	session := ble.DefaultSessionOptions()
	return &Config{
		Device: DeviceConfig{
			Name:             "SmartMedBox",
			ScanTimeout:      session.ScanTimeout,
			ConnectTimeout:   session.ConnectTimeout,
			DiscoveryTimeout: session.DiscoveryTimeout,
		},
		Reconnect: ReconnectConfig{
			Auto:        session.Reconnect.Auto,
			MaxAttempts: session.Reconnect.MaxAttempts,
			MaxBackoff:  session.Reconnect.MaxBackoff,
		},
		OTA: OTAConfig{
			ChunkSize:  protocol.DefaultChunkSize,
			AckTimeout: ota.DefaultAckTimeout,
		},
		Store: StoreConfig{
			Path: storePath,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in store.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Store.Path = expandTilde(cfg.Store.Path)

	return cfg, nil
}

// LoadOrDefault loads path when it exists and returns the defaults otherwise.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Debug("no config file, using defaults", "path", path)
		return Default(), nil
	}
	return cfg, err
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.ScanTimeout <= 0 {
		return fmt.Errorf("device.scan_timeout must be > 0")
	}
	if c.Device.ConnectTimeout <= 0 {
		return fmt.Errorf("device.connect_timeout must be > 0")
	}
	if c.Device.DiscoveryTimeout <= 0 {
		return fmt.Errorf("device.discovery_timeout must be > 0")
	}

	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must be >= 0")
	}
	if c.Reconnect.Auto && c.Reconnect.MaxBackoff <= 0 {
		return fmt.Errorf("reconnect.max_backoff must be > 0 when reconnect.auto is set")
	}

	if c.OTA.ChunkSize < 1 || c.OTA.ChunkSize > protocol.MaxChunkPayload {
		return fmt.Errorf("ota.chunk_size must be between 1 and %d, got %d", protocol.MaxChunkPayload, c.OTA.ChunkSize)
	}
	if c.OTA.AckTimeout <= 0 {
		return fmt.Errorf("ota.ack_timeout must be > 0")
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// SessionOptions converts the device and reconnect sections.
func (c *Config) SessionOptions() ble.SessionOptions {
	opts := ble.DefaultSessionOptions()
	opts.ScanTimeout = c.Device.ScanTimeout
	opts.ConnectTimeout = c.Device.ConnectTimeout
	opts.DiscoveryTimeout = c.Device.DiscoveryTimeout
	opts.Reconnect = ble.ReconnectPolicy{
		Auto:        c.Reconnect.Auto,
		MaxAttempts: c.Reconnect.MaxAttempts,
		MaxBackoff:  c.Reconnect.MaxBackoff,
	}
	return opts
}

// OTAOptions converts the ota section.
func (c *Config) OTAOptions() []ota.Option {
	return []ota.Option{
		ota.WithChunkSize(c.OTA.ChunkSize),
		ota.WithAckTimeout(c.OTA.AckTimeout),
	}
}

// ParseLogLevel maps a log_level value to a slog level. Unknown values map to info.
func ParseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultConfigYAML = `# medbox configuration
device:
  name: SmartMedBox
  scan_timeout: 10s
  connect_timeout: 15s
  discovery_timeout: 10s

# What to do when a connected pill box drops out of range.
reconnect:
  auto: true
  max_attempts: 5
  max_backoff: 30s

ota:
  chunk_size: 180
  ack_timeout: 5s

store:
  path: ~/.local/share/medbox/medbox.db

# debug, info, warn or error
log_level: info
`

// WriteDefault writes the default config to DefaultConfigPath and returns the
// path. It returns ("", nil) when a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
