package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/medbox-link/internal/ble/protocol"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return cfgPath
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Device.Name != "SmartMedBox" {
		t.Errorf("Device.Name = %q, want %q", cfg.Device.Name, "SmartMedBox")
	}
	if cfg.Device.ScanTimeout != 10*time.Second {
		t.Errorf("Device.ScanTimeout = %v, want 10s", cfg.Device.ScanTimeout)
	}
	if !cfg.Reconnect.Auto {
		t.Error("Reconnect.Auto should default to true")
	}
	if cfg.Reconnect.MaxAttempts != 5 {
		t.Errorf("Reconnect.MaxAttempts = %d, want 5", cfg.Reconnect.MaxAttempts)
	}
	if cfg.OTA.ChunkSize != protocol.DefaultChunkSize {
		t.Errorf("OTA.ChunkSize = %d, want %d", cfg.OTA.ChunkSize, protocol.DefaultChunkSize)
	}
	if cfg.Store.Path == "" {
		t.Error("Store.Path should not be empty")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
}

func TestLoad(t *testing.T) {
	cfgPath := writeConfig(t, `
device:
  name: KitchenBox
  scan_timeout: 20s
  connect_timeout: 5s
  discovery_timeout: 3s
reconnect:
  auto: false
  max_attempts: 2
  max_backoff: 4s
ota:
  chunk_size: 120
  ack_timeout: 1500ms
store:
  path: /tmp/medbox-test.db
log_level: debug
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Device.Name != "KitchenBox" {
		t.Errorf("Device.Name = %q, want %q", cfg.Device.Name, "KitchenBox")
	}
	if cfg.Device.ScanTimeout != 20*time.Second {
		t.Errorf("Device.ScanTimeout = %v, want 20s", cfg.Device.ScanTimeout)
	}
	if cfg.Device.DiscoveryTimeout != 3*time.Second {
		t.Errorf("Device.DiscoveryTimeout = %v, want 3s", cfg.Device.DiscoveryTimeout)
	}
	if cfg.Reconnect.Auto {
		t.Error("Reconnect.Auto = true, want false")
	}
	if cfg.Reconnect.MaxAttempts != 2 {
		t.Errorf("Reconnect.MaxAttempts = %d, want 2", cfg.Reconnect.MaxAttempts)
	}
	if cfg.OTA.ChunkSize != 120 {
		t.Errorf("OTA.ChunkSize = %d, want 120", cfg.OTA.ChunkSize)
	}
	if cfg.OTA.AckTimeout != 1500*time.Millisecond {
		t.Errorf("OTA.AckTimeout = %v, want 1.5s", cfg.OTA.AckTimeout)
	}
	if cfg.Store.Path != "/tmp/medbox-test.db" {
		t.Errorf("Store.Path = %q, want %q", cfg.Store.Path, "/tmp/medbox-test.db")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	cfgPath := writeConfig(t, `
reconnect:
  max_attempts: 9
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Reconnect.MaxAttempts != 9 {
		t.Errorf("Reconnect.MaxAttempts = %d, want 9", cfg.Reconnect.MaxAttempts)
	}
	if !cfg.Reconnect.Auto {
		t.Error("Reconnect.Auto should keep its default")
	}
	if cfg.Device.ConnectTimeout != 15*time.Second {
		t.Errorf("Device.ConnectTimeout = %v, want 15s", cfg.Device.ConnectTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home directory")
	}

	cfg, err := Load(writeConfig(t, `
store:
  path: ~/data/medbox.db
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	expected := filepath.Join(home, "data/medbox.db")
	if cfg.Store.Path != expected {
		t.Errorf("Store.Path = %q, want %q", cfg.Store.Path, expected)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault("/nonexistent/config.yaml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}

	_, err = LoadOrDefault(writeConfig(t, "device: [not, a, map]\n"))
	if err == nil {
		t.Error("LoadOrDefault() should report a malformed file")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, `
device:
  scan_timeout: soon
`))
	if err == nil {
		t.Error("Load() should fail for an unparsable duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "zero scan timeout",
			modify:  func(c *Config) { c.Device.ScanTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "zero connect timeout",
			modify:  func(c *Config) { c.Device.ConnectTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "zero discovery timeout",
			modify:  func(c *Config) { c.Device.DiscoveryTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "negative max attempts",
			modify:  func(c *Config) { c.Reconnect.MaxAttempts = -1 },
			wantErr: true,
		},
		{
			name:    "auto reconnect without backoff",
			modify:  func(c *Config) { c.Reconnect.MaxBackoff = 0 },
			wantErr: true,
		},
		{
			name: "manual reconnect without backoff",
			modify: func(c *Config) {
				c.Reconnect.Auto = false
				c.Reconnect.MaxBackoff = 0
			},
			wantErr: false,
		},
		{
			name:    "chunk size too large",
			modify:  func(c *Config) { c.OTA.ChunkSize = protocol.MaxChunkPayload + 1 },
			wantErr: true,
		},
		{
			name:    "zero chunk size",
			modify:  func(c *Config) { c.OTA.ChunkSize = 0 },
			wantErr: true,
		},
		{
			name:    "zero ack timeout",
			modify:  func(c *Config) { c.OTA.AckTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "empty store path",
			modify:  func(c *Config) { c.Store.Path = "" },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSessionOptions(t *testing.T) {
	cfg := Default()
	cfg.Device.ConnectTimeout = 7 * time.Second
	cfg.Reconnect.Auto = false
	cfg.Reconnect.MaxAttempts = 3

	opts := cfg.SessionOptions()
	if opts.ConnectTimeout != 7*time.Second {
		t.Errorf("ConnectTimeout = %v, want 7s", opts.ConnectTimeout)
	}
	if opts.Reconnect.Auto {
		t.Error("Reconnect.Auto = true, want false")
	}
	if opts.Reconnect.MaxAttempts != 3 {
		t.Errorf("Reconnect.MaxAttempts = %d, want 3", opts.Reconnect.MaxAttempts)
	}
	if opts.Clock == nil {
		t.Error("Clock should be set")
	}
}

func TestOTAOptions(t *testing.T) {
	cfg := Default()
	if got := len(cfg.OTAOptions()); got != 2 {
		t.Errorf("len(OTAOptions()) = %d, want 2", got)
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "medbox", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# medbox") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}

	// Values should match defaults
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	def := Default()
	if loaded.Device != def.Device || loaded.Reconnect != def.Reconnect || loaded.OTA != def.OTA {
		t.Errorf("written config = %+v, want defaults %+v", loaded, def)
	}
	if loaded.Store.Path != def.Store.Path {
		t.Errorf("written Store.Path = %q, want %q", loaded.Store.Path, def.Store.Path)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "medbox")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("log_level: debug\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // defaults to info
		{"", slog.LevelInfo},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
