// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
channels:
  - name: "ws-main"
    kind: "websocket"
    websocket:
      url: "wss://example.com/stream"
      auth_token: "token-1"
  - name: "matrix-main"
    kind: "matrix"
    matrix:
      homeserver: "https://matrix.org"
      user_id: "@bot:matrix.org"
      access_token: "matrix-token"
      allowed_rooms:
        - "!room1:matrix.org"

supervisor:
  heartbeat_interval: "5m"
  watchdog_interval: "1m"
  watchdog_timeout: "10m"
  backoff_initial: "1s"
  backoff_max: "5m"
  backoff_factor: 2.0
  max_attempts: 10

coalesce:
  debounce_window: "2s"
  group_settle: "1s"
  fragment_max_gap: "2s"
  max_entries: 10
  fragment_start_threshold: 4000

reply:
  enforce_final: true
  dedup_window: 256

database:
  path: "./test.db"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(cfg.Channels) != 2 {
		t.Fatalf("Channels len = %d, want 2", len(cfg.Channels))
	}
	if cfg.Channels[0].Kind != "websocket" {
		t.Errorf("Channels[0].Kind = %q, want %q", cfg.Channels[0].Kind, "websocket")
	}
	if cfg.Channels[0].WebSocket.URL != "wss://example.com/stream" {
		t.Errorf("Channels[0].WebSocket.URL = %q", cfg.Channels[0].WebSocket.URL)
	}
	if cfg.Channels[1].Matrix.UserID != "@bot:matrix.org" {
		t.Errorf("Channels[1].Matrix.UserID = %q", cfg.Channels[1].Matrix.UserID)
	}
	if len(cfg.Channels[1].Matrix.AllowedRooms) != 1 {
		t.Errorf("Channels[1].Matrix.AllowedRooms len = %d, want 1", len(cfg.Channels[1].Matrix.AllowedRooms))
	}

	// Verify duration parsing
	if cfg.Supervisor.HeartbeatInterval != 5*time.Minute {
		t.Errorf("Supervisor.HeartbeatInterval = %v, want %v", cfg.Supervisor.HeartbeatInterval, 5*time.Minute)
	}
	if cfg.Supervisor.WatchdogTimeout != 10*time.Minute {
		t.Errorf("Supervisor.WatchdogTimeout = %v, want %v", cfg.Supervisor.WatchdogTimeout, 10*time.Minute)
	}
	if cfg.Supervisor.BackoffInitial != time.Second {
		t.Errorf("Supervisor.BackoffInitial = %v, want %v", cfg.Supervisor.BackoffInitial, time.Second)
	}
	if cfg.Supervisor.BackoffFactor != 2.0 {
		t.Errorf("Supervisor.BackoffFactor = %v, want 2.0", cfg.Supervisor.BackoffFactor)
	}
	if cfg.Supervisor.MaxAttempts != 10 {
		t.Errorf("Supervisor.MaxAttempts = %d, want 10", cfg.Supervisor.MaxAttempts)
	}
	if cfg.Coalesce.DebounceWindow != 2*time.Second {
		t.Errorf("Coalesce.DebounceWindow = %v, want %v", cfg.Coalesce.DebounceWindow, 2*time.Second)
	}
	if cfg.Coalesce.GroupSettle != time.Second {
		t.Errorf("Coalesce.GroupSettle = %v, want %v", cfg.Coalesce.GroupSettle, time.Second)
	}
	if cfg.Coalesce.FragmentStartThreshold != 4000 {
		t.Errorf("Coalesce.FragmentStartThreshold = %d, want 4000", cfg.Coalesce.FragmentStartThreshold)
	}

	if !cfg.Reply.EnforceFinal {
		t.Error("Reply.EnforceFinal = false, want true")
	}
	if cfg.Reply.DedupWindow != 256 {
		t.Errorf("Reply.DedupWindow = %d, want 256", cfg.Reply.DedupWindow)
	}

	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("RELAY_TEST_TOKEN", "secret-from-env")

	configPath := writeConfig(t, `
channels:
  - name: "ws-main"
    kind: "websocket"
    websocket:
      url: "wss://example.com/stream"
      auth_token: "${RELAY_TEST_TOKEN}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Channels[0].WebSocket.AuthToken != "secret-from-env" {
		t.Errorf("AuthToken = %q, want %q", cfg.Channels[0].WebSocket.AuthToken, "secret-from-env")
	}
}

func TestLoad_UnsetEnvVarExpandsEmpty(t *testing.T) {
	configPath := writeConfig(t, `
channels:
  - name: "ws-main"
    kind: "websocket"
    websocket:
      url: "wss://example.com/stream"
      auth_token: "${RELAY_DEFINITELY_NOT_SET_VAR}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Channels[0].WebSocket.AuthToken != "" {
		t.Errorf("AuthToken = %q, want empty", cfg.Channels[0].WebSocket.AuthToken)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
channels:
  - name: "ws-main"
    kind: "websocket"
    websocket:
      url: "wss://example.com/stream"

supervisor:
  heartbeat_interval: "not-a-duration"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "heartbeat_interval") {
		t.Errorf("error %q should name the offending field", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "channels: [\n  broken")
	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid YAML")
	}
}

func TestValidate_RequiresChannels(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() expected error for empty channels")
	}
}

func TestValidate_RejectsDuplicateNames(t *testing.T) {
	cfg := &Config{Channels: []ChannelConfig{
		{Name: "a", Kind: "websocket", WebSocket: WebSocketConfig{URL: "wss://x"}},
		{Name: "a", Kind: "websocket", WebSocket: WebSocketConfig{URL: "wss://y"}},
	}}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "duplicated") {
		t.Errorf("Validate() = %v, want duplicate-name error", err)
	}
}

func TestValidate_RejectsUnknownKind(t *testing.T) {
	cfg := &Config{Channels: []ChannelConfig{{Name: "a", Kind: "carrier-pigeon"}}}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "unknown kind") {
		t.Errorf("Validate() = %v, want unknown-kind error", err)
	}
}

func TestValidate_WebsocketRequiresURL(t *testing.T) {
	cfg := &Config{Channels: []ChannelConfig{{Name: "a", Kind: "websocket"}}}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() expected error for missing websocket url")
	}
}

func TestValidate_MatrixRequiresCredentials(t *testing.T) {
	cfg := &Config{Channels: []ChannelConfig{{
		Name: "a", Kind: "matrix",
		Matrix: MatrixConfig{Homeserver: "https://matrix.org", UserID: "@bot:matrix.org"},
	}}}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "access_token") {
		t.Errorf("Validate() = %v, want access-token error", err)
	}
}
