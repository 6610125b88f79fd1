// ABOUTME: Configuration loading and parsing for relay-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relay-gateway configuration
type Config struct {
	Channels   []ChannelConfig  `yaml:"channels"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Coalesce   CoalesceConfig   `yaml:"coalesce"`
	Reply      ReplyConfig      `yaml:"reply"`
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ChannelConfig describes one supervised transport connection
type ChannelConfig struct {
	Name      string          `yaml:"name"`
	Kind      string          `yaml:"kind"` // "websocket" or "matrix"
	WebSocket WebSocketConfig `yaml:"websocket"`
	Matrix    MatrixConfig    `yaml:"matrix"`
}

// WebSocketConfig holds websocket transport configuration
type WebSocketConfig struct {
	URL       string `yaml:"url"`
	AuthToken string `yaml:"auth_token"`
}

// MatrixConfig holds Matrix transport configuration
type MatrixConfig struct {
	Homeserver   string   `yaml:"homeserver"`
	UserID       string   `yaml:"user_id"`
	AccessToken  string   `yaml:"access_token"`
	AllowedRooms []string `yaml:"allowed_rooms"`
}

// SupervisorConfig holds reconnect and liveness timing configuration
type SupervisorConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	WatchdogInterval  time.Duration `yaml:"-"`
	WatchdogTimeout   time.Duration `yaml:"-"`
	BackoffInitial    time.Duration `yaml:"-"`
	BackoffMax        time.Duration `yaml:"-"`
	BackoffFactor     float64       `yaml:"backoff_factor"`
	MaxAttempts       int           `yaml:"max_attempts"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	WatchdogIntervalRaw  string `yaml:"watchdog_interval"`
	WatchdogTimeoutRaw   string `yaml:"watchdog_timeout"`
	BackoffInitialRaw    string `yaml:"backoff_initial"`
	BackoffMaxRaw        string `yaml:"backoff_max"`
}

// CoalesceConfig holds inbound message batching configuration
type CoalesceConfig struct {
	DebounceWindow time.Duration `yaml:"-"`
	GroupSettle    time.Duration `yaml:"-"`
	FragmentMaxGap time.Duration `yaml:"-"`

	MaxEntries             int `yaml:"max_entries"`
	MaxCombinedChars       int `yaml:"max_combined_chars"`
	FragmentStartThreshold int `yaml:"fragment_start_threshold"`
	FragmentMaxIDGap       int `yaml:"fragment_max_id_gap"`
	FragmentMaxParts       int `yaml:"fragment_max_parts"`
	FragmentMaxTotalChars  int `yaml:"fragment_max_total_chars"`

	// Raw string values for YAML unmarshaling
	DebounceWindowRaw string `yaml:"debounce_window"`
	GroupSettleRaw    string `yaml:"group_settle"`
	FragmentMaxGapRaw string `yaml:"fragment_max_gap"`
}

// ReplyConfig holds reply stream processing configuration
type ReplyConfig struct {
	EnforceFinal bool `yaml:"enforce_final"`
	DedupWindow  int  `yaml:"dedup_window"`
}

// DatabaseConfig holds the connection-ledger database configuration.
// An empty path disables the ledger.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if len(c.Channels) == 0 {
		return fmt.Errorf("at least one channel is required")
	}

	names := make(map[string]bool, len(c.Channels))
	for i, ch := range c.Channels {
		if ch.Name == "" {
			return fmt.Errorf("channels[%d].name is required", i)
		}
		if names[ch.Name] {
			return fmt.Errorf("channel name %q is duplicated", ch.Name)
		}
		names[ch.Name] = true

		switch ch.Kind {
		case "websocket":
			if ch.WebSocket.URL == "" {
				return fmt.Errorf("channel %q: websocket.url is required", ch.Name)
			}
		case "matrix":
			if ch.Matrix.Homeserver == "" {
				return fmt.Errorf("channel %q: matrix.homeserver is required", ch.Name)
			}
			if ch.Matrix.UserID == "" {
				return fmt.Errorf("channel %q: matrix.user_id is required", ch.Name)
			}
			if ch.Matrix.AccessToken == "" {
				return fmt.Errorf("channel %q: matrix.access_token is required", ch.Name)
			}
		default:
			return fmt.Errorf("channel %q: unknown kind %q (want websocket or matrix)", ch.Name, ch.Kind)
		}
	}

	return nil
}

// durationField binds one raw YAML string to its parsed destination.
type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []durationField{
		{"supervisor.heartbeat_interval", cfg.Supervisor.HeartbeatIntervalRaw, &cfg.Supervisor.HeartbeatInterval},
		{"supervisor.watchdog_interval", cfg.Supervisor.WatchdogIntervalRaw, &cfg.Supervisor.WatchdogInterval},
		{"supervisor.watchdog_timeout", cfg.Supervisor.WatchdogTimeoutRaw, &cfg.Supervisor.WatchdogTimeout},
		{"supervisor.backoff_initial", cfg.Supervisor.BackoffInitialRaw, &cfg.Supervisor.BackoffInitial},
		{"supervisor.backoff_max", cfg.Supervisor.BackoffMaxRaw, &cfg.Supervisor.BackoffMax},
		{"coalesce.debounce_window", cfg.Coalesce.DebounceWindowRaw, &cfg.Coalesce.DebounceWindow},
		{"coalesce.group_settle", cfg.Coalesce.GroupSettleRaw, &cfg.Coalesce.GroupSettle},
		{"coalesce.fragment_max_gap", cfg.Coalesce.FragmentMaxGapRaw, &cfg.Coalesce.FragmentMaxGap},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
