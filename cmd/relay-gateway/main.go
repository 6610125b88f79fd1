// ABOUTME: Entry point for the relay-gateway daemon
// ABOUTME: Supervises channel connections and routes conversations to the agent

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/relay-gateway/internal/coalesce"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/dispatch"
	"github.com/2389/relay-gateway/internal/gateway"
	"github.com/2389/relay-gateway/internal/reply"
	"github.com/2389/relay-gateway/internal/store"
	"github.com/2389/relay-gateway/internal/supervisor"
	"github.com/2389/relay-gateway/internal/transport"
	"github.com/2389/relay-gateway/internal/transport/matrixdriver"
	"github.com/2389/relay-gateway/internal/transport/wsdriver"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
           _                                 _
  _ __ ___| | __ _ _   _        __ _  __ _| |_ _____      ____ _ _   _
 | '__/ _ \ |/ _' | | | |_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
 | | |  __/ | (_| | |_| |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 |_|  \___|_|\__,_|\__, |      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                   |___/       |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: RELAY_CONFIG env var > XDG_CONFIG_HOME/relay/gateway.yaml > ~/.config/relay/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "relay", "gateway.yaml")
}

// getDataPath returns the path to the relay data directory.
// Priority: XDG_DATA_HOME/relay > ~/.local/share/relay
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "relay")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: relay-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve   Start the gateway daemon")
		fmt.Println("  init    Create a new config file interactively")
		fmt.Println("  status  Show recent connection transitions")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "status":
		err = runStatus(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	for _, ch := range cfg.Channels {
		green.Print("    ▶ ")
		fmt.Printf("Channel:  %s (%s)\n", ch.Name, ch.Kind)
	}
	if cfg.Database.Path != "" {
		green.Print("    ▶ ")
		fmt.Printf("Ledger:   %s\n", cfg.Database.Path)
	}
	fmt.Println()

	logger.Info("starting relay-gateway", "config", configPath, "channels", len(cfg.Channels))

	var sinks []supervisor.StatusSink
	if cfg.Database.Path != "" {
		ledger, err := store.NewLedger(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("opening ledger: %w", err)
		}
		defer ledger.Close()
		sinks = append(sinks, ledger)
	}

	mux := newDeliveryMux(logger)
	gw := gateway.New(gatewayOptions(cfg), dispatch.NewEchoDispatcher(), mux, logger, sinks...)

	for _, ch := range cfg.Channels {
		factory, err := buildDriver(ch, mux, logger)
		if err != nil {
			return fmt.Errorf("channel %q: %w", ch.Name, err)
		}
		if err := gw.AddChannel(ch.Name, factory); err != nil {
			return err
		}
	}

	return gw.Run(ctx)
}

// gatewayOptions maps the file configuration onto pipeline options.
func gatewayOptions(cfg *config.Config) gateway.Options {
	return gateway.Options{
		Policy: supervisor.Policy{
			HeartbeatInterval: cfg.Supervisor.HeartbeatInterval,
			WatchdogInterval:  cfg.Supervisor.WatchdogInterval,
			WatchdogTimeout:   cfg.Supervisor.WatchdogTimeout,
			Backoff: supervisor.BackoffPolicy{
				Initial:     cfg.Supervisor.BackoffInitial,
				Max:         cfg.Supervisor.BackoffMax,
				Factor:      cfg.Supervisor.BackoffFactor,
				MaxAttempts: cfg.Supervisor.MaxAttempts,
			},
		},
		Coalesce: coalesce.Config{
			DebounceWindow:   cfg.Coalesce.DebounceWindow,
			MaxEntries:       cfg.Coalesce.MaxEntries,
			MaxCombinedChars: cfg.Coalesce.MaxCombinedChars,
			GroupSettle:      cfg.Coalesce.GroupSettle,
			Fragment: coalesce.FragmentConfig{
				StartThreshold: cfg.Coalesce.FragmentStartThreshold,
				MaxIDGap:       int64(cfg.Coalesce.FragmentMaxIDGap),
				MaxGap:         cfg.Coalesce.FragmentMaxGap,
				MaxParts:       cfg.Coalesce.FragmentMaxParts,
				MaxTotalChars:  cfg.Coalesce.FragmentMaxTotalChars,
			},
		},
		Reply: reply.Config{
			EnforceFinal: cfg.Reply.EnforceFinal,
			DedupWindow:  cfg.Reply.DedupWindow,
		},
	}
}

// buildDriver creates the transport for one channel and registers its
// outbound side with the delivery mux.
func buildDriver(ch config.ChannelConfig, mux *deliveryMux, logger *slog.Logger) (transport.Factory, error) {
	switch ch.Kind {
	case "websocket":
		d, err := wsdriver.New(wsdriver.Options{
			URL:       ch.WebSocket.URL,
			AuthToken: ch.WebSocket.AuthToken,
		}, logger)
		if err != nil {
			return nil, err
		}
		mux.register(ch.Name, func(ctx context.Context, key coalesce.Key, chunk reply.Chunk) error {
			return d.Deliver(ctx, key.Conversation, chunk.Text, chunk.MediaRefs, chunk.ReplyToID, chunk.ThreadID, chunk.AudioAsVoice)
		})
		return d, nil

	case "matrix":
		d, err := matrixdriver.New(matrixdriver.Options{
			Homeserver:   ch.Matrix.Homeserver,
			UserID:       ch.Matrix.UserID,
			AccessToken:  ch.Matrix.AccessToken,
			AllowedRooms: ch.Matrix.AllowedRooms,
		}, logger)
		if err != nil {
			return nil, err
		}
		mux.register(ch.Name, func(ctx context.Context, key coalesce.Key, chunk reply.Chunk) error {
			text := chunk.Text
			// Matrix media uploads go out as mxc references in the body.
			if len(chunk.MediaRefs) > 0 {
				text = strings.TrimSpace(text + "\n" + strings.Join(chunk.MediaRefs, "\n"))
			}
			return d.Deliver(ctx, key.Conversation, text)
		})
		return d, nil

	default:
		return nil, fmt.Errorf("unknown channel kind %q", ch.Kind)
	}
}

// deliveryMux routes reply chunks to the channel that owns the conversation.
type deliveryMux struct {
	mu     sync.Mutex
	routes map[string]gateway.DelivererFunc
	logger *slog.Logger
}

func newDeliveryMux(logger *slog.Logger) *deliveryMux {
	return &deliveryMux{routes: make(map[string]gateway.DelivererFunc), logger: logger}
}

func (m *deliveryMux) register(channel string, deliver gateway.DelivererFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[channel] = deliver
}

func (m *deliveryMux) Deliver(ctx context.Context, key coalesce.Key, chunk reply.Chunk) error {
	m.mu.Lock()
	deliver, ok := m.routes[key.Channel]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no deliverer for channel %q", key.Channel)
	}
	return deliver(ctx, key, chunk)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	// Handler-level attrs first (from WithAttrs), then record attrs.
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// runStatus prints the most recent connection transitions from the ledger.
func runStatus(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Database.Path == "" {
		return fmt.Errorf("no database.path configured; the connection ledger is disabled")
	}

	ledger, err := store.NewLedger(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer ledger.Close()

	var channel string
	if len(os.Args) > 2 {
		channel = os.Args[2]
	}

	transitions, err := ledger.Recent(ctx, channel, 20)
	if err != nil {
		return fmt.Errorf("reading transitions: %w", err)
	}
	if len(transitions) == 0 {
		fmt.Println("no transitions recorded")
		return nil
	}

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	for _, tr := range transitions {
		fmt.Printf("%s  %-12s ", tr.At.Local().Format("2006-01-02 15:04:05"), tr.Channel)
		if tr.Connected {
			green.Print("connected")
		} else {
			red.Print("disconnected")
			if tr.Error != "" {
				fmt.Printf(" (%s)", tr.Error)
			}
			if tr.LoggedOut {
				fmt.Print(" [logged out]")
			}
			if tr.ReconnectAttempts > 0 {
				fmt.Printf(" attempt=%d", tr.ReconnectAttempts)
			}
		}
		fmt.Println()
	}
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("relay-gateway configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "gateway.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Channel Configuration ---")
	name := prompt(reader, "Channel name", "ws-main")
	kind := prompt(reader, "Channel kind (websocket/matrix)", "websocket")

	var cfg strings.Builder
	cfg.WriteString("# relay-gateway configuration\n")
	cfg.WriteString("# Generated by relay-gateway init\n\n")

	cfg.WriteString("channels:\n")
	cfg.WriteString(fmt.Sprintf("  - name: \"%s\"\n", name))
	cfg.WriteString(fmt.Sprintf("    kind: \"%s\"\n", kind))
	switch kind {
	case "matrix":
		homeserver := prompt(reader, "Matrix homeserver", "https://matrix.org")
		userID := prompt(reader, "Matrix user ID", "@bot:matrix.org")
		cfg.WriteString("    matrix:\n")
		cfg.WriteString(fmt.Sprintf("      homeserver: \"%s\"\n", homeserver))
		cfg.WriteString(fmt.Sprintf("      user_id: \"%s\"\n", userID))
		cfg.WriteString("      access_token: \"${RELAY_MATRIX_TOKEN}\"\n")
	default:
		url := prompt(reader, "WebSocket URL", "wss://localhost:8080/stream")
		cfg.WriteString("    websocket:\n")
		cfg.WriteString(fmt.Sprintf("      url: \"%s\"\n", url))
		cfg.WriteString("      auth_token: \"${RELAY_WS_TOKEN}\"\n")
	}
	cfg.WriteString("\n")

	cfg.WriteString("supervisor:\n")
	cfg.WriteString("  heartbeat_interval: \"5m\"\n")
	cfg.WriteString("  watchdog_interval: \"1m\"\n")
	cfg.WriteString("  watchdog_timeout: \"10m\"\n")
	cfg.WriteString("  backoff_initial: \"1s\"\n")
	cfg.WriteString("  backoff_max: \"5m\"\n")
	cfg.WriteString("  backoff_factor: 2.0\n")
	cfg.WriteString("\n")

	cfg.WriteString("coalesce:\n")
	cfg.WriteString("  debounce_window: \"2s\"\n")
	cfg.WriteString("  group_settle: \"1s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("reply:\n")
	cfg.WriteString("  enforce_final: false\n")
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", defaultDbPath))
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString("  level: \"info\"\n")
	cfg.WriteString("  format: \"text\"\n")

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	if err := os.MkdirAll(defaultDataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the gateway:")
	fmt.Printf("  relay-gateway serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
