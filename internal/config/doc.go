// Package config handles configuration loading for relay-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	channels:
//	  - name: "matrix-main"
//	    kind: "matrix"
//	    matrix:
//	      access_token: "${RELAY_MATRIX_TOKEN}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	supervisor:
//	  heartbeat_interval: "5m"
//	  watchdog_timeout: "10m"
//	  backoff_initial: "1s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Channels (one supervised connection each):
//
//	channels:
//	  - name: "ws-main"
//	    kind: "websocket"
//	    websocket:
//	      url: "wss://example.com/stream"
//	      auth_token: "${RELAY_WS_TOKEN}"
//	  - name: "matrix-main"
//	    kind: "matrix"
//	    matrix:
//	      homeserver: "https://matrix.org"
//	      user_id: "@bot:matrix.org"
//	      access_token: "${RELAY_MATRIX_TOKEN}"
//
// Inbound coalescing:
//
//	coalesce:
//	  debounce_window: "2s"
//	  group_settle: "1s"
//	  fragment_max_gap: "2s"
//
// Reply processing:
//
//	reply:
//	  enforce_final: true
//	  dedup_window: 128
//
// Connection ledger (optional; empty path disables it):
//
//	database:
//	  path: "/var/lib/relay/gateway.db"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/relay/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
