// ABOUTME: Transport driver contract shared by all channel adapters
// ABOUTME: Defines raw inbound messages, session lifecycle, and close classification

package transport

import (
	"context"
	"time"
)

// RawMessage is a single inbound event as produced by a transport adapter,
// before any coalescing. Seq carries the transport's numeric sequence id when
// one exists (0 otherwise); fragment reassembly depends on it.
type RawMessage struct {
	ID             string
	Seq            int64
	Sender         string
	ConversationID string
	GroupID        string // shared identifier for multi-attachment groups, empty otherwise
	Body           string
	MediaRefs      []string
	Timestamp      time.Time
	ControlCommand bool // transport pre-flagged this as a control command candidate
}

// CloseInfo describes why a session ended. LoggedOut marks a fatal
// authentication loss that must not be retried.
type CloseInfo struct {
	At         time.Time
	StatusCode int
	Err        error
	LoggedOut  bool
}

// MessageHandler receives live raw messages from a session. Handlers must not
// block; slow consumers starve the transport's read loop.
type MessageHandler func(RawMessage)

// Session is one live connection to a transport. Done yields exactly one
// CloseInfo when the session ends, then the channel is closed.
type Session interface {
	// Done resolves when the session has terminated for any reason.
	Done() <-chan CloseInfo

	// SignalClose forcibly terminates the session, recording reason in the
	// resulting CloseInfo. Used by the watchdog to kill silently stalled
	// connections that never raised an error.
	SignalClose(reason string)

	// Close shuts the session down gracefully.
	Close() error
}

// Factory opens transport sessions. The supervisor calls Open on every
// (re)connect attempt; the handler is installed before any message flows.
type Factory interface {
	Open(ctx context.Context, onMessage MessageHandler) (Session, error)
}

// FactoryFunc adapts a plain function to the Factory interface.
type FactoryFunc func(ctx context.Context, onMessage MessageHandler) (Session, error)

func (f FactoryFunc) Open(ctx context.Context, onMessage MessageHandler) (Session, error) {
	return f(ctx, onMessage)
}
