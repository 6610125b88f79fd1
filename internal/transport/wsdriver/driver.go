// ABOUTME: WebSocket transport driver built on gorilla/websocket
// ABOUTME: Decodes JSON message envelopes into supervised transport sessions

package wsdriver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/relay-gateway/internal/transport"
)

// CloseLoggedOut is the application close code the upstream sends when the
// connection's credentials were revoked. Reconnecting is pointless.
const CloseLoggedOut = 4001

// pongWait is how long the read loop tolerates silence before the read
// deadline fires; pings go out at a third of that.
const (
	pongWait     = 90 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

// envelope is the upstream wire format for one inbound message.
type envelope struct {
	ID             string   `json:"id"`
	Seq            int64    `json:"seq"`
	Sender         string   `json:"sender"`
	ConversationID string   `json:"conversation_id"`
	GroupID        string   `json:"group_id,omitempty"`
	Body           string   `json:"body"`
	Media          []string `json:"media,omitempty"`
	TimestampMS    int64    `json:"timestamp_ms"`
	Control        bool     `json:"control,omitempty"`
}

// outbound is the wire format for one delivered reply.
type outbound struct {
	ConversationID string   `json:"conversation_id"`
	Body           string   `json:"body"`
	Media          []string `json:"media,omitempty"`
	ReplyTo        string   `json:"reply_to,omitempty"`
	Thread         string   `json:"thread,omitempty"`
	Voice          bool     `json:"voice,omitempty"`
}

// Options configures one websocket channel.
type Options struct {
	URL       string
	AuthToken string
}

// Driver dials websocket sessions against one upstream URL.
type Driver struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	current *session // most recent open session, used for delivery
}

// New creates a websocket driver.
func New(opts Options, logger *slog.Logger) (*Driver, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("websocket driver requires a url")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{opts: opts, logger: logger.With("transport", "websocket")}, nil
}

// Open implements transport.Factory.
func (d *Driver) Open(ctx context.Context, onMessage transport.MessageHandler) (transport.Session, error) {
	header := http.Header{}
	if d.opts.AuthToken != "" {
		header.Set("Authorization", "Bearer "+d.opts.AuthToken)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, d.opts.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %w (status %d)", d.opts.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing %s: %w", d.opts.URL, err)
	}

	s := &session{
		driver: d,
		conn:   conn,
		done:   make(chan transport.CloseInfo, 1),
		stop:   make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go s.readLoop(onMessage)
	go s.pingLoop()

	d.mu.Lock()
	d.current = s
	d.mu.Unlock()

	d.logger.Info("websocket connected", "url", d.opts.URL)
	return s, nil
}

// Deliver writes one reply to the current session.
func (d *Driver) Deliver(ctx context.Context, conversationID, body string, media []string, replyTo, thread string, voice bool) error {
	d.mu.Lock()
	s := d.current
	d.mu.Unlock()
	if s == nil {
		return errors.New("websocket not connected")
	}
	return s.write(outbound{
		ConversationID: conversationID,
		Body:           body,
		Media:          media,
		ReplyTo:        replyTo,
		Thread:         thread,
		Voice:          voice,
	})
}

type session struct {
	driver *Driver
	conn   *websocket.Conn

	writeMu sync.Mutex

	done     chan transport.CloseInfo
	doneOnce sync.Once
	stop     chan struct{}
	stopOnce sync.Once
}

func (s *session) Done() <-chan transport.CloseInfo { return s.done }

func (s *session) SignalClose(reason string) {
	s.driver.logger.Warn("force-closing websocket", "reason", reason)
	s.closeConn()
}

func (s *session) Close() error {
	s.closeConn()
	return nil
}

func (s *session) closeConn() {
	s.stopOnce.Do(func() {
		close(s.stop)
		_ = s.conn.Close()
	})
}

func (s *session) readLoop(onMessage transport.MessageHandler) {
	defer s.closeConn()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.finish(err)
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.driver.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		onMessage(transport.RawMessage{
			ID:             env.ID,
			Seq:            env.Seq,
			Sender:         env.Sender,
			ConversationID: env.ConversationID,
			GroupID:        env.GroupID,
			Body:           env.Body,
			MediaRefs:      env.Media,
			Timestamp:      time.UnixMilli(env.TimestampMS),
			ControlCommand: env.Control,
		})
	}
}

func (s *session) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.writeMu.Unlock()
			if err != nil {
				s.driver.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *session) write(msg outbound) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("writing reply: %w", err)
	}
	return nil
}

func (s *session) finish(err error) {
	s.doneOnce.Do(func() {
		info := transport.CloseInfo{At: time.Now(), Err: err}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			info.StatusCode = closeErr.Code
			info.LoggedOut = closeErr.Code == CloseLoggedOut
		}
		s.done <- info
	})
}
