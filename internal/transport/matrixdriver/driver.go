// ABOUTME: Matrix transport driver built on mautrix
// ABOUTME: Adapts homeserver sync streams to supervised transport sessions

package matrixdriver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/relay-gateway/internal/transport"
)

// Options configures one Matrix channel.
type Options struct {
	Homeserver   string
	UserID       string
	AccessToken  string
	AllowedRooms []string
}

// Driver opens Matrix sync sessions. Each Open builds a fresh sync client so
// handler registrations never accumulate across reconnects; a separate
// long-lived client serves outbound sends.
type Driver struct {
	opts   Options
	sender *mautrix.Client
	logger *slog.Logger
}

// New creates a Matrix driver.
func New(opts Options, logger *slog.Logger) (*Driver, error) {
	if opts.Homeserver == "" || opts.UserID == "" || opts.AccessToken == "" {
		return nil, fmt.Errorf("matrix driver requires homeserver, user_id, and access_token")
	}
	if logger == nil {
		logger = slog.Default()
	}
	sender, err := mautrix.NewClient(opts.Homeserver, id.UserID(opts.UserID), opts.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return &Driver{opts: opts, sender: sender, logger: logger.With("transport", "matrix")}, nil
}

// Open implements transport.Factory.
func (d *Driver) Open(ctx context.Context, onMessage transport.MessageHandler) (transport.Session, error) {
	client, err := mautrix.NewClient(d.opts.Homeserver, id.UserID(d.opts.UserID), d.opts.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	syncer, ok := client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return nil, fmt.Errorf("unexpected syncer type: %T", client.Syncer)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	s := &session{
		driver:  d,
		client:  client,
		cancel:  cancel,
		started: time.Now(),
		done:    make(chan transport.CloseInfo, 1),
	}

	syncer.OnEventType(event.EventMessage, func(_ context.Context, evt *event.Event) {
		s.handleEvent(evt, onMessage)
	})

	go func() {
		err := client.SyncWithContext(sessCtx)
		s.finish(err)
	}()

	d.logger.Info("matrix sync started", "homeserver", d.opts.Homeserver, "user_id", d.opts.UserID)
	return s, nil
}

type session struct {
	driver  *Driver
	client  *mautrix.Client
	cancel  context.CancelFunc
	started time.Time

	done     chan transport.CloseInfo
	doneOnce sync.Once
}

func (s *session) Done() <-chan transport.CloseInfo { return s.done }

// SignalClose implements transport.Session. The watchdog uses it to abort a
// stalled sync; the reconnect loop then opens a fresh session.
func (s *session) SignalClose(reason string) {
	s.driver.logger.Warn("force-closing matrix sync", "reason", reason)
	s.cancel()
}

func (s *session) Close() error {
	s.cancel()
	return nil
}

func (s *session) finish(err error) {
	s.doneOnce.Do(func() {
		info := transport.CloseInfo{At: time.Now()}
		if err != nil && !errors.Is(err, context.Canceled) {
			info.Err = err
			info.LoggedOut = errors.Is(err, mautrix.MUnknownToken)
			var httpErr mautrix.HTTPError
			if errors.As(err, &httpErr) && httpErr.Response != nil {
				info.StatusCode = httpErr.Response.StatusCode
			}
		}
		s.done <- info
	})
}

func (s *session) handleEvent(evt *event.Event, onMessage transport.MessageHandler) {
	// Our own echoes and pre-connect history are not inbound traffic.
	if evt.Sender == id.UserID(s.driver.opts.UserID) {
		return
	}
	if time.UnixMilli(evt.Timestamp).Before(s.started) {
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}

	roomID := evt.RoomID.String()
	if !s.driver.roomAllowed(roomID) {
		s.driver.logger.Debug("ignoring message from non-allowed room", "room", roomID)
		return
	}

	msg := transport.RawMessage{
		ID:             evt.ID.String(),
		Seq:            evt.Timestamp,
		Sender:         evt.Sender.String(),
		ConversationID: roomID,
		Timestamp:      time.UnixMilli(evt.Timestamp),
	}

	switch content.MsgType {
	case event.MsgText, event.MsgNotice:
		msg.Body = content.Body
		msg.ControlCommand = strings.HasPrefix(content.Body, "!")
	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
		msg.Body = content.Body
		if content.URL != "" {
			msg.MediaRefs = []string{string(content.URL)}
		}
	default:
		return
	}

	onMessage(msg)
}

func (d *Driver) roomAllowed(roomID string) bool {
	if len(d.opts.AllowedRooms) == 0 {
		return true
	}
	for _, allowed := range d.opts.AllowedRooms {
		if allowed == roomID {
			return true
		}
	}
	return false
}

// Deliver sends one reply text to a Matrix room.
func (d *Driver) Deliver(ctx context.Context, roomID string, text string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := d.sender.SendText(ctx, id.RoomID(roomID), text)
	if err != nil {
		return fmt.Errorf("sending to room %s: %w", roomID, err)
	}
	return nil
}
