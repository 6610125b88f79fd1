// ABOUTME: Connection supervisor keeping one transport session alive per channel
// ABOUTME: Reconnects with bounded exponential backoff and watchdogs silent stalls

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/2389/relay-gateway/internal/transport"
)

// ErrLoggedOut indicates the transport reported a fatal authentication loss.
// The supervisor stops permanently; an operator must re-authenticate.
var ErrLoggedOut = errors.New("transport logged out")

// ErrBackoffExhausted indicates the reconnect attempt cap was reached. The
// supervisor stops in a degraded state instead of retrying forever.
var ErrBackoffExhausted = errors.New("reconnect attempts exhausted")

// BackoffPolicy controls reconnect delays: Initial * Factor^attempts,
// capped at Max. MaxAttempts <= 0 means retry forever.
type BackoffPolicy struct {
	Initial     time.Duration
	Max         time.Duration
	Factor      float64
	MaxAttempts int
}

// Policy bundles the supervisor's timing knobs.
type Policy struct {
	HeartbeatInterval time.Duration // liveness log cadence while connected
	WatchdogInterval  time.Duration // how often the silent-stall check runs
	WatchdogTimeout   time.Duration // max message silence before force-close
	Backoff           BackoffPolicy
}

// withDefaults fills zero fields with production defaults.
func (p Policy) withDefaults() Policy {
	if p.HeartbeatInterval <= 0 {
		p.HeartbeatInterval = 5 * time.Minute
	}
	if p.WatchdogInterval <= 0 {
		p.WatchdogInterval = time.Minute
	}
	if p.WatchdogTimeout <= 0 {
		p.WatchdogTimeout = 10 * time.Minute
	}
	if p.Backoff.Initial <= 0 {
		p.Backoff.Initial = time.Second
	}
	if p.Backoff.Max <= 0 {
		p.Backoff.Max = 5 * time.Minute
	}
	if p.Backoff.Factor <= 1 {
		p.Backoff.Factor = 2
	}
	return p
}

// delay computes the backoff slept after the attempt counter has been
// incremented to n: Initial * Factor^n, capped at Max.
func (b BackoffPolicy) delay(attempt int) time.Duration {
	d := float64(b.Initial) * math.Pow(b.Factor, float64(attempt))
	if d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// Disconnect captures the most recent session close.
type Disconnect struct {
	At         time.Time
	StatusCode int
	Error      string
	LoggedOut  bool
}

// Status is a snapshot of the supervisor's connection state. It is pushed to
// every StatusSink after each transition and readable at any time via
// Supervisor.Status.
type Status struct {
	Channel           string
	Running           bool
	Connected         bool
	ReconnectAttempts int
	LastConnectedAt   time.Time
	LastDisconnect    *Disconnect
	LastMessageAt     time.Time
	LastEventAt       time.Time
	LastError         string
}

// StatusSink receives status snapshots. Implementations must not block.
type StatusSink interface {
	Publish(status Status)
}

// SinkFunc adapts a function to the StatusSink interface.
type SinkFunc func(Status)

func (f SinkFunc) Publish(status Status) { f(status) }

// Supervisor wraps a transport factory in a reconnect loop. All status
// mutation happens on the Run goroutine; the mutex only guards snapshot reads
// and the message-arrival timestamp written by the transport's read loop.
type Supervisor struct {
	channel string
	policy  Policy
	factory transport.Factory
	handler transport.MessageHandler
	sinks   []StatusSink
	logger  *slog.Logger

	mu     sync.Mutex
	status Status
}

// New creates a supervisor for one channel. The handler receives every live
// raw message; sinks receive a status snapshot after every transition.
func New(channel string, factory transport.Factory, policy Policy, handler transport.MessageHandler, logger *slog.Logger, sinks ...StatusSink) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		channel: channel,
		policy:  policy.withDefaults(),
		factory: factory,
		handler: handler,
		sinks:   sinks,
		logger:  logger.With("component", "supervisor", "channel", channel),
		status:  Status{Channel: channel},
	}
}

// Status returns a copy of the current connection status.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Run drives the connect/reconnect loop until ctx is cancelled or a terminal
// state is reached. Terminal states are reported as ErrLoggedOut or
// ErrBackoffExhausted; everything else is recovered locally.
func (s *Supervisor) Run(ctx context.Context) error {
	s.update(func(st *Status) { st.Running = true })
	defer s.update(func(st *Status) { st.Running = false })

	// Connected stretch of the previous session, used for the
	// healthy-stretch reset of the attempt counter.
	var priorStretch time.Duration

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.logger.Info("connecting",
			"attempt", s.Status().ReconnectAttempts)

		session, err := s.factory.Open(ctx, s.onMessage)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.update(func(st *Status) {
				st.Connected = false
				st.LastError = err.Error()
				st.LastEventAt = time.Now()
			})
			if done, serr := s.scheduleRetry(ctx, err.Error()); done {
				return serr
			}
			continue
		}

		connectedAt := time.Now()
		s.update(func(st *Status) {
			st.Connected = true
			st.LastConnectedAt = connectedAt
			st.LastEventAt = connectedAt
			st.LastError = ""
			// A long healthy stretch before the last disconnect means the
			// link is fundamentally fine; don't let one flap max out backoff.
			if priorStretch > s.policy.HeartbeatInterval {
				st.ReconnectAttempts = 0
			}
		})
		s.logger.Info("connected")

		info := s.superviseSession(ctx, session, connectedAt)
		priorStretch = info.At.Sub(connectedAt)

		s.update(func(st *Status) {
			st.Connected = false
			st.LastDisconnect = &Disconnect{
				At:         info.At,
				StatusCode: info.StatusCode,
				Error:      errString(info.Err),
				LoggedOut:  info.LoggedOut,
			}
			st.LastEventAt = info.At
			st.LastError = errString(info.Err)
		})

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if info.LoggedOut {
			s.logger.Error("logged out, stopping permanently",
				"status_code", info.StatusCode)
			return ErrLoggedOut
		}

		s.logger.Warn("disconnected",
			"status_code", info.StatusCode,
			"error", errString(info.Err),
			"uptime", priorStretch)

		if done, serr := s.scheduleRetry(ctx, errString(info.Err)); done {
			return serr
		}
	}
}

// superviseSession runs heartbeat and watchdog timers against a live session
// and returns its CloseInfo. On ctx cancellation the session is closed and a
// synthetic CloseInfo is returned.
func (s *Supervisor) superviseSession(ctx context.Context, session transport.Session, connectedAt time.Time) transport.CloseInfo {
	heartbeat := time.NewTicker(s.policy.HeartbeatInterval)
	defer heartbeat.Stop()
	watchdog := time.NewTicker(s.policy.WatchdogInterval)
	defer watchdog.Stop()

	forced := false

	for {
		select {
		case <-ctx.Done():
			_ = session.Close()
			return transport.CloseInfo{At: time.Now(), Err: ctx.Err()}

		case <-heartbeat.C:
			st := s.Status()
			s.logger.Info("heartbeat",
				"uptime", time.Since(connectedAt),
				"last_message_at", st.LastMessageAt)

		case <-watchdog.C:
			if forced {
				continue
			}
			last := s.lastActivity(connectedAt)
			silence := time.Since(last)
			if silence <= s.policy.WatchdogTimeout {
				continue
			}
			// The transport raised no error but nothing has arrived for too
			// long: treat the session as dead and force the reconnect path.
			forced = true
			s.logger.Warn("watchdog timeout, force-closing session",
				"silence", silence)
			s.update(func(st *Status) { st.LastEventAt = time.Now() })
			session.SignalClose(fmt.Sprintf("watchdog: no messages for %s", silence.Truncate(time.Second)))

		case info, ok := <-session.Done():
			if !ok {
				info = transport.CloseInfo{At: time.Now(), Err: errors.New("session closed without close info")}
			}
			if info.At.IsZero() {
				info.At = time.Now()
			}
			return info
		}
	}
}

// scheduleRetry increments the attempt counter, checks the cap, and sleeps
// the backoff delay. Returns done=true with the terminal error when the loop
// must stop.
func (s *Supervisor) scheduleRetry(ctx context.Context, cause string) (bool, error) {
	var attempts int
	s.update(func(st *Status) {
		st.ReconnectAttempts++
		attempts = st.ReconnectAttempts
	})

	if max := s.policy.Backoff.MaxAttempts; max > 0 && attempts >= max {
		s.logger.Error("reconnect attempts exhausted, giving up",
			"attempts", attempts, "cause", cause)
		return true, ErrBackoffExhausted
	}

	delay := s.policy.Backoff.delay(attempts)
	s.logger.Info("reconnect scheduled",
		"attempt", attempts, "delay", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-timer.C:
		return false, nil
	}
}

// onMessage stamps arrival time and forwards the message downstream.
func (s *Supervisor) onMessage(msg transport.RawMessage) {
	now := time.Now()
	s.mu.Lock()
	s.status.LastMessageAt = now
	s.status.LastEventAt = now
	s.mu.Unlock()

	if s.handler != nil {
		s.handler(msg)
	}
}

// lastActivity returns the baseline for the watchdog silence check: the last
// message if any arrived this session, otherwise the connect time.
func (s *Supervisor) lastActivity(connectedAt time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.LastMessageAt.After(connectedAt) {
		return s.status.LastMessageAt
	}
	return connectedAt
}

// update mutates the status under the lock and publishes a snapshot to all
// sinks.
func (s *Supervisor) update(mutate func(*Status)) {
	s.mu.Lock()
	mutate(&s.status)
	snapshot := s.status
	s.mu.Unlock()

	for _, sink := range s.sinks {
		sink.Publish(snapshot)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
