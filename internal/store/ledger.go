// ABOUTME: SQLite ledger of connection state transitions using modernc.org/sqlite
// ABOUTME: Implements the supervisor status sink with non-blocking buffered writes

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/relay-gateway/internal/supervisor"
)

// Transition is one recorded supervisor status change.
type Transition struct {
	ID                int64
	Channel           string
	Connected         bool
	ReconnectAttempts int
	StatusCode        int
	Error             string
	LoggedOut         bool
	At                time.Time
}

// Ledger persists supervisor transitions to SQLite. It implements
// supervisor.StatusSink; Publish enqueues and returns immediately.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger

	queue chan supervisor.Status
	done  chan struct{}

	closeOnce sync.Once
}

// publishBuffer bounds how many transitions may be in flight before new
// ones are dropped. Dropping is preferable to stalling a supervisor.
const publishBuffer = 256

// NewLedger opens (or creates) the ledger at path. The schema is created if
// it doesn't exist and parent directories are created as needed.
func NewLedger(path string) (*Ledger, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL keeps reads cheap while the writer goroutine inserts.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	l := &Ledger{
		db:     db,
		logger: logger,
		queue:  make(chan supervisor.Status, publishBuffer),
		done:   make(chan struct{}),
	}

	if err := l.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	go l.writeLoop()

	logger.Info("connection ledger initialized", "path", path)
	return l, nil
}

func (l *Ledger) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS connection_transitions (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			channel            TEXT NOT NULL,
			connected          INTEGER NOT NULL,
			reconnect_attempts INTEGER NOT NULL,
			status_code        INTEGER NOT NULL DEFAULT 0,
			error              TEXT NOT NULL DEFAULT '',
			logged_out         INTEGER NOT NULL DEFAULT 0,
			at                 TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_transitions_channel_at
			ON connection_transitions(channel, at);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Publish implements supervisor.StatusSink. It never blocks: when the write
// queue is full the transition is dropped and counted against the log.
func (l *Ledger) Publish(status supervisor.Status) {
	select {
	case l.queue <- status:
	case <-l.done:
	default:
		l.logger.Warn("ledger queue full, dropping transition", "channel", status.Channel)
	}
}

func (l *Ledger) writeLoop() {
	for {
		select {
		case status := <-l.queue:
			l.record(status)
		case <-l.done:
			// Drain what was queued before close.
			for {
				select {
				case status := <-l.queue:
					l.record(status)
				default:
					return
				}
			}
		}
	}
}

func (l *Ledger) record(status supervisor.Status) {
	var (
		statusCode int
		errText    string
		loggedOut  bool
	)
	if d := status.LastDisconnect; d != nil {
		statusCode = d.StatusCode
		errText = d.Error
		loggedOut = d.LoggedOut
	}

	_, err := l.db.Exec(`
		INSERT INTO connection_transitions
			(channel, connected, reconnect_attempts, status_code, error, logged_out, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		status.Channel,
		status.Connected,
		status.ReconnectAttempts,
		statusCode,
		errText,
		loggedOut,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		l.logger.Error("recording transition", "channel", status.Channel, "error", err)
	}
}

// Recent returns the newest transitions for a channel, newest first. An
// empty channel matches all channels. Limit defaults to 100.
func (l *Ledger) Recent(ctx context.Context, channel string, limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, channel, connected, reconnect_attempts, status_code, error, logged_out, at
		FROM connection_transitions
		WHERE (? = '' OR channel = ?)
		ORDER BY id DESC
		LIMIT ?`,
		channel, channel, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying transitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Transition
	for rows.Next() {
		var tr Transition
		var atStr string
		if err := rows.Scan(
			&tr.ID,
			&tr.Channel,
			&tr.Connected,
			&tr.ReconnectAttempts,
			&tr.StatusCode,
			&tr.Error,
			&tr.LoggedOut,
			&atStr,
		); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		tr.At, err = time.Parse(time.RFC3339Nano, atStr)
		if err != nil {
			return nil, fmt.Errorf("parsing transition timestamp: %w", err)
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transitions: %w", err)
	}
	return out, nil
}

// Flush blocks until every transition queued before the call is written or
// ctx is done. Intended for tests and orderly shutdown.
func (l *Ledger) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(l.queue) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops the writer goroutine and closes the database. Safe to call
// multiple times.
func (l *Ledger) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return l.db.Close()
}
