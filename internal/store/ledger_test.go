// ABOUTME: Tests for the SQLite connection-transition ledger
// ABOUTME: Covers schema creation, non-blocking publish, ordering, and channel filtering

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/supervisor"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := NewLedger(filepath.Join(t.TempDir(), "relay", "gateway.db"))
	require.NoError(t, err, "parent directories are created as needed")
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func waitForRows(t *testing.T, l *Ledger, channel string, want int) []Transition {
	t.Helper()
	var rows []Transition
	require.Eventually(t, func() bool {
		var err error
		rows, err = l.Recent(context.Background(), channel, 0)
		require.NoError(t, err)
		return len(rows) == want
	}, 2*time.Second, 10*time.Millisecond, "expected %d transitions for %q", want, channel)
	return rows
}

func TestLedger_RecordsPublishedTransitions(t *testing.T) {
	l := newTestLedger(t)

	l.Publish(supervisor.Status{Channel: "telegram", Connected: true})
	l.Publish(supervisor.Status{
		Channel:           "telegram",
		Connected:         false,
		ReconnectAttempts: 2,
		LastDisconnect: &supervisor.Disconnect{
			StatusCode: 1006,
			Error:      "abnormal closure",
		},
	})

	rows := waitForRows(t, l, "telegram", 2)

	// Newest first.
	assert.False(t, rows[0].Connected)
	assert.Equal(t, 2, rows[0].ReconnectAttempts)
	assert.Equal(t, 1006, rows[0].StatusCode)
	assert.Equal(t, "abnormal closure", rows[0].Error)
	assert.True(t, rows[1].Connected)
	assert.False(t, rows[1].At.IsZero())
}

func TestLedger_RecentFiltersByChannel(t *testing.T) {
	l := newTestLedger(t)

	l.Publish(supervisor.Status{Channel: "telegram", Connected: true})
	l.Publish(supervisor.Status{Channel: "matrix", Connected: true})

	waitForRows(t, l, "", 2)
	rows := waitForRows(t, l, "matrix", 1)
	assert.Equal(t, "matrix", rows[0].Channel)
}

func TestLedger_RecordsLoggedOutDisconnect(t *testing.T) {
	l := newTestLedger(t)

	l.Publish(supervisor.Status{
		Channel:   "telegram",
		Connected: false,
		LastDisconnect: &supervisor.Disconnect{
			StatusCode: 401,
			Error:      "unauthorized",
			LoggedOut:  true,
		},
	})

	rows := waitForRows(t, l, "telegram", 1)
	assert.True(t, rows[0].LoggedOut)
	assert.Equal(t, 401, rows[0].StatusCode)
}

func TestLedger_RecentLimit(t *testing.T) {
	l := newTestLedger(t)

	for i := 0; i < 5; i++ {
		l.Publish(supervisor.Status{Channel: "telegram", Connected: i%2 == 0, ReconnectAttempts: i})
	}
	waitForRows(t, l, "telegram", 5)

	rows, err := l.Recent(context.Background(), "telegram", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 4, rows[0].ReconnectAttempts, "newest transition first")
}

func TestLedger_PublishNeverBlocks(t *testing.T) {
	l := newTestLedger(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < publishBuffer*4; i++ {
			l.Publish(supervisor.Status{Channel: "flood", Connected: true})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked under load")
	}
}

func TestLedger_CloseIsIdempotent(t *testing.T) {
	l, err := NewLedger(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)

	require.NoError(t, l.Close())
	assert.NotPanics(t, func() { _ = l.Close() })
}

func TestLedger_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.db")

	l, err := NewLedger(path)
	require.NoError(t, err)
	l.Publish(supervisor.Status{Channel: "telegram", Connected: true})
	waitForRows(t, l, "telegram", 1)
	require.NoError(t, l.Flush(context.Background()))
	require.NoError(t, l.Close())

	reopened, err := NewLedger(path)
	require.NoError(t, err)
	defer reopened.Close()

	rows, err := reopened.Recent(context.Background(), "telegram", 0)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
