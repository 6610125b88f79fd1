// ABOUTME: Tests for the compaction-retry gate
// ABOUTME: Covers quiet semantics, paired Begin/Resume counting, and ctx cancellation

package reply

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_QuietByDefault(t *testing.T) {
	g := NewGate()
	assert.True(t, g.Idle())
	require.NoError(t, g.Wait(context.Background()))
}

func TestGate_BeginBlocksUntilResume(t *testing.T) {
	g := NewGate()
	g.Begin()
	assert.False(t, g.Idle())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.Wait(ctx), context.DeadlineExceeded)

	g.Resume()
	assert.True(t, g.Idle())
	require.NoError(t, g.Wait(context.Background()))
}

func TestGate_EachBeginNeedsAResume(t *testing.T) {
	g := NewGate()
	g.Begin()
	g.Begin()
	assert.Equal(t, 2, g.Pending())

	g.Resume()
	assert.False(t, g.Idle(), "one resume cannot clear two pending retries")

	g.Resume()
	assert.True(t, g.Idle())
	require.NoError(t, g.Wait(context.Background()))
}

func TestGate_SpuriousResumeIgnored(t *testing.T) {
	g := NewGate()
	g.Resume()
	assert.True(t, g.Idle())
	assert.Equal(t, 0, g.Pending())
}

func TestGate_WaitUnblocksWaiters(t *testing.T) {
	g := NewGate()
	g.Begin()

	done := make(chan error, 1)
	go func() { done <- g.Wait(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	g.Resume()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter never released after resume")
	}
}
