// ABOUTME: Compaction-retry gate pausing dispatch for a conversation
// ABOUTME: Resolves only when no retry is pending and no compaction is in flight

package reply

import (
	"context"
	"sync"
)

// Gate coordinates context-compaction retries for one conversation. Begin is
// called when a run signals that compaction forced a retry; Resume when the
// retried run starts producing output again. Wait blocks new dispatch until
// the gate is quiet: zero pending retries and nothing in flight.
type Gate struct {
	mu       sync.Mutex
	pending  int
	inFlight bool
	quiet    chan struct{} // closed while the gate is quiet
}

// NewGate returns a quiet gate.
func NewGate() *Gate {
	g := &Gate{quiet: make(chan struct{})}
	close(g.quiet)
	return g
}

// Begin records a compaction retry. The gate stops being quiet until a
// matching Resume brings the pending count back to zero.
func (g *Gate) Begin() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == 0 && !g.inFlight {
		g.quiet = make(chan struct{})
	}
	g.pending++
	g.inFlight = true
}

// Resume marks the retried run as producing output again. Extra calls on a
// quiet gate are ignored.
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == 0 && !g.inFlight {
		return
	}
	g.inFlight = false
	if g.pending > 0 {
		g.pending--
	}
	if g.pending == 0 {
		close(g.quiet)
	}
}

// Wait blocks until the gate is quiet or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.quiet
	g.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// Pending returns the number of outstanding compaction retries.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending
}

// Idle reports whether the gate is quiet.
func (g *Gate) Idle() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending == 0 && !g.inFlight
}
