// ABOUTME: Bounded TTL guard for inbound message identities
// ABOUTME: Atomically checks and marks channel/conversation/message keys

package dedupe

import (
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultTTL is how long a message identity stays suspicious. Transports do
// not replay messages older than a reconnect window, so minutes suffice.
const DefaultTTL = 5 * time.Minute

// DefaultMaxEntries bounds guard memory per gateway.
const DefaultMaxEntries = 100_000

// Guard is a thread-safe seen-set over message identities. Size-bounded by
// LRU eviction and time-bounded by a TTL; whichever hits first wins.
type Guard struct {
	mu   sync.Mutex
	seen *lru.Cache[string, time.Time]
	ttl  time.Duration
	now  func() time.Time
}

// NewGuard creates a guard. Non-positive arguments fall back to the defaults.
func NewGuard(ttl time.Duration, maxEntries int) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	seen, _ := lru.New[string, time.Time](maxEntries)
	return &Guard{seen: seen, ttl: ttl, now: time.Now}
}

// Key builds the identity of one inbound message. The channel scopes message
// IDs that are only unique per transport.
func Key(channel, conversation, messageID string) string {
	return strings.Join([]string{channel, conversation, messageID}, "|")
}

// Seen atomically checks whether key was processed within the TTL and marks
// it either way. Returns true for a duplicate that must be dropped.
func (g *Guard) Seen(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if at, ok := g.seen.Get(key); ok && now.Sub(at) < g.ttl {
		return true
	}
	g.seen.Add(key, now)
	return false
}

// Len reports how many identities the guard currently tracks.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seen.Len()
}
