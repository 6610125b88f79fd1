// ABOUTME: Inbound coalescer merging bursts of raw messages per conversation key
// ABOUTME: Implements plain debounce, fragment reassembly, and media-group buffering

package coalesce

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/2389/relay-gateway/internal/transport"
)

// Key identifies one coalescing bucket. Flush ordering is only guaranteed
// within a single key.
type Key struct {
	Channel      string
	Account      string
	Conversation string
	Sender       string
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s|%s", k.Channel, k.Account, k.Conversation, k.Sender)
}

// Consolidated is one unit of work handed to the dispatcher: a burst of raw
// messages merged into a single logical inbound message.
type Consolidated struct {
	Key               Key
	Body              string
	MediaRefs         []string
	PrimaryTimestamp  time.Time
	MessageIDOverride string
}

// Handler receives consolidated units. Called with the coalescer's lock held
// to preserve per-key FIFO order; implementations must hand off quickly and
// never call back into the coalescer.
type Handler func(Consolidated)

// FragmentConfig controls reassembly of oversized messages that transports
// split at a hard size limit.
type FragmentConfig struct {
	StartThreshold int           // min chars for a message to open a sequence
	MaxIDGap       int64         // max sequence-id distance between parts
	MaxGap         time.Duration // max arrival spacing between parts
	MaxParts       int
	MaxTotalChars  int
}

// Config bundles the coalescer's merge policies.
type Config struct {
	DebounceWindow   time.Duration
	MaxEntries       int // bucket entry cap; reaching it forces a flush
	MaxCombinedChars int // bucket char cap; exceeding it forces a flush
	Fragment         FragmentConfig
	GroupSettle      time.Duration // quiescence window for media groups
}

// withDefaults fills zero fields with production defaults.
func (c Config) withDefaults() Config {
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = 2 * time.Second
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 10
	}
	if c.MaxCombinedChars <= 0 {
		c.MaxCombinedChars = 8000
	}
	if c.Fragment.StartThreshold <= 0 {
		c.Fragment.StartThreshold = 4000
	}
	if c.Fragment.MaxIDGap <= 0 {
		c.Fragment.MaxIDGap = 2
	}
	if c.Fragment.MaxGap <= 0 {
		c.Fragment.MaxGap = 4 * time.Second
	}
	if c.Fragment.MaxParts <= 0 {
		c.Fragment.MaxParts = 8
	}
	if c.Fragment.MaxTotalChars <= 0 {
		c.Fragment.MaxTotalChars = 64000
	}
	if c.GroupSettle <= 0 {
		c.GroupSettle = time.Second
	}
	return c
}

// bucket buffers debounced entries for one key. At most one live timer.
type bucket struct {
	entries []transport.RawMessage
	chars   int
	timer   *time.Timer
	gen     uint64 // invalidates stale timer callbacks after a flush
}

// fragmentBuffer holds an in-progress oversized-message sequence.
type fragmentBuffer struct {
	parts   []string
	chars   int
	lastSeq int64
	lastAt  time.Time
	first   transport.RawMessage
	last    transport.RawMessage
	timer   *time.Timer
	gen     uint64
}

// groupBucket buffers one media group until it goes quiet.
type groupBucket struct {
	entries []transport.RawMessage
	timer   *time.Timer
	gen     uint64
}

type groupKey struct {
	key     Key
	groupID string
}

// Coalescer merges bursts of inbound raw messages into consolidated units.
// One instance serves all keys of a gateway; all state is instance-scoped so
// multiple accounts can run isolated coalescers in-process.
type Coalescer struct {
	mu        sync.Mutex
	cfg       Config
	emit      Handler
	logger    *slog.Logger
	buckets   map[Key]*bucket
	fragments map[Key]*fragmentBuffer
	groups    map[groupKey]*groupBucket
	closed    bool
}

// New creates a coalescer that hands consolidated units to emit.
func New(cfg Config, emit Handler, logger *slog.Logger) *Coalescer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coalescer{
		cfg:       cfg.withDefaults(),
		emit:      emit,
		logger:    logger.With("component", "coalescer"),
		buckets:   make(map[Key]*bucket),
		fragments: make(map[Key]*fragmentBuffer),
		groups:    make(map[groupKey]*groupBucket),
	}
}

// Ingest routes one raw message through the merge policies. Media groups are
// checked first, then fragment reassembly, then the plain debounce path.
func (c *Coalescer) Ingest(key Key, msg transport.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	if msg.GroupID != "" {
		c.ingestGroup(key, msg)
		return
	}

	if c.ingestFragment(key, msg) {
		return
	}

	c.ingestDebounce(key, msg)
}

// Close cancels all pending timers. Buffered entries are dropped; the
// coalescer is transient by design.
func (c *Coalescer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, b := range c.buckets {
		if b.timer != nil {
			b.timer.Stop()
		}
	}
	for _, f := range c.fragments {
		if f.timer != nil {
			f.timer.Stop()
		}
	}
	for _, g := range c.groups {
		if g.timer != nil {
			g.timer.Stop()
		}
	}
	c.buckets = make(map[Key]*bucket)
	c.fragments = make(map[Key]*fragmentBuffer)
	c.groups = make(map[groupKey]*groupBucket)
}

// --- plain debounce ---

// shouldDebounce reports whether an entry may be held in the debounce window:
// text-only, non-empty, and not a control command. Control commands must
// never be delayed.
func (c *Coalescer) shouldDebounce(msg transport.RawMessage) bool {
	if len(msg.MediaRefs) > 0 {
		return false
	}
	body := strings.TrimSpace(msg.Body)
	if body == "" {
		return false
	}
	if msg.ControlCommand || strings.HasPrefix(body, "/") {
		return false
	}
	return true
}

// ingestDebounce buffers debounceable entries and flushes everything else
// immediately (prepending any buffered text). Must be called with the lock.
func (c *Coalescer) ingestDebounce(key Key, msg transport.RawMessage) {
	if !c.shouldDebounce(msg) {
		c.flushWith(key, msg)
		return
	}

	b := c.buckets[key]
	if b == nil {
		b = &bucket{}
		c.buckets[key] = b
	}

	b.entries = append(b.entries, msg)
	b.chars += len(msg.Body)

	// Caps are the only backpressure valve: overflowing the bucket flushes
	// early instead of buffering without bound.
	if len(b.entries) >= c.cfg.MaxEntries || b.chars >= c.cfg.MaxCombinedChars {
		c.flushBucket(key)
		return
	}

	b.gen++
	gen := b.gen
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(c.cfg.DebounceWindow, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		cur := c.buckets[key]
		if c.closed || cur == nil || cur.gen != gen {
			return
		}
		c.flushBucket(key)
	})
}

// flushBucket drains a key's bucket into one consolidated unit. With a single
// entry the message passes through unmodified; with more, bodies are joined
// with newlines, metadata comes from the first entry and timestamp/id from
// the last. Must be called with the lock held.
func (c *Coalescer) flushBucket(key Key) {
	b := c.buckets[key]
	if b == nil || len(b.entries) == 0 {
		delete(c.buckets, key)
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	delete(c.buckets, key)

	first := b.entries[0]
	last := b.entries[len(b.entries)-1]

	unit := Consolidated{
		Key:              key,
		PrimaryTimestamp: last.Timestamp,
	}
	if len(b.entries) == 1 {
		unit.Body = first.Body
		unit.MediaRefs = first.MediaRefs
		unit.MessageIDOverride = first.ID
	} else {
		bodies := make([]string, 0, len(b.entries))
		for _, e := range b.entries {
			bodies = append(bodies, e.Body)
		}
		unit.Body = strings.Join(bodies, "\n")
		unit.MessageIDOverride = last.ID
	}
	c.emit(unit)
}

// flushWith drains the bucket and emits the triggering non-debounceable
// message in the same unit, with buffered text prepended. Must be called
// with the lock held.
func (c *Coalescer) flushWith(key Key, msg transport.RawMessage) {
	var prefix []string
	if b := c.buckets[key]; b != nil {
		if b.timer != nil {
			b.timer.Stop()
		}
		for _, e := range b.entries {
			prefix = append(prefix, e.Body)
		}
		delete(c.buckets, key)
	}

	body := msg.Body
	if len(prefix) > 0 {
		joined := strings.Join(prefix, "\n")
		if body != "" {
			body = joined + "\n" + body
		} else {
			body = joined
		}
	}

	// Nothing to say and nothing attached: no unit.
	if strings.TrimSpace(body) == "" && len(msg.MediaRefs) == 0 {
		return
	}

	c.emit(Consolidated{
		Key:               key,
		Body:              body,
		MediaRefs:         msg.MediaRefs,
		PrimaryTimestamp:  msg.Timestamp,
		MessageIDOverride: msg.ID,
	})
}

// --- fragment reassembly ---

// ingestFragment handles the oversized-message path. Returns true when the
// message was consumed (buffered or dropped); false sends it down the plain
// debounce path. Must be called with the lock held.
func (c *Coalescer) ingestFragment(key Key, msg transport.RawMessage) bool {
	fc := c.cfg.Fragment

	if len(msg.Body) > fc.MaxTotalChars {
		// A single part larger than the whole-message cap is malformed.
		// Drop it without touching any buffered state.
		c.logger.Warn("dropping oversized fragment",
			"key", key.String(), "size", len(msg.Body), "limit", fc.MaxTotalChars)
		return true
	}

	f := c.fragments[key]
	if f == nil {
		if len(msg.Body) < fc.StartThreshold || len(msg.MediaRefs) > 0 {
			return false
		}
		c.startFragment(key, msg)
		return true
	}

	// An open sequence exists. Append only when the follow-on looks like a
	// truncation artifact of the same logical message.
	idGap := msg.Seq - f.lastSeq
	timeGap := msg.Timestamp.Sub(f.lastAt)
	fits := idGap > 0 && idGap <= fc.MaxIDGap &&
		timeGap >= 0 && timeGap <= fc.MaxGap &&
		len(f.parts) < fc.MaxParts &&
		f.chars+len(msg.Body) <= fc.MaxTotalChars &&
		len(msg.MediaRefs) == 0

	if !fits {
		// Flush the buffered sequence first to preserve ordering, then
		// evaluate the new message on its own.
		c.flushFragment(key)
		if len(msg.Body) >= fc.StartThreshold && len(msg.MediaRefs) == 0 {
			c.startFragment(key, msg)
			return true
		}
		return false
	}

	f.parts = append(f.parts, msg.Body)
	f.chars += len(msg.Body)
	f.lastSeq = msg.Seq
	f.lastAt = msg.Timestamp
	f.last = msg

	if len(msg.Body) < fc.StartThreshold {
		// A short part is the tail of the logical message.
		c.flushFragment(key)
		return true
	}
	c.armFragmentTimer(key, f)
	return true
}

// startFragment opens a new sequence for a message at or above the size
// threshold. Must be called with the lock held.
func (c *Coalescer) startFragment(key Key, msg transport.RawMessage) {
	f := &fragmentBuffer{
		parts:   []string{msg.Body},
		chars:   len(msg.Body),
		lastSeq: msg.Seq,
		lastAt:  msg.Timestamp,
		first:   msg,
		last:    msg,
	}
	c.fragments[key] = f
	c.armFragmentTimer(key, f)
}

// armFragmentTimer (re)starts the sequence's quiescence timer. Must be called
// with the lock held.
func (c *Coalescer) armFragmentTimer(key Key, f *fragmentBuffer) {
	f.gen++
	gen := f.gen
	if f.timer != nil {
		f.timer.Stop()
	}
	f.timer = time.AfterFunc(c.cfg.Fragment.MaxGap, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		cur := c.fragments[key]
		if c.closed || cur == nil || cur.gen != gen {
			return
		}
		c.flushFragment(key)
	})
}

// flushFragment concatenates the buffered parts with no separator (they are
// truncation artifacts of one message, not separate utterances) and feeds the
// result back through the plain debounce path as a synthetic message. Must be
// called with the lock held.
func (c *Coalescer) flushFragment(key Key) {
	f := c.fragments[key]
	if f == nil {
		return
	}
	if f.timer != nil {
		f.timer.Stop()
	}
	delete(c.fragments, key)

	merged := f.first
	merged.Body = strings.Join(f.parts, "")
	merged.ID = f.last.ID
	merged.Seq = f.last.Seq
	merged.Timestamp = f.last.Timestamp

	c.ingestDebounce(key, merged)
}

// --- media groups ---

// ingestGroup buffers a message belonging to a shared media group and re-arms
// the group's quiescence timer. Must be called with the lock held.
func (c *Coalescer) ingestGroup(key Key, msg transport.RawMessage) {
	gk := groupKey{key: key, groupID: msg.GroupID}
	g := c.groups[gk]
	if g == nil {
		g = &groupBucket{}
		c.groups[gk] = g
	}
	g.entries = append(g.entries, msg)

	g.gen++
	gen := g.gen
	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = time.AfterFunc(c.cfg.GroupSettle, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		cur := c.groups[gk]
		if c.closed || cur == nil || cur.gen != gen {
			return
		}
		c.flushGroup(gk)
	})
}

// flushGroup sorts the settled group by sequence id, picks the first
// captioned entry as primary, and emits one unit carrying all media. Must be
// called with the lock held.
func (c *Coalescer) flushGroup(gk groupKey) {
	g := c.groups[gk]
	if g == nil || len(g.entries) == 0 {
		delete(c.groups, gk)
		return
	}
	if g.timer != nil {
		g.timer.Stop()
	}
	delete(c.groups, gk)

	entries := g.entries
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Seq < entries[j].Seq
	})

	primary := entries[0]
	for _, e := range entries {
		if strings.TrimSpace(e.Body) != "" {
			primary = e
			break
		}
	}

	var media []string
	for _, e := range entries {
		media = append(media, e.MediaRefs...)
	}

	c.emit(Consolidated{
		Key:               gk.key,
		Body:              primary.Body,
		MediaRefs:         media,
		PrimaryTimestamp:  entries[len(entries)-1].Timestamp,
		MessageIDOverride: primary.ID,
	})
}
