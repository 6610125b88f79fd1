// ABOUTME: Gateway orchestrator connecting supervisors, coalescer, dispatcher, and reply processing
// ABOUTME: Maintains per-conversation FIFO queues and compaction gates

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/relay-gateway/internal/coalesce"
	"github.com/2389/relay-gateway/internal/dedupe"
	"github.com/2389/relay-gateway/internal/dispatch"
	"github.com/2389/relay-gateway/internal/reply"
	"github.com/2389/relay-gateway/internal/supervisor"
	"github.com/2389/relay-gateway/internal/transport"
)

// Deliverer sends one processed reply chunk back out. The key identifies the
// channel and conversation the chunk belongs to.
type Deliverer interface {
	Deliver(ctx context.Context, key coalesce.Key, chunk reply.Chunk) error
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, key coalesce.Key, chunk reply.Chunk) error

func (f DelivererFunc) Deliver(ctx context.Context, key coalesce.Key, chunk reply.Chunk) error {
	return f(ctx, key, chunk)
}

// Options bundles pipeline tuning. Zero values fall back to the component
// defaults.
type Options struct {
	Policy   supervisor.Policy
	Coalesce coalesce.Config
	Reply    reply.Config

	DedupTTL        time.Duration
	DedupMaxEntries int

	// QueueDepth bounds each conversation's pending-unit queue. Defaults
	// to 64; overflow drops the newest unit.
	QueueDepth int
}

// gateKey scopes compaction gates to a conversation. Sender is deliberately
// excluded: a retry pauses the whole conversation, not one participant.
type gateKey struct {
	channel      string
	conversation string
}

// Gateway runs the full inbound-to-reply pipeline.
type Gateway struct {
	opts       Options
	dispatcher dispatch.Dispatcher
	deliverer  Deliverer
	logger     *slog.Logger
	sinks      []supervisor.StatusSink

	guard     *dedupe.Guard
	coalescer *coalesce.Coalescer

	channelMu sync.Mutex
	channels  map[string]transport.Factory

	mu     sync.Mutex
	queues map[coalesce.Key]chan coalesce.Consolidated
	gates  map[gateKey]*reply.Gate
	runCtx context.Context

	workers sync.WaitGroup
}

// New creates a gateway. Channels are added with AddChannel before Run.
func New(opts Options, dispatcher dispatch.Dispatcher, deliverer Deliverer, logger *slog.Logger, sinks ...supervisor.StatusSink) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 64
	}
	return &Gateway{
		opts:       opts,
		dispatcher: dispatcher,
		deliverer:  deliverer,
		logger:     logger.With("component", "gateway"),
		sinks:      sinks,
		guard:      dedupe.NewGuard(opts.DedupTTL, opts.DedupMaxEntries),
		channels:   make(map[string]transport.Factory),
		queues:     make(map[coalesce.Key]chan coalesce.Consolidated),
		gates:      make(map[gateKey]*reply.Gate),
	}
}

// AddChannel registers a named transport. Must be called before Run.
func (g *Gateway) AddChannel(name string, factory transport.Factory) error {
	g.channelMu.Lock()
	defer g.channelMu.Unlock()
	if _, exists := g.channels[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}
	g.channels[name] = factory
	return nil
}

// Run starts every channel supervisor and blocks until ctx is cancelled or
// all supervisors have stopped. A single channel logging out does not take
// the others down.
func (g *Gateway) Run(ctx context.Context) error {
	g.channelMu.Lock()
	channels := make(map[string]transport.Factory, len(g.channels))
	for name, f := range g.channels {
		channels[name] = f
	}
	g.channelMu.Unlock()

	if len(channels) == 0 {
		return errors.New("no channels registered")
	}

	// Workers run on a derived context so they stop once every supervisor
	// has reached a terminal state, not only on external cancellation.
	runCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	g.mu.Lock()
	g.runCtx = runCtx
	g.mu.Unlock()

	g.coalescer = coalesce.New(g.opts.Coalesce, g.enqueue, g.logger)
	defer g.coalescer.Close()

	var supervisors sync.WaitGroup
	for name, factory := range channels {
		sup := supervisor.New(name, factory, g.opts.Policy, g.inboundHandler(name), g.logger, g.sinks...)
		supervisors.Add(1)
		go func(name string) {
			defer supervisors.Done()
			if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				g.logger.Error("channel stopped", "channel", name, "error", err)
			}
		}(name)
	}

	supervisors.Wait()
	stopWorkers()
	g.workers.Wait()
	return ctx.Err()
}

// inboundHandler builds the per-channel raw message handler: dedup first,
// then coalescing.
func (g *Gateway) inboundHandler(channel string) transport.MessageHandler {
	return func(msg transport.RawMessage) {
		if msg.ID != "" && g.guard.Seen(dedupe.Key(channel, msg.ConversationID, msg.ID)) {
			g.logger.Debug("dropping redelivered message",
				"channel", channel, "conversation", msg.ConversationID, "id", msg.ID)
			return
		}
		g.coalescer.Ingest(coalesce.Key{
			Channel:      channel,
			Conversation: msg.ConversationID,
			Sender:       msg.Sender,
		}, msg)
	}
}

// enqueue hands a consolidated unit to its conversation worker. Called under
// the coalescer's lock, so it must not block: a full queue drops the unit.
func (g *Gateway) enqueue(unit coalesce.Consolidated) {
	g.mu.Lock()
	queue, ok := g.queues[unit.Key]
	if !ok {
		queue = make(chan coalesce.Consolidated, g.opts.QueueDepth)
		g.queues[unit.Key] = queue
		g.workers.Add(1)
		go g.worker(unit.Key, queue)
	}
	g.mu.Unlock()

	select {
	case queue <- unit:
	default:
		g.logger.Warn("conversation queue full, dropping unit",
			"key", unit.Key.String(), "chars", len(unit.Body))
	}
}

// worker drains one conversation key strictly in order.
func (g *Gateway) worker(key coalesce.Key, queue <-chan coalesce.Consolidated) {
	defer g.workers.Done()

	ctx := g.runContext()
	for {
		select {
		case <-ctx.Done():
			return
		case unit := <-queue:
			g.process(ctx, unit)
		}
	}
}

// process runs one consolidated unit through dispatch and reply processing.
// It blocks while the conversation's compaction gate is held.
func (g *Gateway) process(ctx context.Context, unit coalesce.Consolidated) {
	gate := g.gateFor(unit.Key)

	if err := gate.Wait(ctx); err != nil {
		return
	}

	events, err := g.dispatcher.Dispatch(ctx, unit)
	if err != nil {
		g.logger.Error("dispatch failed", "key", unit.Key.String(), "error", err)
		return
	}

	proc := reply.NewProcessor(g.opts.Reply, gate, func(chunk reply.Chunk) {
		if err := g.deliverer.Deliver(ctx, unit.Key, chunk); err != nil {
			g.logger.Error("delivery failed",
				"channel", unit.Key.Channel,
				"conversation", unit.Key.Conversation,
				"error", err)
		}
	}, g.logger)

	if err := proc.Run(ctx, events); err != nil && !errors.Is(err, context.Canceled) {
		g.logger.Error("reply stream failed", "key", unit.Key.String(), "error", err)
	}
}

// gateFor returns the conversation's compaction gate, creating it on first
// use. Gates outlive individual agent runs.
func (g *Gateway) gateFor(key coalesce.Key) *reply.Gate {
	gk := gateKey{channel: key.Channel, conversation: key.Conversation}
	g.mu.Lock()
	defer g.mu.Unlock()
	gate, ok := g.gates[gk]
	if !ok {
		gate = reply.NewGate()
		g.gates[gk] = gate
	}
	return gate
}

func (g *Gateway) runContext() context.Context {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.runCtx
}
