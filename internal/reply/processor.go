// ABOUTME: Reply stream processor turning raw agent run events into reply chunks
// ABOUTME: Filters hidden content, dedupes against tool sends, and extracts directives

package reply

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/2389/relay-gateway/internal/dispatch"
)

// Chunk is one well-formed reply unit handed to delivery. Immutable once
// emitted.
type Chunk struct {
	Text         string
	MediaRefs    []string
	ReplyToID    string
	ThreadID     string
	AudioAsVoice bool
}

// Config controls reply processing for one run.
type Config struct {
	// EnforceFinal suppresses all output that did not appear inside a
	// <final> window. Leaking untagged deliberation is a policy violation,
	// not cosmetic noise.
	EnforceFinal bool

	// DedupWindow bounds the sent-text and sent-target windows. Defaults
	// to 128.
	DedupWindow int
}

// Processor consumes one agent run's ordered event stream and emits reply
// chunks. The upstream contract is unreliable by design: text_end may repeat
// the accumulated text and may arrive after message_end, so every emission
// path is idempotent against redelivery.
type Processor struct {
	cfg    Config
	logger *slog.Logger
	gate   *Gate
	emit   func(Chunk)

	scanner    *markerScanner
	directives *directiveParser
	visible    strings.Builder

	lastCandidate string
	lastChunk     string
	sentTexts     *lru.Cache[string, struct{}]
	sentTargets   *lru.Cache[string, struct{}]

	pendingResumes int
	emitted        int
}

// NewProcessor creates a processor for one agent run. The gate is shared per
// conversation and survives the run; pass a fresh one if compaction
// coordination is not needed.
func NewProcessor(cfg Config, gate *Gate, emit func(Chunk), logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 128
	}
	if gate == nil {
		gate = NewGate()
	}
	sentTexts, _ := lru.New[string, struct{}](cfg.DedupWindow)
	sentTargets, _ := lru.New[string, struct{}](cfg.DedupWindow)
	return &Processor{
		cfg:         cfg,
		logger:      logger.With("component", "reply"),
		gate:        gate,
		emit:        emit,
		scanner:     newMarkerScanner(cfg.EnforceFinal),
		directives:  &directiveParser{},
		sentTexts:   sentTexts,
		sentTargets: sentTargets,
	}
}

// Run consumes events until the stream closes or ctx is cancelled. Events
// arriving after message_end (the tolerated text_end race) are processed
// normally; idempotence keeps them from duplicating output.
func (p *Processor) Run(ctx context.Context, events <-chan dispatch.Event) error {
	defer func() {
		// Never leave the conversation's gate wedged if the stream dies
		// mid-compaction.
		p.resumeIfAwaiting()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				// Stream closed without a message_end: flush whatever
				// visible text accumulated.
				p.flushText("")
				return nil
			}
			if err := p.Handle(ev); err != nil {
				return err
			}
		}
	}
}

// Handle processes a single event. Unknown kinds are rejected explicitly.
func (p *Processor) Handle(ev dispatch.Event) error {
	switch ev.Kind {
	case dispatch.KindTextDelta:
		p.resumeIfAwaiting()
		p.visible.WriteString(p.scanner.Feed(ev.Text))

	case dispatch.KindReasoningDelta:
		// Reasoning is hidden by definition; it only proves the run is alive.
		p.resumeIfAwaiting()

	case dispatch.KindToolResult:
		p.resumeIfAwaiting()
		p.recordToolResult(ev)

	case dispatch.KindTextEnd:
		p.resumeIfAwaiting()
		p.flushText(ev.Text)

	case dispatch.KindMessageEnd:
		p.resumeIfAwaiting()
		p.flushText("")

	case dispatch.KindCompactionRetry:
		// The attempt's accumulated text is stale; the retried run will
		// resend everything. Already-emitted chunks stay in the dedup
		// windows because the user has seen them.
		p.resetAttempt()
		p.gate.Begin()
		p.pendingResumes++

	default:
		return fmt.Errorf("unknown agent event kind %s (run %s)", ev.Kind, ev.RunID)
	}
	return nil
}

// Stats reports emission counters for observability and tests.
func (p *Processor) Stats() (emitted, sentTexts, sentTargets int) {
	return p.emitted, p.sentTexts.Len(), p.sentTargets.Len()
}

// flushText forms a chunk candidate. With full text (text_end payload) the
// whole body is re-scanned fresh, last-write-wins; otherwise the candidate is
// the visible text accumulated from deltas.
func (p *Processor) flushText(full string) {
	var candidate string
	if full != "" {
		candidate = scanAll(full, p.cfg.EnforceFinal)
	} else {
		candidate = p.visible.String() + p.scanner.Flush()
	}

	// The next message segment starts with clean scanner state.
	p.visible.Reset()
	p.scanner = newMarkerScanner(p.cfg.EnforceFinal)

	p.emitCandidate(candidate)
}

// emitCandidate applies directive extraction and the dedup rules, then emits.
func (p *Processor) emitCandidate(candidate string) {
	clean, dirs := p.directives.Feed(candidate)
	clean += p.directives.Flush()
	clean = strings.TrimSpace(clean)

	if clean == "" && dirs.empty() {
		return
	}

	// A redelivered text_end repeats the exact candidate. Directive-only
	// candidates have no visible text for the dedup rules below to catch,
	// so the raw candidate is compared first.
	if candidate == p.lastCandidate {
		p.logger.Debug("suppressing redelivered candidate")
		return
	}

	if clean != "" {
		if clean == p.lastChunk {
			p.logger.Debug("suppressing verbatim duplicate chunk")
			return
		}
		norm := normalizeText(clean)
		if norm != "" && norm == normalizeText(p.lastChunk) {
			p.logger.Debug("suppressing normalized duplicate of previous chunk")
			return
		}
		if norm != "" {
			if _, dup := p.sentTexts.Get(norm); dup {
				p.logger.Debug("suppressing chunk already sent via messaging tool")
				return
			}
		}
	}

	p.lastCandidate = candidate
	p.lastChunk = clean
	p.emitted++
	p.emit(Chunk{
		Text:         clean,
		MediaRefs:    dirs.MediaRefs,
		ReplyToID:    dirs.ReplyTo,
		ThreadID:     dirs.Thread,
		AudioAsVoice: dirs.Voice,
	})
}

// recordToolResult adds successful messaging-tool sends to the dedup windows.
// Pending and failed sends are deliberately excluded: a failed send must not
// cause the user to receive nothing.
func (p *Processor) recordToolResult(ev dispatch.Event) {
	if ev.Tool == nil {
		return
	}
	if ev.Tool.State != dispatch.SendSucceeded {
		p.logger.Debug("ignoring non-successful tool send",
			"tool", ev.Tool.Name, "state", int(ev.Tool.State))
		return
	}
	if norm := normalizeText(ev.Tool.SentText); norm != "" {
		p.sentTexts.Add(norm, struct{}{})
	}
	if ev.Tool.SentTarget != "" {
		p.sentTargets.Add(ev.Tool.SentTarget, struct{}{})
	}
}

// resetAttempt discards state accumulated for the aborted attempt. Dedup
// windows survive: their contents reached the user.
func (p *Processor) resetAttempt() {
	p.visible.Reset()
	p.scanner = newMarkerScanner(p.cfg.EnforceFinal)
	p.directives = &directiveParser{}
}

func (p *Processor) resumeIfAwaiting() {
	for p.pendingResumes > 0 {
		p.pendingResumes--
		p.gate.Resume()
	}
}

// normalizeText reduces a string to lowercase letters and digits so
// near-identical phrasings compare equal.
func normalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
