// ABOUTME: Dispatcher contract and the agent run event tagged union
// ABOUTME: Bridges consolidated inbound units to an external agent runtime

package dispatch

import (
	"context"
	"fmt"

	"github.com/2389/relay-gateway/internal/coalesce"
)

// Kind discriminates agent run events. The upstream contract is explicitly
// loose: TextEnd may repeat the full accumulated text and may arrive after
// MessageEnd; consumers must stay idempotent.
type Kind int

const (
	KindUnknown Kind = iota
	KindTextDelta
	KindTextEnd
	KindReasoningDelta
	KindToolResult
	KindMessageEnd
	KindCompactionRetry
)

func (k Kind) String() string {
	switch k {
	case KindTextDelta:
		return "text_delta"
	case KindTextEnd:
		return "text_end"
	case KindReasoningDelta:
		return "reasoning_delta"
	case KindToolResult:
		return "tool_result"
	case KindMessageEnd:
		return "message_end"
	case KindCompactionRetry:
		return "compaction_retry"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// SendState classifies the outcome of a messaging-tool call. Only Succeeded
// sends participate in reply deduplication; a pending or failed send must
// never suppress the normal reply chunk.
type SendState int

const (
	SendPending SendState = iota
	SendSucceeded
	SendFailed
)

// ToolResult carries the side effects of a tool call relevant to reply
// processing: what a messaging tool reports having sent, and to whom.
type ToolResult struct {
	Name       string
	State      SendState
	SentText   string
	SentTarget string
}

// Event is one element of an agent run's ordered event stream.
type Event struct {
	RunID string
	Kind  Kind
	Text  string      // delta text, or full text on TextEnd
	Tool  *ToolResult // set for KindToolResult
}

// Dispatcher turns one consolidated inbound unit into an agent run. The
// returned channel yields the run's events in order and is closed when the
// run finishes.
type Dispatcher interface {
	Dispatch(ctx context.Context, unit coalesce.Consolidated) (<-chan Event, error)
}
