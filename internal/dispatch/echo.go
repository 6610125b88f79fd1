// ABOUTME: Loopback dispatcher producing a canned event stream per unit
// ABOUTME: Lets the gateway run end-to-end without a real agent runtime

package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/coalesce"
)

// EchoDispatcher replies to every unit with its own body, wrapped in the
// marker grammar a real agent run produces. Useful for wiring checks and
// local development.
type EchoDispatcher struct{}

func NewEchoDispatcher() *EchoDispatcher { return &EchoDispatcher{} }

func (d *EchoDispatcher) Dispatch(ctx context.Context, unit coalesce.Consolidated) (<-chan Event, error) {
	runID := uuid.New().String()
	out := make(chan Event, 8)

	go func() {
		defer close(out)
		full := fmt.Sprintf("<think>echoing %d chars</think><final>%s</final>", len(unit.Body), unit.Body)
		events := []Event{
			{RunID: runID, Kind: KindTextDelta, Text: full},
			{RunID: runID, Kind: KindTextEnd, Text: full},
			{RunID: runID, Kind: KindMessageEnd},
		}
		for _, ev := range events {
			select {
			case <-ctx.Done():
				return
			case out <- ev:
			}
		}
	}()

	return out, nil
}
