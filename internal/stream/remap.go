package stream

import (
	"encoding/json"
	"fmt"

	"github.com/rynfar/opencode-claude-max-proxy/internal/upstream"
)

const stopReasonEndTurn = "end_turn"

// DownstreamEvent is one SSE event ready for the client.
type DownstreamEvent struct {
	Name string
	Data json.RawMessage
}

// Remap converts an upstream event into what the client should see.
// Tool-use blocks are hidden: their start registers the index in
// suppressed and every later event at that index is dropped. Stop reasons
// are always reported as end_turn so clients never try to run tools the
// CLI already ran. ok is false when the event must not be forwarded.
func Remap(ev upstream.Event, suppressed map[int]struct{}) (out DownstreamEvent, ok bool, err error) {
	switch e := ev.(type) {
	case upstream.MessageStart:
		clear(suppressed)
		return verbatim(e), true, nil

	case upstream.ContentBlockStart:
		if e.BlockType == "tool_use" {
			suppressed[e.Index] = struct{}{}
			return DownstreamEvent{}, false, nil
		}
		if _, hidden := suppressed[e.Index]; hidden {
			return DownstreamEvent{}, false, nil
		}
		return verbatim(e), true, nil

	case upstream.ContentBlockDelta:
		if _, hidden := suppressed[e.Index]; hidden {
			return DownstreamEvent{}, false, nil
		}
		return verbatim(e), true, nil

	case upstream.ContentBlockStop:
		if _, hidden := suppressed[e.Index]; hidden {
			return DownstreamEvent{}, false, nil
		}
		return verbatim(e), true, nil

	case upstream.MessageDelta:
		data, err := endTurnDelta(e.StopSequence, e.Usage)
		if err != nil {
			return DownstreamEvent{}, false, err
		}
		return DownstreamEvent{Name: string(upstream.EventMessageDelta), Data: data}, true, nil

	case upstream.MessageStop:
		return verbatim(e), true, nil

	default:
		return DownstreamEvent{}, false, fmt.Errorf("remap: unhandled event %T", ev)
	}
}

func verbatim(ev upstream.Event) DownstreamEvent {
	return DownstreamEvent{Name: string(ev.Kind()), Data: ev.Raw()}
}

type messageDeltaPayload struct {
	Type  string            `json:"type"`
	Delta messageDeltaDelta `json:"delta"`
	Usage map[string]any    `json:"usage"`
}

type messageDeltaDelta struct {
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

// endTurnDelta encodes a message_delta with stop_reason end_turn. Usage
// counters are kept; output_tokens defaults to 0.
func endTurnDelta(stopSequence *string, usage map[string]any) (json.RawMessage, error) {
	u := make(map[string]any, len(usage)+1)
	for k, v := range usage {
		u[k] = v
	}
	if _, ok := u["output_tokens"]; !ok {
		u["output_tokens"] = 0
	}
	b, err := json.Marshal(messageDeltaPayload{
		Type:  string(upstream.EventMessageDelta),
		Delta: messageDeltaDelta{StopReason: stopReasonEndTurn, StopSequence: stopSequence},
		Usage: u,
	})
	if err != nil {
		return nil, fmt.Errorf("encode message_delta: %w", err)
	}
	return b, nil
}
