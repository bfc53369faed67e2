package upstream

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// ParseLine decodes one NDJSON line of CLI output. Unknown message types
// return (nil, nil) so newer CLI versions do not break the proxy.
func ParseLine(line []byte) (Message, error) {
	var base struct {
		Type            MessageType     `json:"type"`
		SessionID       string          `json:"session_id"`
		ParentToolUseID *string         `json:"parent_tool_use_id"`
		Event           json.RawMessage `json:"event"`
		Message         json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(line, &base); err != nil {
		return nil, &ProtocolError{Cause: err, Line: truncate(string(line), 200)}
	}

	switch base.Type {
	case MessageTypeStreamEvent:
		ev, err := ParseEvent(base.Event)
		if err != nil {
			return nil, &ProtocolError{Cause: err, Line: truncate(string(line), 200)}
		}
		if ev == nil {
			return nil, nil
		}
		return StreamEvent{ParentToolUseID: base.ParentToolUseID, SessionID: base.SessionID, Event: ev}, nil

	case MessageTypeAssistant:
		var inner struct {
			Model   string          `json:"model"`
			Content json.RawMessage `json:"content"`
		}
		if len(base.Message) > 0 {
			if err := json.Unmarshal(base.Message, &inner); err != nil {
				return nil, &ProtocolError{Cause: err, Line: truncate(string(line), 200)}
			}
		}
		return AssistantMessage{
			ParentToolUseID: base.ParentToolUseID,
			SessionID:       base.SessionID,
			Model:           inner.Model,
			Content:         parseContent(inner.Content),
		}, nil

	case MessageTypeUser:
		return UserMessage{ParentToolUseID: base.ParentToolUseID, SessionID: base.SessionID}, nil

	case MessageTypeSystem:
		var m SystemMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, &ProtocolError{Cause: err, Line: truncate(string(line), 200)}
		}
		return m, nil

	case MessageTypeResult:
		var m ResultMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, &ProtocolError{Cause: err, Line: truncate(string(line), 200)}
		}
		return m, nil

	default:
		slog.Debug("skipping unknown upstream message type", "type", base.Type)
		return nil, nil
	}
}

// parseContent accepts a string or an array of blocks.
func parseContent(raw json.RawMessage) []ContentBlock {
	if len(raw) == 0 {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		return []ContentBlock{{Type: "text", Text: s}}
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil
	}
	return blocks
}

// ParseEvent decodes the inner Anthropic stream event. Event types outside
// the six the proxy understands (e.g. "ping") return (nil, nil).
func ParseEvent(data json.RawMessage) (Event, error) {
	var base struct {
		Type         EventKind `json:"type"`
		Index        int       `json:"index"`
		ContentBlock struct {
			Type string `json:"type"`
		} `json:"content_block"`
		Delta json.RawMessage `json:"delta"`
		Usage map[string]any  `json:"usage"`
	}
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("decode stream event: %w", err)
	}
	raw := rawEvent{raw: append(json.RawMessage(nil), data...)}

	switch base.Type {
	case EventMessageStart:
		return MessageStart{rawEvent: raw}, nil

	case EventContentBlockStart:
		return ContentBlockStart{rawEvent: raw, Index: base.Index, BlockType: base.ContentBlock.Type}, nil

	case EventContentBlockDelta:
		var d struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if len(base.Delta) > 0 {
			if err := json.Unmarshal(base.Delta, &d); err != nil {
				return nil, fmt.Errorf("decode content_block_delta: %w", err)
			}
		}
		return ContentBlockDelta{rawEvent: raw, Index: base.Index, DeltaType: d.Type, Text: d.Text}, nil

	case EventContentBlockStop:
		return ContentBlockStop{rawEvent: raw, Index: base.Index}, nil

	case EventMessageDelta:
		var d struct {
			StopReason   *string `json:"stop_reason"`
			StopSequence *string `json:"stop_sequence"`
		}
		if len(base.Delta) > 0 {
			if err := json.Unmarshal(base.Delta, &d); err != nil {
				return nil, fmt.Errorf("decode message_delta: %w", err)
			}
		}
		return MessageDelta{rawEvent: raw, StopReason: d.StopReason, StopSequence: d.StopSequence, Usage: base.Usage}, nil

	case EventMessageStop:
		return MessageStop{rawEvent: raw}, nil

	default:
		slog.Debug("skipping unknown stream event type", "type", base.Type)
		return nil, nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
