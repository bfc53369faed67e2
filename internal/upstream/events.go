package upstream

import "encoding/json"

// MessageType discriminates the top-level NDJSON lines the CLI writes.
type MessageType string

const (
	MessageTypeSystem      MessageType = "system"
	MessageTypeAssistant   MessageType = "assistant"
	MessageTypeUser        MessageType = "user"
	MessageTypeResult      MessageType = "result"
	MessageTypeStreamEvent MessageType = "stream_event"
)

// Message is one decoded line of CLI output. The set of implementations is
// closed: StreamEvent, AssistantMessage, UserMessage, SystemMessage and
// ResultMessage.
type Message interface {
	MsgType() MessageType
	isMessage()
}

// StreamEvent carries one incremental Anthropic stream event.
type StreamEvent struct {
	ParentToolUseID *string
	SessionID       string
	Event           Event
}

func (StreamEvent) MsgType() MessageType { return MessageTypeStreamEvent }
func (StreamEvent) isMessage()           {}

// ContentBlock is the subset of an assistant content block the proxy reads.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"`
	ID   string `json:"id,omitempty"`
}

// AssistantMessage is a complete assistant message for one model turn.
type AssistantMessage struct {
	ParentToolUseID *string
	SessionID       string
	Model           string
	Content         []ContentBlock
}

func (AssistantMessage) MsgType() MessageType { return MessageTypeAssistant }
func (AssistantMessage) isMessage()           {}

// Text concatenates every text block of the message.
func (m AssistantMessage) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

// UserMessage echoes tool results back into the conversation.
type UserMessage struct {
	ParentToolUseID *string
	SessionID       string
}

func (UserMessage) MsgType() MessageType { return MessageTypeUser }
func (UserMessage) isMessage()           {}

// SystemMessage is emitted on session init and for hook output.
type SystemMessage struct {
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Model     string `json:"model,omitempty"`
	CWD       string `json:"cwd,omitempty"`
}

func (SystemMessage) MsgType() MessageType { return MessageTypeSystem }
func (SystemMessage) isMessage()           {}

// ResultMessage ends a turn.
type ResultMessage struct {
	Subtype      string  `json:"subtype"`
	SessionID    string  `json:"session_id"`
	Result       string  `json:"result"`
	IsError      bool    `json:"is_error"`
	NumTurns     int     `json:"num_turns"`
	DurationMs   int64   `json:"duration_ms"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

func (ResultMessage) MsgType() MessageType { return MessageTypeResult }
func (ResultMessage) isMessage()           {}

// EventKind names an Anthropic streaming event.
type EventKind string

const (
	EventMessageStart      EventKind = "message_start"
	EventContentBlockStart EventKind = "content_block_start"
	EventContentBlockDelta EventKind = "content_block_delta"
	EventContentBlockStop  EventKind = "content_block_stop"
	EventMessageDelta      EventKind = "message_delta"
	EventMessageStop       EventKind = "message_stop"
)

// Event is one stream event. Implementations are exactly the six kinds
// below; Raw returns the bytes the CLI produced so events can be forwarded
// without re-encoding.
type Event interface {
	Kind() EventKind
	Raw() json.RawMessage
	isEvent()
}

type rawEvent struct {
	raw json.RawMessage
}

func (r rawEvent) Raw() json.RawMessage { return r.raw }
func (rawEvent) isEvent()               {}

type MessageStart struct {
	rawEvent
}

func (MessageStart) Kind() EventKind { return EventMessageStart }

type ContentBlockStart struct {
	rawEvent
	Index     int
	BlockType string
}

func (ContentBlockStart) Kind() EventKind { return EventContentBlockStart }

type ContentBlockDelta struct {
	rawEvent
	Index     int
	DeltaType string
	Text      string
}

func (ContentBlockDelta) Kind() EventKind { return EventContentBlockDelta }

type ContentBlockStop struct {
	rawEvent
	Index int
}

func (ContentBlockStop) Kind() EventKind { return EventContentBlockStop }

type MessageDelta struct {
	rawEvent
	StopReason   *string
	StopSequence *string
	// Usage is kept as a generic object so unknown counters survive.
	Usage map[string]any
}

func (MessageDelta) Kind() EventKind { return EventMessageDelta }

type MessageStop struct {
	rawEvent
}

func (MessageStop) Kind() EventKind { return EventMessageStop }

// NewEvent builds an Event from its JSON encoding. It is the constructor
// tests and fakes use; ParseEvent is the same thing for CLI output.
func NewEvent(raw string) (Event, error) {
	return ParseEvent(json.RawMessage(raw))
}
