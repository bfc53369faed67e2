// Package stream turns one upstream CLI turn into an Anthropic SSE event
// stream, or into a single aggregated message for non-streaming clients.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rynfar/opencode-claude-max-proxy/internal/types"
	"github.com/rynfar/opencode-claude-max-proxy/internal/upstream"
)

// Phase is the lifecycle position of a session. It only moves forward.
type Phase int

const (
	PhaseStarting Phase = iota
	PhaseStreaming
	PhaseDraining
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseStreaming:
		return "streaming"
	case PhaseDraining:
		return "draining"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Outcome classifies how a session ended.
type Outcome string

const (
	OutcomeCompleted     Outcome = "completed"
	OutcomeEmpty         Outcome = "empty"
	OutcomeClientGone    Outcome = "client_gone"
	OutcomeUpstreamError Outcome = "upstream_error"
)

// Stats are the counters a session accumulates. EventsFolded counts
// upstream message and block boundaries absorbed into the single
// downstream message.
type Stats struct {
	BytesSent           int
	EventsForwarded     int
	TextEventsForwarded int
	KeepalivesSent      int
	EventsSuppressed    int
	EventsFolded        int
}

// Result is what Run reports once the upstream turn has been drained.
// Err is nil for client disconnects.
type Result struct {
	Outcome Outcome
	Stats   Stats
	Err     error
}

// Recorder receives per-session telemetry.
type Recorder interface {
	EventForwarded(name string, bytes int)
	SessionFinished(outcome Outcome, duration time.Duration)
}

// Session streams a single upstream turn to a Sink. A Session is used once.
type Session struct {
	Provider          upstream.Provider
	Sink              Sink
	Logger            *slog.Logger
	KeepaliveInterval time.Duration
	Recorder          Recorder

	newID func() string
	state state
}

// state is owned by the goroutine running Run.
type state struct {
	phase      Phase
	suppressed map[int]struct{}
	clientGone bool
	errorSent  bool
	terminated bool
	failure    error
	stats      Stats

	// Held for the terminal message_delta.
	usage        map[string]any
	stopSequence *string
}

// Run writes the opening events, starts the upstream turn and forwards
// its events until the turn ends. The upstream runs on a context detached
// from ctx so a disconnecting client does not abort a turn midway; the
// session keeps consuming upstream output after the client is gone.
func (s *Session) Run(ctx context.Context, prompt string, opts upstream.SessionOptions, model string) Result {
	start := time.Now()
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s.state = state{phase: PhaseStarting, suppressed: make(map[int]struct{})}

	s.writeJSON(string(upstream.EventMessageStart), s.messageStart(model))
	s.writeJSON(string(upstream.EventContentBlockStart), textBlockStart{Type: "content_block_start", Index: 0, ContentBlock: types.ContentBlock{Type: "text"}})

	if s.state.clientGone {
		// Nothing reached the client; don't spend an upstream turn on it.
		s.state.phase = PhaseClosed
		return s.finish(logger, start)
	}

	s.state.phase = PhaseStreaming
	results, err := s.Provider.Start(context.WithoutCancel(ctx), prompt, opts)
	if err != nil {
		s.fail(logger, fmt.Errorf("start upstream session: %w", err))
		return s.finish(logger, start)
	}

	s.pump(logger, results)

	s.state.phase = PhaseDraining
	if !s.state.clientGone && !s.state.errorSent && s.state.failure == nil {
		s.writeTerminal()
	}
	s.state.phase = PhaseClosed
	return s.finish(logger, start)
}

func (s *Session) pump(logger *slog.Logger, results <-chan upstream.Result) {
	var tick <-chan time.Time
	if s.KeepaliveInterval > 0 {
		ticker := time.NewTicker(s.KeepaliveInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case res, ok := <-results:
			if !ok {
				return
			}
			if res.Err != nil {
				s.fail(logger, res.Err)
				continue
			}
			s.handleMessage(logger, res.Message)

		case <-tick:
			if s.state.clientGone || s.state.phase == PhaseClosed {
				continue
			}
			if s.safeWrite(func() error { return s.Sink.WriteComment("keepalive") }, len(": keepalive\n\n")) {
				s.state.stats.KeepalivesSent++
			}
		}
	}
}

func (s *Session) handleMessage(logger *slog.Logger, msg upstream.Message) {
	switch m := msg.(type) {
	case upstream.StreamEvent:
		if m.Event == nil {
			return
		}
		ev, ok, err := Remap(m.Event, s.state.suppressed)
		if err != nil {
			s.fail(logger, err)
			return
		}
		if !ok {
			s.state.stats.EventsSuppressed++
			return
		}
		ev, ok, err = s.fold(m.Event, ev)
		if err != nil {
			s.fail(logger, err)
			return
		}
		if !ok {
			s.state.stats.EventsFolded++
			return
		}
		if s.writeEvent(ev.Name, ev.Data) {
			if d, isDelta := m.Event.(upstream.ContentBlockDelta); isDelta && d.Text != "" {
				s.state.stats.TextEventsForwarded++
			}
		}
	case upstream.ResultMessage:
		logger.Debug("upstream turn finished",
			"subtype", m.Subtype,
			"num_turns", m.NumTurns,
			"upstream_duration_ms", m.DurationMs,
			"is_error", m.IsError,
		)
	default:
		// Complete assistant/user/system messages duplicate what the
		// partial stream events already carried.
	}
}

// writeEvent is the safe write: a no-op once closed or after the client
// left, and the only path content takes to the sink.
func (s *Session) writeEvent(name string, data []byte) bool {
	if s.state.phase == PhaseClosed || s.state.clientGone {
		return false
	}
	frame := len("event: ") + len(name) + len("\ndata: ") + len(data) + len("\n\n")
	if !s.safeWrite(func() error { return s.Sink.WriteEvent(name, data) }, frame) {
		return false
	}
	s.state.stats.EventsForwarded++
	if s.Recorder != nil {
		s.Recorder.EventForwarded(name, frame)
	}
	return true
}

func (s *Session) writeJSON(name string, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		s.state.failure = fmt.Errorf("encode %s: %w", name, err)
		return false
	}
	return s.writeEvent(name, data)
}

func (s *Session) safeWrite(write func() error, n int) bool {
	err := write()
	switch {
	case err == nil:
		s.state.stats.BytesSent += n
		return true
	case errors.Is(err, ErrClientGone):
		s.state.clientGone = true
		return false
	default:
		if s.state.failure == nil {
			s.state.failure = err
		}
		s.state.phase = PhaseClosed
		return false
	}
}

// fail records a genuine failure and tells the client once, if it can
// still hear us. Nothing but discarding follows an error event.
func (s *Session) fail(logger *slog.Logger, err error) {
	if s.state.failure == nil {
		s.state.failure = err
	}
	logger.Error("stream session failed", "error", err, "phase", s.state.phase.String())

	if !s.state.clientGone && !s.state.errorSent && s.state.phase != PhaseClosed {
		s.state.errorSent = true
		s.writeJSON("error", newErrorEvent(err.Error()))
	}
	s.state.phase = PhaseClosed
}

// writeTerminal closes the synthetic text block and the message. It runs
// at most once per session.
func (s *Session) writeTerminal() {
	if s.state.terminated {
		return
	}
	s.state.terminated = true

	s.writeJSON(string(upstream.EventContentBlockStop), blockStop{Type: "content_block_stop", Index: 0})
	data, err := endTurnDelta(s.state.stopSequence, s.state.usage)
	if err != nil {
		s.state.failure = err
		return
	}
	s.writeEvent(string(upstream.EventMessageDelta), data)
	s.writeJSON(string(upstream.EventMessageStop), messageStop{Type: "message_stop"})
}

// fold fits a remapped upstream event into the one message the session
// opened. The CLI may run several model turns, each with its own
// message_start, blocks and message_stop; downstream sees a single text
// block at index 0. Text deltas are moved onto that block, other deltas
// are dropped, and message_delta usage is held for the terminal sequence.
// ok is false when nothing should be written now.
func (s *Session) fold(ev upstream.Event, remapped DownstreamEvent) (DownstreamEvent, bool, error) {
	switch e := ev.(type) {
	case upstream.ContentBlockDelta:
		if e.DeltaType != textDeltaType {
			return DownstreamEvent{}, false, nil
		}
		if e.Index == 0 {
			return remapped, true, nil
		}
		data, err := json.Marshal(textDelta{
			Type:  string(upstream.EventContentBlockDelta),
			Index: 0,
			Delta: types.ContentBlock{Type: textDeltaType, Text: e.Text},
		})
		if err != nil {
			return DownstreamEvent{}, false, fmt.Errorf("encode content_block_delta: %w", err)
		}
		return DownstreamEvent{Name: remapped.Name, Data: data}, true, nil

	case upstream.MessageDelta:
		s.state.usage = addUsage(s.state.usage, e.Usage)
		if e.StopSequence != nil {
			s.state.stopSequence = e.StopSequence
		}
		return DownstreamEvent{}, false, nil

	default:
		return DownstreamEvent{}, false, nil
	}
}

// addUsage sums numeric counters across model turns; other values are
// replaced by the latest.
func addUsage(total, turn map[string]any) map[string]any {
	if len(turn) == 0 {
		return total
	}
	if total == nil {
		total = make(map[string]any, len(turn))
	}
	for k, v := range turn {
		n, isNum := v.(float64)
		prev, hadNum := total[k].(float64)
		if isNum && hadNum {
			total[k] = prev + n
			continue
		}
		total[k] = v
	}
	return total
}

func (s *Session) finish(logger *slog.Logger, start time.Time) Result {
	res := Result{Stats: s.state.stats}
	switch {
	case s.state.failure != nil:
		res.Outcome = OutcomeUpstreamError
		res.Err = s.state.failure
	case s.state.clientGone:
		res.Outcome = OutcomeClientGone
		logger.Info("client disconnected during stream", "events_forwarded", res.Stats.EventsForwarded)
	case res.Stats.TextEventsForwarded == 0:
		res.Outcome = OutcomeEmpty
		logger.Warn("upstream produced no text", "events_suppressed", res.Stats.EventsSuppressed)
	default:
		res.Outcome = OutcomeCompleted
	}

	duration := time.Since(start)
	if s.Recorder != nil {
		s.Recorder.SessionFinished(res.Outcome, duration)
	}
	logger.Debug("stream session closed",
		"outcome", res.Outcome,
		"duration_ms", duration.Milliseconds(),
		"bytes_sent", res.Stats.BytesSent,
		"events_forwarded", res.Stats.EventsForwarded,
		"keepalives", res.Stats.KeepalivesSent,
	)
	return res
}

func (s *Session) messageStart(model string) messageStartEvent {
	id := s.newID
	if id == nil {
		id = NewMessageID
	}
	return messageStartEvent{
		Type: "message_start",
		Message: types.MessageResponse{
			ID:      id(),
			Type:    "message",
			Role:    "assistant",
			Content: []types.ContentBlock{},
			Model:   model,
		},
	}
}

// NewMessageID returns an Anthropic-style message id.
func NewMessageID() string {
	return "msg_" + uuid.NewString()
}

type messageStartEvent struct {
	Type    string                `json:"type"`
	Message types.MessageResponse `json:"message"`
}

type textBlockStart struct {
	Type         string             `json:"type"`
	Index        int                `json:"index"`
	ContentBlock types.ContentBlock `json:"content_block"`
}

const textDeltaType = "text_delta"

type textDelta struct {
	Type  string             `json:"type"`
	Index int                `json:"index"`
	Delta types.ContentBlock `json:"delta"`
}

type blockStop struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

type messageStop struct {
	Type string `json:"type"`
}

type errorEvent struct {
	Type  string      `json:"type"`
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newErrorEvent(message string) errorEvent {
	return errorEvent{Type: "error", Error: errorDetail{Type: "api_error", Message: message}}
}
