package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// ErrClientGone reports that the downstream connection is no longer
// writable. It is an expected outcome, not a failure.
var ErrClientGone = errors.New("client disconnected")

// Sink is the downstream byte stream. Implementations need not be safe for
// concurrent use; a session writes from a single goroutine.
type Sink interface {
	WriteEvent(name string, data []byte) error
	WriteComment(text string) error
}

// SSESink writes Server-Sent Events to an HTTP response.
type SSESink struct {
	ctx     context.Context
	w       http.ResponseWriter
	flusher http.Flusher
	bytes   int
}

// NewSSESink sets the streaming headers and commits the 200 status. It
// fails if w cannot flush.
func NewSSESink(ctx context.Context, w http.ResponseWriter, reqID string) (*SSESink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	if reqID != "" {
		h.Set("X-Request-ID", reqID)
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSESink{ctx: ctx, w: w, flusher: flusher}, nil
}

func (s *SSESink) WriteEvent(name string, data []byte) error {
	return s.write(fmt.Sprintf("event: %s\ndata: %s\n\n", name, data))
}

func (s *SSESink) WriteComment(text string) error {
	return s.write(": " + text + "\n\n")
}

// BytesWritten returns the number of bytes accepted by the connection.
func (s *SSESink) BytesWritten() int { return s.bytes }

func (s *SSESink) write(frame string) error {
	if s.ctx.Err() != nil {
		return ErrClientGone
	}
	n, err := fmt.Fprint(s.w, frame)
	s.bytes += n
	if err != nil {
		if isDisconnect(err) || s.ctx.Err() != nil {
			return ErrClientGone
		}
		return fmt.Errorf("write sse frame: %w", err)
	}
	s.flusher.Flush()
	return nil
}

func isDisconnect(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, http.ErrHandlerTimeout)
}
