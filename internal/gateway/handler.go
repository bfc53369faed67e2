package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/rynfar/opencode-claude-max-proxy/internal/httputil"
	"github.com/rynfar/opencode-claude-max-proxy/internal/logging"
	"github.com/rynfar/opencode-claude-max-proxy/internal/queue"
	"github.com/rynfar/opencode-claude-max-proxy/internal/stream"
	"github.com/rynfar/opencode-claude-max-proxy/internal/telemetry"
	"github.com/rynfar/opencode-claude-max-proxy/internal/translate"
	"github.com/rynfar/opencode-claude-max-proxy/internal/types"
	"github.com/rynfar/opencode-claude-max-proxy/internal/upstream"
)

const maxBodyBytes = 32 << 20

// Endpoints lists the routes advertised by the root descriptor.
var Endpoints = []string{"/v1/messages", "/messages"}

// Options holds the per-request settings the handler applies.
type Options struct {
	Base              upstream.SessionOptions
	KeepaliveInterval time.Duration
	Version           string
}

// Handler holds dependencies for the proxy HTTP handlers.
type Handler struct {
	provider upstream.Provider
	queue    *queue.Queue
	opts     Options
	metrics  *telemetry.Metrics
}

// NewHandler wires the handler. metrics may be nil.
func NewHandler(provider upstream.Provider, q *queue.Queue, opts Options, metrics *telemetry.Metrics) *Handler {
	return &Handler{
		provider: provider,
		queue:    q,
		opts:     opts,
		metrics:  metrics,
	}
}

// Messages handles POST /v1/messages and POST /messages
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())
	logger := logging.FromContext(r.Context())
	receivedAt := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		httputil.WriteAPIError(w, reqID, "Failed to read request body: "+err.Error())
		return
	}
	defer r.Body.Close()

	req, err := types.DecodeRequest(body)
	if err != nil {
		logger.Warn("malformed request", "error", err)
		httputil.WriteAPIError(w, reqID, err.Error())
		h.record("unknown", req, "500", receivedAt)
		return
	}

	prompt, opts := translate.Translate(req, h.opts.Base)
	logger.Info("message request",
		"model_requested", req.Model,
		"model_served", opts.Model,
		"stream", req.Stream,
		"messages", len(req.Messages),
		"prompt_chars", len(prompt),
		"queue_depth", h.queue.Size(),
	)

	if req.Stream {
		h.handleStream(w, r, logger, prompt, opts, req, receivedAt)
		return
	}
	h.handleMessage(w, r, logger, prompt, opts, req, receivedAt)
}

func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request, logger *slog.Logger, prompt string, opts upstream.SessionOptions, req *types.InboundRequest, receivedAt time.Time) {
	reqID := middleware.GetReqID(r.Context())

	var resp *types.MessageResponse
	err := h.queue.Enqueue(r.Context(), func(ctx context.Context) error {
		var err error
		resp, err = stream.Aggregate(ctx, h.provider, prompt, opts, req.Model)
		return err
	})
	if err != nil {
		if isCancellation(err) {
			logger.Info("client left before the response was ready", "error", err)
			h.record("json", req, "499", receivedAt)
			return
		}
		logger.Error("upstream session failed", "error", err)
		httputil.WriteAPIError(w, reqID, err.Error())
		h.record("json", req, "500", receivedAt)
		return
	}

	logger.Info("request completed",
		"response_chars", len(resp.Content[0].Text),
		"duration_ms", time.Since(receivedAt).Milliseconds(),
		"stream", false,
	)
	httputil.WriteJSON(w, http.StatusOK, resp)
	h.record("json", req, "200", receivedAt)
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request, logger *slog.Logger, prompt string, opts upstream.SessionOptions, req *types.InboundRequest, receivedAt time.Time) {
	reqID := middleware.GetReqID(r.Context())

	var committed bool
	var result stream.Result
	err := h.queue.Enqueue(r.Context(), func(ctx context.Context) error {
		sink, err := stream.NewSSESink(r.Context(), w, reqID)
		if err != nil {
			return err
		}
		committed = true

		session := &stream.Session{
			Provider:          h.provider,
			Sink:              sink,
			Logger:            logger,
			KeepaliveInterval: h.opts.KeepaliveInterval,
		}
		if h.metrics != nil {
			session.Recorder = h.metrics
		}
		result = session.Run(ctx, prompt, opts, req.Model)
		return result.Err
	})

	switch {
	case err == nil:
		logger.Info("stream completed",
			"outcome", result.Outcome,
			"events_forwarded", result.Stats.EventsForwarded,
			"bytes_sent", result.Stats.BytesSent,
			"duration_ms", time.Since(receivedAt).Milliseconds(),
			"stream", true,
		)
		h.record("stream", req, "200", receivedAt)
	case !committed && isCancellation(err):
		logger.Info("client left while queued", "error", err)
		h.record("stream", req, "499", receivedAt)
	case !committed:
		logger.Error("stream could not start", "error", err)
		httputil.WriteAPIError(w, reqID, err.Error())
		h.record("stream", req, "500", receivedAt)
	default:
		// The session already reported the failure in-band.
		logger.Warn("stream ended with error", "outcome", result.Outcome, "error", err)
		h.record("stream", req, "200", receivedAt)
	}
}

func (h *Handler) record(mode string, req *types.InboundRequest, status string, receivedAt time.Time) {
	if h.metrics == nil {
		return
	}
	model := ""
	if req != nil {
		model = string(translate.MapModel(req.Model))
	}
	h.metrics.RecordRequest(telemetry.RequestLabels{
		Mode:       mode,
		Model:      model,
		Status:     status,
		DurationMs: float64(time.Since(receivedAt).Milliseconds()),
	})
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Root handles GET /
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, types.ServiceDescriptor{
		Status:    "ok",
		Service:   "claude-max-proxy",
		Version:   h.opts.Version,
		Format:    "anthropic",
		Endpoints: Endpoints,
	})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": h.opts.Version,
	})
}

// NotFound answers unknown routes with an Anthropic error envelope.
func (h *Handler) NotFound(w http.ResponseWriter, r *http.Request) {
	httputil.WriteNotFoundError(w, middleware.GetReqID(r.Context()), "Not found: "+r.Method+" "+r.URL.Path)
}
