package gateway

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rynfar/opencode-claude-max-proxy/internal/logging"
)

// RouteOptions are the optional pieces of the router.
type RouteOptions struct {
	Logger *slog.Logger
	// Limit wraps the message routes, e.g. admission.Middleware.
	Limit func(http.Handler) http.Handler
	// Metrics is served on GET /metrics when set.
	Metrics http.Handler
}

// NewRouter builds the HTTP surface of the proxy.
func NewRouter(h *Handler, opts RouteOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(logging.RequestLogger(logger))

	r.NotFound(h.NotFound)
	r.Get("/", h.Root)
	r.Get("/health", h.Health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Group(func(r chi.Router) {
		if opts.Limit != nil {
			r.Use(opts.Limit)
		}
		r.Post("/v1/messages", h.Messages)
		r.Post("/messages", h.Messages)
	})
	return r
}
