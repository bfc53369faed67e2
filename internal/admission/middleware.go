package admission

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/rynfar/opencode-claude-max-proxy/internal/httputil"
)

const (
	headerPendingLimit     = "X-Pending-Limit"
	headerPendingRemaining = "X-Pending-Remaining"
)

// Middleware rejects a request with 429 when its client already has limit
// requests queued or running. The slot is held until the wrapped handler
// returns, which for the message routes is when the queued turn has
// finished. Clients are keyed by remote IP, so it belongs after
// middleware.RealIP. onRejected, if set, is called for every rejection.
func Middleware(counter Counter, limit int, onRejected func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := middleware.GetReqID(r.Context())
			client := clientIP(r)

			d, err := counter.Acquire(r.Context(), client, int64(limit))
			if err != nil {
				slog.Warn("admission check failed", "request_id", reqID, "error", err)
			}

			w.Header().Set(headerPendingLimit, strconv.Itoa(limit))
			w.Header().Set(headerPendingRemaining, strconv.FormatInt(max(int64(limit)-d.Pending, 0), 10))

			if !d.Admitted {
				slog.Warn("client has too many pending requests",
					"request_id", reqID,
					"client", client,
					"pending", d.Pending,
					"limit", limit,
				)
				if onRejected != nil {
					onRejected()
				}
				httputil.WriteRateLimitError(w, reqID,
					fmt.Sprintf("Too many pending requests: at most %d may be queued or running per client", limit))
				return
			}

			defer func() {
				// The client may be gone; the slot still has to come back.
				if err := counter.Release(context.WithoutCancel(r.Context()), client); err != nil {
					slog.Warn("admission release failed", "request_id", reqID, "error", err)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
