package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rynfar/opencode-claude-max-proxy/internal/admission"
	"github.com/rynfar/opencode-claude-max-proxy/internal/httputil"
	"github.com/rynfar/opencode-claude-max-proxy/internal/queue"
	"github.com/rynfar/opencode-claude-max-proxy/internal/stream"
	"github.com/rynfar/opencode-claude-max-proxy/internal/telemetry"
	"github.com/rynfar/opencode-claude-max-proxy/internal/types"
	"github.com/rynfar/opencode-claude-max-proxy/internal/upstream"
)

// fakeProvider replays results and remembers what it was asked to run.
type fakeProvider struct {
	mu       sync.Mutex
	results  []upstream.Result
	startErr error
	prompts  []string
	opts     []upstream.SessionOptions
}

func (f *fakeProvider) Start(_ context.Context, prompt string, opts upstream.SessionOptions) (<-chan upstream.Result, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.opts = append(f.opts, opts)
	f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	ch := make(chan upstream.Result, len(f.results))
	for _, r := range f.results {
		ch <- r
	}
	close(ch)
	return ch, nil
}

func event(t *testing.T, raw string) upstream.Result {
	t.Helper()
	ev, err := upstream.NewEvent(raw)
	require.NoError(t, err, "bad event %s", raw)
	return upstream.Result{Message: upstream.StreamEvent{Event: ev}}
}

func newTestRouter(p upstream.Provider, opts RouteOptions) (http.Handler, *Handler) {
	h := NewHandler(p, queue.New(), Options{
		Base:    upstream.SessionOptions{MaxTurns: 100, PermissionMode: upstream.PermissionModeBypass},
		Version: "test",
	}, nil)
	return NewRouter(h, opts), h
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func sseEventNames(body string) []string {
	var names []string
	for _, line := range strings.Split(body, "\n") {
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			names = append(names, name)
		}
	}
	return names
}

func TestRoot(t *testing.T) {
	router, _ := newTestRouter(&fakeProvider{}, RouteOptions{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var desc types.ServiceDescriptor
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &desc))
	assert.Equal(t, "ok", desc.Status)
	assert.Equal(t, "claude-max-proxy", desc.Service)
	assert.Equal(t, "anthropic", desc.Format)
	assert.Equal(t, "test", desc.Version)
	assert.Len(t, desc.Endpoints, 2)
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(&fakeProvider{}, RouteOptions{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
}

func TestNotFound(t *testing.T) {
	router, _ := newTestRouter(&fakeProvider{}, RouteOptions{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
	var apiErr httputil.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, "not_found_error", apiErr.Error.Type)
}

func TestMessages_MalformedBody(t *testing.T) {
	p := &fakeProvider{}
	router, _ := newTestRouter(p, RouteOptions{})

	rec := post(t, router, "/v1/messages", `{not json`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var apiErr httputil.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, "error", apiErr.Type)
	assert.Equal(t, "api_error", apiErr.Error.Type)
	assert.Empty(t, p.prompts, "upstream must not run for malformed input")
}

func TestMessages_NonStream(t *testing.T) {
	p := &fakeProvider{results: []upstream.Result{
		{Message: upstream.AssistantMessage{Content: []upstream.ContentBlock{{Type: "text", Text: "Hello there"}}}},
		{Message: upstream.ResultMessage{Subtype: "success"}},
	}}
	router, _ := newTestRouter(p, RouteOptions{})

	rec := post(t, router, "/v1/messages", `{"model":"claude-3-5-haiku","messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp types.MessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "Hello there", resp.Content[0].Text)
	require.NotNil(t, resp.StopReason)
	assert.Equal(t, "end_turn", *resp.StopReason)
	assert.Equal(t, "claude-3-5-haiku", resp.Model, "requested model is echoed")

	assert.Equal(t, "Human: hi", p.prompts[0])
	assert.Equal(t, upstream.ModelHaiku, p.opts[0].Model)
	assert.Equal(t, 100, p.opts[0].MaxTurns)
	assert.Equal(t, upstream.PermissionModeBypass, p.opts[0].PermissionMode)
}

func TestMessages_NonStreamFallback(t *testing.T) {
	router, _ := newTestRouter(&fakeProvider{}, RouteOptions{})

	rec := post(t, router, "/messages", `{"messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp types.MessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Content, 1)
	assert.Equal(t, stream.FallbackText, resp.Content[0].Text)
}

func TestMessages_NonStreamUpstreamError(t *testing.T) {
	p := &fakeProvider{results: []upstream.Result{{Err: errors.New("claude CLI exited with code 1")}}}
	router, _ := newTestRouter(p, RouteOptions{})

	rec := post(t, router, "/v1/messages", `{"messages":[]}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var apiErr httputil.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, "api_error", apiErr.Error.Type)
	assert.Contains(t, apiErr.Error.Message, "exited with code 1")
}

func TestMessages_Stream(t *testing.T) {
	p := &fakeProvider{results: []upstream.Result{
		event(t, `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"t","name":"Bash"}}`),
		event(t, `{"type":"content_block_stop","index":1}`),
		event(t, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`),
		event(t, `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":2}}`),
	}}
	router, _ := newTestRouter(p, RouteOptions{})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"claude-3-opus-20240229","stream":true,"messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("X-Request-ID", "req-stream-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "req-stream-1", rec.Header().Get("X-Request-ID"))

	body := rec.Body.String()
	assert.Equal(t, []string{
		"message_start", "content_block_start", "content_block_delta",
		"content_block_stop", "message_delta", "message_stop",
	}, sseEventNames(body))
	assert.NotContains(t, body, "tool_use", "tool_use leaked to the client")
	assert.Contains(t, body, `"stop_reason":"end_turn"`)
	assert.Contains(t, body, `"output_tokens":2`)
	assert.Equal(t, upstream.ModelOpus, p.opts[0].Model)
}

func TestMessages_StreamUpstreamError(t *testing.T) {
	p := &fakeProvider{startErr: errors.New("spawn failed")}
	router, _ := newTestRouter(p, RouteOptions{})

	rec := post(t, router, "/v1/messages", `{"stream":true,"messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusOK, rec.Code, "stream status is committed before the upstream starts")
	assert.Equal(t, []string{"message_start", "content_block_start", "error"}, sseEventNames(rec.Body.String()))
	assert.NotContains(t, rec.Body.String(), "message_stop", "terminal sequence must not follow an error event")
}

func TestMessages_AdmissionRejected(t *testing.T) {
	slots := admission.NewSlots(nil, 0)
	// httptest requests come from 192.0.2.1; that client already has a
	// request in flight.
	d, err := slots.Acquire(context.Background(), "192.0.2.1", 1)
	require.NoError(t, err)
	require.True(t, d.Admitted)

	p := &fakeProvider{}
	router, _ := newTestRouter(p, RouteOptions{Limit: admission.Middleware(slots, 1, nil)})

	rec := post(t, router, "/v1/messages", `{}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Empty(t, p.opts, "rejected request must not reach the upstream")

	require.NoError(t, slots.Release(context.Background(), "192.0.2.1"))
	rec = post(t, router, "/v1/messages", `{"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, "admitted once the slot was released")
	assert.Zero(t, slots.Pending("192.0.2.1"), "slot released after the turn finished")

	// Informational routes are never limited.
	root := httptest.NewRecorder()
	router.ServeHTTP(root, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, root.Code)
}

// slowProvider holds every session for a moment and tracks overlap.
type slowProvider struct {
	active, maxActive atomic.Int32
}

func (s *slowProvider) Start(context.Context, string, upstream.SessionOptions) (<-chan upstream.Result, error) {
	n := s.active.Add(1)
	for {
		m := s.maxActive.Load()
		if n <= m || s.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	ch := make(chan upstream.Result)
	go func() {
		defer close(ch)
		time.Sleep(5 * time.Millisecond)
		s.active.Add(-1)
	}()
	return ch, nil
}

func TestMessages_SingleFlight(t *testing.T) {
	p := &slowProvider{}
	router, _ := newTestRouter(p, RouteOptions{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(stream bool) {
			defer wg.Done()
			body := `{"messages":[{"role":"user","content":"hi"}]}`
			if stream {
				body = `{"stream":true,"messages":[{"role":"user","content":"hi"}]}`
			}
			post(t, router, "/v1/messages", body)
		}(i%2 == 0)
	}
	wg.Wait()

	assert.EqualValues(t, 1, p.maxActive.Load(), "at most one upstream session at a time")
}

func TestMetricsRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	p := &fakeProvider{results: []upstream.Result{
		event(t, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`),
	}}
	h := NewHandler(p, queue.New(queue.WithObserver(metrics)), Options{Version: "test"}, metrics)
	router := NewRouter(h, RouteOptions{Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})})

	post(t, router, "/v1/messages", `{"stream":true,"messages":[{"role":"user","content":"hi"}]}`)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`claude_proxy_stream_session_total{outcome="completed"} 1`,
		`claude_proxy_request_total{mode="stream",model="sonnet",status="200"} 1`,
		`claude_proxy_queue_tasks_total{result="ok"} 1`,
	} {
		assert.Contains(t, string(body), want)
	}
}
