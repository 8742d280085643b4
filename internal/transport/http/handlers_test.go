package http_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	gorillaws "github.com/gorilla/websocket"

	"github.com/propdesk/notifyd/internal/channel"
	"github.com/propdesk/notifyd/internal/config"
	"github.com/propdesk/notifyd/internal/notification"
	"github.com/propdesk/notifyd/internal/pipeline"
	"github.com/propdesk/notifyd/internal/queue"
	transphttp "github.com/propdesk/notifyd/internal/transport/http"
	transportws "github.com/propdesk/notifyd/internal/transport/websocket"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

type env struct {
	handler http.Handler
	p       *pipeline.Pipeline
	repo    *notification.MemoryRepository
	failing atomic.Bool
}

func newEnv(t *testing.T, tweak func(*config.Config)) *env {
	t.Helper()
	cfg := config.Default()
	cfg.Pipeline.Workers = 2
	cfg.Pipeline.MaxRetries = 0
	cfg.Pipeline.ShutdownGrace = 2 * time.Second
	cfg.Store.DequeueTimeout = 20 * time.Millisecond
	cfg.Retry.BaseDelay = 10 * time.Millisecond
	cfg.Retry.MaxDelay = 20 * time.Millisecond
	cfg.Retry.Jitter = 0
	cfg.Retry.PromoteInterval = 10 * time.Millisecond
	cfg.HTTP.RateLimit = 0
	if tweak != nil {
		tweak(cfg)
	}

	store, err := queue.Open(filepath.Join(t.TempDir(), "q.db"), queue.Options{})
	if err != nil {
		t.Fatal(err)
	}
	e := &env{repo: notification.NewMemoryRepository()}
	sender := channel.SenderFunc(func(context.Context, *notification.Notification) error {
		if e.failing.Load() {
			return errors.New("gateway 502")
		}
		return nil
	})
	e.p, err = pipeline.New(cfg, pipeline.Deps{Store: store, Repo: e.repo, Sender: sender, NodeID: "node-http"})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = e.p.Shutdown(context.Background()) })

	pub := e.p.Publisher()
	srv := transphttp.New(e.p, transphttp.Options{
		HTTP:           cfg.HTTP,
		Prometheus:     pub.Handler(),
		Requests:       pub.HTTPRequests,
		Duration:       pub.HTTPDuration,
		StreamInterval: 50 * time.Millisecond,
	})
	e.handler = srv.Handler()
	return e
}

func (e *env) seed(id, ch string) {
	e.repo.Put(&notification.Notification{ID: id, Channel: ch, Recipient: "ops@example.com", Body: "lease signed"})
}

func (e *env) status(id string) notification.Status {
	n, err := e.repo.Get(context.Background(), id)
	if err != nil {
		return ""
	}
	return n.Status
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode request body: %v", err)
		}
		reqBody = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v, body: %s", err, rr.Body.String())
	}
}

func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// ─── Health + metrics ────────────────────────────────────────────────────────

func TestHTTP_Health(t *testing.T) {
	e := newEnv(t, nil)
	rr := doRequest(t, e.handler, "GET", "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("health: want 200, got %d, body: %s", rr.Code, rr.Body)
	}
	var resp pipeline.HealthReport
	decodeResp(t, rr, &resp)
	if resp.Status != pipeline.HealthHealthy || resp.ExpectedWorkers != 2 {
		t.Errorf("health = %+v", resp)
	}
}

func TestHTTP_HealthUnhealthyIs503(t *testing.T) {
	e := newEnv(t, nil)
	_ = e.p.Shutdown(context.Background())
	rr := doRequest(t, e.handler, "GET", "/health", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("want 503, got %d", rr.Code)
	}
}

func TestHTTP_Metrics(t *testing.T) {
	e := newEnv(t, nil)
	rr := doRequest(t, e.handler, "GET", "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: want 200, got %d", rr.Code)
	}
	var resp map[string]any
	decodeResp(t, rr, &resp)
	for _, key := range []string{
		"pipeline_status", "workers_active", "total_processed", "success_rate",
		"circuit_breaker_states", "queue_sizes", "avg_delivery_time_ms",
	} {
		if _, ok := resp[key]; !ok {
			t.Errorf("metrics response missing %q", key)
		}
	}
}

func TestHTTP_PrometheusExposition(t *testing.T) {
	e := newEnv(t, nil)
	doRequest(t, e.handler, "GET", "/health", nil)
	rr := doRequest(t, e.handler, "GET", "/metrics/prometheus", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{"notifyd_http_requests_total", `route="/health"`, "notifyd_success_rate"} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

// ─── Enqueue ─────────────────────────────────────────────────────────────────

func TestHTTP_EnqueueDelivers(t *testing.T) {
	e := newEnv(t, nil)
	e.seed("n1", channel.Email)

	rr := doRequest(t, e.handler, "POST", "/notifications/n1/enqueue", map[string]any{"priority": "urgent"})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("enqueue: want 202, got %d, body: %s", rr.Code, rr.Body)
	}
	var resp transphttp.EnqueueResponse
	decodeResp(t, rr, &resp)
	if resp.TaskID == "" || resp.Priority != "urgent" || resp.Delayed {
		t.Errorf("enqueue resp = %+v", resp)
	}
	if !waitFor(2*time.Second, func() bool { return e.status("n1") == notification.StatusSent }) {
		t.Fatalf("status = %q", e.status("n1"))
	}
}

func TestHTTP_EnqueueEmptyBodyDefaults(t *testing.T) {
	e := newEnv(t, nil)
	rr := doRequest(t, e.handler, "POST", "/notifications/n1/enqueue", nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("want 202, got %d, body: %s", rr.Code, rr.Body)
	}
	var resp transphttp.EnqueueResponse
	decodeResp(t, rr, &resp)
	if resp.Priority != "normal" {
		t.Errorf("priority = %q, want normal", resp.Priority)
	}
}

func TestHTTP_EnqueueDelayed(t *testing.T) {
	e := newEnv(t, nil)
	rr := doRequest(t, e.handler, "POST", "/notifications/n1/enqueue", map[string]any{"delay_seconds": 60})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("want 202, got %d", rr.Code)
	}
	var resp transphttp.EnqueueResponse
	decodeResp(t, rr, &resp)
	if !resp.Delayed || time.Until(resp.ExecuteAt) < 50*time.Second {
		t.Errorf("resp = %+v", resp)
	}
	m, _ := e.p.Metrics(context.Background())
	if m.QueueSizes[queue.DelayedQueue] != 1 {
		t.Errorf("delayed depth = %d", m.QueueSizes[queue.DelayedQueue])
	}
}

func TestHTTP_EnqueueBadInput(t *testing.T) {
	e := newEnv(t, nil)
	cases := []struct {
		name string
		body any
	}{
		{"unknown priority", map[string]any{"priority": "critical"}},
		{"negative delay", map[string]any{"delay_seconds": -5}},
		{"unknown field", map[string]any{"channel": "sms"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := doRequest(t, e.handler, "POST", "/notifications/n1/enqueue", tc.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("want 400, got %d, body: %s", rr.Code, rr.Body)
			}
		})
	}
}

func TestHTTP_EnqueueStoreDownIs503(t *testing.T) {
	e := newEnv(t, nil)
	_ = e.p.Shutdown(context.Background())
	rr := doRequest(t, e.handler, "POST", "/notifications/n1/enqueue", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("want 503, got %d", rr.Code)
	}
}

func TestHTTP_EnqueueBodyTooLarge(t *testing.T) {
	e := newEnv(t, nil)
	big := map[string]any{"priority": strings.Repeat("x", 128<<10)}
	rr := doRequest(t, e.handler, "POST", "/notifications/n1/enqueue", big)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("want 413, got %d", rr.Code)
	}
}

// ─── Dead letters ────────────────────────────────────────────────────────────

func deadLetterOne(t *testing.T, e *env, id string) {
	t.Helper()
	e.seed(id, channel.SMS)
	e.failing.Store(true)
	doRequest(t, e.handler, "POST", "/notifications/"+id+"/enqueue", nil)
	ok := waitFor(2*time.Second, func() bool {
		dls, _ := e.p.DeadLetters(context.Background(), 0)
		return len(dls) == 1
	})
	if !ok {
		t.Fatal("task never dead-lettered")
	}
}

func TestHTTP_DeadLetters_ListPurge(t *testing.T) {
	e := newEnv(t, nil)
	deadLetterOne(t, e, "n1")

	rr := doRequest(t, e.handler, "GET", "/dead-letters", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list: want 200, got %d", rr.Code)
	}
	var list transphttp.DeadLettersResponse
	decodeResp(t, rr, &list)
	if list.Count != 1 || list.DeadLetters[0].Task.NotificationID != "n1" {
		t.Fatalf("list = %+v", list)
	}

	rr = doRequest(t, e.handler, "DELETE", "/dead-letters", nil)
	var purged transphttp.CountResponse
	decodeResp(t, rr, &purged)
	if rr.Code != http.StatusOK || purged.Count != 1 {
		t.Fatalf("purge: %d %+v", rr.Code, purged)
	}

	rr = doRequest(t, e.handler, "GET", "/dead-letters", nil)
	decodeResp(t, rr, &list)
	if list.Count != 0 || list.DeadLetters == nil {
		t.Fatalf("list after purge = %+v", list)
	}
}

func TestHTTP_DeadLetters_Replay(t *testing.T) {
	e := newEnv(t, nil)
	deadLetterOne(t, e, "n1")
	e.failing.Store(false)

	rr := doRequest(t, e.handler, "POST", "/dead-letters/replay?limit=5", nil)
	var resp transphttp.CountResponse
	decodeResp(t, rr, &resp)
	if rr.Code != http.StatusOK || resp.Count != 1 {
		t.Fatalf("replay: %d %+v", rr.Code, resp)
	}
	if !waitFor(2*time.Second, func() bool { return e.status("n1") == notification.StatusSent }) {
		t.Fatalf("status after replay = %q", e.status("n1"))
	}
}

func TestHTTP_DeadLetters_BadLimit(t *testing.T) {
	e := newEnv(t, nil)
	for _, q := range []string{"0", "-1", "abc", "5000"} {
		rr := doRequest(t, e.handler, "GET", "/dead-letters?limit="+q, nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: want 400, got %d", q, rr.Code)
		}
	}
}

// ─── Circuit breakers ────────────────────────────────────────────────────────

func TestHTTP_Breakers(t *testing.T) {
	e := newEnv(t, nil)

	rr := doRequest(t, e.handler, "GET", "/circuit-breakers", nil)
	var list transphttp.BreakersResponse
	decodeResp(t, rr, &list)
	if len(list.Breakers) != 3 {
		t.Fatalf("breakers = %+v", list)
	}

	rr = doRequest(t, e.handler, "POST", "/circuit-breakers/telegram/reset", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("reset: want 204, got %d", rr.Code)
	}
	rr = doRequest(t, e.handler, "POST", "/circuit-breakers/pigeon/reset", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("reset unknown: want 404, got %d", rr.Code)
	}
}

// ─── Middleware ──────────────────────────────────────────────────────────────

func TestHTTP_APIKey(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.HTTP.APIKey = "s3cret" })

	if rr := doRequest(t, e.handler, "GET", "/metrics", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("no key: want 401, got %d", rr.Code)
	}
	if rr := doRequest(t, e.handler, "GET", "/metrics", nil, transphttp.APIKeyHeader, "wrong"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: want 401, got %d", rr.Code)
	}
	if rr := doRequest(t, e.handler, "GET", "/metrics", nil, transphttp.APIKeyHeader, "s3cret"); rr.Code != http.StatusOK {
		t.Fatalf("right key: want 200, got %d", rr.Code)
	}
	if rr := doRequest(t, e.handler, "GET", "/health", nil); rr.Code != http.StatusOK {
		t.Fatalf("health must not need a key, got %d", rr.Code)
	}
}

func TestHTTP_RateLimit(t *testing.T) {
	e := newEnv(t, func(c *config.Config) {
		c.HTTP.RateLimit = 1
		c.HTTP.RateBurst = 3
	})
	var limited int
	for i := 0; i < 6; i++ {
		rr := doRequest(t, e.handler, "GET", "/health", nil, "X-Forwarded-For", "203.0.113.7")
		if rr.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited < 2 {
		t.Fatalf("limited = %d, want >= 2", limited)
	}
	// A different client has its own bucket.
	rr := doRequest(t, e.handler, "GET", "/health", nil, "X-Forwarded-For", "198.51.100.2")
	if rr.Code != http.StatusOK {
		t.Fatalf("other IP: want 200, got %d", rr.Code)
	}
}

// ─── WebSocket ───────────────────────────────────────────────────────────────

func TestHTTP_MetricsStream(t *testing.T) {
	e := newEnv(t, nil)
	srv := httptest.NewServer(e.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/metrics?interval_ms=100"
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for i := 0; i < 2; i++ {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read frame %d: %v", i, err)
		}
		var f transportws.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if f.Type != "metrics" || f.Data == nil || f.Data.PipelineStatus != pipeline.StatusRunning {
			t.Fatalf("frame %d = %s", i, raw)
		}
	}
}

func TestHTTP_MetricsStreamBadInterval(t *testing.T) {
	e := newEnv(t, nil)
	rr := doRequest(t, e.handler, "GET", "/ws/metrics?interval_ms=5", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", rr.Code)
	}
}
