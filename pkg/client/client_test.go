package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/propdesk/notifyd/internal/channel"
	"github.com/propdesk/notifyd/internal/config"
	"github.com/propdesk/notifyd/internal/notification"
	"github.com/propdesk/notifyd/internal/pipeline"
	"github.com/propdesk/notifyd/internal/queue"
	transphttp "github.com/propdesk/notifyd/internal/transport/http"
	"github.com/propdesk/notifyd/pkg/client"
)

// ─── test server helpers ─────────────────────────────────────────────────────

type testEnv struct {
	c       *client.Client
	p       *pipeline.Pipeline
	repo    *notification.MemoryRepository
	failing *atomic.Bool
}

// newTestEnv spins up a real pipeline behind the HTTP API on an
// httptest.Server. Everything is cleaned up in t.Cleanup.
func newTestEnv(t *testing.T, apiKey string) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.HTTP.APIKey = apiKey
	cfg.HTTP.RateLimit = 0
	cfg.Pipeline.Workers = 2
	cfg.Pipeline.MaxRetries = 0
	cfg.Store.DequeueTimeout = 20 * time.Millisecond
	cfg.Retry.BaseDelay = 10 * time.Millisecond
	cfg.Retry.MaxDelay = 20 * time.Millisecond
	cfg.Retry.Jitter = 0
	cfg.Retry.PromoteInterval = 10 * time.Millisecond

	store, err := queue.Open(filepath.Join(t.TempDir(), "q.db"), queue.Options{})
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	failing := &atomic.Bool{}
	repo := notification.NewMemoryRepository()
	p, err := pipeline.New(cfg, pipeline.Deps{
		Store: store,
		Repo:  repo,
		Sender: channel.SenderFunc(func(context.Context, *notification.Notification) error {
			if failing.Load() {
				return errors.New("smtp 451")
			}
			return nil
		}),
		NodeID: "sdk-node",
	})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	srv := transphttp.New(p, transphttp.Options{HTTP: cfg.HTTP})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{
		c:       client.New(ts.URL+"/", client.WithAPIKey(apiKey)),
		p:       p,
		repo:    repo,
		failing: failing,
	}
}

// ctx is a convenience context for tests.
func ctx() context.Context { return context.Background() }

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

func (e *testEnv) status(id string) notification.Status {
	n, err := e.repo.Get(ctx(), id)
	if err != nil {
		return ""
	}
	return n.Status
}

// ─── Enqueue ─────────────────────────────────────────────────────────────────

func TestEnqueue_Immediate(t *testing.T) {
	e := newTestEnv(t, "")
	e.repo.Put(&notification.Notification{ID: "n1", Channel: channel.Email, Recipient: "a@b.c"})

	tk, err := e.c.Enqueue(ctx(), "n1", client.WithPriority("high"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if tk.TaskID == "" || tk.NotificationID != "n1" || tk.Priority != "high" || tk.Delayed {
		t.Fatalf("task = %+v", tk)
	}
	if !waitFor(2*time.Second, func() bool { return e.status("n1") == notification.StatusSent }) {
		t.Fatalf("status = %q", e.status("n1"))
	}
}

func TestEnqueue_WithDelay(t *testing.T) {
	e := newTestEnv(t, "")
	tk, err := e.c.Enqueue(ctx(), "n1", client.WithDelay(1500*time.Millisecond))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// 1.5s rounds up to 2s.
	if !tk.Delayed || time.Until(tk.ExecuteAt) < time.Second {
		t.Fatalf("task = %+v", tk)
	}
	m, err := e.c.Metrics(ctx())
	if err != nil {
		t.Fatal(err)
	}
	if m.QueueSizes["delayed"] != 1 {
		t.Fatalf("queue sizes = %v", m.QueueSizes)
	}
}

func TestEnqueue_BadPriority(t *testing.T) {
	e := newTestEnv(t, "")
	_, err := e.c.Enqueue(ctx(), "n1", client.WithPriority("critical"))
	var ae *client.APIError
	if !errors.As(err, &ae) || ae.StatusCode != http.StatusBadRequest {
		t.Fatalf("err = %v, want 400 APIError", err)
	}
}

func TestEnqueue_StoreDown(t *testing.T) {
	e := newTestEnv(t, "")
	_ = e.p.Shutdown(ctx())
	_, err := e.c.Enqueue(ctx(), "n1")
	if !client.IsUnavailable(err) {
		t.Fatalf("err = %v, want 503", err)
	}
}

func TestEnqueue_EmptyID(t *testing.T) {
	c := client.New("http://localhost:1")
	if _, err := c.Enqueue(ctx(), ""); err == nil {
		t.Fatal("expected error for empty id")
	}
}

// ─── Health + metrics ────────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	e := newTestEnv(t, "")
	h, err := e.c.Health(ctx())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if !h.Healthy() || h.ExpectedWorkers != 2 || h.NodeID != "sdk-node" {
		t.Fatalf("health = %+v", h)
	}
}

func TestHealth_UnhealthyIsNotAnError(t *testing.T) {
	e := newTestEnv(t, "")
	_ = e.p.Shutdown(ctx())
	h, err := e.c.Health(ctx())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "unhealthy" {
		t.Fatalf("status = %q", h.Status)
	}
}

func TestMetrics(t *testing.T) {
	e := newTestEnv(t, "")
	m, err := e.c.Metrics(ctx())
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if m.PipelineStatus != "running" || len(m.CircuitBreakerStates) != 3 {
		t.Fatalf("metrics = %+v", m)
	}
}

// ─── Dead letters + breakers ─────────────────────────────────────────────────

func TestDeadLetters_ListReplayPurge(t *testing.T) {
	e := newTestEnv(t, "")
	e.failing.Store(true)
	for _, id := range []string{"n1", "n2"} {
		e.repo.Put(&notification.Notification{ID: id, Channel: channel.SMS, Recipient: "+15550100"})
		if _, err := e.c.Enqueue(ctx(), id); err != nil {
			t.Fatal(err)
		}
	}

	var dls []client.DeadLetter
	ok := waitFor(2*time.Second, func() bool {
		dls, _ = e.c.DeadLetters(ctx(), 10)
		return len(dls) == 2
	})
	if !ok {
		t.Fatalf("dead letters = %d, want 2", len(dls))
	}
	if dls[0].Task == nil || dls[0].Reason != queue.ReasonMaxRetries || dls[0].LastError != "smtp 451" {
		t.Fatalf("dead letter = %+v", dls[0])
	}

	e.failing.Store(false)
	n, err := e.c.ReplayDeadLetters(ctx(), 1)
	if err != nil || n != 1 {
		t.Fatalf("Replay = %d, %v", n, err)
	}
	n, err = e.c.PurgeDeadLetters(ctx())
	if err != nil || n != 1 {
		t.Fatalf("Purge = %d, %v", n, err)
	}
}

func TestBreakers_ListAndReset(t *testing.T) {
	e := newTestEnv(t, "")
	bs, err := e.c.Breakers(ctx())
	if err != nil {
		t.Fatal(err)
	}
	if len(bs) != 3 || bs[0].State != "CLOSED" {
		t.Fatalf("breakers = %+v", bs)
	}
	if err := e.c.ResetBreaker(ctx(), "telegram"); err != nil {
		t.Fatalf("ResetBreaker: %v", err)
	}
	if err := e.c.ResetBreaker(ctx(), "fax"); !client.IsNotFound(err) {
		t.Fatalf("unknown channel err = %v", err)
	}
}

// ─── Errors + options ────────────────────────────────────────────────────────

func TestAPIError_IsNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /circuit-breakers/{channel}/reset", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "not found"})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	err := client.New(ts.URL).ResetBreaker(ctx(), "phantom")

	var ae *client.APIError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if ae.StatusCode != http.StatusNotFound || ae.Message != "not found" {
		t.Fatalf("APIError = %+v", ae)
	}
	if !client.IsNotFound(err) {
		t.Fatal("IsNotFound should return true")
	}
}

func TestWithAPIKey_Passed(t *testing.T) {
	e := newTestEnv(t, "mysecret")
	if _, err := e.c.Metrics(ctx()); err != nil {
		t.Fatalf("Metrics with API key: %v", err)
	}

	bare := client.New(e.c.BaseURL())
	_, err := bare.Metrics(ctx())
	var ae *client.APIError
	if !errors.As(err, &ae) || ae.StatusCode != http.StatusUnauthorized {
		t.Fatalf("without key err = %v, want 401", err)
	}
}

func TestIsRateLimited(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()
	_, err := client.New(ts.URL).Metrics(ctx())
	if !client.IsRateLimited(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestWithTimeout(t *testing.T) {
	c := client.New("http://localhost:1", client.WithTimeout(50*time.Millisecond))
	if _, err := c.Health(ctx()); err == nil {
		t.Fatal("expected error on unreachable server")
	}
}
