package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/propdesk/notifyd/internal/breaker"
	"github.com/propdesk/notifyd/internal/pipeline"
	"github.com/propdesk/notifyd/internal/queue"
	"github.com/propdesk/notifyd/internal/task"
)

// Dead-letter listing bounds.
const (
	defaultDeadLetterLimit = 100
	maxDeadLetterLimit     = 1000
)

// Service is the pipeline surface the API exposes. *pipeline.Pipeline
// satisfies it.
type Service interface {
	EnqueueNotification(ctx context.Context, notificationID string, priority task.Priority, delay time.Duration) (*task.Task, error)
	Metrics(ctx context.Context) (*pipeline.MetricsReport, error)
	Health(ctx context.Context) *pipeline.HealthReport
	DeadLetters(ctx context.Context, limit int) ([]queue.DeadLetter, error)
	PurgeDeadLetters(ctx context.Context) (int, error)
	ReplayDeadLetters(ctx context.Context, limit int) (int, error)
	ResetBreaker(channel string) error
	Breakers() []breaker.Snapshot
}

// Handler groups the request handlers around a Service.
type Handler struct {
	svc Service
}

// ─── DTOs ────────────────────────────────────────────────────────────────────

// EnqueueRequest is the optional body of POST /notifications/{id}/enqueue.
// An empty body means normal priority, no delay.
type EnqueueRequest struct {
	Priority     string `json:"priority,omitempty"`
	DelaySeconds int64  `json:"delay_seconds,omitempty"`
}

// EnqueueResponse acknowledges an accepted task.
type EnqueueResponse struct {
	TaskID         string    `json:"task_id"`
	NotificationID string    `json:"notification_id"`
	Priority       string    `json:"priority"`
	Delayed        bool      `json:"delayed"`
	ExecuteAt      time.Time `json:"execute_at"`
}

// DeadLettersResponse lists dead letters oldest first.
type DeadLettersResponse struct {
	DeadLetters []queue.DeadLetter `json:"dead_letters"`
	Count       int                `json:"count"`
}

// CountResponse reports how many entries an operation touched.
type CountResponse struct {
	Count int `json:"count"`
}

// BreakersResponse lists every channel breaker.
type BreakersResponse struct {
	Breakers []breaker.Snapshot `json:"circuit_breakers"`
}

type errorResp struct {
	Error string `json:"error"`
}

// ─── Health + metrics ────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	report := h.svc.Health(r.Context())
	code := http.StatusOK
	if report.Status == pipeline.HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (h *Handler) metrics(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Metrics(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ─── Enqueue ─────────────────────────────────────────────────────────────────

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req EnqueueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	priority := task.PriorityNormal
	if req.Priority != "" {
		p, err := task.ParsePriority(req.Priority)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		priority = p
	}
	delay := time.Duration(req.DelaySeconds) * time.Second

	t, err := h.svc.EnqueueNotification(r.Context(), id, priority, delay)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusAccepted, EnqueueResponse{
		TaskID:         t.ID,
		NotificationID: t.NotificationID,
		Priority:       t.Priority.String(),
		Delayed:        delay > 0,
		ExecuteAt:      t.EnqueuedAt.Add(delay),
	})
}

// ─── Dead letters ────────────────────────────────────────────────────────────

func (h *Handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	dls, err := h.svc.DeadLetters(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if dls == nil {
		dls = []queue.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, DeadLettersResponse{DeadLetters: dls, Count: len(dls)})
}

func (h *Handler) purgeDeadLetters(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.PurgeDeadLetters(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

func (h *Handler) replayDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	n, err := h.svc.ReplayDeadLetters(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

// ─── Circuit breakers ────────────────────────────────────────────────────────

func (h *Handler) listBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, BreakersResponse{Breakers: h.svc.Breakers()})
}

func (h *Handler) resetBreaker(w http.ResponseWriter, r *http.Request) {
	ch := chi.URLParam(r, "channel")
	if err := h.svc.ResetBreaker(ch); err != nil {
		if errors.Is(err, breaker.ErrUnknownChannel) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultDeadLetterLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxDeadLetterLimit {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "limit must be between 1 and " + strconv.Itoa(maxDeadLetterLimit)})
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResp{Error: err.Error()})
}

// decodeJSON decodes an optional body into v. An empty body leaves v alone.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if r.ContentLength > maxRequestBodyBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResp{Error: "request body too large"})
		return false
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResp{Error: "request body too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid json: " + err.Error()})
		return false
	}
	return true
}
