// Package client is the Go SDK for the notifyd HTTP API.
//
// # Quick start
//
//	c := client.New("http://localhost:8080", client.WithAPIKey(key))
//
//	// Deliver a stored notification as soon as possible
//	t, err := c.Enqueue(ctx, notificationID)
//
//	// Deliver in an hour, ahead of normal traffic
//	t, err := c.Enqueue(ctx, notificationID,
//	    client.WithPriority("high"), client.WithDelay(time.Hour))
//
//	// Operate on the dead-letter queue
//	dls, err := c.DeadLetters(ctx, 50)
//	n, err := c.ReplayDeadLetters(ctx, 50)
//
// # Error handling
//
// Methods return an *APIError when the server responds with a non-2xx
// status. Health is the exception: an unhealthy node answers 503 with a
// normal report, which Health returns without error.
//
// Client is safe for concurrent use.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// ─── Error type ──────────────────────────────────────────────────────────────

// APIError is returned when the server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("notifyd: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsUnavailable reports whether err is a 503, which the server returns when
// the queue store cannot accept work.
func IsUnavailable(err error) bool { return hasStatus(err, http.StatusServiceUnavailable) }

// IsRateLimited reports whether err is a 429.
func IsRateLimited(err error) bool { return hasStatus(err, http.StatusTooManyRequests) }

func hasStatus(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == code
}

// ─── Client options ──────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the key sent in every request as the X-Api-Key header.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout. The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ──────────────────────────────────────────────────────────────────

// Client is the notifyd API client.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a Client for the server at baseURL.
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL returns the server address this client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// ─── Enqueue options ─────────────────────────────────────────────────────────

// EnqueueOption configures a single Enqueue call.
type EnqueueOption func(*enqueuePayload)

// WithPriority selects the ready queue: "urgent", "high", "normal" or "low".
func WithPriority(p string) EnqueueOption {
	return func(e *enqueuePayload) { e.Priority = p }
}

// WithDelay holds the task back for d. The server works in whole seconds;
// d is rounded up.
func WithDelay(d time.Duration) EnqueueOption {
	return func(e *enqueuePayload) {
		secs := int64(d / time.Second)
		if d%time.Second > 0 {
			secs++
		}
		e.DelaySeconds = secs
	}
}

// WithDeliverAt holds the task back until t.
func WithDeliverAt(t time.Time) EnqueueOption {
	return func(e *enqueuePayload) {
		if d := time.Until(t); d > 0 {
			WithDelay(d)(e)
		}
	}
}

// ─── Domain types ────────────────────────────────────────────────────────────

// Task acknowledges an accepted enqueue.
type Task struct {
	TaskID         string    `json:"task_id"`
	NotificationID string    `json:"notification_id"`
	Priority       string    `json:"priority"`
	Delayed        bool      `json:"delayed"`
	ExecuteAt      time.Time `json:"execute_at"`
}

// Health is the /health report.
type Health struct {
	Status               string            `json:"status"` // healthy | degraded | unhealthy
	ActiveWorkers        int               `json:"active_workers"`
	ExpectedWorkers      int               `json:"expected_workers"`
	Store                string            `json:"store"`
	CircuitBreakerStates map[string]string `json:"circuit_breaker_states"`
	NodeID               string            `json:"node_id"`
	Uptime               string            `json:"uptime"`
}

// Healthy reports whether the node is fully healthy.
func (h *Health) Healthy() bool { return h.Status == "healthy" }

// Metrics is the /metrics report.
type Metrics struct {
	PipelineStatus          string            `json:"pipeline_status"`
	WorkersActive           int               `json:"workers_active"`
	TotalProcessed          int64             `json:"total_processed"`
	SuccessfulDeliveries    int64             `json:"successful_deliveries"`
	FailedDeliveries        int64             `json:"failed_deliveries"`
	RetriesAttempted        int64             `json:"retries_attempted"`
	AvgDeliveryTimeMs       float64           `json:"avg_delivery_time_ms"`
	SuccessRate             float64           `json:"success_rate"`
	CircuitBreakerTrips     int64             `json:"circuit_breaker_trips"`
	CircuitBreakerRejection int64             `json:"circuit_breaker_rejections"`
	DeadLettered            int64             `json:"dead_lettered"`
	Dropped                 int64             `json:"dropped"`
	Lost                    int64             `json:"lost"`
	LastReset               time.Time         `json:"last_reset"`
	CircuitBreakerStates    map[string]string `json:"circuit_breaker_states"`
	QueueSizes              map[string]int    `json:"queue_sizes"`
}

// DeadLetter is a task that exhausted its retries.
type DeadLetter struct {
	ID        string          `json:"id"`
	Task      *DeadLetterTask `json:"task,omitempty"`
	Reason    string          `json:"reason"`
	LastError string          `json:"last_error"`
	FailedAt  time.Time       `json:"failed_at"`
}

// DeadLetterTask is the task carried by a dead letter.
type DeadLetterTask struct {
	ID             string     `json:"id"`
	NotificationID string     `json:"notification_id"`
	Priority       string     `json:"priority"`
	EnqueuedAt     time.Time  `json:"enqueued_at"`
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"`
	LastRetryAt    *time.Time `json:"last_retry_at,omitempty"`
	Origin         string     `json:"origin,omitempty"`
}

// Breaker is one channel's circuit breaker.
type Breaker struct {
	Name             string        `json:"name"`
	State            string        `json:"state"`
	FailureCount     int           `json:"failure_count"`
	FailureThreshold int           `json:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
	LastFailureTime  *time.Time    `json:"last_failure_time,omitempty"`
}

// ─── Operations ──────────────────────────────────────────────────────────────

// Enqueue submits a stored notification for delivery.
func (c *Client) Enqueue(ctx context.Context, notificationID string, opts ...EnqueueOption) (*Task, error) {
	if notificationID == "" {
		return nil, errors.New("notifyd: notification id is required")
	}
	var p enqueuePayload
	for _, o := range opts {
		o(&p)
	}
	var t Task
	path := "/notifications/" + url.PathEscape(notificationID) + "/enqueue"
	if err := c.do(ctx, http.MethodPost, path, p, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Health returns the node's health report. A 503 carrying a report is not an
// error; check Health.Status.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/health", nil, &h)
	var ae *APIError
	if errors.As(err, &ae) && ae.StatusCode == http.StatusServiceUnavailable && h.Status != "" {
		return &h, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// Metrics returns delivery counters, breaker states and queue depths.
func (c *Client) Metrics(ctx context.Context) (*Metrics, error) {
	var m Metrics
	if err := c.do(ctx, http.MethodGet, "/metrics", nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// DeadLetters returns up to limit dead letters, oldest first. limit <= 0
// uses the server default.
func (c *Client) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	var resp struct {
		DeadLetters []DeadLetter `json:"dead_letters"`
	}
	if err := c.do(ctx, http.MethodGet, "/dead-letters"+limitQuery(limit), nil, &resp); err != nil {
		return nil, err
	}
	return resp.DeadLetters, nil
}

// PurgeDeadLetters discards every dead letter and returns how many there were.
func (c *Client) PurgeDeadLetters(ctx context.Context) (int, error) {
	var resp countResp
	if err := c.do(ctx, http.MethodDelete, "/dead-letters", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// ReplayDeadLetters re-enqueues up to limit dead letters with a fresh retry
// budget and returns how many were replayed.
func (c *Client) ReplayDeadLetters(ctx context.Context, limit int) (int, error) {
	var resp countResp
	if err := c.do(ctx, http.MethodPost, "/dead-letters/replay"+limitQuery(limit), nil, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// Breakers lists every channel's circuit breaker.
func (c *Client) Breakers(ctx context.Context) ([]Breaker, error) {
	var resp struct {
		Breakers []Breaker `json:"circuit_breakers"`
	}
	if err := c.do(ctx, http.MethodGet, "/circuit-breakers", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Breakers, nil
}

// ResetBreaker closes the named channel's breaker. Unknown channels return a
// 404 *APIError.
func (c *Client) ResetBreaker(ctx context.Context, channel string) error {
	return c.do(ctx, http.MethodPost, "/circuit-breakers/"+url.PathEscape(channel)+"/reset", nil, nil)
}

// ─── HTTP transport ──────────────────────────────────────────────────────────

// do performs a single request. body is JSON-encoded when non-nil; resp is
// decoded from JSON when non-nil, including on error responses so callers can
// read structured failure bodies. 204 is success with no body.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("notifyd: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("notifyd: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("notifyd: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("notifyd: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
			if resp != nil {
				_ = json.Unmarshal(respBody, resp)
			}
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("notifyd: decode response: %w", err)
		}
	}
	return nil
}

// ─── Internal wire types ─────────────────────────────────────────────────────

type enqueuePayload struct {
	Priority     string `json:"priority,omitempty"`
	DelaySeconds int64  `json:"delay_seconds,omitempty"`
}

type countResp struct {
	Count int `json:"count"`
}

func limitQuery(limit int) string {
	if limit <= 0 {
		return ""
	}
	return "?limit=" + strconv.Itoa(limit)
}
