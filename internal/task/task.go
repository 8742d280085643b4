// Package task defines DeliveryTask, the unit of work that circulates through
// the delivery pipeline, and its wire encoding.
//
// It has no imports of other notifyd packages so the queue store, the worker
// pool and the API layer can all depend on it.
package task

import (
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// CurrentVersion is the schema version written by this binary. Fields may only
// be added; a new version is required for any rename or semantic change.
const CurrentVersion = 1

// DefaultMaxRetries applies when a task is created without an explicit ceiling.
const DefaultMaxRetries = 3

// ErrUnsupportedVersion is returned when decoding a task written by a newer
// binary than this one.
var ErrUnsupportedVersion = errors.New("task: unsupported schema version")

// ErrUnknownPriority is returned by ParsePriority.
var ErrUnknownPriority = errors.New("task: unknown priority")

// Priority is one of four discrete delivery priorities.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// DrainOrder lists priorities in the order workers must check them.
var DrainOrder = []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the four defined priorities.
func (p Priority) Valid() bool { return p <= PriorityUrgent }

// ParsePriority accepts the lower-case names produced by String. The empty
// string maps to PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPriority, s)
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPriority, p)
	}
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name.
func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Task is a DeliveryTask: a reference to a persisted notification plus the
// retry bookkeeping the worker pool needs.
//
// While queued the store owns the encoded form. A dequeued task is owned by
// exactly one worker until it is re-enqueued, dead-lettered or dropped.
type Task struct {
	Version        int        `json:"v"`
	ID             string     `json:"id"`
	NotificationID string     `json:"notification_id"`
	Priority       Priority   `json:"priority"`
	EnqueuedAt     time.Time  `json:"enqueued_at"`
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"`
	LastRetryAt    *time.Time `json:"last_retry_at,omitempty"`
	// Origin is the node ID of the instance that enqueued the task.
	Origin string `json:"origin,omitempty"`
}

// New builds a fresh task. maxRetries < 0 selects DefaultMaxRetries.
func New(id, notificationID string, p Priority, maxRetries int, now time.Time) *Task {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Task{
		Version:        CurrentVersion,
		ID:             id,
		NotificationID: notificationID,
		Priority:       p,
		EnqueuedAt:     now.UTC(),
		MaxRetries:     maxRetries,
	}
}

// CanRetry reports whether another attempt is allowed after a failure.
func (t *Task) CanRetry() bool { return t.RetryCount < t.MaxRetries }

// MarkRetry records a failed attempt that will be retried.
func (t *Task) MarkRetry(now time.Time) {
	t.RetryCount++
	ts := now.UTC()
	t.LastRetryAt = &ts
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	c := *t
	if t.LastRetryAt != nil {
		ts := *t.LastRetryAt
		c.LastRetryAt = &ts
	}
	return &c
}

// Validate checks the fields every stored task must carry.
func (t *Task) Validate() error {
	switch {
	case t.ID == "":
		return errors.New("task: id is required")
	case t.NotificationID == "":
		return errors.New("task: notification_id is required")
	case !t.Priority.Valid():
		return fmt.Errorf("%w: %d", ErrUnknownPriority, t.Priority)
	case t.RetryCount < 0 || t.MaxRetries < 0:
		return errors.New("task: retry counters must be non-negative")
	}
	return nil
}

// Encode serialises t for storage.
func Encode(t *Task) ([]byte, error) {
	if t.Version == 0 {
		t.Version = CurrentVersion
	}
	return json.Marshal(t)
}

// Decode parses a stored task. Entries without a version are treated as v1.
func Decode(b []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("task: decode: %w", err)
	}
	if t.Version == 0 {
		t.Version = 1
	}
	if t.Version > CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, t.Version)
	}
	return &t, nil
}
