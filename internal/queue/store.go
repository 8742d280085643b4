// Package queue implements the PriorityQueueStore: durable per-priority FIFO
// ready queues, a time-ordered delayed set used for retry backoff, a
// dead-letter list, and short-lived snapshot entries for observability.
//
// Every layer above (worker pool, retry scheduler, metrics publisher, API)
// talks to the store only through the Store interface.
//
// Persisted layout, per namespace:
//
//	<ns>/ready/urgent   FIFO, key = bucket sequence
//	<ns>/ready/high
//	<ns>/ready/normal
//	<ns>/ready/low
//	<ns>/delayed        key = execute_at (unix ms) ‖ sequence
//	<ns>/dead_letter    key = sequence
//	<ns>/meta           snapshot entries with expiry
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/propdesk/notifyd/internal/task"
)

// ErrStoreUnavailable is returned when the backing store cannot be reached
// (closed, I/O failure). Callers should treat it as transient.
var ErrStoreUnavailable = errors.New("queue: store unavailable")

// ErrNotFound is returned by GetSnapshot for a missing or expired entry.
var ErrNotFound = errors.New("queue: not found")

// Queue names reported by QueueDepths, in addition to the priority names.
const (
	DelayedQueue    = "delayed"
	DeadLetterQueue = "dead_letter"
)

// Dead-letter reasons written by the pipeline.
const (
	ReasonMaxRetries  = "max_retries_exceeded"
	ReasonUndecodable = "undecodable_entry"
)

// DeadLetter is a task that will never be processed again without manual
// intervention.
type DeadLetter struct {
	ID        string     `json:"id"`
	Task      *task.Task `json:"task,omitempty"`
	Raw       []byte     `json:"raw,omitempty"` // set when the entry could not be decoded
	Reason    string     `json:"reason"`
	LastError string     `json:"last_error,omitempty"`
	FailedAt  time.Time  `json:"failed_at"`
}

// Store is the PriorityQueueStore abstraction. All methods are safe for
// concurrent use; a task popped by Dequeue is handed to exactly one caller.
type Store interface {
	// EnqueueReady appends t to the ready queue for p.
	EnqueueReady(ctx context.Context, t *task.Task, p task.Priority) error

	// EnqueueDelayed parks t until executeAt, after which PromoteDueDelayed
	// moves it to the ready queue of t.Priority.
	EnqueueDelayed(ctx context.Context, t *task.Task, executeAt time.Time) error

	// DequeueReady waits up to timeout for a task on p's ready queue.
	// It returns (nil, nil) when the timeout elapses with nothing to do.
	DequeueReady(ctx context.Context, p task.Priority, timeout time.Duration) (*task.Task, error)

	// Dequeue is DequeueReady over several queues: the first non-empty queue
	// in the given order wins, and the wait is woken by an enqueue on any.
	Dequeue(ctx context.Context, timeout time.Duration, priorities ...task.Priority) (*task.Task, error)

	// PromoteDueDelayed moves every delayed entry with execute_at <= now to
	// its ready queue and returns how many moved. Each entry moves at most
	// once even when called concurrently.
	PromoteDueDelayed(ctx context.Context, now time.Time) (int, error)

	// MoveToDeadLetter appends t to the dead-letter list.
	MoveToDeadLetter(ctx context.Context, t *task.Task, reason, lastError string) error

	// QueueDepths returns the length of each priority queue plus the delayed
	// set and the dead-letter list.
	QueueDepths(ctx context.Context) (map[string]int, error)

	// PeekDeadLetters returns up to limit dead letters, oldest first.
	PeekDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)

	// TakeDeadLetters removes and returns up to limit dead letters, oldest
	// first, in one transaction.
	TakeDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)

	// PurgeDeadLetters discards every dead letter and returns how many.
	PurgeDeadLetters(ctx context.Context) (int, error)

	// PutSnapshot stores value under key; it expires after ttl (0 = never).
	PutSnapshot(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// GetSnapshot returns ErrNotFound for a missing or expired key.
	GetSnapshot(ctx context.Context, key string) ([]byte, error)

	// Ping reports whether the store is usable.
	Ping(ctx context.Context) error

	Close() error
}
