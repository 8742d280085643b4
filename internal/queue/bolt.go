package queue

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.etcd.io/bbolt"

	"github.com/propdesk/notifyd/internal/logging"
	"github.com/propdesk/notifyd/internal/node"
	"github.com/propdesk/notifyd/internal/task"
)

// Options tunes a BoltStore. Zero values are replaced by defaults.
type Options struct {
	// Namespace prefixes every bucket. Default "notifyd".
	Namespace string
	// OpenTimeout bounds the wait for the bbolt file lock. Default 1s.
	OpenTimeout time.Duration
	// Now is the clock used for snapshot expiry and dead-letter timestamps.
	Now func() time.Time
}

// BoltStore is the bbolt-backed Store.
//
// bbolt serialises write transactions, so every pop and every delayed
// promotion is a single atomic read-delete-write: two callers can never
// receive the same entry.
type BoltStore struct {
	db  *bbolt.DB
	now func() time.Time

	ready      map[task.Priority][]byte
	delayed    []byte
	deadLetter []byte
	meta       []byte

	// sig is closed and replaced whenever new work becomes ready, waking
	// every blocked Dequeue.
	sigMu sync.Mutex
	sig   chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

var _ Store = (*BoltStore)(nil)

// Open creates (or reopens) a BoltStore at path.
func Open(path string, opts Options) (*BoltStore, error) {
	if opts.Namespace == "" {
		opts.Namespace = "notifyd"
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("queue: create dir: %w", err)
	}
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: opts.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStoreUnavailable, path, err)
	}

	s := &BoltStore{
		db:         db,
		now:        opts.Now,
		ready:      make(map[task.Priority][]byte, len(task.DrainOrder)),
		delayed:    []byte(opts.Namespace + "/delayed"),
		deadLetter: []byte(opts.Namespace + "/dead_letter"),
		meta:       []byte(opts.Namespace + "/meta"),
		sig:        make(chan struct{}),
		closed:     make(chan struct{}),
	}
	for _, p := range task.DrainOrder {
		s.ready[p] = []byte(opts.Namespace + "/ready/" + p.String())
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range s.allBuckets() {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: init buckets: %w", err)
	}
	return s, nil
}

func (s *BoltStore) allBuckets() [][]byte {
	out := make([][]byte, 0, len(s.ready)+3)
	for _, p := range task.DrainOrder {
		out = append(out, s.ready[p])
	}
	return append(out, s.delayed, s.deadLetter, s.meta)
}

// ─── Ready queues ────────────────────────────────────────────────────────────

// EnqueueReady implements Store.
func (s *BoltStore) EnqueueReady(ctx context.Context, t *task.Task, p task.Priority) error {
	if !p.Valid() {
		return fmt.Errorf("%w: %d", task.ErrUnknownPriority, p)
	}
	val, err := task.Encode(t)
	if err != nil {
		return err
	}
	err = s.update(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.ready[p])
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(u64(seq), val)
	})
	if err != nil {
		return err
	}
	s.broadcast()
	return nil
}

// DequeueReady implements Store.
func (s *BoltStore) DequeueReady(ctx context.Context, p task.Priority, timeout time.Duration) (*task.Task, error) {
	return s.Dequeue(ctx, timeout, p)
}

// Dequeue implements Store.
func (s *BoltStore) Dequeue(ctx context.Context, timeout time.Duration, priorities ...task.Priority) (*task.Task, error) {
	if len(priorities) == 0 {
		priorities = task.DrainOrder
	}
	deadline := time.Now().Add(timeout)

	for {
		// Grab the signal before looking so an enqueue between the look and
		// the wait is not missed.
		sig := s.signal()

		t, err := s.pop(ctx, priorities)
		if err != nil || t != nil {
			return t, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-s.closed:
			timer.Stop()
			return nil, ErrStoreUnavailable
		case <-timer.C:
			return nil, nil
		case <-sig:
			timer.Stop()
		}
	}
}

// pop removes the head of the first non-empty queue in order.
func (s *BoltStore) pop(ctx context.Context, priorities []task.Priority) (*task.Task, error) {
	var out *task.Task
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		for _, p := range priorities {
			b := tx.Bucket(s.ready[p])
			if b == nil {
				return fmt.Errorf("%w: %d", task.ErrUnknownPriority, p)
			}
			for k, v := b.Cursor().First(); k != nil; k, v = b.Cursor().First() {
				raw := bytes.Clone(v)
				if err := b.Delete(k); err != nil {
					return err
				}
				t, err := task.Decode(raw)
				if err != nil {
					// Park it where an operator can see it and keep looking.
					if derr := s.putDeadLetter(tx, DeadLetter{Raw: raw, Reason: ReasonUndecodable, LastError: err.Error()}); derr != nil {
						return derr
					}
					logging.Warn().Err(err).Str("queue", string(s.ready[p])).Msg("undecodable ready entry dead-lettered")
					continue
				}
				out = t
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ─── Delayed set ─────────────────────────────────────────────────────────────

// EnqueueDelayed implements Store.
func (s *BoltStore) EnqueueDelayed(ctx context.Context, t *task.Task, executeAt time.Time) error {
	if !t.Priority.Valid() {
		return fmt.Errorf("%w: %d", task.ErrUnknownPriority, t.Priority)
	}
	val, err := task.Encode(t)
	if err != nil {
		return err
	}
	return s.update(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.delayed)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(delayedKey(executeAt, seq), val)
	})
}

// PromoteDueDelayed implements Store.
func (s *BoltStore) PromoteDueDelayed(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.UnixMilli()
	moved := 0
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		moved = 0
		delayed := tx.Bucket(s.delayed)

		// Collect first: deleting under a live cursor skips entries.
		type entry struct{ k, v []byte }
		var due []entry
		c := delayed.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if int64(binary.BigEndian.Uint64(k[:8])) > cutoff {
				break
			}
			due = append(due, entry{bytes.Clone(k), bytes.Clone(v)})
		}

		for _, e := range due {
			if err := delayed.Delete(e.k); err != nil {
				return err
			}
			t, err := task.Decode(e.v)
			if err != nil || !t.Priority.Valid() {
				msg := "invalid priority"
				if err != nil {
					msg = err.Error()
				}
				if derr := s.putDeadLetter(tx, DeadLetter{Raw: e.v, Reason: ReasonUndecodable, LastError: msg}); derr != nil {
					return derr
				}
				continue
			}
			b := tx.Bucket(s.ready[t.Priority])
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			if err := b.Put(u64(seq), e.v); err != nil {
				return err
			}
			moved++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if moved > 0 {
		s.broadcast()
	}
	return moved, nil
}

// ─── Dead letters ────────────────────────────────────────────────────────────

// MoveToDeadLetter implements Store.
func (s *BoltStore) MoveToDeadLetter(ctx context.Context, t *task.Task, reason, lastError string) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		return s.putDeadLetter(tx, DeadLetter{Task: t, Reason: reason, LastError: lastError})
	})
}

func (s *BoltStore) putDeadLetter(tx *bbolt.Tx, dl DeadLetter) error {
	if dl.ID == "" {
		id, err := node.NewID()
		if err != nil {
			return err
		}
		dl.ID = id
	}
	if dl.FailedAt.IsZero() {
		dl.FailedAt = s.now().UTC()
	}
	val, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("queue: encode dead letter: %w", err)
	}
	b := tx.Bucket(s.deadLetter)
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	return b.Put(u64(seq), val)
}

// PeekDeadLetters implements Store.
func (s *BoltStore) PeekDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	out := []DeadLetter{}
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		c := tx.Bucket(s.deadLetter).Cursor()
		for k, v := c.First(); k != nil && (limit <= 0 || len(out) < limit); k, v = c.Next() {
			var dl DeadLetter
			if err := json.Unmarshal(v, &dl); err != nil {
				return fmt.Errorf("queue: decode dead letter: %w", err)
			}
			out = append(out, dl)
		}
		return nil
	})
	return out, err
}

// TakeDeadLetters implements Store.
func (s *BoltStore) TakeDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	out := []DeadLetter{}
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.deadLetter)
		var keys [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil && (limit <= 0 || len(out) < limit); k, v = c.Next() {
			var dl DeadLetter
			if err := json.Unmarshal(v, &dl); err != nil {
				return fmt.Errorf("queue: decode dead letter: %w", err)
			}
			out = append(out, dl)
			keys = append(keys, bytes.Clone(k))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PurgeDeadLetters implements Store.
func (s *BoltStore) PurgeDeadLetters(ctx context.Context) (int, error) {
	n := 0
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		n = tx.Bucket(s.deadLetter).Stats().KeyN
		if err := tx.DeleteBucket(s.deadLetter); err != nil {
			return err
		}
		_, err := tx.CreateBucket(s.deadLetter)
		return err
	})
	return n, err
}

// ─── Observability ───────────────────────────────────────────────────────────

// QueueDepths implements Store.
func (s *BoltStore) QueueDepths(ctx context.Context) (map[string]int, error) {
	depths := make(map[string]int, len(task.DrainOrder)+2)
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		for _, p := range task.DrainOrder {
			depths[p.String()] = tx.Bucket(s.ready[p]).Stats().KeyN
		}
		depths[DelayedQueue] = tx.Bucket(s.delayed).Stats().KeyN
		depths[DeadLetterQueue] = tx.Bucket(s.deadLetter).Stats().KeyN
		return nil
	})
	if err != nil {
		return nil, err
	}
	return depths, nil
}

// Snapshot values are stored as [expires_at unix ms : 8 bytes][payload].
// An expiry of zero never expires.

// PutSnapshot implements Store.
func (s *BoltStore) PutSnapshot(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expires int64
	if ttl > 0 {
		expires = s.now().Add(ttl).UnixMilli()
	}
	buf := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(buf, uint64(expires))
	copy(buf[8:], value)
	return s.update(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket(s.meta).Put([]byte(key), buf)
	})
}

// GetSnapshot implements Store.
func (s *BoltStore) GetSnapshot(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		v := tx.Bucket(s.meta).Get([]byte(key))
		if len(v) < 8 {
			return ErrNotFound
		}
		expires := int64(binary.BigEndian.Uint64(v[:8]))
		if expires != 0 && s.now().UnixMilli() >= expires {
			return ErrNotFound
		}
		out = bytes.Clone(v[8:])
		return nil
	})
	return out, err
}

// Ping implements Store.
func (s *BoltStore) Ping(ctx context.Context) error {
	return s.view(ctx, func(*bbolt.Tx) error { return nil })
}

// Close releases the bbolt file and wakes blocked dequeuers. Safe to call
// more than once.
func (s *BoltStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.db.Close()
	})
	return err
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func (s *BoltStore) update(ctx context.Context, fn func(*bbolt.Tx) error) error {
	if err := s.usable(ctx); err != nil {
		return err
	}
	return mapErr(s.db.Update(fn))
}

func (s *BoltStore) view(ctx context.Context, fn func(*bbolt.Tx) error) error {
	if err := s.usable(ctx); err != nil {
		return err
	}
	return mapErr(s.db.View(fn))
}

func (s *BoltStore) usable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.closed:
		return ErrStoreUnavailable
	default:
		return nil
	}
}

func mapErr(err error) error {
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}

func (s *BoltStore) signal() <-chan struct{} {
	s.sigMu.Lock()
	defer s.sigMu.Unlock()
	return s.sig
}

func (s *BoltStore) broadcast() {
	s.sigMu.Lock()
	close(s.sig)
	s.sig = make(chan struct{})
	s.sigMu.Unlock()
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// delayedKey orders entries by execute time, then by insertion.
func delayedKey(executeAt time.Time, seq uint64) []byte {
	ms := executeAt.UnixMilli()
	if ms < 0 {
		ms = 0
	}
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[:8], uint64(ms))
	binary.BigEndian.PutUint64(k[8:], seq)
	return k
}
