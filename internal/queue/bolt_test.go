package queue_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/propdesk/notifyd/internal/queue"
	"github.com/propdesk/notifyd/internal/task"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func openStore(t *testing.T, opts queue.Options) *queue.BoltStore {
	t.Helper()
	s, err := queue.Open(filepath.Join(t.TempDir(), "queues.db"), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTask(id string, p task.Priority) *task.Task {
	return task.New(id, "notif-"+id, p, 3, time.Now())
}

// ─── Ready queues ────────────────────────────────────────────────────────────

func TestEnqueueDequeue_FIFOWithinPriority(t *testing.T) {
	s := openStore(t, queue.Options{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.EnqueueReady(ctx, newTask(fmt.Sprintf("t%d", i), task.PriorityNormal), task.PriorityNormal); err != nil {
			t.Fatalf("EnqueueReady: %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		got, err := s.DequeueReady(ctx, task.PriorityNormal, 0)
		if err != nil {
			t.Fatalf("DequeueReady: %v", err)
		}
		if got == nil || got.ID != fmt.Sprintf("t%d", i) {
			t.Fatalf("dequeue %d = %+v, want t%d", i, got, i)
		}
	}
	got, err := s.DequeueReady(ctx, task.PriorityNormal, 0)
	if err != nil || got != nil {
		t.Fatalf("empty queue returned %+v, %v", got, err)
	}
}

// TestDequeue_PriorityOrdering: all URGENT before HIGH before NORMAL before LOW.
func TestDequeue_PriorityOrdering(t *testing.T) {
	s := openStore(t, queue.Options{})
	ctx := context.Background()

	mix := []task.Priority{
		task.PriorityLow, task.PriorityUrgent, task.PriorityNormal, task.PriorityHigh,
		task.PriorityLow, task.PriorityHigh, task.PriorityUrgent, task.PriorityNormal,
		task.PriorityNormal, task.PriorityLow, task.PriorityUrgent, task.PriorityHigh,
	}
	for i, p := range mix {
		if err := s.EnqueueReady(ctx, newTask(fmt.Sprintf("t%02d", i), p), p); err != nil {
			t.Fatal(err)
		}
	}

	var seen []task.Priority
	for {
		got, err := s.Dequeue(ctx, 0, task.DrainOrder...)
		if err != nil {
			t.Fatal(err)
		}
		if got == nil {
			break
		}
		seen = append(seen, got.Priority)
	}
	if len(seen) != len(mix) {
		t.Fatalf("drained %d tasks, want %d", len(seen), len(mix))
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] > seen[i-1] {
			t.Fatalf("priority inversion at %d: %v", i, seen)
		}
	}
}

func TestDequeueReady_OnlyThatPriority(t *testing.T) {
	s := openStore(t, queue.Options{})
	ctx := context.Background()

	if err := s.EnqueueReady(ctx, newTask("u", task.PriorityUrgent), task.PriorityUrgent); err != nil {
		t.Fatal(err)
	}
	got, err := s.DequeueReady(ctx, task.PriorityLow, 0)
	if err != nil || got != nil {
		t.Fatalf("low queue should be empty, got %+v, %v", got, err)
	}
}

func TestDequeue_BlocksUntilEnqueue(t *testing.T) {
	s := openStore(t, queue.Options{})
	ctx := context.Background()

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = s.EnqueueReady(ctx, newTask("late", task.PriorityHigh), task.PriorityHigh)
	}()

	start := time.Now()
	got, err := s.Dequeue(ctx, 2*time.Second, task.DrainOrder...)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != "late" {
		t.Fatalf("got %+v, want late", got)
	}
	if time.Since(start) > time.Second {
		t.Errorf("dequeue was not woken by enqueue (took %s)", time.Since(start))
	}
}

func TestDequeue_TimeoutReturnsNil(t *testing.T) {
	s := openStore(t, queue.Options{})
	start := time.Now()
	got, err := s.Dequeue(context.Background(), 60*time.Millisecond, task.DrainOrder...)
	if err != nil || got != nil {
		t.Fatalf("got %+v, %v; want nil, nil", got, err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Errorf("returned before timeout: %s", time.Since(start))
	}
}

func TestDequeue_ContextCancel(t *testing.T) {
	s := openStore(t, queue.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, err := s.Dequeue(ctx, 5*time.Second, task.DrainOrder...)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

// TestDequeue_NoDoubleProcessing: many concurrent consumers over N tasks see
// exactly N distinct tasks.
func TestDequeue_NoDoubleProcessing(t *testing.T) {
	s := openStore(t, queue.Options{})
	ctx := context.Background()
	const n = 200

	for i := 0; i < n; i++ {
		p := task.DrainOrder[i%len(task.DrainOrder)]
		if err := s.EnqueueReady(ctx, newTask(fmt.Sprintf("t%03d", i), p), p); err != nil {
			t.Fatal(err)
		}
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, err := s.Dequeue(ctx, 20*time.Millisecond, task.DrainOrder...)
				if err != nil {
					t.Errorf("Dequeue: %v", err)
					return
				}
				if got == nil {
					return
				}
				mu.Lock()
				seen[got.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("saw %d distinct tasks, want %d", len(seen), n)
	}
	for id, c := range seen {
		if c != 1 {
			t.Errorf("task %s dequeued %d times", id, c)
		}
	}
}

// ─── Delayed set ─────────────────────────────────────────────────────────────

// TestDelayed_NotVisibleUntilDue: a task due in 2s is invisible before then
// and visible once promoted at or after its execute time.
func TestDelayed_NotVisibleUntilDue(t *testing.T) {
	s := openStore(t, queue.Options{})
	ctx := context.Background()
	now := time.Now()

	tk := newTask("d1", task.PriorityHigh)
	if err := s.EnqueueDelayed(ctx, tk, now.Add(2*time.Second)); err != nil {
		t.Fatal(err)
	}

	n, err := s.PromoteDueDelayed(ctx, now.Add(1999*time.Millisecond))
	if err != nil || n != 0 {
		t.Fatalf("early promote moved %d, err %v", n, err)
	}
	if got, _ := s.DequeueReady(ctx, task.PriorityHigh, 0); got != nil {
		t.Fatalf("task visible before due: %+v", got)
	}

	n, err = s.PromoteDueDelayed(ctx, now.Add(2*time.Second))
	if err != nil || n != 1 {
		t.Fatalf("promote moved %d, err %v; want 1", n, err)
	}
	got, err := s.DequeueReady(ctx, task.PriorityHigh, 0)
	if err != nil || got == nil || got.ID != "d1" {
		t.Fatalf("after promote got %+v, %v", got, err)
	}
}

func TestDelayed_PromotesInExecuteOrder(t *testing.T) {
	s := openStore(t, queue.Options{})
	ctx := context.Background()
	base := time.Now()

	_ = s.EnqueueDelayed(ctx, newTask("late", task.PriorityNormal), base.Add(3*time.Second))
	_ = s.EnqueueDelayed(ctx, newTask("early", task.PriorityNormal), base.Add(time.Second))
	_ = s.EnqueueDelayed(ctx, newTask("mid", task.PriorityNormal), base.Add(2*time.Second))

	if n, err := s.PromoteDueDelayed(ctx, base.Add(10*time.Second)); err != nil || n != 3 {
		t.Fatalf("promoted %d, err %v", n, err)
	}
	for _, want := range []string{"early", "mid", "late"} {
		got, _ := s.DequeueReady(ctx, task.PriorityNormal, 0)
		if got == nil || got.ID != want {
			t.Fatalf("got %+v, want %s", got, want)
		}
	}
}

func TestPromoteDueDelayed_ConcurrentCallersDoNotDuplicate(t *testing.T) {
	s := openStore(t, queue.Options{})
	ctx := context.Background()
	past := time.Now().Add(-time.Second)
	const n = 50

	for i := 0; i < n; i++ {
		if err := s.EnqueueDelayed(ctx, newTask(fmt.Sprintf("d%02d", i), task.PriorityLow), past); err != nil {
			t.Fatal(err)
		}
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			moved, err := s.PromoteDueDelayed(ctx, time.Now())
			if err != nil {
				t.Errorf("PromoteDueDelayed: %v", err)
			}
			mu.Lock()
			total += moved
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != n {
		t.Fatalf("total promoted = %d, want %d", total, n)
	}
	depths, err := s.QueueDepths(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if depths["low"] != n || depths[queue.DelayedQueue] != 0 {
		t.Fatalf("depths = %v", depths)
	}
}

func TestPromote_WakesBlockedDequeue(t *testing.T) {
	s := openStore(t, queue.Options{})
	ctx := context.Background()
	_ = s.EnqueueDelayed(ctx, newTask("d", task.PriorityUrgent), time.Now())

	go func() {
		time.Sleep(40 * time.Millisecond)
		_, _ = s.PromoteDueDelayed(ctx, time.Now())
	}()
	got, err := s.Dequeue(ctx, 2*time.Second, task.DrainOrder...)
	if err != nil || got == nil || got.ID != "d" {
		t.Fatalf("got %+v, %v", got, err)
	}
}

// ─── Dead letters ────────────────────────────────────────────────────────────

func TestDeadLetter_MovePeekPurge(t *testing.T) {
	s := openStore(t, queue.Options{})
	ctx := context.Background()

	tk := newTask("x", task.PriorityNormal)
	tk.RetryCount = 3
	if err := s.MoveToDeadLetter(ctx, tk, queue.ReasonMaxRetries, "smtp 550"); err != nil {
		t.Fatal(err)
	}
	if err := s.MoveToDeadLetter(ctx, newTask("y", task.PriorityLow), queue.ReasonMaxRetries, ""); err != nil {
		t.Fatal(err)
	}

	dls, err := s.PeekDeadLetters(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(dls) != 1 || dls[0].Task.ID != "x" || dls[0].Reason != queue.ReasonMaxRetries ||
		dls[0].LastError != "smtp 550" || dls[0].ID == "" || dls[0].FailedAt.IsZero() {
		t.Fatalf("peek = %+v", dls)
	}

	// Peek must not consume.
	depths, _ := s.QueueDepths(ctx)
	if depths[queue.DeadLetterQueue] != 2 {
		t.Fatalf("dead_letter depth = %d, want 2", depths[queue.DeadLetterQueue])
	}

	n, err := s.PurgeDeadLetters(ctx)
	if err != nil || n != 2 {
		t.Fatalf("purge = %d, %v", n, err)
	}
	depths, _ = s.QueueDepths(ctx)
	if depths[queue.DeadLetterQueue] != 0 {
		t.Fatalf("dead_letter depth after purge = %d", depths[queue.DeadLetterQueue])
	}
}

func TestQueueDepths_ReportsEveryQueue(t *testing.T) {
	s := openStore(t, queue.Options{})
	ctx := context.Background()
	_ = s.EnqueueReady(ctx, newTask("a", task.PriorityUrgent), task.PriorityUrgent)
	_ = s.EnqueueReady(ctx, newTask("b", task.PriorityUrgent), task.PriorityUrgent)
	_ = s.EnqueueReady(ctx, newTask("c", task.PriorityLow), task.PriorityLow)
	_ = s.EnqueueDelayed(ctx, newTask("d", task.PriorityHigh), time.Now().Add(time.Hour))

	depths, err := s.QueueDepths(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]int{"urgent": 2, "high": 0, "normal": 0, "low": 1, "delayed": 1, "dead_letter": 0}
	for k, v := range want {
		if depths[k] != v {
			t.Errorf("depths[%s] = %d, want %d", k, depths[k], v)
		}
	}
	if len(depths) != len(want) {
		t.Errorf("unexpected keys: %v", depths)
	}
}

// ─── Namespaces, snapshots, lifecycle ────────────────────────────────────────

func TestNamespaces_AreIsolated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	ctx := context.Background()

	a, err := queue.Open(path, queue.Options{Namespace: "tenant-a"})
	if err != nil {
		t.Fatal(err)
	}
	_ = a.EnqueueReady(ctx, newTask("a1", task.PriorityNormal), task.PriorityNormal)
	_ = a.Close()

	b, err := queue.Open(path, queue.Options{Namespace: "tenant-b"})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if got, _ := b.DequeueReady(ctx, task.PriorityNormal, 0); got != nil {
		t.Fatalf("tenant-b saw tenant-a task: %+v", got)
	}
}

func TestReopen_PreservesQueuedTasks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.db")
	ctx := context.Background()

	s, err := queue.Open(path, queue.Options{})
	if err != nil {
		t.Fatal(err)
	}
	_ = s.EnqueueReady(ctx, newTask("survivor", task.PriorityHigh), task.PriorityHigh)
	_ = s.Close()

	s, err = queue.Open(path, queue.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, _ := s.DequeueReady(ctx, task.PriorityHigh, 0)
	if got == nil || got.ID != "survivor" {
		t.Fatalf("after reopen got %+v", got)
	}
}

func TestSnapshot_TTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	s := openStore(t, queue.Options{Now: clock})
	ctx := context.Background()

	if err := s.PutSnapshot(ctx, "metrics", []byte(`{"ok":true}`), 5*time.Minute); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetSnapshot(ctx, "metrics")
	if err != nil || string(got) != `{"ok":true}` {
		t.Fatalf("GetSnapshot = %q, %v", got, err)
	}

	mu.Lock()
	now = now.Add(5 * time.Minute)
	mu.Unlock()
	if _, err := s.GetSnapshot(ctx, "metrics"); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expired snapshot err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetSnapshot(ctx, "missing"); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("missing snapshot err = %v", err)
	}
}

func TestClosedStore_ReportsUnavailable(t *testing.T) {
	s, err := queue.Open(filepath.Join(t.TempDir(), "q.db"), queue.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	_ = s.Close()
	_ = s.Close() // idempotent

	ctx := context.Background()
	if err := s.EnqueueReady(ctx, newTask("z", task.PriorityLow), task.PriorityLow); !errors.Is(err, queue.ErrStoreUnavailable) {
		t.Errorf("EnqueueReady after close = %v", err)
	}
	if err := s.Ping(ctx); !errors.Is(err, queue.ErrStoreUnavailable) {
		t.Errorf("Ping after close = %v", err)
	}
}

func TestEnqueueReady_RejectsInvalidPriority(t *testing.T) {
	s := openStore(t, queue.Options{})
	err := s.EnqueueReady(context.Background(), newTask("p", task.PriorityLow), task.Priority(9))
	if !errors.Is(err, task.ErrUnknownPriority) {
		t.Fatalf("err = %v, want ErrUnknownPriority", err)
	}
}

func TestTakeDeadLetters_RemovesOldestFirst(t *testing.T) {
	s := openStore(t, queue.Options{})
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := s.MoveToDeadLetter(ctx, newTask(id, task.PriorityNormal), queue.ReasonMaxRetries, ""); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.TakeDeadLetters(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Task.ID != "a" || got[1].Task.ID != "b" {
		t.Fatalf("took %+v", got)
	}
	rest, _ := s.PeekDeadLetters(ctx, 0)
	if len(rest) != 1 || rest[0].Task.ID != "c" {
		t.Fatalf("remaining %+v", rest)
	}
}
