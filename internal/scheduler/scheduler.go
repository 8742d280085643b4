// Package scheduler runs the retry scheduler: a background loop that moves
// due entries from the delayed set back into their ready queues.
//
// Workers also promote at the top of every cycle. This loop covers the case
// where every worker is busy draining ready queues for a long stretch.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/propdesk/notifyd/internal/logging"
)

// Promoter is the store operation the scheduler drives.
type Promoter interface {
	PromoteDueDelayed(ctx context.Context, now time.Time) (int, error)
}

// Scheduler ticks PromoteDueDelayed on a fixed interval.
//
// Usage:
//
//	s := scheduler.New(store, 10*time.Second)
//	s.Start(ctx)
//	defer s.Stop()
//
// All methods are safe for concurrent use.
type Scheduler struct {
	store    Promoter
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	promoted int64
	lastRun  time.Time

	started  bool
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Scheduler. Call Start to begin promoting. An interval <= 0
// selects 10s.
func New(store Promoter, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Scheduler{
		store:    store,
		interval: interval,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start launches the background goroutine. Later calls are no-ops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop shuts down the background goroutine and waits for it to exit.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

// Tick runs one promotion pass and returns how many tasks moved.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.now()
	n, err := s.store.PromoteDueDelayed(ctx, now)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.promoted += int64(n)
	s.lastRun = now
	s.mu.Unlock()
	if n > 0 {
		logging.Debug().Int("promoted", n).Msg("delayed tasks promoted")
	}
	return n, nil
}

// Stats returns the lifetime promotion count and the time of the last
// successful pass.
func (s *Scheduler) Stats() (promoted int64, lastRun time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promoted, s.lastRun
}

// ─── background goroutine ─────────────────────────────────────────────────────

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				logging.Warn().Err(err).Msg("retry scheduler promotion failed")
			}
		}
	}
}
