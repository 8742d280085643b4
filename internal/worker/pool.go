// Package worker runs the delivery worker pool: N goroutines that each
// promote due retries, pull the highest-priority ready task, and deliver it.
//
// A dequeued task is owned by exactly one worker until it is delivered,
// rescheduled, or dead-lettered. Shutdown cancels the dequeue wait but lets
// an in-flight delivery finish so no record is left in "processing".
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/propdesk/notifyd/internal/breaker"
	"github.com/propdesk/notifyd/internal/channel"
	"github.com/propdesk/notifyd/internal/logging"
	"github.com/propdesk/notifyd/internal/metrics"
	"github.com/propdesk/notifyd/internal/notification"
	"github.com/propdesk/notifyd/internal/queue"
	"github.com/propdesk/notifyd/internal/task"
)

// ReasonUnknownChannel dead-letters tasks whose record names a channel with
// no registered sender. Retrying cannot fix that.
const ReasonUnknownChannel = "unknown_channel"

// ReasonRescheduleFailed dead-letters a task the store would not take back
// into the delayed set or its ready queue.
const ReasonRescheduleFailed = "reschedule_failed"

// Config sizes and tunes the pool.
type Config struct {
	Workers        int
	DequeueTimeout time.Duration
	// ErrorPause is the sleep after a store error or a recovered panic.
	ErrorPause time.Duration
	Backoff    Backoff
	// StoreAttempts bounds the writes tried when handing a task back to the
	// store. StoreRetryDelay is the first pause between them; it doubles.
	StoreAttempts   int
	StoreRetryDelay time.Duration
	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Deps are the collaborators every worker shares.
type Deps struct {
	Store    queue.Store
	Repo     notification.Repository
	Sender   channel.Sender
	Breakers *breaker.Set
	Metrics  *metrics.Delivery
}

// Pool is the fixed set of delivery workers.
type Pool struct {
	deps Deps
	cfg  Config

	active atomic.Int32

	mu      sync.Mutex
	cancels []context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// New validates deps and fills config defaults.
func New(deps Deps, cfg Config) (*Pool, error) {
	if deps.Store == nil || deps.Repo == nil || deps.Sender == nil || deps.Breakers == nil || deps.Metrics == nil {
		return nil, errors.New("worker: store, repo, sender, breakers and metrics are required")
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 5 * time.Second
	}
	if cfg.ErrorPause <= 0 {
		cfg.ErrorPause = time.Second
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff.Base = time.Second
	}
	if cfg.Backoff.Max < cfg.Backoff.Base {
		cfg.Backoff.Max = cfg.Backoff.Base
	}
	if cfg.StoreAttempts < 1 {
		cfg.StoreAttempts = 3
	}
	if cfg.StoreRetryDelay <= 0 {
		cfg.StoreRetryDelay = 50 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pool{deps: deps, cfg: cfg}, nil
}

// Start launches every worker. Calling it twice is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	p.cancels = make([]context.CancelFunc, p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		wctx, cancel := context.WithCancel(ctx)
		p.cancels[i] = cancel
		p.active.Add(1)
		p.wg.Add(1)
		go p.run(wctx, i)
	}
	logging.Info().Int("workers", p.cfg.Workers).Msg("delivery workers started")
}

// Stop signals every worker and waits for them to exit or for ctx to end.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	for _, cancel := range p.cancels {
		cancel()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker: %d workers still running: %w", p.Active(), ctx.Err())
	}
}

// StopWorker cancels worker i. It reports false for an unknown index.
func (p *Pool) StopWorker(i int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.cancels) {
		return false
	}
	p.cancels[i]()
	return true
}

// Active is the number of worker goroutines currently running.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Expected is the configured pool size.
func (p *Pool) Expected() int { return p.cfg.Workers }

// Wait blocks until every worker goroutine has exited, including any still
// finishing an in-flight delivery after Stop gave up on them.
func (p *Pool) Wait() { p.wg.Wait() }

// ─── worker loop ─────────────────────────────────────────────────────────────

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	defer p.active.Add(-1)

	log := logging.With().Int("worker", id).Logger()
	log.Debug().Msg("worker started")
	defer log.Debug().Msg("worker stopped")

	for ctx.Err() == nil {
		if err := p.iterate(ctx, id); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("worker iteration failed")
			p.pause(ctx)
		}
	}
}

// iterate runs one cycle. Sender panics are settled inside Process; anything
// else that panics is recovered here so the worker survives.
func (p *Pool) iterate(ctx context.Context, id int) (err error) {
	var current *task.Task
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		logging.Error().
			Int("worker", id).
			Interface("panic", r).
			Bytes("stack", debug.Stack()).
			Msg("worker recovered from panic")
		if current != nil {
			p.retry(context.WithoutCancel(ctx), current, fmt.Sprintf("panic: %v", r))
		}
		err = fmt.Errorf("worker: panic: %v", r)
	}()

	if _, perr := p.deps.Store.PromoteDueDelayed(ctx, p.cfg.Now()); perr != nil && ctx.Err() == nil {
		logging.Warn().Err(perr).Msg("opportunistic promotion failed")
	}

	t, err := p.deps.Store.Dequeue(ctx, p.cfg.DequeueTimeout, task.DrainOrder...)
	if err != nil {
		return err
	}
	if t == nil {
		return nil
	}
	current = t

	// The task is ours now; finish it even if shutdown starts.
	p.Process(context.WithoutCancel(ctx), t)
	return nil
}

func (p *Pool) pause(ctx context.Context) {
	timer := time.NewTimer(p.cfg.ErrorPause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// ─── per-task processing ─────────────────────────────────────────────────────

// Process runs one delivery attempt for t and settles its outcome: record
// status, breaker, metrics, and retry or dead-letter on failure.
func (p *Pool) Process(ctx context.Context, t *task.Task) {
	log := logging.With().
		Str("task_id", t.ID).
		Str("notification_id", t.NotificationID).
		Str("priority", t.Priority.String()).
		Int("retry_count", t.RetryCount).
		Logger()

	n, err := p.deps.Repo.Get(ctx, t.NotificationID)
	if errors.Is(err, notification.ErrNotFound) {
		p.deps.Metrics.RecordDropped()
		log.Warn().Msg("notification not found, task dropped")
		return
	}
	if err != nil {
		p.deps.Metrics.RecordFailure()
		log.Warn().Err(err).Msg("notification lookup failed")
		p.retry(ctx, t, err.Error())
		return
	}

	cb, hasBreaker := p.deps.Breakers.Get(n.Channel)
	if hasBreaker && !cb.CanCall() {
		p.postpone(ctx, t, cb)
		return
	}

	if err := p.deps.Repo.UpdateStatus(ctx, n.ID, notification.StatusProcessing, p.cfg.Now(), ""); err != nil {
		log.Warn().Err(err).Msg("mark processing failed")
	}

	start := time.Now()
	sendErr := p.send(ctx, n)
	latency := time.Since(start)

	if sendErr == nil {
		if err := p.deps.Repo.UpdateStatus(ctx, n.ID, notification.StatusSent, p.cfg.Now(), ""); err != nil {
			log.Warn().Err(err).Msg("mark sent failed")
		}
		if hasBreaker {
			cb.CallSucceeded()
		}
		p.deps.Metrics.RecordSuccess(latency)
		log.Debug().Str("channel", n.Channel).Dur("latency", latency).Msg("notification delivered")
		return
	}

	if err := p.deps.Repo.UpdateStatus(ctx, n.ID, notification.StatusFailed, p.cfg.Now(), sendErr.Error()); err != nil {
		log.Warn().Err(err).Msg("mark status failed")
	}
	p.deps.Metrics.RecordFailure()

	if errors.Is(sendErr, channel.ErrUnknownChannel) {
		p.deadLetter(ctx, t, ReasonUnknownChannel, sendErr.Error())
		return
	}
	if hasBreaker {
		cb.CallFailed()
	}
	log.Warn().Err(sendErr).Str("channel", n.Channel).Msg("delivery failed")
	p.retry(ctx, t, sendErr.Error())
}

// send calls the sender and turns a panic into an ordinary failure so the
// attempt is settled like any other.
func (p *Pool) send(ctx context.Context, n *notification.Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Str("notification_id", n.ID).
				Str("channel", n.Channel).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("sender panicked")
			err = fmt.Errorf("sender panic: %v", r)
		}
	}()
	return p.deps.Sender.Send(ctx, n)
}

// postpone parks a task behind an open breaker until the breaker's recovery
// deadline. retry_count is left alone since nothing was attempted.
func (p *Pool) postpone(ctx context.Context, t *task.Task, cb *breaker.Breaker) {
	now := p.cfg.Now()
	at := cb.RetryAt()
	if !at.After(now) {
		at = now.Add(p.cfg.Backoff.Base)
	}
	p.deps.Metrics.RecordRejection()
	if p.requeue(ctx, t, at, "circuit open") != queue.DelayedQueue {
		return
	}
	logging.Debug().
		Str("task_id", t.ID).
		Str("channel", cb.Name()).
		Time("execute_at", at).
		Msg("circuit open, task deferred")
}

// retry reschedules t with backoff, or dead-letters it once its retry budget
// is spent.
func (p *Pool) retry(ctx context.Context, t *task.Task, lastErr string) {
	if !t.CanRetry() {
		p.deadLetter(ctx, t, queue.ReasonMaxRetries, lastErr)
		return
	}

	delay := p.cfg.Backoff.Delay(t.RetryCount)
	now := p.cfg.Now()
	t.MarkRetry(now)
	switch p.requeue(ctx, t, now.Add(delay), lastErr) {
	case queue.DelayedQueue:
		p.deps.Metrics.RecordRetry()
		logging.Warn().
			Str("task_id", t.ID).
			Int("retry_count", t.RetryCount).
			Int("max_retries", t.MaxRetries).
			Dur("delay", delay).
			Msg("delivery retry scheduled")
	case queue.DeadLetterQueue, "":
	default:
		p.deps.Metrics.RecordRetry()
	}
}

func (p *Pool) deadLetter(ctx context.Context, t *task.Task, reason, lastErr string) {
	err := p.write(ctx, func(ctx context.Context) error {
		return p.deps.Store.MoveToDeadLetter(ctx, t, reason, lastErr)
	})
	if err == nil {
		p.deps.Metrics.RecordDeadLetter()
		logging.Error().
			Str("task_id", t.ID).
			Str("notification_id", t.NotificationID).
			Str("reason", reason).
			Int("retry_count", t.RetryCount).
			Str("last_error", lastErr).
			Msg("task moved to dead-letter queue")
		return
	}

	// Redelivering an exhausted task beats dropping it.
	logging.Warn().Err(err).Str("task_id", t.ID).Msg("dead-letter write failed, returning task to ready queue")
	if rerr := p.write(ctx, func(ctx context.Context) error {
		return p.deps.Store.EnqueueReady(ctx, t, t.Priority)
	}); rerr != nil {
		p.lose(t, lastErr, multierr.Append(err, rerr))
	}
}

// requeue hands t back to the store: the delayed set at executeAt first, then
// its ready queue, then the dead-letter list. It returns the queue t landed
// in, or "" when every write failed and the task was lost.
func (p *Pool) requeue(ctx context.Context, t *task.Task, executeAt time.Time, lastErr string) string {
	log := logging.With().Str("task_id", t.ID).Str("notification_id", t.NotificationID).Logger()

	err := p.write(ctx, func(ctx context.Context) error {
		return p.deps.Store.EnqueueDelayed(ctx, t, executeAt)
	})
	if err == nil {
		return queue.DelayedQueue
	}
	log.Warn().Err(err).Msg("delayed write failed, falling back to ready queue")

	rerr := p.write(ctx, func(ctx context.Context) error {
		return p.deps.Store.EnqueueReady(ctx, t, t.Priority)
	})
	if rerr == nil {
		return t.Priority.String()
	}
	err = multierr.Append(err, rerr)
	log.Warn().Err(rerr).Msg("ready write failed, falling back to dead-letter queue")

	derr := p.write(ctx, func(ctx context.Context) error {
		return p.deps.Store.MoveToDeadLetter(ctx, t, ReasonRescheduleFailed, lastErr)
	})
	if derr == nil {
		p.deps.Metrics.RecordDeadLetter()
		log.Error().Err(err).Str("reason", ReasonRescheduleFailed).Msg("task moved to dead-letter queue")
		return queue.DeadLetterQueue
	}
	p.lose(t, lastErr, multierr.Append(err, derr))
	return ""
}

// write runs fn until it succeeds or StoreAttempts is spent, pausing between
// attempts with a doubling delay.
func (p *Pool) write(ctx context.Context, fn func(context.Context) error) error {
	pause := p.cfg.StoreRetryDelay
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || attempt >= p.cfg.StoreAttempts {
			return err
		}
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		pause *= 2
	}
}

func (p *Pool) lose(t *task.Task, lastErr string, err error) {
	p.deps.Metrics.RecordLost()
	logging.Error().
		Err(err).
		Str("task_id", t.ID).
		Str("notification_id", t.NotificationID).
		Int("retry_count", t.RetryCount).
		Str("last_error", lastErr).
		Msg("task lost: store rejected every write")
}
