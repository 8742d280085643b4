// Package pipeline is the delivery pipeline façade. It owns the lifecycle of
// the worker pool, the retry scheduler and the metrics publisher, and is the
// single entry point the API layer uses to submit work and read status.
//
// A Pipeline is built once at process start and handed to whatever needs it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/propdesk/notifyd/internal/breaker"
	"github.com/propdesk/notifyd/internal/channel"
	"github.com/propdesk/notifyd/internal/config"
	"github.com/propdesk/notifyd/internal/dlq"
	"github.com/propdesk/notifyd/internal/logging"
	"github.com/propdesk/notifyd/internal/metrics"
	"github.com/propdesk/notifyd/internal/node"
	"github.com/propdesk/notifyd/internal/notification"
	"github.com/propdesk/notifyd/internal/queue"
	"github.com/propdesk/notifyd/internal/scheduler"
	"github.com/propdesk/notifyd/internal/task"
	"github.com/propdesk/notifyd/internal/worker"
)

// Pipeline statuses reported by Metrics.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// Health statuses.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// degradedRatio is the share of expected workers below which the pipeline
// reports itself degraded.
const degradedRatio = 0.8

var (
	// ErrInvalidRequest wraps enqueue arguments that can never succeed.
	ErrInvalidRequest = errors.New("pipeline: invalid request")
	// ErrNotRunning is returned by Start on a pipeline already shut down.
	ErrNotRunning = errors.New("pipeline: shut down")
)

// Deps are the external collaborators. The pipeline takes ownership of Store
// and closes it on Shutdown.
type Deps struct {
	Store  queue.Store
	Repo   notification.Repository
	Sender channel.Sender
	// NodeID is stamped on every task as its origin.
	NodeID string
}

// MetricsReport is the get_metrics shape.
type MetricsReport struct {
	PipelineStatus string `json:"pipeline_status"`
	WorkersActive  int    `json:"workers_active"`
	metrics.Snapshot
	CircuitBreakerStates map[string]string `json:"circuit_breaker_states"`
	QueueSizes           map[string]int    `json:"queue_sizes"`
}

// HealthReport is the health_check shape.
type HealthReport struct {
	Status               string            `json:"status"`
	ActiveWorkers        int               `json:"active_workers"`
	ExpectedWorkers      int               `json:"expected_workers"`
	Store                string            `json:"store"`
	CircuitBreakerStates map[string]string `json:"circuit_breaker_states"`
	NodeID               string            `json:"node_id,omitempty"`
	Uptime               string            `json:"uptime,omitempty"`
}

// Pipeline wires the delivery components together.
type Pipeline struct {
	cfg  *config.Config
	deps Deps

	delivery  *metrics.Delivery
	breakers  *breaker.Set
	pool      *worker.Pool
	retries   *scheduler.Scheduler
	publisher *metrics.Publisher
	dead      *dlq.Manager

	mu        sync.Mutex
	cancel    context.CancelFunc
	started   bool
	stopped   bool
	running   atomic.Bool
	startedAt time.Time
}

// New builds every component but starts nothing.
func New(cfg *config.Config, deps Deps) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("pipeline: config is required")
	}
	if deps.Store == nil || deps.Repo == nil || deps.Sender == nil {
		return nil, errors.New("pipeline: store, repo and sender are required")
	}

	delivery := metrics.NewDelivery(cfg.Metrics.MaxHistory)
	breakers := breaker.NewSet(cfg.Pipeline.Channels, breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		OnTrip:           func(string) { delivery.RecordTrip() },
	})

	pool, err := worker.New(worker.Deps{
		Store:    deps.Store,
		Repo:     deps.Repo,
		Sender:   deps.Sender,
		Breakers: breakers,
		Metrics:  delivery,
	}, worker.Config{
		Workers:        cfg.Pipeline.Workers,
		DequeueTimeout: cfg.Store.DequeueTimeout,
		ErrorPause:     cfg.Pipeline.ErrorPause,
		Backoff: worker.Backoff{
			Base:   cfg.Retry.BaseDelay,
			Max:    cfg.Retry.MaxDelay,
			Jitter: cfg.Retry.Jitter,
		},
	})
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		cfg:      cfg,
		deps:     deps,
		delivery: delivery,
		breakers: breakers,
		pool:     pool,
		retries:  scheduler.New(deps.Store, cfg.Retry.PromoteInterval),
		publisher: metrics.NewPublisher(delivery, deps.Store, metrics.PublisherOptions{
			Interval:    cfg.Metrics.PublishInterval,
			SnapshotTTL: cfg.Metrics.SnapshotTTL,
			States:      breakers.States,
		}),
		dead: dlq.NewManager(deps.Store),
	}, nil
}

// Start checks the store and launches the workers, the retry scheduler and
// the metrics publisher. Calling it again while running is a no-op.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrNotRunning
	}
	if p.started {
		return nil
	}
	if err := p.deps.Store.Ping(ctx); err != nil {
		return fmt.Errorf("pipeline: store not reachable: %w", err)
	}

	// Background loops outlive the caller's ctx; Shutdown cancels them.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.pool.Start(runCtx)
	p.retries.Start(runCtx)
	p.publisher.Start(runCtx)

	p.started = true
	p.startedAt = time.Now()
	p.running.Store(true)
	logging.Info().
		Int("workers", p.pool.Expected()).
		Strs("channels", p.breakers.Names()).
		Msg("delivery pipeline started")
	return nil
}

// Shutdown stops the background loops, waits for in-flight deliveries within
// the grace period (or ctx, whichever ends first), then closes the store.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}
	p.stopped = true
	p.running.Store(false)

	if grace := p.cfg.Pipeline.ShutdownGrace; grace > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, grace)
		defer cancel()
	}

	var err error
	inFlight := false
	if p.started {
		p.cancel()
		if stopErr := p.pool.Stop(ctx); stopErr != nil {
			err = multierr.Append(err, stopErr)
			inFlight = true
		}
		p.retries.Stop()
		p.publisher.Stop()
	}
	if inFlight {
		// Deliveries past the grace period still need the store to settle
		// their tasks. The store closes once the last one returns.
		logging.Warn().
			Int("in_flight", p.pool.Active()).
			Msg("store close deferred until in-flight deliveries finish")
		go func() {
			p.pool.Wait()
			if cerr := p.deps.Store.Close(); cerr != nil {
				logging.Warn().Err(cerr).Msg("deferred store close failed")
				return
			}
			logging.Info().Msg("store closed after in-flight deliveries finished")
		}()
	} else {
		err = multierr.Append(err, p.deps.Store.Close())
	}

	if err != nil {
		logging.Warn().Err(err).Msg("delivery pipeline stopped with errors")
	} else {
		logging.Info().Msg("delivery pipeline stopped")
	}
	return err
}

// EnqueueNotification submits work for a persisted notification. With a
// positive delay the task waits in the delayed set; otherwise it is ready
// immediately. Only the enqueue itself is reported; delivery is asynchronous.
func (p *Pipeline) EnqueueNotification(ctx context.Context, notificationID string, priority task.Priority, delay time.Duration) (*task.Task, error) {
	if notificationID == "" {
		return nil, fmt.Errorf("%w: notification id is required", ErrInvalidRequest)
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, task.ErrUnknownPriority)
	}
	if delay < 0 {
		return nil, fmt.Errorf("%w: delay must not be negative", ErrInvalidRequest)
	}

	id, err := node.NewID()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	t := task.New(id, notificationID, priority, p.cfg.Pipeline.MaxRetries, now)
	t.Origin = p.deps.NodeID

	if delay > 0 {
		err = p.deps.Store.EnqueueDelayed(ctx, t, now.Add(delay))
	} else {
		err = p.deps.Store.EnqueueReady(ctx, t, priority)
	}
	if err != nil {
		logging.Warn().Err(err).Str("notification_id", notificationID).Msg("enqueue failed")
		return nil, fmt.Errorf("pipeline: enqueue: %w", err)
	}

	logging.Debug().
		Str("task_id", t.ID).
		Str("notification_id", notificationID).
		Str("priority", priority.String()).
		Dur("delay", delay).
		Msg("notification enqueued")
	return t, nil
}

// Metrics returns counters, breaker states and queue depths.
func (p *Pipeline) Metrics(ctx context.Context) (*MetricsReport, error) {
	depths, err := p.deps.Store.QueueDepths(ctx)
	if err != nil {
		return nil, fmt.Errorf("pipeline: queue depths: %w", err)
	}
	status := StatusStopped
	if p.running.Load() {
		status = StatusRunning
	}
	return &MetricsReport{
		PipelineStatus:       status,
		WorkersActive:        p.pool.Active(),
		Snapshot:             p.delivery.Snapshot(),
		CircuitBreakerStates: p.breakers.States(),
		QueueSizes:           depths,
	}, nil
}

// Health reports healthy, degraded (fewer than 80% of workers alive) or
// unhealthy (store unreachable, no workers, or not running).
func (p *Pipeline) Health(ctx context.Context) *HealthReport {
	r := &HealthReport{
		Status:               HealthHealthy,
		ActiveWorkers:        p.pool.Active(),
		ExpectedWorkers:      p.pool.Expected(),
		Store:                "ok",
		CircuitBreakerStates: p.breakers.States(),
		NodeID:               p.deps.NodeID,
	}
	// startedAt is written once before running is set.
	if p.running.Load() {
		r.Uptime = time.Since(p.startedAt).Round(time.Second).String()
	}

	storeErr := p.deps.Store.Ping(ctx)
	if storeErr != nil {
		r.Store = storeErr.Error()
	}

	switch {
	case !p.running.Load(), storeErr != nil, r.ActiveWorkers == 0:
		r.Status = HealthUnhealthy
	case float64(r.ActiveWorkers) < degradedRatio*float64(r.ExpectedWorkers):
		r.Status = HealthDegraded
	}
	return r
}

// DeadLetters returns up to limit dead letters, oldest first.
func (p *Pipeline) DeadLetters(ctx context.Context, limit int) ([]queue.DeadLetter, error) {
	return p.dead.Peek(ctx, limit)
}

// PurgeDeadLetters discards every dead letter.
func (p *Pipeline) PurgeDeadLetters(ctx context.Context) (int, error) {
	return p.dead.Purge(ctx)
}

// ReplayDeadLetters puts up to limit dead letters back in their ready queue.
func (p *Pipeline) ReplayDeadLetters(ctx context.Context, limit int) (int, error) {
	return p.dead.Replay(ctx, limit)
}

// ResetBreaker closes the named channel's breaker.
func (p *Pipeline) ResetBreaker(channel string) error {
	return p.breakers.Reset(channel)
}

// Breakers returns every breaker's snapshot.
func (p *Pipeline) Breakers() []breaker.Snapshot {
	return p.breakers.Snapshots()
}

// Publisher exposes the metrics publisher for the Prometheus handler and the
// HTTP middleware.
func (p *Pipeline) Publisher() *metrics.Publisher { return p.publisher }

// Pool exposes the worker pool for administrative control.
func (p *Pipeline) Pool() *worker.Pool { return p.pool }
