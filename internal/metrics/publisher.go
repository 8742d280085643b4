package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/propdesk/notifyd/internal/logging"
)

// SnapshotKey is the store entry the publisher writes each tick.
const SnapshotKey = "delivery_metrics"

// Sink is the part of the queue store the publisher reads and writes.
type Sink interface {
	QueueDepths(ctx context.Context) (map[string]int, error)
	PutSnapshot(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// StateFunc reports each channel's breaker state name.
type StateFunc func() map[string]string

// PublishedSnapshot is the JSON document stored under SnapshotKey.
type PublishedSnapshot struct {
	Delivery      Snapshot          `json:"delivery"`
	QueueSizes    map[string]int    `json:"queue_sizes"`
	BreakerStates map[string]string `json:"circuit_breaker_states"`
	PublishedAt   time.Time         `json:"published_at"`
}

// PublisherOptions configures a Publisher.
type PublisherOptions struct {
	Interval    time.Duration // default 60s
	SnapshotTTL time.Duration // default 5m
	States      StateFunc     // optional
}

// Publisher periodically exports Delivery counters and queue depths to the
// store (as a TTL snapshot) and to a Prometheus registry.
type Publisher struct {
	delivery *Delivery
	sink     Sink
	opts     PublisherOptions

	registry     *prometheus.Registry
	queueDepth   *prometheus.GaugeVec
	breakerState *prometheus.GaugeVec

	// HTTPRequests and HTTPDuration are fed by the API middleware.
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	mu   sync.Mutex
	last *PublishedSnapshot

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPublisher registers every collector on a private registry.
func NewPublisher(d *Delivery, sink Sink, opts PublisherOptions) *Publisher {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.SnapshotTTL <= 0 {
		opts.SnapshotTTL = 5 * time.Minute
	}
	p := &Publisher{
		delivery: d,
		sink:     sink,
		opts:     opts,
		registry: prometheus.NewRegistry(),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "notifyd_queue_depth",
			Help: "Tasks waiting in each queue",
		}, []string{"queue"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "notifyd_circuit_breaker_state",
			Help: "Circuit breaker state per channel (0=closed, 1=open, 2=half_open)",
		}, []string{"channel"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyd_http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "notifyd_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		done: make(chan struct{}),
	}

	// Compaction can lower these values, so they are exported as gauges.
	gauge := func(name, help string, read func(Snapshot) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			return read(d.Snapshot())
		})
	}
	p.registry.MustRegister(
		p.queueDepth,
		p.breakerState,
		p.HTTPRequests,
		p.HTTPDuration,
		gauge("notifyd_deliveries_processed", "Delivery attempts since last compaction",
			func(s Snapshot) float64 { return float64(s.TotalProcessed) }),
		gauge("notifyd_deliveries_successful", "Successful deliveries",
			func(s Snapshot) float64 { return float64(s.SuccessfulDeliveries) }),
		gauge("notifyd_deliveries_failed", "Failed delivery attempts",
			func(s Snapshot) float64 { return float64(s.FailedDeliveries) }),
		gauge("notifyd_retries_attempted", "Tasks rescheduled with backoff",
			func(s Snapshot) float64 { return float64(s.RetriesAttempted) }),
		gauge("notifyd_circuit_breaker_trips", "Breaker transitions into OPEN",
			func(s Snapshot) float64 { return float64(s.CircuitBreakerTrips) }),
		gauge("notifyd_dead_lettered", "Tasks moved to the dead-letter queue",
			func(s Snapshot) float64 { return float64(s.DeadLettered) }),
		gauge("notifyd_tasks_lost", "Tasks the store could not reschedule or dead-letter",
			func(s Snapshot) float64 { return float64(s.Lost) }),
		gauge("notifyd_delivery_time_avg_ms", "Mean send latency of successful deliveries",
			func(s Snapshot) float64 { return s.AvgDeliveryTimeMs }),
		gauge("notifyd_success_rate", "Successful share of processed attempts",
			func(s Snapshot) float64 { return s.SuccessRate }),
	)
	return p
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Publisher) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (p *Publisher) Registry() *prometheus.Registry { return p.registry }

// Last returns the most recently published snapshot, or nil.
func (p *Publisher) Last() *PublishedSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Start launches the publish loop. It must be called at most once.
func (p *Publisher) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.run(ctx)
}

// Stop ends the loop and waits for it to exit.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() { close(p.done) })
	p.wg.Wait()
}

func (p *Publisher) run(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			if err := p.Publish(ctx); err != nil {
				logging.Warn().Err(err).Msg("metrics publish failed")
			}
		}
	}
}

// Publish runs one export cycle: compaction check, depth read, Prometheus
// update, store snapshot, and a summary log line when there is activity.
func (p *Publisher) Publish(ctx context.Context) error {
	if p.delivery.ResetIfNeeded() {
		logging.Info().Msg("delivery metrics compacted")
	}

	depths, err := p.sink.QueueDepths(ctx)
	if err != nil {
		return err
	}
	snap := &PublishedSnapshot{
		Delivery:    p.delivery.Snapshot(),
		QueueSizes:  depths,
		PublishedAt: time.Now().UTC(),
	}
	if p.opts.States != nil {
		snap.BreakerStates = p.opts.States()
	}

	for q, n := range depths {
		p.queueDepth.WithLabelValues(q).Set(float64(n))
	}
	for ch, st := range snap.BreakerStates {
		p.breakerState.WithLabelValues(ch).Set(stateValue(st))
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := p.sink.PutSnapshot(ctx, SnapshotKey, payload, p.opts.SnapshotTTL); err != nil {
		return err
	}

	p.mu.Lock()
	p.last = snap
	p.mu.Unlock()

	if d := snap.Delivery; d.TotalProcessed > 0 {
		logging.Info().
			Int64("processed", d.TotalProcessed).
			Int64("successful", d.SuccessfulDeliveries).
			Int64("failed", d.FailedDeliveries).
			Int64("retries", d.RetriesAttempted).
			Float64("success_rate", d.SuccessRate).
			Float64("avg_delivery_ms", d.AvgDeliveryTimeMs).
			Msg("delivery metrics")
	}
	return nil
}

func stateValue(s string) float64 {
	switch s {
	case "OPEN":
		return 1
	case "HALF_OPEN":
		return 2
	default:
		return 0
	}
}
