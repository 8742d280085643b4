// Package metrics holds the delivery counters shared by every worker and the
// publisher that exports them.
//
// # Counters
//
// Delivery is a passive counter bag. Increments are lock-free atomics taken
// under a shared read lock; only compaction takes the lock exclusively, so
// workers never serialise on each other.
//
// Every attempt is counted once in total_processed and once in either
// successful or failed, which keeps successful+failed <= total_processed.
//
// # Compaction
//
// Counters grow for the life of the process. Once total_processed passes the
// history cap, ResetIfNeeded halves every counter: rates and averages survive
// while the absolute numbers stay bounded.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxHistory is the compaction threshold used when none is given.
const DefaultMaxHistory = 1_000_000

// Snapshot is a consistent-enough copy of the counters for reporting.
type Snapshot struct {
	TotalProcessed       int64     `json:"total_processed"`
	SuccessfulDeliveries int64     `json:"successful_deliveries"`
	FailedDeliveries     int64     `json:"failed_deliveries"`
	RetriesAttempted     int64     `json:"retries_attempted"`
	AvgDeliveryTimeMs    float64   `json:"avg_delivery_time_ms"`
	SuccessRate          float64   `json:"success_rate"`
	CircuitBreakerTrips  int64     `json:"circuit_breaker_trips"`
	CircuitRejections    int64     `json:"circuit_breaker_rejections"`
	DeadLettered         int64     `json:"dead_lettered"`
	Dropped              int64     `json:"dropped"`
	Lost                 int64     `json:"lost"`
	LastReset            time.Time `json:"last_reset"`
}

// Delivery is safe for concurrent use. The zero value is not usable; call
// NewDelivery.
type Delivery struct {
	maxHistory int64
	now        func() time.Time

	// mu is held shared by increments and exclusively by compaction.
	mu sync.RWMutex

	total      atomic.Int64
	successful atomic.Int64
	failed     atomic.Int64
	retries    atomic.Int64
	trips      atomic.Int64
	rejections atomic.Int64
	dead       atomic.Int64
	dropped    atomic.Int64
	lost       atomic.Int64
	latencyNs  atomic.Int64 // sum over successful deliveries

	lastReset atomic.Int64 // unix nanos
}

// NewDelivery returns an empty counter bag. maxHistory <= 0 selects
// DefaultMaxHistory.
func NewDelivery(maxHistory int64) *Delivery {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	d := &Delivery{maxHistory: maxHistory, now: time.Now}
	d.lastReset.Store(d.now().UnixNano())
	return d
}

// RecordSuccess counts a delivered notification and its send latency.
func (d *Delivery) RecordSuccess(latency time.Duration) {
	d.mu.RLock()
	d.total.Add(1)
	d.successful.Add(1)
	d.latencyNs.Add(int64(latency))
	d.mu.RUnlock()
}

// RecordFailure counts a failed attempt.
func (d *Delivery) RecordFailure() {
	d.mu.RLock()
	d.total.Add(1)
	d.failed.Add(1)
	d.mu.RUnlock()
}

// RecordDropped counts a task discarded because its record no longer exists.
// It is also a failure.
func (d *Delivery) RecordDropped() {
	d.mu.RLock()
	d.total.Add(1)
	d.failed.Add(1)
	d.dropped.Add(1)
	d.mu.RUnlock()
}

func (d *Delivery) inc(c *atomic.Int64) {
	d.mu.RLock()
	c.Add(1)
	d.mu.RUnlock()
}

// RecordRetry counts a task rescheduled with backoff.
func (d *Delivery) RecordRetry() { d.inc(&d.retries) }

// RecordTrip counts a breaker entering OPEN.
func (d *Delivery) RecordTrip() { d.inc(&d.trips) }

// RecordRejection counts a task deferred by an open breaker.
func (d *Delivery) RecordRejection() { d.inc(&d.rejections) }

// RecordDeadLetter counts a task that exhausted its retries.
func (d *Delivery) RecordDeadLetter() { d.inc(&d.dead) }

// RecordLost counts a task the store refused to take back in any form.
func (d *Delivery) RecordLost() { d.inc(&d.lost) }

// Snapshot reads every counter. Outcome counters are loaded before the total
// so the invariant holds in the copy even while workers are writing.
func (d *Delivery) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := Snapshot{
		SuccessfulDeliveries: d.successful.Load(),
		FailedDeliveries:     d.failed.Load(),
		RetriesAttempted:     d.retries.Load(),
		CircuitBreakerTrips:  d.trips.Load(),
		CircuitRejections:    d.rejections.Load(),
		DeadLettered:         d.dead.Load(),
		Dropped:              d.dropped.Load(),
		Lost:                 d.lost.Load(),
		LastReset:            time.Unix(0, d.lastReset.Load()).UTC(),
	}
	latency := d.latencyNs.Load()
	s.TotalProcessed = d.total.Load()

	if s.SuccessfulDeliveries > 0 {
		s.AvgDeliveryTimeMs = float64(latency) / float64(s.SuccessfulDeliveries) / float64(time.Millisecond)
	}
	if s.TotalProcessed > 0 {
		s.SuccessRate = float64(s.SuccessfulDeliveries) / float64(s.TotalProcessed)
	}
	return s
}

// ResetIfNeeded compacts the counters when total_processed exceeds the
// history cap. It reports whether compaction happened.
func (d *Delivery) ResetIfNeeded() bool {
	if d.total.Load() <= d.maxHistory {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.total.Load() <= d.maxHistory {
		return false
	}
	for _, c := range []*atomic.Int64{
		&d.total, &d.successful, &d.failed, &d.retries, &d.trips,
		&d.rejections, &d.dead, &d.dropped, &d.lost, &d.latencyNs,
	} {
		c.Store(c.Load() / 2)
	}
	d.lastReset.Store(d.now().UnixNano())
	return true
}
