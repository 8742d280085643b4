// Package breaker implements the per-channel circuit breaker that stops
// workers from hammering a delivery channel which is currently failing.
//
//	CLOSED ──(failures >= threshold)──▶ OPEN
//	OPEN ──(CanCall after recovery timeout)──▶ HALF_OPEN
//	HALF_OPEN ──(CallSucceeded)──▶ CLOSED
//	HALF_OPEN ──(CallFailed)──▶ OPEN
//
// CallSucceeded always returns the breaker to CLOSED with a zero failure
// count, whatever state it was in.
package breaker

import (
	"sync"
	"time"

	"github.com/propdesk/notifyd/internal/logging"
)

// State is the breaker's position in its state machine.
type State uint8

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Config holds the tunables shared by every breaker in a Set.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration

	// OnTrip is called (outside the lock) each time a breaker enters OPEN.
	OnTrip func(name string)
	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Snapshot is a point-in-time copy of one breaker.
type Snapshot struct {
	Name             string        `json:"name"`
	State            State         `json:"state"`
	FailureCount     int           `json:"failure_count"`
	FailureThreshold int           `json:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
	LastFailureTime  *time.Time    `json:"last_failure_time,omitempty"`
}

// Breaker is safe for concurrent use.
type Breaker struct {
	name      string
	threshold int
	recovery  time.Duration
	onTrip    func(string)
	now       func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
}

// New returns a CLOSED breaker. A threshold below 1 is treated as 1.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		name:      name,
		threshold: cfg.FailureThreshold,
		recovery:  cfg.RecoveryTimeout,
		onTrip:    cfg.OnTrip,
		now:       cfg.Now,
	}
}

// Name returns the channel this breaker guards.
func (b *Breaker) Name() string { return b.name }

// CanCall reports whether a delivery attempt may proceed. An OPEN breaker
// whose recovery timeout has elapsed moves to HALF_OPEN and allows the call.
func (b *Breaker) CanCall() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed, HalfOpen:
		return true
	default:
		if b.now().Sub(b.lastFailure) >= b.recovery {
			b.state = HalfOpen
			logging.Info().Str("channel", b.name).Msg("circuit breaker half-open, probing")
			return true
		}
		return false
	}
}

// CallSucceeded resets the breaker to CLOSED.
func (b *Breaker) CallSucceeded() {
	b.mu.Lock()
	prev := b.state
	b.state = Closed
	b.failures = 0
	b.mu.Unlock()

	if prev != Closed {
		logging.Info().Str("channel", b.name).Str("from", prev.String()).Msg("circuit breaker closed")
	}
}

// CallFailed records a failed attempt. The breaker trips when the count
// reaches the threshold, or on any failure while HALF_OPEN. Failures reported
// while already OPEN come from calls admitted before the trip; they do not
// move the recovery deadline.
func (b *Breaker) CallFailed() {
	b.mu.Lock()
	if b.state == Open {
		b.mu.Unlock()
		return
	}
	b.failures++
	b.lastFailure = b.now()
	tripped := false
	if b.state == HalfOpen || b.failures >= b.threshold {
		b.state = Open
		tripped = true
		// OPEN implies failures >= threshold.
		if b.failures < b.threshold {
			b.failures = b.threshold
		}
	}
	failures := b.failures
	b.mu.Unlock()

	if tripped {
		logging.Warn().Str("channel", b.name).Int("failures", failures).Msg("circuit breaker opened")
		if b.onTrip != nil {
			b.onTrip(b.name)
		}
	}
}

// Reset forces the breaker back to CLOSED and clears its failure history.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.state = Closed
	b.failures = 0
	b.lastFailure = time.Time{}
	b.mu.Unlock()
	logging.Info().Str("channel", b.name).Msg("circuit breaker reset")
}

// State returns the current state without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RetryAt returns when an OPEN breaker will next admit a probe. For any
// other state it returns the zero time.
func (b *Breaker) RetryAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return time.Time{}
	}
	return b.lastFailure.Add(b.recovery)
}

// Snapshot returns a copy of the breaker's fields.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		Name:             b.name,
		State:            b.state,
		FailureCount:     b.failures,
		FailureThreshold: b.threshold,
		RecoveryTimeout:  b.recovery,
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		s.LastFailureTime = &t
	}
	return s
}
