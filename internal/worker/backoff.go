package worker

import (
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays as min(Max, Base·2^retryCount) plus a
// uniform jitter in [0, Jitter).
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration
}

// Delay returns the wait before the attempt following retryCount failures.
func (b Backoff) Delay(retryCount int) time.Duration {
	d := b.Max
	// Past 2^30 the product overflows long before it stops exceeding Max.
	if retryCount < 31 {
		if exp := b.Base * time.Duration(1<<retryCount); exp > 0 && exp < b.Max {
			d = exp
		}
	}
	if b.Jitter > 0 {
		d += rand.N(b.Jitter)
	}
	return d
}
