package poller

import (
	"math"
	"math/rand"
	"time"
)

// Backoff returns the wait before the next attempt, given the number of attempts made so far.
type Backoff interface {
	Next(attempt int) time.Duration
}

type constantBackoff struct{ every time.Duration }

func (b constantBackoff) Next(int) time.Duration { return b.every }

// exponentialBackoff grows the wait by multiplier on every attempt up to max, then applies +/- jitter.
type exponentialBackoff struct {
	initial    time.Duration
	multiplier float64
	max        time.Duration
	jitter     float64
	randFn     func() float64
}

func (b *exponentialBackoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	// cap in float before converting, time.Duration overflows silently
	maxDuration := float64(math.MaxInt64) - 2048

	initial := b.initial
	if initial <= 0 {
		initial = DefaultInterval
	}

	base := float64(initial)
	if b.multiplier > 1 {
		base *= math.Pow(b.multiplier, float64(attempt-1))
	}

	if b.max > 0 && base > float64(b.max) {
		base = float64(b.max)
	}

	base = math.Min(math.Max(base, 0), maxDuration)

	jitter := math.Min(math.Max(b.jitter, 0), 1)
	if jitter > 0 {
		randFn := b.randFn
		if randFn == nil {
			randFn = rand.Float64
		}

		factor := math.Max(1+(randFn()*2-1)*jitter, 0)
		base = math.Min(base*factor, maxDuration)
	}

	delay := time.Duration(base)
	if delay <= 0 {
		delay = time.Millisecond
	}

	return delay
}

// NewBackoff returns a constant backoff of interval unless growth, a cap different from interval or jitter is
// asked for.
func NewBackoff(interval time.Duration, multiplier float64, maxInterval time.Duration, jitter float64) Backoff {
	if interval <= 0 {
		interval = DefaultInterval
	}

	if multiplier > 1 || jitter > 0 || (maxInterval > 0 && maxInterval < interval) {
		return &exponentialBackoff{initial: interval, multiplier: multiplier, max: maxInterval, jitter: jitter}
	}

	return constantBackoff{every: interval}
}
