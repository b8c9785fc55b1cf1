// Package poller waits for a submitted transaction to be committed by repeatedly querying its committed details.
//
// A query function tells the poller what happened on each attempt: a receipt, ErrNotFoundYet (keep polling) or any
// other error (stop). Every wait ends in exactly one outcome: the receipt as fetched, ErrTimeout, ErrCancelled or a
// *QueryError. A Poller holds configuration only and can serve any number of concurrent waits.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tarancss/dapp/lib/config"
)

// Defaults applied when the configuration leaves them unset.
const (
	DefaultInterval = time.Second
	DefaultTimeout  = 2 * time.Minute
)

// Error codes.
var (
	ErrNotFoundYet = errors.New("transaction not found yet")
	ErrTransient   = errors.New("transient query failure")
	ErrTimeout     = errors.New("timed out waiting for commitment")
	ErrCancelled   = errors.New("wait for commitment cancelled")
	ErrQueryFailed = errors.New("commitment query failed")
	ErrEmptyID     = errors.New("a transaction identifier is required")
)

// QueryError is returned when the query function fails with an error that is not retried. It matches
// ErrQueryFailed and the underlying error with errors.Is.
type QueryError struct {
	ID      string
	Attempt int
	Err     error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%v: %s on attempt %d: %v", ErrQueryFailed, e.ID, e.Attempt, e.Err)
}

func (e *QueryError) Unwrap() []error {
	return []error{ErrQueryFailed, e.Err}
}

// Fetch queries the committed details of id.
type Fetch[R any] func(ctx context.Context, id string) (R, error)

// Poller defines how long and how often a transaction is queried.
type Poller struct {
	timeout        time.Duration
	maxAttempts    int
	retryTransient bool
	backoff        Backoff
	logger         *zap.Logger
	metrics        *Metrics
}

// Option modifies a Poller.
type Option func(*Poller)

// WithLogger sets the logger for attempt traces.
func WithLogger(l *zap.Logger) Option {
	return func(p *Poller) {
		p.logger = l
	}
}

// WithMetrics sets the collectors updated by every wait.
func WithMetrics(m *Metrics) Option {
	return func(p *Poller) {
		p.metrics = m
	}
}

// WithBackoff replaces the backoff built from the configuration.
func WithBackoff(b Backoff) Option {
	return func(p *Poller) {
		p.backoff = b
	}
}

// New returns a Poller for cfg. If cfg sets neither a timeout nor an attempt cap, DefaultTimeout applies.
func New(cfg config.PollConfig, opts ...Option) *Poller {
	p := &Poller{
		timeout:        time.Duration(cfg.Timeout),
		maxAttempts:    cfg.MaxAttempts,
		retryTransient: cfg.RetryTransient,
		backoff: NewBackoff(time.Duration(cfg.Interval), cfg.Multiplier, time.Duration(cfg.MaxInterval),
			cfg.Jitter),
		logger: zap.NewNop(),
	}

	if p.timeout <= 0 && p.maxAttempts <= 0 {
		p.timeout = DefaultTimeout
	}

	for _, o := range opts {
		o(p)
	}

	return p
}

// Timeout returns the bound of a wait, 0 when only the attempt cap applies.
func (p *Poller) Timeout() time.Duration {
	return p.timeout
}

// WithTimeout returns a copy of p bounded by timeout instead. A timeout <= 0 returns p.
func (p *Poller) WithTimeout(timeout time.Duration) *Poller {
	if timeout <= 0 {
		return p
	}

	c := *p
	c.timeout = timeout

	return &c
}

// Wait queries id with fetch until a receipt is returned, and returns it. Attempts are sequential; between two
// attempts the poller waits for the configured backoff. ctx is checked before every attempt and during waits.
func Wait[R any](ctx context.Context, p *Poller, id string, fetch Fetch[R]) (r R, err error) {
	if id == "" {
		return r, ErrEmptyID
	}

	start := time.Now()
	log := p.logger.With(zap.String("id", id))

	wctx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, p.timeout)

		defer cancel()
	}

	// end classifies a stop on wctx: the caller's own context takes precedence over our deadline
	end := func(attempts int) error {
		cerr := ctx.Err()
		if dl, ok := ctx.Deadline(); cerr == nil && ok && !time.Now().Before(dl) {
			cerr = context.DeadlineExceeded
		}

		if cerr != nil {
			p.metrics.done(OutcomeCancelled, time.Since(start))
			log.Debug("wait cancelled", zap.Int("attempts", attempts), zap.Error(cerr))

			return fmt.Errorf("%w: %w", ErrCancelled, cerr)
		}

		p.metrics.done(OutcomeTimeout, time.Since(start))
		log.Debug("wait timed out", zap.Int("attempts", attempts), zap.Duration("elapsed", time.Since(start)))

		return fmt.Errorf("%w: %d attempts in %s", ErrTimeout, attempts, time.Since(start).Round(time.Millisecond))
	}

	for attempt := 1; ; attempt++ {
		if dl, ok := wctx.Deadline(); wctx.Err() != nil || (ok && !time.Now().Before(dl)) {
			return r, end(attempt - 1)
		}

		p.metrics.attempt()

		r, err = fetch(wctx, id)
		if err == nil {
			p.metrics.done(OutcomeCommitted, time.Since(start))
			log.Debug("committed", zap.Int("attempts", attempt))

			return r, nil
		}

		var zero R
		r = zero

		switch {
		case errors.Is(err, ErrNotFoundYet):
		case p.retryTransient && errors.Is(err, ErrTransient):
			log.Debug("transient failure, retrying", zap.Int("attempt", attempt), zap.Error(err))
		case wctx.Err() != nil:
			// the query was aborted by cancellation or our deadline, not by the gateway
			return r, end(attempt)
		default:
			p.metrics.done(OutcomeQueryFailed, time.Since(start))
			log.Debug("query failed", zap.Int("attempt", attempt), zap.Error(err))

			return r, &QueryError{ID: id, Attempt: attempt, Err: err}
		}

		if p.maxAttempts > 0 && attempt >= p.maxAttempts {
			p.metrics.done(OutcomeTimeout, time.Since(start))
			log.Debug("attempts exhausted", zap.Int("attempts", attempt))

			return r, fmt.Errorf("%w: no receipt after %d attempts", ErrTimeout, attempt)
		}

		t := time.NewTimer(p.backoff.Next(attempt))
		select {
		case <-wctx.Done():
			t.Stop()

			return r, end(attempt)
		case <-t.C:
		}
	}
}
