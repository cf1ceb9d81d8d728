// Package retrier repeats exchange calls with exponential backoff.
package retrier

import (
	"context"
	"math"
	"math/rand"
	"time"
)

const (
	defaultInitialInterval = time.Second
	defaultMaxInterval     = 30 * time.Second
	defaultMultiplier      = 2.0
	defaultMaxRetries      = 5
	defaultJitter          = 0.1
)

// NotifyFunc called before each retry with the failed attempt number (from 1),
// its error and the pause that follows.
type NotifyFunc func(attempt int, err error, wait time.Duration)

// Retrier exponential backoff with jitter. Safe for concurrent use once built.
type Retrier struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
	retries    int
	jitter     float64
	retryIf    func(error) bool
	notify     NotifyFunc
}

// Option configures a Retrier.
type Option func(*Retrier)

// WithInitialInterval pause before the first retry.
func WithInitialInterval(d time.Duration) Option {
	return func(r *Retrier) { r.initial = d }
}

// WithMaxInterval upper bound of a single pause.
func WithMaxInterval(d time.Duration) Option {
	return func(r *Retrier) { r.max = d }
}

// WithMultiplier growth factor between pauses.
func WithMultiplier(m float64) Option {
	return func(r *Retrier) { r.multiplier = m }
}

// WithMaxRetries number of attempts after the first one.
func WithMaxRetries(n int) Option {
	return func(r *Retrier) { r.retries = n }
}

// WithJitter randomizes each pause by up to ±j of its length (0.0 to 1.0).
func WithJitter(j float64) Option {
	return func(r *Retrier) { r.jitter = j }
}

// WithRetryIf limits retries to errors accepted by pred; any other error is
// returned at once.
func WithRetryIf(pred func(error) bool) Option {
	return func(r *Retrier) { r.retryIf = pred }
}

// WithNotify registers a callback invoked before every retry.
func WithNotify(fn NotifyFunc) Option {
	return func(r *Retrier) { r.notify = fn }
}

func New(opts ...Option) *Retrier {
	r := &Retrier{
		initial:    defaultInitialInterval,
		max:        defaultMaxInterval,
		multiplier: defaultMultiplier,
		retries:    defaultMaxRetries,
		jitter:     defaultJitter,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Backoff pause before retry number attempt (from 1), without jitter.
func (r *Retrier) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := float64(r.initial) * math.Pow(r.multiplier, float64(attempt-1))
	if d > float64(r.max) {
		return r.max
	}
	return time.Duration(d)
}

func (r *Retrier) wait(attempt int) time.Duration {
	base := r.Backoff(attempt)
	d := time.Duration(float64(base) + (rand.Float64()*2-1)*r.jitter*float64(base))
	if d < 0 {
		return 0
	}
	return d
}

// Do runs fn until it succeeds, returns a non-retryable error, the retries are
// used up or ctx is done. The last error is returned.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt > r.retries || (r.retryIf != nil && !r.retryIf(err)) {
			return err
		}

		pause := r.wait(attempt)
		if r.notify != nil {
			r.notify(attempt, err, pause)
		}

		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// DoWithData is Do for functions returning a value.
func DoWithData[T any](r *Retrier, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}
