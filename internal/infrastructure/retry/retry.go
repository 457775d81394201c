// Package retry drives bounded exponential-backoff retries for storage and remote calls.
// Only errors flagged retryable (see pkg/errors.AppError.Retryable) are attempted again.
package retry

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/turtacn/qsign/internal/domain/service"
	"github.com/turtacn/qsign/pkg/constants"
	"github.com/turtacn/qsign/pkg/errors"
	"github.com/turtacn/qsign/pkg/logger"
)

// Policy configures the backoff schedule.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts     int
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
}

// DefaultPolicy is 3 attempts with 1s then 2s between them.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     constants.DefaultRetryMaxAttempts,
		InitialInterval: constants.DefaultRetryInitialInterval,
		Multiplier:      constants.DefaultRetryMultiplier,
		MaxInterval:     30 * time.Second,
	}
}

// NotifyFunc observes every scheduled retry: the attempt that failed, its error and the wait before the next one.
type NotifyFunc func(attempt int, err error, delay time.Duration)

// Retrier applies a Policy to operations.
type Retrier struct {
	policy  Policy
	log     logger.Logger
	metrics service.Metrics
	notify  NotifyFunc
}

// Option customises a Retrier.
type Option func(*Retrier)

// WithNotify registers a callback invoked before each backoff wait.
func WithNotify(fn NotifyFunc) Option {
	return func(r *Retrier) { r.notify = fn }
}

// WithMetrics counts retries per system.
func WithMetrics(m service.Metrics) Option {
	return func(r *Retrier) { r.metrics = m }
}

// New creates a Retrier.
func New(policy Policy, log logger.Logger, opts ...Option) *Retrier {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 1
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = 30 * time.Second
	}
	if policy.MaxInterval < policy.InitialInterval {
		policy.MaxInterval = policy.InitialInterval
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	r := &Retrier{
		policy:  policy,
		log:     log.WithComponent("Retry"),
		metrics: service.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the effective policy.
func (r *Retrier) Policy() Policy {
	return r.policy
}

// Schedule lists the waits between consecutive attempts.
func (r *Retrier) Schedule() []time.Duration {
	eb := r.newBackOff()
	eb.Reset()
	out := make([]time.Duration, 0, r.policy.MaxAttempts-1)
	for i := 1; i < r.policy.MaxAttempts; i++ {
		out = append(out, eb.NextBackOff())
	}
	return out
}

func (r *Retrier) newBackOff() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     r.policy.InitialInterval,
		RandomizationFactor: 0,
		Multiplier:          r.policy.Multiplier,
		MaxInterval:         r.policy.MaxInterval,
	}
}

// Run executes fn, retrying while it fails with a retryable error.
func (r *Retrier) Run(ctx context.Context, system, operation string, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, r, system, operation, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do executes fn, retrying while it fails with a retryable error, and returns its result.
func Do[T any](ctx context.Context, r *Retrier, system, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	eb := r.newBackOff()

	attempt := 0
	op := func() (T, error) {
		attempt++
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil || !errors.IsRetryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(r.policy.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, delay time.Duration) {
			r.metrics.RecordRemoteRetry(system)
			r.log.Warn(ctx, "Retrying failed call",
				logger.String("system", system),
				logger.String("operation", operation),
				logger.Int("attempt", attempt),
				logger.Duration("delay", delay),
				logger.Err(err),
			)
			if r.notify != nil {
				r.notify(attempt, err, delay)
			}
		}),
	)
	if err != nil {
		var permanent *backoff.PermanentError
		if stderrors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		return res, err
	}
	return res, nil
}
