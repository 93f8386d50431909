package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pesio-ai/be-hr-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-hr-approvals/internal/platform/logger"
)

// RetryPolicy bounds how long a transient store failure is retried.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryPolicy retries for up to five seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
		MaxElapsedTime:  5 * time.Second,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = p.MaxElapsedTime
	return backoff.WithContext(b, ctx)
}

// retryTransient runs op until it succeeds, fails with a non-retryable
// AppError or the policy gives up. Exhausted retries surface as a
// persistence error.
func retryTransient(ctx context.Context, policy RetryPolicy, log *logger.Logger, metrics *Metrics, what string, op func() error) error {
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if ae, ok := errors.As(err); ok && !ae.Retryable() {
			return backoff.Permanent(err)
		}
		metrics.commitRetries.WithLabelValues(what).Inc()
		log.Warn().Err(err).Str("operation", what).Int("attempt", attempt).Msg("Transient failure, retrying")
		return err
	}, policy.backOff(ctx))
	if err == nil {
		return nil
	}
	if ae, ok := errors.As(err); ok && !ae.Retryable() {
		return err
	}
	return errors.Wrap(err, errors.ErrCodePersistence, what+" failed after retries")
}
