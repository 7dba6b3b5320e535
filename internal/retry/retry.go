// Package retry re-runs platform calls that failed with a transient error.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retryable marks an error as transient. RetryAfter, when non-zero, is the
// wait the platform asked for.
type Retryable struct {
	Err        error
	RetryAfter time.Duration
}

func (e *Retryable) Error() string { return e.Err.Error() }
func (e *Retryable) Unwrap() error { return e.Err }

// NewRetryable wraps err as transient.
func NewRetryable(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &Retryable{Err: err, RetryAfter: after}
}

// IsRetryable reports whether err, or any error it wraps, is transient.
func IsRetryable(err error) bool {
	var r *Retryable
	return errors.As(err, &r)
}

// Policy controls how often and how patiently a call is retried.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultPolicy never retries.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     1,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempt
// budget is spent, or ctx is done. Only errors wrapped with NewRetryable are
// retried.
func Do(ctx context.Context, p Policy, fn func() error) error {
	if p.MaxAttempts <= 1 {
		return fn()
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.Multiplier = p.Multiplier
	exp.MaxElapsedTime = 0

	hb := &hinted{BackOff: exp}
	b := backoff.WithContext(backoff.WithMaxRetries(hb, uint64(p.MaxAttempts-1)), ctx)

	operation := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		var r *Retryable
		if !errors.As(err, &r) {
			return backoff.Permanent(err)
		}
		hb.after = r.RetryAfter
		return err
	}
	return backoff.Retry(operation, b)
}

// hinted waits at least as long as the last server-provided retry hint.
type hinted struct {
	backoff.BackOff
	after time.Duration
}

func (h *hinted) NextBackOff() time.Duration {
	next := h.BackOff.NextBackOff()
	if next != backoff.Stop && h.after > next {
		next = h.after
	}
	h.after = 0
	return next
}
