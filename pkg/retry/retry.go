// Package retry runs fallible operations with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

const (
	DefaultRetries    = 3
	DefaultFactor     = 2
	DefaultMinTimeout = time.Second
	DefaultMaxTimeout = 30 * time.Second
)

// Policy configures a single retried invocation. Retries is the total number of
// attempts; the last error is returned once that many attempts have failed.
type Policy struct {
	Retries    int
	Factor     float64
	MinTimeout time.Duration
	MaxTimeout time.Duration
	OnRetry    func(err error, attempt int)
}

// WithDefaults fills zero values.
func (p Policy) WithDefaults() Policy {
	if p.Retries <= 0 {
		p.Retries = DefaultRetries
	}
	if p.Factor <= 0 {
		p.Factor = DefaultFactor
	}
	if p.MinTimeout <= 0 {
		p.MinTimeout = DefaultMinTimeout
	}
	if p.MaxTimeout <= 0 {
		p.MaxTimeout = DefaultMaxTimeout
	}
	if p.MaxTimeout < p.MinTimeout {
		p.MaxTimeout = p.MinTimeout
	}
	return p
}

// Delay returns the pause before the next attempt after the given (1-based) failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.WithDefaults()
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(p.MinTimeout) * math.Pow(p.Factor, float64(attempt-1))
	if backoff >= float64(p.MaxTimeout) || math.IsInf(backoff, 0) || math.IsNaN(backoff) {
		return p.MaxTimeout
	}
	return time.Duration(backoff)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs op until it succeeds, returns a permanent error, the context ends or the
// policy's attempts are exhausted.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	p = p.WithDefaults()
	var zero T
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}
		result, err := op(ctx, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		if errors.Is(err, context.Canceled) || attempt >= p.Retries {
			return zero, err
		}
		if p.OnRetry != nil {
			p.OnRetry(err, attempt)
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, err
		case <-timer.C:
		}
	}
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error) error {
	_, err := Do(ctx, p, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, op(ctx, attempt)
	})
	return err
}
