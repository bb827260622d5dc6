// Package retry provides the retry loops shared by the client: exponential
// backoff with jitter for idempotent writes, and a flat-interval poll loop
// for asynchronously produced resources.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0, v%n < n, safe
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do and Poll will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do calls fn up to maxAttempts times with exponential backoff and jitter.
// It stops early if:
//   - fn returns nil (success)
//   - fn returns a *PermanentError (not retryable)
//   - ctx is cancelled
//
// baseDelay is doubled on each retry with +-25% jitter.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == maxAttempts-1 {
			break
		}

		jitter := delay / 4
		sleep := delay - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))

		if err := sleepCtx(ctx, sleep); err != nil {
			return err
		}

		delay *= 2
	}

	return err
}

// Outcome tags the result of one poll attempt.
type Outcome int

const (
	// Success ends the loop immediately.
	Success Outcome = iota
	// Pending means the resource does not exist yet; try again.
	Pending
	// Failed means the attempt errored. It is retried like Pending unless
	// the error is permanent.
	Failed
)

// String returns the outcome name used in logs and metric labels.
func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Pending:
		return "pending"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Attempt is the tagged result of a single poll attempt.
type Attempt[T any] struct {
	Outcome Outcome
	Value   T
	Err     error
}

// Ready builds a successful attempt.
func Ready[T any](v T) Attempt[T] { return Attempt[T]{Outcome: Success, Value: v} }

// NotReady builds a pending attempt.
func NotReady[T any]() Attempt[T] { return Attempt[T]{Outcome: Pending} }

// Fail builds a failed attempt.
func Fail[T any](err error) Attempt[T] { return Attempt[T]{Outcome: Failed, Err: err} }

// PollConfig fixes the shape of a poll loop. Delays are flat: every retry
// waits Interval, there is no backoff.
type PollConfig struct {
	InitialDelay time.Duration // wait before the first attempt
	Interval     time.Duration // wait between attempts
	MaxRetries   int           // retries after the first attempt
}

// PollResult reports how a poll loop ended.
type PollResult[T any] struct {
	Last     Attempt[T]
	Attempts int
}

// Poll runs fn until it succeeds, returns a permanent failure, the retry
// bound is exhausted, or ctx is cancelled. On cancellation the last attempt
// is replaced by a Failed attempt carrying ctx.Err(). fn is never called
// again after a Success.
func Poll[T any](ctx context.Context, cfg PollConfig, fn func(context.Context) Attempt[T]) PollResult[T] {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	var res PollResult[T]
	if err := sleepCtx(ctx, cfg.InitialDelay); err != nil {
		res.Last = Fail[T](err)
		return res
	}

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		res.Last = fn(ctx)
		res.Attempts++

		if res.Last.Outcome == Success {
			return res
		}

		var pe *PermanentError
		if res.Last.Outcome == Failed && errors.As(res.Last.Err, &pe) {
			res.Last.Err = pe.Err
			return res
		}

		if attempt == cfg.MaxRetries {
			break
		}

		if err := sleepCtx(ctx, cfg.Interval); err != nil {
			res.Last = Fail[T](err)
			return res
		}
	}

	return res
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
