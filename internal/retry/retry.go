// Package retry runs an operation again after transient failures, backing
// off exponentially between attempts.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError marks an error that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do gives up immediately and returns err as is.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do runs fn until it succeeds, up to attempts times. The wait starts at
// base and doubles after every failure, with up to a quarter of random
// jitter either way so synchronized callers spread out. Do stops early when
// fn reports a permanent error or ctx ends during a wait; otherwise it
// returns fn's last error.
func Do(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	wait := base
	for {
		err := fn()
		if err == nil {
			return nil
		}

		var perm *PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}

		attempts--
		if attempts == 0 {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(wait)):
		}
		wait *= 2
	}
}

// jittered spreads d across [0.75d, 1.25d].
func jittered(d time.Duration) time.Duration {
	span := int64(d) / 2
	if span <= 0 {
		return d
	}
	return d - d/4 + time.Duration(rand.Int64N(span+1))
}
