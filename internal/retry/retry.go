// Package retry runs fallible pipeline steps a bounded number of times with
// a fixed pause between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	DefaultAttempts = 3
	DefaultDelay    = 2 * time.Second
)

// Policy bounds a retry loop. Zero values fall back to the defaults; a
// negative Delay disables the pause.
type Policy struct {
	Attempts int
	Delay    time.Duration
}

func (p Policy) attempts() int {
	if p.Attempts <= 0 {
		return DefaultAttempts
	}
	return p.Attempts
}

func (p Policy) delay() time.Duration {
	switch {
	case p.Delay < 0:
		return 0
	case p.Delay == 0:
		return DefaultDelay
	default:
		return p.Delay
	}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Do stops retrying and returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do calls op until it succeeds, returns a permanent error, the context is
// done, or the attempt budget is spent. attempt is 1-indexed.
func Do(ctx context.Context, p Policy, name string, op func(ctx context.Context, attempt int) error) error {
	limit := p.attempts()
	var lastErr error
	for attempt := 1; attempt <= limit; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%s: %w (last error: %v)", name, err, lastErr)
			}
			return fmt.Errorf("%s: %w", name, err)
		}

		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		lastErr = err
		if attempt == limit {
			break
		}

		slog.Warn("step failed, retrying", "step", name, "attempt", attempt, "max_attempts", limit, "error", err)
		if d := p.delay(); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%s: %w (last error: %v)", name, ctx.Err(), lastErr)
			case <-timer.C:
			}
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", name, limit, lastErr)
}
