// Package retry runs calls to external collaborators a fixed number of times
// with a fixed pause between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Policy is the retry knob shared by lookups, deliveries, and persistence.
type Policy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultPolicy is three tries, one second apart. Constructors fall back to
// it when given a zero Policy.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, Delay: time.Second}
}

func (p Policy) attempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

// Do calls fn until it succeeds, the attempts run out, or ctx is done.
// Context errors returned by fn are not retried.
func Do(ctx context.Context, logger *zap.Logger, p Policy, op string, fn func(context.Context) error) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	total := p.attempts()

	var lastErr error
	for attempt := 1; attempt <= total; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s canceled: %w", op, err)
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Debug("operation succeeded after retry",
					zap.String("op", op),
					zap.Int("attempt", attempt))
			}
			return nil
		}
		lastErr = err
		var perm *permanentError
		if errors.As(err, &perm) {
			return fmt.Errorf("%s failed: %w", op, perm.err)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}
		if attempt == total {
			break
		}

		logger.Warn("operation failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", total),
			zap.Duration("delay", p.Delay),
			zap.Error(err))

		if p.Delay > 0 {
			timer := time.NewTimer(p.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%s canceled: %w", op, ctx.Err())
			case <-timer.C:
			}
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, total, lastErr)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns it after one attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
