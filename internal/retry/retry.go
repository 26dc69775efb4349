// Package retry wraps one fallible call with bounded exponential backoff.
// Every attempt is recorded as a session event so a post-mortem can see how
// hard the orchestrator fought before giving up.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"tradeflow/internal/session"
)

// EventSink receives attempt events. *session.Store satisfies it.
type EventSink interface {
	AppendEvent(ev session.Event, validate bool) error
}

// Policy bounds the retry loop. Attempt 1 runs immediately; attempt n waits
// min(BaseDelay*2^(n-2), MaxDelay) first.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy mirrors the orchestrator defaults: three attempts, one second
// base delay, thirty second cap.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 1 * time.Second, MaxDelay: 30 * time.Second}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 1 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

// Permanent marks err as non-retryable: Do short-circuits without consuming
// the remaining budget. Validation-class failures should be wrapped this way.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op under the policy, emitting one event per attempt: warning for a
// retryable failure, error for the final failure, info for a success after at
// least one retry. A first-attempt success emits nothing. The last error is
// returned once the budget is exhausted.
func Do(ctx context.Context, name string, op func() error, p Policy, events EventSink, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	p = p.normalized()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	attempt := 0
	wrapped := func() error {
		attempt++
		err := op()
		if err == nil {
			if attempt > 1 {
				emit(events, session.NewEvent("attempt", session.LevelInfo,
					fmt.Sprintf("%s succeeded on attempt %d/%d", name, attempt, p.MaxAttempts),
					map[string]any{"operation": name, "attempt": attempt}))
			}
			return nil
		}

		var permanent *backoff.PermanentError
		final := attempt >= p.MaxAttempts || errors.As(err, &permanent)
		level := session.LevelWarning
		msg := fmt.Sprintf("%s attempt %d/%d failed, will retry", name, attempt, p.MaxAttempts)
		if final {
			level = session.LevelError
			msg = fmt.Sprintf("%s attempt %d/%d failed, giving up", name, attempt, p.MaxAttempts)
		}
		emit(events, session.NewEvent("attempt", level, msg, map[string]any{
			"operation": name,
			"attempt":   attempt,
			"error":     err.Error(),
		}))
		return err
	}

	notify := func(err error, delay time.Duration) {
		logger.Debug("backing off", "operation", name, "attempt", attempt, "delay", delay, "err", err)
	}

	// MaxAttempts-1 retries after the immediate first attempt.
	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)
	return backoff.RetryNotify(wrapped, bo, notify)
}

// DoValue is Do for operations that produce a result. The result of the last
// successful attempt is returned; on failure the zero value accompanies the
// error.
func DoValue[T any](ctx context.Context, name string, op func() (T, error), p Policy, events EventSink, logger *slog.Logger) (T, error) {
	var out T
	err := Do(ctx, name, func() error {
		v, err := op()
		if err == nil {
			out = v
		}
		return err
	}, p, events, logger)
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// emit is best-effort: retry bookkeeping must never fail the operation itself.
func emit(events EventSink, ev session.Event) {
	if events == nil {
		return
	}
	_ = events.AppendEvent(ev, true)
}
