package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"tradeflow/internal/session"
)

type memSink struct {
	mu     sync.Mutex
	events []session.Event
}

func (m *memSink) AppendEvent(ev session.Event, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memSink) byType(eventType string) []session.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []session.Event
	for _, ev := range m.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func fastPolicy(maxAttempts int) Policy {
	return Policy{MaxAttempts: maxAttempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestDoFirstAttemptSuccess(t *testing.T) {
	sink := &memSink{}
	calls := 0

	err := Do(context.Background(), "fetch", func() error {
		calls++
		return nil
	}, fastPolicy(3), sink, nil)

	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 1 {
		t.Fatalf("operation ran %d times, want 1", calls)
	}
	if got := sink.byType("attempt"); len(got) != 0 {
		t.Fatalf("first-attempt success emitted %d attempt events, want 0", len(got))
	}
}

func TestDoRetriesThenSucceeds(t *testing.T) {
	sink := &memSink{}
	calls := 0

	err := Do(context.Background(), "fetch", func() error {
		calls++
		if calls <= 2 {
			return fmt.Errorf("transient %d", calls)
		}
		return nil
	}, fastPolicy(3), sink, nil)

	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("operation ran %d times, want 3", calls)
	}

	attempts := sink.byType("attempt")
	if len(attempts) != 3 {
		t.Fatalf("got %d attempt events, want 3 (two failures, one success)", len(attempts))
	}
	if attempts[0].Level != session.LevelWarning || attempts[1].Level != session.LevelWarning {
		t.Fatalf("non-final failures logged at %q/%q, want warning", attempts[0].Level, attempts[1].Level)
	}
	if attempts[2].Level != session.LevelInfo {
		t.Fatalf("retried success logged at %q, want info", attempts[2].Level)
	}
}

func TestDoExhaustsBudget(t *testing.T) {
	sink := &memSink{}
	calls := 0
	opErr := errors.New("still broken")

	err := Do(context.Background(), "fetch", func() error {
		calls++
		return opErr
	}, fastPolicy(3), sink, nil)

	if !errors.Is(err, opErr) {
		t.Fatalf("Do returned %v, want the last operation error", err)
	}
	if calls != 3 {
		t.Fatalf("operation ran %d times, want exactly 3", calls)
	}

	attempts := sink.byType("attempt")
	if len(attempts) != 3 {
		t.Fatalf("got %d attempt events, want 3", len(attempts))
	}
	if last := attempts[2]; last.Level != session.LevelError {
		t.Fatalf("final failure logged at %q, want error", last.Level)
	}
}

func TestDoPermanentErrorShortCircuits(t *testing.T) {
	sink := &memSink{}
	calls := 0
	opErr := errors.New("bad input")

	err := Do(context.Background(), "validate", func() error {
		calls++
		return Permanent(opErr)
	}, fastPolicy(5), sink, nil)

	if !errors.Is(err, opErr) {
		t.Fatalf("Do returned %v, want the wrapped permanent error", err)
	}
	if calls != 1 {
		t.Fatalf("operation ran %d times, want 1 (no retries for permanent errors)", calls)
	}

	attempts := sink.byType("attempt")
	if len(attempts) != 1 || attempts[0].Level != session.LevelError {
		t.Fatalf("permanent failure events = %+v, want one error-level attempt", attempts)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	err := Do(ctx, "fetch", func() error {
		calls++
		cancel()
		return errors.New("transient")
	}, Policy{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second}, nil, nil)

	if err == nil {
		t.Fatal("Do succeeded despite cancellation")
	}
	if calls != 1 {
		t.Fatalf("operation ran %d times after cancellation, want 1", calls)
	}
}

func TestDoValue(t *testing.T) {
	calls := 0
	got, err := DoValue(context.Background(), "fetch", func() (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("transient")
		}
		return 42, nil
	}, fastPolicy(3), nil, nil)

	if err != nil {
		t.Fatalf("DoValue: %v", err)
	}
	if got != 42 {
		t.Fatalf("DoValue = %d, want 42", got)
	}

	got, err = DoValue(context.Background(), "fetch", func() (int, error) {
		return 7, errors.New("broken")
	}, fastPolicy(2), nil, nil)
	if err == nil {
		t.Fatal("DoValue succeeded for a failing operation")
	}
	if got != 0 {
		t.Fatalf("failed DoValue = %d, want zero value", got)
	}
}

func TestPolicyNormalized(t *testing.T) {
	p := Policy{}.normalized()
	want := DefaultPolicy()
	if p != want {
		t.Fatalf("normalized zero policy = %+v, want %+v", p, want)
	}
}
