// Package scheduler executes one phase at a time under a timeout and reports
// structured lifecycle events. A timed-out handler is abandoned, not killed:
// its context is canceled, the scheduler stops waiting, and whatever the
// handler produces afterwards is discarded.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tradeflow/internal/retry"
	"tradeflow/internal/session"
)

// Status is the lifecycle state of one phase execution.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusTimeout   Status = "TIMEOUT"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

// Context carries arbitrary data a phase handler needs.
type Context map[string]any

// Handler executes a phase body. On success it returns metrics to merge into
// the result. Handlers must not assume they will be interrupted on timeout;
// the ctx is canceled as a courtesy they may choose to honor.
type Handler func(ctx context.Context, ec Context) (map[string]any, error)

// Phase is a named unit of work, immutable once registered.
type Phase struct {
	Name    string
	Timeout time.Duration
	Handler Handler
}

// Result is the outcome of one phase execution. It is mutated only by the
// scheduler running the phase and frozen once the status is terminal.
type Result struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	StartTime time.Time      `json:"start_time"`
	EndTime   time.Time      `json:"end_time"`
	Duration  time.Duration  `json:"duration"`
	Metrics   map[string]any `json:"metrics,omitempty"`
	Errors    []string       `json:"errors,omitempty"`
}

// EventSink receives lifecycle events. *session.Store satisfies it.
type EventSink interface {
	AppendEvent(ev session.Event, validate bool) error
}

// Scheduler runs phases one at a time.
type Scheduler struct {
	events EventSink
	policy retry.Policy
	logger *slog.Logger
	now    func() time.Time
}

// New returns a scheduler that writes lifecycle events through events and
// retries failing handlers under policy.
func New(events EventSink, policy retry.Policy, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		events: events,
		policy: policy,
		logger: logger,
		now:    time.Now,
	}
}

type outcome struct {
	metrics map[string]any
	err     error
}

// RunPhase executes the phase to a terminal status. TIMEOUT and FAILED are
// reported in the result, not as an error; the error return is reserved for
// invalid input. Exactly one phase_result event is emitted per invocation.
func (s *Scheduler) RunPhase(ctx context.Context, phase Phase, ec Context) (*Result, error) {
	if phase.Name == "" {
		return nil, fmt.Errorf("phase name is required")
	}
	if phase.Handler == nil {
		return nil, fmt.Errorf("phase %s: handler is required", phase.Name)
	}
	if phase.Timeout <= 0 {
		return nil, fmt.Errorf("phase %s: timeout must be positive", phase.Name)
	}

	start := s.now().UTC()
	result := &Result{
		Name:      phase.Name,
		Status:    StatusRunning,
		StartTime: start,
		Metrics:   map[string]any{},
	}

	s.emit(session.NewEvent("phase_start", session.LevelInfo,
		fmt.Sprintf("phase %s started", phase.Name),
		map[string]any{"phase": phase.Name, "timeout": phase.Timeout.String()}))

	phaseCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so the abandoned goroutine can finish after a timeout.
	done := make(chan outcome, 1)
	go func() {
		metrics, err := retry.DoValue(phaseCtx, phase.Name, func() (map[string]any, error) {
			return phase.Handler(phaseCtx, ec)
		}, s.policy, s.events, s.logger)
		done <- outcome{metrics: metrics, err: err}
	}()

	timer := time.NewTimer(phase.Timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			result.Status = StatusFailed
			result.Errors = append(result.Errors, out.err.Error())
		} else {
			result.Status = StatusCompleted
			for k, v := range out.metrics {
				result.Metrics[k] = v
			}
		}
	case <-timer.C:
		// Stop waiting; the handler keeps running until it notices the
		// canceled context, if it ever does.
		cancel()
		result.Status = StatusTimeout
		result.Errors = append(result.Errors,
			fmt.Sprintf("phase %s exceeded timeout %s", phase.Name, phase.Timeout))
		s.logger.Warn("phase abandoned after timeout", "phase", phase.Name, "timeout", phase.Timeout)
	}

	result.EndTime = s.now().UTC()
	if result.EndTime.Before(result.StartTime) {
		result.EndTime = result.StartTime
	}
	result.Duration = result.EndTime.Sub(result.StartTime)

	level := session.LevelInfo
	if result.Status != StatusCompleted {
		level = session.LevelError
	}
	s.emit(session.NewEvent("phase_result", level,
		fmt.Sprintf("phase %s finished with status %s", phase.Name, result.Status),
		map[string]any{
			"phase":       phase.Name,
			"status":      string(result.Status),
			"duration_ms": result.Duration.Milliseconds(),
			"errors":      result.Errors,
			"metrics":     result.Metrics,
		}))

	return result, nil
}

// Heartbeat writes a liveness event so an external watcher can detect a hung
// process.
func (s *Scheduler) Heartbeat() {
	s.emit(session.NewEvent("heartbeat", session.LevelInfo, "orchestrator alive", nil))
}

func (s *Scheduler) emit(ev session.Event) {
	if s.events == nil {
		return
	}
	_ = s.events.AppendEvent(ev, true)
}
