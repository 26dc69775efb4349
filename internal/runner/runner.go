// Package runner owns the ordered phase list and drives the scheduler across
// it, one phase at a time. It is the only writer of the session summary and
// decides, per configuration, whether a failed phase aborts the run or not.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"tradeflow/internal/registry"
	"tradeflow/internal/scheduler"
	"tradeflow/internal/session"
	"tradeflow/internal/slo"
)

// Options configures a runner. SessionID and Phases are required.
type Options struct {
	SessionID         string
	Phases            []scheduler.Phase
	Pause             time.Duration
	MaxPause          time.Duration
	ContinueOnFailure bool
	InitialCapital    float64
}

// Runner executes all registered phases once, strictly sequentially.
type Runner struct {
	opts     Options
	store    *session.Store
	sched    *scheduler.Scheduler
	monitor  *slo.Monitor
	registry *registry.Store
	logger   *slog.Logger

	now   func() time.Time
	sleep func(time.Duration)
}

// Report describes how the run ended.
type Report struct {
	SessionID    string
	Results      []*scheduler.Result
	Completed    int
	AllCompleted bool
	Aborted      bool
	StartedAt    time.Time
	FinishedAt   time.Time
	SLOStatus    map[string]slo.Status
}

// New validates the configuration and returns a runner. Configuration errors
// here are fatal; nothing has executed yet. The registry may be nil.
func New(opts Options, store *session.Store, sched *scheduler.Scheduler, monitor *slo.Monitor, reg *registry.Store, logger *slog.Logger) (*Runner, error) {
	if opts.SessionID == "" {
		return nil, fmt.Errorf("runner: session id is required")
	}
	if store == nil {
		return nil, fmt.Errorf("runner: session store is required")
	}
	if sched == nil {
		return nil, fmt.Errorf("runner: scheduler is required")
	}
	if len(opts.Phases) == 0 {
		return nil, fmt.Errorf("runner: at least one phase is required")
	}
	seen := make(map[string]bool, len(opts.Phases))
	for _, p := range opts.Phases {
		if p.Name == "" {
			return nil, fmt.Errorf("runner: phase name is required")
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("runner: duplicate phase name %q", p.Name)
		}
		seen[p.Name] = true
		if p.Timeout <= 0 {
			return nil, fmt.Errorf("runner: phase %s: timeout must be positive", p.Name)
		}
	}
	if opts.Pause < 0 {
		return nil, fmt.Errorf("runner: pause must not be negative")
	}
	if opts.MaxPause <= 0 {
		opts.MaxPause = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		opts:     opts,
		store:    store,
		sched:    sched,
		monitor:  monitor,
		registry: reg,
		logger:   logger,
		now:      time.Now,
		sleep:    time.Sleep,
	}, nil
}

// Run executes every phase once and produces the final summary. The event
// log and summary stay readable and consistent however the run ends; TIMEOUT
// and FAILED phases are reported through the Report, not as errors.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	startedAt := r.now().UTC()
	report := &Report{
		SessionID: r.opts.SessionID,
		StartedAt: startedAt,
	}

	r.emit(session.NewEvent("run_start", session.LevelInfo,
		fmt.Sprintf("session %s started with %d phases", r.opts.SessionID, len(r.opts.Phases)),
		map[string]any{"session_id": r.opts.SessionID, "phases": len(r.opts.Phases)}))

	summary := session.Summary{
		SessionID:  r.opts.SessionID,
		StartTime:  startedAt.Format(time.RFC3339Nano),
		LastUpdate: startedAt.Format(time.RFC3339Nano),
		Totals: session.Totals{
			InitialCapital: r.opts.InitialCapital,
			CurrentCapital: r.opts.InitialCapital,
			PhasesTotal:    len(r.opts.Phases),
		},
	}
	if err := r.store.WriteSummary(summary, true); err != nil {
		return report, fmt.Errorf("write initial summary: %w", err)
	}

	if r.registry != nil {
		if err := r.registry.RegisterSession(r.opts.SessionID, startedAt, len(r.opts.Phases)); err != nil {
			r.logger.Warn("failed to register session", "err", err)
		}
	}

	for i, phase := range r.opts.Phases {
		if i > 0 {
			r.pause()
		}

		result, err := r.sched.RunPhase(ctx, phase, scheduler.Context{"session_id": r.opts.SessionID})
		if err != nil {
			// Only invalid phase definitions land here, and New already
			// screened those.
			return report, fmt.Errorf("run phase %s: %w", phase.Name, err)
		}
		report.Results = append(report.Results, result)

		completed := result.Status == scheduler.StatusCompleted
		if completed {
			report.Completed++
		}
		summary = r.updateSummary(summary, report.Completed, result)
		if err := r.store.WriteSummary(summary, true); err != nil {
			r.logger.Warn("failed to update summary", "phase", phase.Name, "err", err)
		}

		if r.monitor != nil {
			r.monitor.AddErrorMeasurement(completed, result.EndTime)
			r.monitor.AddRenderTimeMeasurement(float64(result.Duration.Milliseconds()), result.EndTime)
		}

		if !completed && !r.opts.ContinueOnFailure {
			report.Aborted = true
			r.logger.Error("aborting run after phase failure",
				"phase", phase.Name, "status", result.Status)
			break
		}
	}

	report.AllCompleted = report.Completed == len(r.opts.Phases)
	report.FinishedAt = r.now().UTC()

	if r.monitor != nil {
		report.SLOStatus = r.monitor.AllStatus()
		r.recordEvaluations(report.SLOStatus)
	}

	status := "completed"
	if report.Aborted {
		status = "aborted"
	} else if !report.AllCompleted {
		status = "failed"
	}

	r.emit(session.NewEvent("run_complete", runLevel(report),
		fmt.Sprintf("session %s finished: %d/%d phases completed", r.opts.SessionID, report.Completed, len(r.opts.Phases)),
		map[string]any{
			"session_id":       r.opts.SessionID,
			"status":           status,
			"phases_completed": report.Completed,
			"phases_total":     len(r.opts.Phases),
		}))

	if r.registry != nil {
		summaryJSON, err := json.Marshal(summary)
		if err != nil {
			summaryJSON = nil
		}
		if err := r.registry.FinishSession(r.opts.SessionID, status, report.Completed, string(summaryJSON), report.FinishedAt); err != nil {
			r.logger.Warn("failed to finalize session record", "err", err)
		}
	}

	return report, nil
}

// updateSummary advances the rolling summary. The completed count is derived
// from the report's monotonically growing counter, so it can never decrease
// within a run.
func (r *Runner) updateSummary(summary session.Summary, completed int, result *scheduler.Result) session.Summary {
	if completed > summary.Totals.PhasesCompleted {
		summary.Totals.PhasesCompleted = completed
	}
	if capital, ok := floatMetric(result.Metrics, "current_capital"); ok {
		summary.Totals.CurrentCapital = capital
	}
	summary.ROIPct = session.ROI(summary.Totals.InitialCapital, summary.Totals.CurrentCapital) * 100
	summary.LastUpdate = r.now().UTC().Format(time.RFC3339Nano)
	return summary
}

// pause is the mandatory inter-phase self-check: a bounded sleep plus a
// heartbeat, capped so a misconfigured pause cannot stall the run for hours.
func (r *Runner) pause() {
	d := r.opts.Pause
	if d > r.opts.MaxPause {
		r.logger.Warn("capping configured pause", "configured", d, "cap", r.opts.MaxPause)
		d = r.opts.MaxPause
	}
	if d > 0 {
		r.sleep(d)
	}
	r.sched.Heartbeat()
}

func (r *Runner) recordEvaluations(statuses map[string]slo.Status) {
	if r.registry == nil {
		return
	}
	for _, status := range statuses {
		err := r.registry.RecordEvaluation(registry.Evaluation{
			SessionID:          r.opts.SessionID,
			Objective:          status.Name,
			State:              string(status.State),
			CurrentPct:         status.CurrentPct,
			BudgetRemainingPct: status.ErrorBudgetRemainingPct,
			SampleCount:        status.SampleCount,
			CreatedAt:          r.now(),
		})
		if err != nil {
			r.logger.Warn("failed to record SLO evaluation", "objective", status.Name, "err", err)
		}
	}
}

func (r *Runner) emit(ev session.Event) {
	_ = r.store.AppendEvent(ev, true)
}

func runLevel(report *Report) string {
	if report.AllCompleted {
		return session.LevelInfo
	}
	return session.LevelError
}

func floatMetric(metrics map[string]any, key string) (float64, bool) {
	switch v := metrics[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
