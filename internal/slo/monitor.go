// Package slo judges whether the workflow is honoring its declared service
// level objectives and raises needs-review events when it is not. Breaches
// are advisory: they flag the run for a human or a higher-level controller,
// they never stop it.
package slo

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"tradeflow/internal/session"
)

// State is the compliance verdict for one objective.
type State string

const (
	StateCompliant State = "compliant"
	StateAtRisk    State = "at_risk"
	StateBreached  State = "breached"
)

// Objective names used in status maps and needs-review events.
const (
	ObjectiveErrorRate  = "error_rate"
	ObjectiveRenderTime = "render_time"
)

// Status is the evaluation result for one objective. It is recomputed on
// demand from the measurement window and never persisted itself; only the
// review event it triggers is.
type Status struct {
	Name                    string  `json:"name"`
	TargetPct               float64 `json:"target_percentage"`
	CurrentPct              float64 `json:"current_percentage"`
	ErrorBudgetRemainingPct float64 `json:"error_budget_remaining_percentage"`
	State                   State   `json:"status"`
	SampleCount             int     `json:"sample_count"`
}

// Config declares the objectives. Zero values fall back to defaults.
type Config struct {
	// ErrorRateThreshold is the allowed failure fraction, e.g. 0.01 for a
	// 99% success target. Must be in (0, 1).
	ErrorRateThreshold float64
	// RenderTimeThresholdMs is the P95 latency objective in milliseconds.
	RenderTimeThresholdMs float64
	// BreachBudgetPct is the remaining-budget percentage at or below which
	// an objective flips from at_risk to breached.
	BreachBudgetPct float64
	// Window bounds how far back measurements count.
	Window time.Duration
}

// DefaultConfig is a 99% success rate and 500ms P95 over a 7 day window,
// breaching at 20% remaining budget.
func DefaultConfig() Config {
	return Config{
		ErrorRateThreshold:    0.01,
		RenderTimeThresholdMs: 500,
		BreachBudgetPct:       20,
		Window:                7 * 24 * time.Hour,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.ErrorRateThreshold <= 0 || c.ErrorRateThreshold >= 1 {
		c.ErrorRateThreshold = d.ErrorRateThreshold
	}
	if c.RenderTimeThresholdMs <= 0 {
		c.RenderTimeThresholdMs = d.RenderTimeThresholdMs
	}
	if c.BreachBudgetPct <= 0 {
		c.BreachBudgetPct = d.BreachBudgetPct
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	return c
}

// EventSink receives needs-review events. *session.Store satisfies it.
type EventSink interface {
	AppendEvent(ev session.Event, validate bool) error
}

type errorSample struct {
	success bool
	at      time.Time
}

type renderSample struct {
	ms float64
	at time.Time
}

// Monitor accumulates measurements and evaluates the objectives on demand.
// Adding measurements is pure state mutation; only the check methods write
// events.
type Monitor struct {
	cfg    Config
	events EventSink
	logger *slog.Logger
	now    func() time.Time

	mu            sync.Mutex
	errorSamples  []errorSample
	renderSamples []renderSample
}

// NewMonitor returns a monitor with the given objectives. events may be nil,
// in which case non-compliance is computed but not reported.
func NewMonitor(cfg Config, events EventSink, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:    cfg.normalized(),
		events: events,
		logger: logger,
		now:    time.Now,
	}
}

// AddErrorMeasurement records one success/failure outcome. A zero timestamp
// means now.
func (m *Monitor) AddErrorMeasurement(success bool, at time.Time) {
	if at.IsZero() {
		at = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorSamples = append(m.errorSamples, errorSample{success: success, at: at})
	m.pruneLocked()
}

// AddRenderTimeMeasurement records one latency sample in milliseconds. A zero
// timestamp means now.
func (m *Monitor) AddRenderTimeMeasurement(ms float64, at time.Time) {
	if at.IsZero() {
		at = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renderSamples = append(m.renderSamples, renderSample{ms: ms, at: at})
	m.pruneLocked()
}

// CheckErrorRate evaluates the success-rate objective over the window and
// emits one needs-review event if it is not compliant.
func (m *Monitor) CheckErrorRate() Status {
	m.mu.Lock()
	m.pruneLocked()
	total := len(m.errorSamples)
	successes := 0
	for _, s := range m.errorSamples {
		if s.success {
			successes++
		}
	}
	m.mu.Unlock()

	target := (1 - m.cfg.ErrorRateThreshold) * 100
	status := Status{
		Name:        ObjectiveErrorRate,
		TargetPct:   target,
		SampleCount: total,
	}
	if total == 0 {
		status.CurrentPct = 100
		status.ErrorBudgetRemainingPct = 100
		status.State = StateCompliant
		return status
	}

	status.CurrentPct = float64(successes) / float64(total) * 100
	failureRate := float64(total-successes) / float64(total)
	status.ErrorBudgetRemainingPct = budgetRemaining(failureRate, m.cfg.ErrorRateThreshold)
	status.State = m.classify(status)
	m.review(status)
	return status
}

// CheckRenderTime evaluates the latency objective: the share of samples at or
// under the threshold, targeting the 95th percentile.
func (m *Monitor) CheckRenderTime() Status {
	m.mu.Lock()
	m.pruneLocked()
	total := len(m.renderSamples)
	fast := 0
	values := make([]float64, 0, total)
	for _, s := range m.renderSamples {
		values = append(values, s.ms)
		if s.ms <= m.cfg.RenderTimeThresholdMs {
			fast++
		}
	}
	m.mu.Unlock()

	status := Status{
		Name:        ObjectiveRenderTime,
		TargetPct:   95,
		SampleCount: total,
	}
	if total == 0 {
		status.CurrentPct = 100
		status.ErrorBudgetRemainingPct = 100
		status.State = StateCompliant
		return status
	}

	status.CurrentPct = float64(fast) / float64(total) * 100
	slowRate := float64(total-fast) / float64(total)
	status.ErrorBudgetRemainingPct = budgetRemaining(slowRate, 0.05)
	status.State = m.classify(status)
	m.review(status)
	return status
}

// AllStatus evaluates every objective. Side effects are exactly those of the
// individual checks.
func (m *Monitor) AllStatus() map[string]Status {
	return map[string]Status{
		ObjectiveErrorRate:  m.CheckErrorRate(),
		ObjectiveRenderTime: m.CheckRenderTime(),
	}
}

// P95RenderTime returns the 95th percentile of the latency window, 0 when the
// window is empty.
func (m *Monitor) P95RenderTime() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	if len(m.renderSamples) == 0 {
		return 0
	}
	values := make([]float64, 0, len(m.renderSamples))
	for _, s := range m.renderSamples {
		values = append(values, s.ms)
	}
	return percentile(values, 95)
}

func (m *Monitor) classify(status Status) State {
	if status.ErrorBudgetRemainingPct <= m.cfg.BreachBudgetPct {
		return StateBreached
	}
	if status.CurrentPct < status.TargetPct {
		return StateAtRisk
	}
	return StateCompliant
}

// review emits one needs-review event for a non-compliant objective.
func (m *Monitor) review(status Status) {
	if status.State == StateCompliant || m.events == nil {
		return
	}
	level := session.LevelWarning
	if status.State == StateBreached {
		level = session.LevelError
	}
	ev := session.NewEvent("needs-review", level,
		fmt.Sprintf("SLO %s is %s: %.2f%% against %.2f%% target", status.Name, status.State, status.CurrentPct, status.TargetPct),
		map[string]any{
			"name":                              status.Name,
			"target_percentage":                 status.TargetPct,
			"current_percentage":                status.CurrentPct,
			"error_budget_remaining_percentage": status.ErrorBudgetRemainingPct,
			"status":                            string(status.State),
			"sample_count":                      status.SampleCount,
		})
	if err := m.events.AppendEvent(ev, true); err != nil {
		m.logger.Warn("failed to record needs-review event", "objective", status.Name, "err", err)
	}
}

func (m *Monitor) pruneLocked() {
	cutoff := m.now().Add(-m.cfg.Window)
	m.errorSamples = pruneErrors(m.errorSamples, cutoff)
	m.renderSamples = pruneRenders(m.renderSamples, cutoff)
}

func pruneErrors(samples []errorSample, cutoff time.Time) []errorSample {
	out := samples[:0]
	for _, s := range samples {
		if s.at.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

func pruneRenders(samples []renderSample, cutoff time.Time) []renderSample {
	out := samples[:0]
	for _, s := range samples {
		if s.at.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// budgetRemaining maps an observed failure rate against the allowed rate to
// the percentage of error budget still unused, clamped to [0, 100].
func budgetRemaining(observed, allowed float64) float64 {
	if allowed <= 0 {
		return 0
	}
	remaining := (1 - observed/allowed) * 100
	return math.Max(0, math.Min(100, remaining))
}

// percentile returns the pth percentile using nearest-rank on a sorted copy.
func percentile(values []float64, p float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
