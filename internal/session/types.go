package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event levels accepted by the store.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
	LevelDebug   = "debug"
)

// Event is one immutable fact appended to a session's log.
type Event struct {
	Timestamp string         `json:"timestamp"`
	Type      string         `json:"type"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// NewEvent builds an event stamped with the current UTC time.
func NewEvent(eventType, level, message string, details map[string]any) Event {
	return Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Type:      eventType,
		Level:     level,
		Message:   message,
		Details:   details,
	}
}

// Totals holds the rolling counters carried by a session summary.
type Totals struct {
	InitialCapital  float64 `json:"initial_capital"`
	CurrentCapital  float64 `json:"current_capital"`
	PhasesCompleted int     `json:"phases_completed"`
	PhasesTotal     int     `json:"phases_total"`
}

// Summary is the single rolling document describing a whole run. Unlike
// events it is overwritten in place on every update.
type Summary struct {
	SessionID  string  `json:"session_id"`
	StartTime  string  `json:"start_time"`
	LastUpdate string  `json:"last_update"`
	Totals     Totals  `json:"totals"`
	ROIPct     float64 `json:"roi_pct"`
}

// Validator checks events and summaries before they are persisted. A nil
// slice means the payload conforms; otherwise each entry names one violated
// field.
type Validator interface {
	CheckEvent(ev Event) []string
	CheckSummary(s Summary) []string
}

// NewID returns a sortable session identifier: UTC timestamp plus a random
// suffix so two sessions starting in the same second cannot collide.
func NewID(now time.Time) string {
	return fmt.Sprintf("%s-%s", now.UTC().Format("20060102T150405Z"), uuid.NewString()[:8])
}

// ROI is the derived ratio metric carried by the summary: (current-initial)/initial.
func ROI(initial, current float64) float64 {
	if initial == 0 {
		return 0
	}
	return (current - initial) / initial
}
