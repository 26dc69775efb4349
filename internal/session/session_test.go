package session

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestNewIDFormat(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	id := NewID(now)

	if !strings.HasPrefix(id, "20260314T092653Z-") {
		t.Fatalf("NewID() = %q, want prefix 20260314T092653Z-", id)
	}
	suffix := strings.TrimPrefix(id, "20260314T092653Z-")
	if len(suffix) != 8 {
		t.Fatalf("NewID() suffix = %q, want 8 characters", suffix)
	}
}

func TestNewIDUnique(t *testing.T) {
	now := time.Now()
	if a, b := NewID(now), NewID(now); a == b {
		t.Fatalf("two ids from the same instant collided: %q", a)
	}
}

func TestROI(t *testing.T) {
	tests := []struct {
		name             string
		initial, current float64
		want             float64
	}{
		{"gain", 10000, 11000, 0.1},
		{"loss", 10000, 9000, -0.1},
		{"flat", 10000, 10000, 0},
		{"zero initial", 0, 5000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ROI(tt.initial, tt.current); got != tt.want {
				t.Fatalf("ROI(%v, %v) = %v, want %v", tt.initial, tt.current, got, tt.want)
			}
		})
	}
}

func TestAppendAndReadEvents(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	for i := 0; i < 5; i++ {
		ev := NewEvent("phase_start", LevelInfo, "phase started", map[string]any{"index": i})
		if err := store.AppendEvent(ev, true); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	events, err := store.ReadEvents(Filter{})
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("ReadEvents returned %d events, want 5", len(events))
	}
	for i, ev := range events {
		idx, ok := ev.Details["index"].(float64)
		if !ok || int(idx) != i {
			t.Fatalf("event %d has index %v, want %d", i, ev.Details["index"], i)
		}
	}
}

func TestReadEventsFilter(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	appendEvent(t, store, NewEvent("phase_start", LevelInfo, "started", nil))
	appendEvent(t, store, NewEvent("phase_result", LevelError, "failed", nil))
	appendEvent(t, store, NewEvent("phase_result", LevelInfo, "completed", nil))

	byType, err := store.ReadEvents(Filter{Type: "phase_result"})
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(byType) != 2 {
		t.Fatalf("type filter returned %d events, want 2", len(byType))
	}

	byLevel, err := store.ReadEvents(Filter{Level: LevelError})
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(byLevel) != 1 || byLevel[0].Message != "failed" {
		t.Fatalf("level filter returned %+v, want the single error event", byLevel)
	}
}

func TestReadEventsSkipsMalformedLines(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	appendEvent(t, store, NewEvent("heartbeat", LevelInfo, "alive", nil))

	f, err := os.OpenFile(store.EventsPath(), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open event log: %v", err)
	}
	if _, err := f.WriteString("not json at all\n"); err != nil {
		t.Fatalf("write garbage line: %v", err)
	}
	f.Close()
	appendEvent(t, store, NewEvent("heartbeat", LevelInfo, "alive", nil))

	events, err := store.ReadEvents(Filter{})
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("ReadEvents returned %d events, want 2 (garbage line skipped)", len(events))
	}
}

func TestWriteSummaryOverwrites(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	_, ok, err := store.ReadSummary()
	if err != nil {
		t.Fatalf("ReadSummary: %v", err)
	}
	if ok {
		t.Fatal("ReadSummary reported a summary before any write")
	}

	first := Summary{
		SessionID: "s1",
		StartTime: time.Now().UTC().Format(time.RFC3339Nano),
		Totals:    Totals{InitialCapital: 10000, CurrentCapital: 10000, PhasesTotal: 3},
	}
	if err := store.WriteSummary(first, true); err != nil {
		t.Fatalf("WriteSummary: %v", err)
	}

	second := first
	second.Totals.PhasesCompleted = 2
	second.Totals.CurrentCapital = 10500
	second.ROIPct = 5
	if err := store.WriteSummary(second, true); err != nil {
		t.Fatalf("WriteSummary: %v", err)
	}

	got, ok, err := store.ReadSummary()
	if err != nil {
		t.Fatalf("ReadSummary: %v", err)
	}
	if !ok {
		t.Fatal("ReadSummary reported no summary after writes")
	}
	if got.Totals.PhasesCompleted != 2 {
		t.Fatalf("phases_completed = %d, want 2", got.Totals.PhasesCompleted)
	}
	if got.ROIPct != 5 {
		t.Fatalf("roi_pct = %v, want 5", got.ROIPct)
	}
}

func TestHeartbeat(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.Heartbeat(time.Now()); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	events, err := store.ReadEvents(Filter{Type: "heartbeat"})
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d heartbeat events, want 1", len(events))
	}
	if _, err := time.Parse(time.RFC3339Nano, events[0].Timestamp); err != nil {
		t.Fatalf("heartbeat timestamp %q is not RFC3339: %v", events[0].Timestamp, err)
	}
}

func appendEvent(t *testing.T, store *Store, ev Event) {
	t.Helper()
	if err := store.AppendEvent(ev, true); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
}
