package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	eventsFileName  = "events.jsonl"
	summaryFileName = "summary.json"
)

// Store owns the on-disk representation of one session: an append-only JSON
// Lines event log and a rolling summary document. All other components read
// and write session state through it; nothing else touches the files.
type Store struct {
	Dir string

	validator Validator
	logger    *slog.Logger

	mu sync.Mutex
}

// Filter narrows ReadEvents output. Zero values match everything.
type Filter struct {
	Type  string
	Level string
}

// NewStore creates the session directory and returns a store rooted there.
// The validator may be nil, in which case writes skip validation entirely.
func NewStore(dir string, validator Validator, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("session dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure session dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{Dir: dir, validator: validator, logger: logger}, nil
}

// EventsPath returns the path of the append-only event log.
func (s *Store) EventsPath() string { return filepath.Join(s.Dir, eventsFileName) }

// SummaryPath returns the path of the rolling summary document.
func (s *Store) SummaryPath() string { return filepath.Join(s.Dir, summaryFileName) }

// AppendEvent appends one event to the log. When validate is true the event
// passes lenient validation first: a malformed event is logged as a warning
// and still written. Appends never fail the caller because of validation.
func (s *Store) AppendEvent(ev Event, validate bool) error {
	if validate && s.validator != nil {
		if fields := s.validator.CheckEvent(ev); len(fields) > 0 {
			s.logger.Warn("event failed validation, writing anyway",
				"type", ev.Type, "fields", fields)
		}
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.EventsPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// WriteSummary overwrites the summary document. The write is atomic: the new
// summary is staged in a temp file and renamed into place, so readers never
// observe a partial document.
func (s *Store) WriteSummary(summary Summary, validate bool) error {
	if validate && s.validator != nil {
		if fields := s.validator.CheckSummary(summary); len(fields) > 0 {
			s.logger.Warn("summary failed validation, writing anyway",
				"session_id", summary.SessionID, "fields", fields)
		}
	}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	tmpFile, err := os.CreateTemp(s.Dir, summaryFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp summary: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write temp summary: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp summary: %w", err)
	}
	if err := os.Rename(tmpPath, s.SummaryPath()); err != nil {
		return fmt.Errorf("rename summary: %w", err)
	}
	return nil
}

// ReadEvents re-reads the event log from the start and returns every event
// matching the filter, in append order. Re-reading is safe and idempotent.
func (s *Store) ReadEvents(filter Filter) ([]Event, error) {
	f, err := os.Open(s.EventsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			s.logger.Warn("skipping unparseable event line", "line", lineNo, "err", err)
			continue
		}
		if filter.Type != "" && ev.Type != filter.Type {
			continue
		}
		if filter.Level != "" && ev.Level != filter.Level {
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("scan event log: %w", err)
	}
	return events, nil
}

// ReadSummary returns the current summary, or ok=false if none was written.
func (s *Store) ReadSummary() (Summary, bool, error) {
	data, err := os.ReadFile(s.SummaryPath())
	if err != nil {
		if os.IsNotExist(err) {
			return Summary{}, false, nil
		}
		return Summary{}, false, fmt.Errorf("read summary: %w", err)
	}
	var summary Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		return Summary{}, false, fmt.Errorf("parse summary: %w", err)
	}
	return summary, true, nil
}

// Heartbeat records a liveness timestamp so an external watcher can tell a
// slow phase from a hung process.
func (s *Store) Heartbeat(now time.Time) error {
	return s.AppendEvent(Event{
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Type:      "heartbeat",
		Level:     LevelInfo,
		Message:   "orchestrator alive",
	}, true)
}
