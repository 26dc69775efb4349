// Package registry indexes past sessions in SQLite so post-mortems can find
// them without walking the sessions directory. The per-session event log and
// summary stay on disk as files; the registry only records where each run
// landed and how its objectives were judged.
package registry

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store manages the session registry database.
type Store struct {
	DBPath string
	db     *sql.DB
}

// SessionRecord is one indexed session.
type SessionRecord struct {
	ID              string
	StartedAt       time.Time
	FinishedAt      *time.Time
	Status          string
	PhasesCompleted int
	PhasesTotal     int
	SummaryJSON     string
}

// Evaluation is one recorded SLO verdict for a session.
type Evaluation struct {
	SessionID          string
	Objective          string
	State              string
	CurrentPct         float64
	BudgetRemainingPct float64
	SampleCount        int
	CreatedAt          time.Time
}

// Open opens or creates the registry database.
func Open(path string) (*Store, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve registry db path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("ensure registry db dir: %w", err)
	}

	db, err := sql.Open("sqlite", absPath)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}

	store := &Store{DBPath: absPath, db: db}
	if err := store.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	status TEXT NOT NULL,
	phases_completed INTEGER NOT NULL DEFAULT 0,
	phases_total INTEGER NOT NULL DEFAULT 0,
	summary_json TEXT
);

CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at DESC);

CREATE TABLE IF NOT EXISTS slo_evaluations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	objective TEXT NOT NULL,
	state TEXT NOT NULL,
	current_pct REAL NOT NULL,
	budget_remaining_pct REAL NOT NULL,
	sample_count INTEGER NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluations_session ON slo_evaluations(session_id);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create registry schema: %w", err)
	}
	return nil
}

// RegisterSession records a session as running.
func (s *Store) RegisterSession(id string, startedAt time.Time, phasesTotal int) error {
	_, err := s.db.Exec(
		"INSERT INTO sessions (id, started_at, status, phases_total) VALUES (?, ?, ?, ?)",
		id, startedAt.UTC().Format(time.RFC3339), "running", phasesTotal,
	)
	if err != nil {
		return fmt.Errorf("register session: %w", err)
	}
	return nil
}

// FinishSession finalizes a session record.
func (s *Store) FinishSession(id, status string, phasesCompleted int, summaryJSON string, finishedAt time.Time) error {
	_, err := s.db.Exec(
		"UPDATE sessions SET finished_at = ?, status = ?, phases_completed = ?, summary_json = ? WHERE id = ?",
		finishedAt.UTC().Format(time.RFC3339), status, phasesCompleted, summaryJSON, id,
	)
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	return nil
}

// RecordEvaluation stores one SLO verdict.
func (s *Store) RecordEvaluation(ev Evaluation) error {
	at := ev.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.Exec(
		"INSERT INTO slo_evaluations (session_id, objective, state, current_pct, budget_remaining_pct, sample_count, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		ev.SessionID, ev.Objective, ev.State, ev.CurrentPct, ev.BudgetRemainingPct, ev.SampleCount,
		at.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record evaluation: %w", err)
	}
	return nil
}

// ListRecent returns the most recently started sessions, newest first.
func (s *Store) ListRecent(limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(
		"SELECT id, started_at, finished_at, status, phases_completed, phases_total, COALESCE(summary_json, '') FROM sessions ORDER BY started_at DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return records, nil
}

// GetSession returns one session record by ID.
func (s *Store) GetSession(id string) (*SessionRecord, error) {
	rows, err := s.db.Query(
		"SELECT id, started_at, finished_at, status, phases_completed, phases_total, COALESCE(summary_json, '') FROM sessions WHERE id = ?",
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("get session: %w", err)
		}
		return nil, nil
	}
	rec, err := scanSession(rows)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListEvaluations returns all SLO verdicts recorded for a session.
func (s *Store) ListEvaluations(sessionID string) ([]Evaluation, error) {
	rows, err := s.db.Query(
		"SELECT session_id, objective, state, current_pct, budget_remaining_pct, sample_count, created_at FROM slo_evaluations WHERE session_id = ? ORDER BY id",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	defer rows.Close()

	var evals []Evaluation
	for rows.Next() {
		var ev Evaluation
		var createdAt string
		if err := rows.Scan(&ev.SessionID, &ev.Objective, &ev.State, &ev.CurrentPct, &ev.BudgetRemainingPct, &ev.SampleCount, &createdAt); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		ev.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse evaluation time: %w", err)
		}
		evals = append(evals, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evaluations: %w", err)
	}
	return evals, nil
}

func scanSession(rows *sql.Rows) (SessionRecord, error) {
	var rec SessionRecord
	var startedAt string
	var finishedAt sql.NullString
	if err := rows.Scan(&rec.ID, &startedAt, &finishedAt, &rec.Status, &rec.PhasesCompleted, &rec.PhasesTotal, &rec.SummaryJSON); err != nil {
		return rec, fmt.Errorf("scan session: %w", err)
	}
	ts, err := time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return rec, fmt.Errorf("parse session start time: %w", err)
	}
	rec.StartedAt = ts
	if finishedAt.Valid && finishedAt.String != "" {
		ts, err := time.Parse(time.RFC3339, finishedAt.String)
		if err != nil {
			return rec, fmt.Errorf("parse session finish time: %w", err)
		}
		rec.FinishedAt = &ts
	}
	return rec, nil
}
