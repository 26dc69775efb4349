package registry

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSessionLifecycle(t *testing.T) {
	store := openTestStore(t)
	started := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	if err := store.RegisterSession("s1", started, 3); err != nil {
		t.Fatalf("RegisterSession: %v", err)
	}

	rec, err := store.GetSession("s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if rec == nil {
		t.Fatal("GetSession returned nil for a registered session")
	}
	if rec.Status != "running" || rec.PhasesTotal != 3 {
		t.Fatalf("record = %+v, want running with 3 phases", rec)
	}
	if rec.FinishedAt != nil {
		t.Fatalf("running session has finished_at = %v", rec.FinishedAt)
	}

	finished := started.Add(5 * time.Minute)
	if err := store.FinishSession("s1", "completed", 3, `{"session_id":"s1"}`, finished); err != nil {
		t.Fatalf("FinishSession: %v", err)
	}

	rec, err = store.GetSession("s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if rec.Status != "completed" || rec.PhasesCompleted != 3 {
		t.Fatalf("record = %+v, want completed with 3 phases done", rec)
	}
	if rec.FinishedAt == nil || !rec.FinishedAt.Equal(finished) {
		t.Fatalf("finished_at = %v, want %v", rec.FinishedAt, finished)
	}
	if rec.SummaryJSON == "" {
		t.Fatal("summary_json not persisted")
	}
}

func TestGetSessionUnknown(t *testing.T) {
	store := openTestStore(t)
	rec, err := store.GetSession("nope")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if rec != nil {
		t.Fatalf("GetSession returned %+v for an unknown id, want nil", rec)
	}
}

func TestListRecentNewestFirst(t *testing.T) {
	store := openTestStore(t)
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		if err := store.RegisterSession(id, base.Add(time.Duration(i)*time.Hour), 1); err != nil {
			t.Fatalf("RegisterSession(%s): %v", id, err)
		}
	}

	records, err := store.ListRecent(2)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("ListRecent returned %d records, want 2", len(records))
	}
	if records[0].ID != "c" || records[1].ID != "b" {
		t.Fatalf("order = [%s %s], want [c b]", records[0].ID, records[1].ID)
	}
}

func TestRecordAndListEvaluations(t *testing.T) {
	store := openTestStore(t)
	if err := store.RegisterSession("s1", time.Now(), 1); err != nil {
		t.Fatalf("RegisterSession: %v", err)
	}

	ev := Evaluation{
		SessionID:          "s1",
		Objective:          "error_rate",
		State:              "breached",
		CurrentPct:         97,
		BudgetRemainingPct: 0,
		SampleCount:        100,
		CreatedAt:          time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
	}
	if err := store.RecordEvaluation(ev); err != nil {
		t.Fatalf("RecordEvaluation: %v", err)
	}

	evals, err := store.ListEvaluations("s1")
	if err != nil {
		t.Fatalf("ListEvaluations: %v", err)
	}
	if len(evals) != 1 {
		t.Fatalf("got %d evaluations, want 1", len(evals))
	}
	got := evals[0]
	if got.Objective != "error_rate" || got.State != "breached" || got.SampleCount != 100 {
		t.Fatalf("evaluation = %+v, want the recorded verdict", got)
	}
	if !got.CreatedAt.Equal(ev.CreatedAt) {
		t.Fatalf("created_at = %v, want %v", got.CreatedAt, ev.CreatedAt)
	}
}

func TestOpenCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "nested", "registry.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()
	if store.DBPath == "" {
		t.Fatal("DBPath not set")
	}
}
