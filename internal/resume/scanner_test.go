package resume

import (
	"testing"
	"time"

	"github.com/ryu111/stagehand/internal/events"
	"github.com/ryu111/stagehand/internal/model"
	"github.com/ryu111/stagehand/internal/store"
)

func newTestScanner(t *testing.T) (*Scanner, *store.FileStore, time.Time) {
	t.Helper()
	root := t.TempDir()
	fs := store.NewFileStore(root)
	timeline := events.NewTimeline(root+"/timeline", 0)
	s := NewScanner(fs, timeline)
	now := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, fs, now
}

func activeSession(id, lastTransition string) *model.SessionState {
	st := model.NewSessionState(id)
	st = model.Classify(st, "STANDARD", "feature", "auto", lastTransition)
	st = model.SetDag(st, model.Dag{
		"DEV":    {Deps: []string{}},
		"REVIEW": {Deps: []string{"DEV"}},
	}, lastTransition)
	st = model.MarkStageCompleted(st, "DEV", &model.Verdict{Status: model.VerdictPass}, lastTransition)
	return st
}

func TestFindIncomplete_FiltersAndSorts(t *testing.T) {
	s, fs, _ := newTestScanner(t)

	// Incomplete, recent.
	if err := fs.Write("recent", activeSession("recent", "2026-01-15T09:30:00Z")); err != nil {
		t.Fatal(err)
	}
	// Incomplete but older still within the window.
	if err := fs.Write("older", activeSession("older", "2026-01-15T02:00:00Z")); err != nil {
		t.Fatal(err)
	}
	// Complete: every stage settled, pipeline inactive.
	done := activeSession("done", "2026-01-15T09:00:00Z")
	done = model.MarkStageCompleted(done, "REVIEW", &model.Verdict{Status: model.VerdictPass}, "2026-01-15T09:01:00Z")
	if err := fs.Write("done", done); err != nil {
		t.Fatal(err)
	}
	// Cancelled.
	cancelled := model.Cancel(activeSession("cancelled", "2026-01-15T09:45:00Z"), "2026-01-15T09:46:00Z")
	if err := fs.Write("cancelled", cancelled); err != nil {
		t.Fatal(err)
	}
	// Too old for the window.
	if err := fs.Write("ancient", activeSession("ancient", "2026-01-10T00:00:00Z")); err != nil {
		t.Fatal(err)
	}

	found, err := s.FindIncomplete("", 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 2 {
		t.Fatalf("found %d sessions, want 2: %+v", len(found), found)
	}
	if found[0].SessionID != "recent" || found[1].SessionID != "older" {
		t.Errorf("order = %s, %s; want recent, older", found[0].SessionID, found[1].SessionID)
	}
	if found[0].CompletedCount != 1 || found[0].TotalCount != 2 {
		t.Errorf("progress = %d/%d, want 1/2", found[0].CompletedCount, found[0].TotalCount)
	}
}

func TestFindIncomplete_ExcludesCaller(t *testing.T) {
	s, fs, _ := newTestScanner(t)
	if err := fs.Write("self", activeSession("self", "2026-01-15T09:30:00Z")); err != nil {
		t.Fatal(err)
	}
	found, err := s.FindIncomplete("self", 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 0 {
		t.Errorf("caller's own session must be excluded, got %+v", found)
	}
}

func TestResume_RelabelsAndResetsActiveStages(t *testing.T) {
	s, fs, _ := newTestScanner(t)
	old := activeSession("old", "2026-01-15T09:00:00Z")
	old = model.MarkStageActive(old, "REVIEW", "checker", "2026-01-15T09:10:00Z")
	if err := fs.Write("old", old); err != nil {
		t.Fatal(err)
	}

	st, err := s.Resume("old", "new")
	if err != nil {
		t.Fatal(err)
	}
	if st.SessionID != "new" {
		t.Errorf("sessionId = %s", st.SessionID)
	}
	if st.Meta.ResumedFrom != "old" || st.Meta.ResumedAt == "" {
		t.Errorf("provenance missing: %+v", st.Meta)
	}
	// The prior process's in-flight worker is gone; its stage rewinds.
	if st.Stages["REVIEW"].Status != model.StageStatusPending {
		t.Errorf("REVIEW = %s, want pending", st.Stages["REVIEW"].Status)
	}
	if len(st.ActiveStages) != 0 {
		t.Errorf("activeStages = %v, want empty", st.ActiveStages)
	}
	// Settled history carries over untouched.
	if st.Stages["DEV"].Status != model.StageStatusCompleted {
		t.Error("completed stage lost on resume")
	}

	// Old state is left intact, new state is persisted.
	oldState, err := fs.Read("old")
	if err != nil || oldState == nil {
		t.Fatalf("old state = (%v, %v)", oldState, err)
	}
	if oldState.Stages["REVIEW"].Status != model.StageStatusActive {
		t.Error("old session state was modified by resume")
	}
	newState, err := fs.Read("new")
	if err != nil || newState == nil {
		t.Fatalf("new state = (%v, %v)", newState, err)
	}
}

func TestResume_MissingSourceErrors(t *testing.T) {
	s, _, _ := newTestScanner(t)
	if _, err := s.Resume("ghost", "new"); err == nil {
		t.Fatal("expected error for missing source session")
	}
}
