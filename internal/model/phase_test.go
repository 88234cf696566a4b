package model

import (
	"reflect"
	"testing"
)

func TestDerivePhase(t *testing.T) {
	now := "2026-01-15T10:00:00Z"

	t.Run("fresh session is idle", func(t *testing.T) {
		if got := DerivePhase(NewSessionState("s1")); got != PhaseIdle {
			t.Errorf("phase = %s, want IDLE", got)
		}
	})

	t.Run("classified without stages", func(t *testing.T) {
		st := Classify(NewSessionState("s1"), "STANDARD", "", "", now)
		if got := DerivePhase(st); got != PhaseClassified {
			t.Errorf("phase = %s, want CLASSIFIED", got)
		}
	})

	t.Run("active stage means delegating", func(t *testing.T) {
		st := SetDag(NewSessionState("s1"), linearDag(), now)
		st = MarkStageActive(st, "DEV", "builder", now)
		if got := DerivePhase(st); got != PhaseDelegating {
			t.Errorf("phase = %s, want DELEGATING", got)
		}
	})

	t.Run("pending retry means retrying", func(t *testing.T) {
		st := SetDag(NewSessionState("s1"), linearDag(), now)
		st = MarkStageFailed(st, "REVIEW", &Verdict{Status: VerdictFail, Severity: SeverityHigh}, now)
		st = SetPendingRetry(st, &PendingRetry{Stages: []PendingRetryStage{{ID: "REVIEW", Round: 1}}}, now)
		if got := DerivePhase(st); got != PhaseRetrying {
			t.Errorf("phase = %s, want RETRYING", got)
		}
	})

	t.Run("all settled and inactive is complete", func(t *testing.T) {
		st := SetDag(NewSessionState("s1"), linearDag(), now)
		st = MarkStageCompleted(st, "DEV", &Verdict{Status: VerdictPass}, now)
		st = MarkStageCompleted(st, "REVIEW", &Verdict{Status: VerdictPass}, now)
		st = MarkStageCompleted(st, "DOCS", &Verdict{Status: VerdictPass}, now)
		if st.PipelineActive {
			t.Fatal("pipeline should have deactivated")
		}
		if got := DerivePhase(st); got != PhaseComplete {
			t.Errorf("phase = %s, want COMPLETE", got)
		}
	})
}

func TestReadyStages(t *testing.T) {
	now := "2026-01-15T10:00:00Z"
	d := Dag{
		"DEV":    {Deps: []string{}},
		"REVIEW": {Deps: []string{"DEV"}},
		"TEST":   {Deps: []string{"DEV"}},
		"DOCS":   {Deps: []string{"REVIEW", "TEST"}},
	}
	st := SetDag(NewSessionState("s1"), d, now)

	if got := ReadyStages(st); !reflect.DeepEqual(got, []string{"DEV"}) {
		t.Fatalf("ready = %v, want [DEV]", got)
	}

	st = MarkStageCompleted(st, "DEV", &Verdict{Status: VerdictPass}, now)
	if got := ReadyStages(st); !reflect.DeepEqual(got, []string{"REVIEW", "TEST"}) {
		t.Fatalf("ready = %v, want [REVIEW TEST]", got)
	}

	// A skipped dependency also unblocks its dependents.
	st = MarkStageCompleted(st, "REVIEW", &Verdict{Status: VerdictPass}, now)
	st = MarkStageSkipped(st, "TEST", now)
	if got := ReadyStages(st); !reflect.DeepEqual(got, []string{"DOCS"}) {
		t.Fatalf("ready = %v, want [DOCS]", got)
	}
}
