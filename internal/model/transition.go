package model

import (
	"encoding/json"
	"sort"
)

// Transition functions are pure: each takes the current state and returns a
// new state, never mutating the input. Timestamps are passed in as RFC3339
// strings so the functions stay deterministic under test.

// Clone deep-copies a session state via a JSON round trip.
func (s *SessionState) Clone() *SessionState {
	data, err := json.Marshal(s)
	if err != nil {
		// SessionState contains only JSON-representable fields.
		panic("model: clone marshal: " + err.Error())
	}
	var out SessionState
	if err := json.Unmarshal(data, &out); err != nil {
		panic("model: clone unmarshal: " + err.Error())
	}
	if out.Dag == nil {
		out.Dag = Dag{}
	}
	if out.Stages == nil {
		out.Stages = map[string]*StageState{}
	}
	if out.Retries == nil {
		out.Retries = map[string]int{}
	}
	if out.RetryHistory == nil {
		out.RetryHistory = map[string][]RetryRecord{}
	}
	if out.Crashes == nil {
		out.Crashes = map[string]int{}
	}
	return &out
}

// Classify records a classification decision. Switching to a different
// non-trivial pipeline while one is already classified appends to
// meta.reclassifications and forces PipelineActive immediately, before any
// DAG exists, so downstream guards engage without waiting for plan
// construction.
func Classify(s *SessionState, pipelineID, taskType, source, now string) *SessionState {
	out := s.Clone()
	prev := out.Classification
	out.Classification = &Classification{
		PipelineID:   pipelineID,
		TaskType:     taskType,
		Source:       source,
		ClassifiedAt: now,
	}
	if prev != nil && prev.PipelineID != pipelineID && !IsTrivialPipeline(pipelineID) {
		out.Meta.Reclassifications = append(out.Meta.Reclassifications, Reclassification{
			From: prev.PipelineID,
			To:   pipelineID,
			At:   now,
		})
		out.PipelineActive = true
	}
	out.Meta.Initialized = true
	out.Meta.LastTransition = now
	return out
}

// SetDag installs a validated DAG, initializing every stage to pending and
// flipping PipelineActive. The DAG must already have passed dag.Validate;
// SetDag does not re-check structure.
func SetDag(s *SessionState, d Dag, now string) *SessionState {
	out := s.Clone()
	out.Dag = d
	out.Stages = make(map[string]*StageState, len(d))
	for id := range d {
		out.Stages[id] = &StageState{Status: StageStatusPending}
	}
	out.PipelineActive = true
	out.ActiveStages = nil
	out.PendingRetry = nil
	out.Meta.LastTransition = now
	return out
}

func MarkStageActive(s *SessionState, stage, agent, now string) *SessionState {
	out := s.Clone()
	st := ensureStage(out, stage)
	st.Status = StageStatusActive
	st.Agent = agent
	st.StartedAt = now
	refreshActiveStages(out)
	out.Meta.LastTransition = now
	return out
}

func MarkStageCompleted(s *SessionState, stage string, verdict *Verdict, now string) *SessionState {
	out := s.Clone()
	st := ensureStage(out, stage)
	st.Status = StageStatusCompleted
	st.Verdict = verdict
	st.CompletedAt = now
	refreshActiveStages(out)
	if out.AllSettled() {
		out.PipelineActive = false
	}
	out.Meta.LastTransition = now
	return out
}

func MarkStageSkipped(s *SessionState, stage, now string) *SessionState {
	out := s.Clone()
	st := ensureStage(out, stage)
	st.Status = StageStatusSkipped
	st.CompletedAt = now
	refreshActiveStages(out)
	if out.AllSettled() {
		out.PipelineActive = false
	}
	out.Meta.LastTransition = now
	return out
}

// MarkStageFailed records a failure and increments the stage's retry counter.
// This is the only place the counter increases, so at-least-once redelivery
// of a completion signal cannot inflate it through ad hoc increments.
func MarkStageFailed(s *SessionState, stage string, verdict *Verdict, now string) *SessionState {
	out := s.Clone()
	st := ensureStage(out, stage)
	st.Status = StageStatusFailed
	st.Verdict = verdict
	st.CompletedAt = now
	out.Retries[stage]++
	rec := RetryRecord{Verdict: VerdictFail, Round: out.Retries[stage]}
	if verdict != nil {
		rec.Severity = verdict.Severity
		rec.Hint = verdict.Hint
	}
	out.RetryHistory[stage] = append(out.RetryHistory[stage], rec)
	refreshActiveStages(out)
	out.Meta.LastTransition = now
	return out
}

func SetPendingRetry(s *SessionState, pr *PendingRetry, now string) *SessionState {
	out := s.Clone()
	out.PendingRetry = pr
	out.Meta.LastTransition = now
	return out
}

func ClearPendingRetry(s *SessionState, now string) *SessionState {
	out := s.Clone()
	out.PendingRetry = nil
	out.Meta.LastTransition = now
	return out
}

// ResetStageForRetry returns a failed stage to pending so it can be
// dispatched again after its repair target completes.
func ResetStageForRetry(s *SessionState, stage, now string) *SessionState {
	out := s.Clone()
	st := ensureStage(out, stage)
	st.Status = StageStatusPending
	st.Verdict = nil
	st.StartedAt = ""
	st.CompletedAt = ""
	refreshActiveStages(out)
	out.Meta.LastTransition = now
	return out
}

// Cancel flips PipelineActive off without touching history. In-flight workers
// are not interrupted; their eventual results simply stop binding scheduling.
func Cancel(s *SessionState, now string) *SessionState {
	out := s.Clone()
	out.PipelineActive = false
	out.Meta.Cancelled = true
	out.Meta.LastTransition = now
	return out
}

// Reset returns a fresh document for the same session id.
func Reset(s *SessionState) *SessionState {
	return NewSessionState(s.SessionID)
}

// ResetKeepingClassification restarts the pipeline while preserving the
// classification and its reclassification history, used on reclassification.
func ResetKeepingClassification(s *SessionState, now string) *SessionState {
	out := NewSessionState(s.SessionID)
	out.Classification = s.Classification
	out.Environment = s.Environment
	out.Meta.Reclassifications = s.Meta.Reclassifications
	out.Meta.LastTransition = now
	return out
}

func ensureStage(s *SessionState, stage string) *StageState {
	st, ok := s.Stages[stage]
	if !ok {
		st = &StageState{Status: StageStatusPending}
		s.Stages[stage] = st
	}
	return st
}

// refreshActiveStages recomputes the activeStages cache from stages.
func refreshActiveStages(s *SessionState) {
	var active []string
	for id, st := range s.Stages {
		if st.Status == StageStatusActive {
			active = append(active, id)
		}
	}
	sort.Strings(active)
	s.ActiveStages = active
}
