package model

import "sort"

// Phase is a diagnostic view over the session state. The authoritative
// scheduling signal is PipelineActive; the two may be transiently inconsistent
// for one write cycle after the last stage completes.
type Phase string

const (
	PhaseIdle       Phase = "IDLE"
	PhaseClassified Phase = "CLASSIFIED"
	PhaseDelegating Phase = "DELEGATING"
	PhaseRetrying   Phase = "RETRYING"
	PhaseComplete   Phase = "COMPLETE"
)

// DerivePhase computes the logical phase from state. Advisory only: no
// component may branch on the derived phase for correctness-critical
// decisions, only on PipelineActive and the explicit stages/retries fields.
func DerivePhase(s *SessionState) Phase {
	if !s.PipelineActive {
		if s.AllSettled() {
			return PhaseComplete
		}
		if s.Classification != nil && len(s.Stages) == 0 {
			return PhaseClassified
		}
		return PhaseIdle
	}
	if len(s.Stages) == 0 {
		return PhaseClassified
	}
	for _, st := range s.Stages {
		if st.Status == StageStatusActive {
			return PhaseDelegating
		}
	}
	if s.PendingRetry != nil {
		return PhaseRetrying
	}
	for id, st := range s.Stages {
		if st.Status == StageStatusFailed && s.Retries[id] > 0 {
			return PhaseRetrying
		}
	}
	return PhaseClassified
}

// ReadyStages returns every pending stage whose dependencies are all
// completed or skipped, sorted for deterministic scheduling.
func ReadyStages(s *SessionState) []string {
	var ready []string
	for id, st := range s.Stages {
		if st.Status != StageStatusPending {
			continue
		}
		node, ok := s.Dag[id]
		if !ok {
			continue
		}
		ok = true
		for _, dep := range node.Deps {
			depState, exists := s.Stages[dep]
			if !exists || !IsSettled(depState.Status) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}
