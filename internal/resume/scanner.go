// Package resume discovers incomplete sessions from prior runs and
// rehydrates them under a new session id.
package resume

import (
	"fmt"
	"sort"
	"time"

	"github.com/ryu111/stagehand/internal/events"
	"github.com/ryu111/stagehand/internal/model"
	"github.com/ryu111/stagehand/internal/store"
)

type IncompleteSession struct {
	SessionID      string
	PipelineID     string
	Phase          model.Phase
	CompletedCount int
	TotalCount     int
	LastTransition string
}

type Scanner struct {
	store    *store.FileStore
	timeline *events.Timeline
	now      func() time.Time
}

func NewScanner(st *store.FileStore, timeline *events.Timeline) *Scanner {
	return &Scanner{store: st, timeline: timeline, now: time.Now}
}

// FindIncomplete lists sessions with unresolved pipeline work, newest
// activity first. Sessions whose last transition is older than maxAge are
// skipped, as is excludeSessionID (normally the caller's own session).
func (s *Scanner) FindIncomplete(excludeSessionID string, maxAge time.Duration) ([]IncompleteSession, error) {
	ids, err := s.store.SessionIDs()
	if err != nil {
		return nil, err
	}

	cutoff := s.now().Add(-maxAge)
	var found []IncompleteSession

	for _, id := range ids {
		if id == excludeSessionID {
			continue
		}
		st, err := s.store.Read(id)
		if err != nil || st == nil {
			continue
		}
		if !st.PipelineActive || st.AllSettled() || st.Meta.Cancelled {
			continue
		}
		if maxAge > 0 && st.Meta.LastTransition != "" {
			at, err := time.Parse(time.RFC3339, st.Meta.LastTransition)
			if err == nil && at.Before(cutoff) {
				continue
			}
		}

		entry := IncompleteSession{
			SessionID:      id,
			Phase:          model.DerivePhase(st),
			TotalCount:     len(st.Stages),
			LastTransition: st.Meta.LastTransition,
		}
		if st.Classification != nil {
			entry.PipelineID = st.Classification.PipelineID
		}
		for _, stage := range st.Stages {
			if model.IsSettled(stage.Status) {
				entry.CompletedCount++
			}
		}
		found = append(found, entry)
	}

	sort.Slice(found, func(i, j int) bool {
		return found[i].LastTransition > found[j].LastTransition
	})
	return found, nil
}

// Resume copies and relabels a prior session's state document (and its
// timeline log) to a new session id, recording provenance in meta. The old
// session's files are left untouched.
func (s *Scanner) Resume(oldID, newID string) (*model.SessionState, error) {
	old, err := s.store.Read(oldID)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return nil, fmt.Errorf("no state to resume for session %s", oldID)
	}

	now := s.now().UTC().Format(time.RFC3339)
	st := old.Clone()
	st.SessionID = newID
	st.Meta.ResumedFrom = oldID
	st.Meta.ResumedAt = now
	st.Meta.LastTransition = now

	// Stages that were mid-flight when the prior process died go back to
	// pending; their workers are gone.
	for _, stage := range st.Stages {
		if stage.Status == model.StageStatusActive {
			stage.Status = model.StageStatusPending
			stage.StartedAt = ""
			stage.Agent = ""
		}
	}
	st.ActiveStages = nil

	if err := s.store.Write(newID, st); err != nil {
		return nil, fmt.Errorf("write resumed state: %w", err)
	}
	if s.timeline != nil {
		if err := s.timeline.CopyTo(oldID, newID); err != nil {
			return nil, fmt.Errorf("copy timeline: %w", err)
		}
	}
	return st, nil
}
