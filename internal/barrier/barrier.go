// Package barrier coordinates groups of pipeline stages that execute in
// parallel and must join before the pipeline advances. Barrier state lives in
// its own per-session file, with a lifecycle independent of the main session
// document, so a lost barrier file can be reconstructed from the DAG's
// embedded metadata.
package barrier

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ryu111/stagehand/internal/model"
	"github.com/ryu111/stagehand/internal/store"
)

// RouteResult is one member stage's contribution to a barrier group.
type RouteResult struct {
	Stage         string              `json:"stage"`
	Verdict       model.VerdictStatus `json:"verdict"`
	Severity      model.Severity      `json:"severity,omitempty"`
	ArtifactFiles []string            `json:"artifactFiles,omitempty"`
	Hint          string              `json:"hint,omitempty"`
	Synthesized   bool                `json:"synthesized,omitempty"`
}

// Group tracks one barrier's membership. Resolved transitions false to true
// exactly once; updates after that are accepted but never re-resolve.
type Group struct {
	Total     int                    `json:"total"`
	Completed []string               `json:"completed"`
	Results   map[string]RouteResult `json:"results"`
	Next      string                 `json:"next,omitempty"`
	Siblings  []string               `json:"siblings"`
	Resolved  bool                   `json:"resolved"`
	CreatedAt string                 `json:"createdAt"`
}

type State struct {
	SessionID string            `json:"sessionId"`
	Groups    map[string]*Group `json:"groups"`
}

// MergedResult is the Worst-Case-Wins merge of a completed group. RouteTo is
// the group's next stage on PASS; on FAIL the caller resolves the repair
// route from the DAG, since the synchronizer does not see the graph.
type MergedResult struct {
	Verdict        model.VerdictStatus `json:"verdict"`
	Severity       model.Severity      `json:"severity,omitempty"`
	RouteTo        string              `json:"routeTo,omitempty"`
	ArtifactFiles  []string            `json:"artifactFiles,omitempty"`
	Hints          []string            `json:"hints,omitempty"`
	FailedStages   []string            `json:"failedStages,omitempty"`
	TimedOutStages []string            `json:"timedOutStages,omitempty"`
}

type UpdateOutcome struct {
	AllComplete bool
	Merged      *MergedResult
}

func (s *State) group(name string) *Group {
	if s.Groups == nil {
		s.Groups = map[string]*Group{}
	}
	return s.Groups[name]
}

func (g *Group) has(stage string) bool {
	for _, c := range g.Completed {
		if c == stage {
			return true
		}
	}
	return false
}

func (g *Group) age(now time.Time) time.Duration {
	created, err := time.Parse(time.RFC3339, g.CreatedAt)
	if err != nil {
		return 0
	}
	return now.Sub(created)
}

func statePath(root, sessionID string) string {
	return filepath.Join(root, "barriers", sessionID+".json")
}

func loadState(root, sessionID string) (*State, error) {
	data, err := os.ReadFile(statePath(root, sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return &State{SessionID: sessionID, Groups: map[string]*Group{}}, nil
		}
		return nil, fmt.Errorf("read barrier state %s: %w", sessionID, err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		// Corrupt barrier files are quarantined; callers fall back to
		// Reconstruct from the session DAG.
		_ = store.Quarantine(root, statePath(root, sessionID))
		return &State{SessionID: sessionID, Groups: map[string]*Group{}}, nil
	}
	if st.Groups == nil {
		st.Groups = map[string]*Group{}
	}
	st.SessionID = sessionID
	return &st, nil
}

func saveState(root string, st *State) error {
	return store.AtomicWriteJSON(statePath(root, st.SessionID), st)
}

func removeIfPresent(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}
