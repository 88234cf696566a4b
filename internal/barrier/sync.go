package barrier

import (
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ryu111/stagehand/internal/model"
)

// Synchronizer performs all barrier operations for sessions under root.
// Every operation is a load-mutate-persist cycle against the per-session
// barrier file; idempotent membership checks make at-least-once delivery of
// stage results safe.
type Synchronizer struct {
	root    string
	timeout time.Duration
	stale   time.Duration
	sweeps  singleflight.Group
	now     func() time.Time
}

func NewSynchronizer(root string, cfg model.BarrierConfig) *Synchronizer {
	return &Synchronizer{
		root:    root,
		timeout: time.Duration(cfg.TimeoutSec) * time.Second,
		stale:   time.Duration(cfg.StaleSec) * time.Second,
		now:     time.Now,
	}
}

// CreateGroup registers a barrier group. If the group already exists the call
// is a no-op: in-flight progress is never clobbered by a redelivered setup
// event.
func (s *Synchronizer) CreateGroup(sessionID, group string, total int, next string, siblings []string) error {
	st, err := loadState(s.root, sessionID)
	if err != nil {
		return err
	}
	if st.group(group) != nil {
		return nil
	}
	st.Groups[group] = &Group{
		Total:     total,
		Completed: []string{},
		Results:   map[string]RouteResult{},
		Next:      next,
		Siblings:  append([]string(nil), siblings...),
		CreatedAt: s.now().UTC().Format(time.RFC3339),
	}
	return saveState(s.root, st)
}

// Update records a member stage's result. Re-delivering the same stage's
// result does not double-count membership, but while the group is unresolved
// a complete group still recomputes and returns the merge, so a redelivered
// completion signal reproduces the routing decision without double effects.
// Once the group is resolved, updates are accepted and skipped.
func (s *Synchronizer) Update(sessionID, group, stage string, res RouteResult) (*UpdateOutcome, error) {
	st, err := loadState(s.root, sessionID)
	if err != nil {
		return nil, err
	}
	g := st.group(group)
	if g == nil {
		return nil, fmt.Errorf("barrier group %q not found for session %s", group, sessionID)
	}
	if g.Resolved {
		return &UpdateOutcome{AllComplete: true}, nil
	}

	res.Stage = stage
	if !g.has(stage) {
		g.Completed = append(g.Completed, stage)
	}
	g.Results[stage] = res

	if len(g.Completed) < g.Total {
		if err := saveState(s.root, st); err != nil {
			return nil, err
		}
		return &UpdateOutcome{}, nil
	}

	merged := merge(g)
	g.Resolved = true
	if err := saveState(s.root, st); err != nil {
		return nil, err
	}
	return &UpdateOutcome{AllComplete: true, Merged: merged}, nil
}

// merge applies Worst-Case-Wins: all members PASS merges to PASS routed to
// next; any FAIL merges to FAIL with the most severe failing member's
// severity, artifacts and hints of all members carried forward.
func merge(g *Group) *MergedResult {
	out := &MergedResult{Verdict: model.VerdictPass, RouteTo: g.Next}

	order := append([]string(nil), g.Siblings...)
	sort.Strings(order)
	for _, stage := range order {
		res, ok := g.Results[stage]
		if !ok {
			continue
		}
		out.ArtifactFiles = append(out.ArtifactFiles, res.ArtifactFiles...)
		if res.Verdict == model.VerdictFail {
			out.Verdict = model.VerdictFail
			out.Severity = model.MaxSeverity(out.Severity, res.Severity)
			out.FailedStages = append(out.FailedStages, stage)
			if res.Hint != "" {
				out.Hints = append(out.Hints, res.Hint)
			}
			if res.Synthesized {
				out.TimedOutStages = append(out.TimedOutStages, stage)
			}
		}
	}

	if out.Verdict == model.VerdictFail {
		// The repair route depends on the DAG; the engine fills it in.
		out.RouteTo = ""
	}
	return out
}

// CheckTimeout reports whether a group is unresolved and older than
// timeoutMs.
func CheckTimeout(st *State, group string, timeoutMs int64, now time.Time) bool {
	g := st.group(group)
	if g == nil || g.Resolved {
		return false
	}
	return g.age(now) > time.Duration(timeoutMs)*time.Millisecond
}

// SweptGroup is one group resolved by the timeout sweep.
type SweptGroup struct {
	Group          string
	Merged         *MergedResult
	TimedOutStages []string
}

// SweepTimedOut synthesizes a FAIL (severity HIGH) for every sibling of an
// unresolved, overdue group that has not reported, then runs the normal
// merge, so a barrier can never block the pipeline indefinitely on a worker
// that never responds. Groups older than the stale cutoff are abandoned:
// resolved without a merge so they stop being rescanned. Concurrent sweep
// triggers for the same session collapse into one pass.
func (s *Synchronizer) SweepTimedOut(sessionID string) ([]SweptGroup, error) {
	v, err, _ := s.sweeps.Do(sessionID, func() (any, error) {
		return s.sweepLocked(sessionID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]SweptGroup), nil
}

func (s *Synchronizer) sweepLocked(sessionID string) ([]SweptGroup, error) {
	st, err := loadState(s.root, sessionID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var swept []SweptGroup
	changed := false

	names := make([]string, 0, len(st.Groups))
	for name := range st.Groups {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		g := st.Groups[name]
		if g.Resolved {
			continue
		}
		age := g.age(now)
		if s.stale > 0 && age > s.stale {
			g.Resolved = true
			changed = true
			continue
		}
		if age <= s.timeout {
			continue
		}

		var timedOut []string
		for _, sibling := range g.Siblings {
			if g.has(sibling) {
				continue
			}
			g.Completed = append(g.Completed, sibling)
			g.Results[sibling] = RouteResult{
				Stage:       sibling,
				Verdict:     model.VerdictFail,
				Severity:    model.SeverityHigh,
				Hint:        fmt.Sprintf("stage %s produced no result before the barrier timeout", sibling),
				Synthesized: true,
			}
			timedOut = append(timedOut, sibling)
		}

		merged := merge(g)
		g.Resolved = true
		changed = true
		swept = append(swept, SweptGroup{Group: name, Merged: merged, TimedOutStages: timedOut})
	}

	if changed {
		if err := saveState(s.root, st); err != nil {
			return nil, err
		}
	}
	return swept, nil
}

// Load returns the current barrier state for inspection.
func (s *Synchronizer) Load(sessionID string) (*State, error) {
	return loadState(s.root, sessionID)
}

// Delete removes a session's barrier file on teardown.
func (s *Synchronizer) Delete(sessionID string) error {
	return removeIfPresent(statePath(s.root, sessionID))
}

// Reconstruct rebuilds barrier state from the DAG's embedded barrier metadata
// and current stage statuses, for recovery when the barrier file is lost but
// the session state is intact. The rebuilt state is persisted.
func (s *Synchronizer) Reconstruct(sessionID string, sess *model.SessionState) (*State, error) {
	st := &State{SessionID: sessionID, Groups: map[string]*Group{}}
	createdAt := s.now().UTC().Format(time.RFC3339)

	for id, node := range sess.Dag {
		spec := node.Barrier
		if spec == nil {
			continue
		}
		g := st.group(spec.Group)
		if g == nil {
			g = &Group{
				Total:     spec.Total,
				Completed: []string{},
				Results:   map[string]RouteResult{},
				Next:      spec.Next,
				Siblings:  append([]string(nil), spec.Siblings...),
				CreatedAt: createdAt,
			}
			st.Groups[spec.Group] = g
		}

		stage, ok := sess.Stages[id]
		if !ok || stage.Verdict == nil {
			continue
		}
		if stage.Status == model.StageStatusCompleted || stage.Status == model.StageStatusFailed {
			res := RouteResult{
				Stage:         id,
				Verdict:       stage.Verdict.Status,
				Severity:      stage.Verdict.Severity,
				Hint:          stage.Verdict.Hint,
				ArtifactFiles: stage.Verdict.ArtifactFiles,
			}
			if !g.has(id) {
				g.Completed = append(g.Completed, id)
			}
			g.Results[id] = res
		}
	}

	for _, g := range st.Groups {
		sort.Strings(g.Completed)
	}
	if err := saveState(s.root, st); err != nil {
		return nil, err
	}
	return st, nil
}
