package barrier

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryu111/stagehand/internal/model"
)

func newTestSync(t *testing.T) (*Synchronizer, *time.Time) {
	t.Helper()
	now := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	s := NewSynchronizer(t.TempDir(), model.BarrierConfig{TimeoutSec: 300, StaleSec: 3600})
	s.now = func() time.Time { return now }
	return s, &now
}

func passResult() RouteResult {
	return RouteResult{Verdict: model.VerdictPass, ArtifactFiles: []string{"report.md"}}
}

func failResult(sev model.Severity, hint string) RouteResult {
	return RouteResult{Verdict: model.VerdictFail, Severity: sev, Hint: hint}
}

func TestCreateGroup_IsIdempotent(t *testing.T) {
	s, _ := newTestSync(t)
	require.NoError(t, s.CreateGroup("s1", "g1", 2, "DOCS", []string{"REVIEW", "TEST"}))

	// A member reports, then the setup event is redelivered.
	_, err := s.Update("s1", "g1", "REVIEW", passResult())
	require.NoError(t, err)
	require.NoError(t, s.CreateGroup("s1", "g1", 2, "DOCS", []string{"REVIEW", "TEST"}))

	st, err := s.Load("s1")
	require.NoError(t, err)
	assert.Len(t, st.Groups["g1"].Completed, 1, "redelivered setup must not clobber progress")
}

func TestUpdate_AllPassMergesToNext(t *testing.T) {
	s, _ := newTestSync(t)
	require.NoError(t, s.CreateGroup("s1", "g1", 2, "DOCS", []string{"REVIEW", "TEST"}))

	up, err := s.Update("s1", "g1", "REVIEW", passResult())
	require.NoError(t, err)
	assert.False(t, up.AllComplete)

	up, err = s.Update("s1", "g1", "TEST", passResult())
	require.NoError(t, err)
	require.True(t, up.AllComplete)
	require.NotNil(t, up.Merged)
	assert.Equal(t, model.VerdictPass, up.Merged.Verdict)
	assert.Equal(t, "DOCS", up.Merged.RouteTo)
	assert.Len(t, up.Merged.ArtifactFiles, 2)
}

func TestUpdate_WorstCaseWins(t *testing.T) {
	s, _ := newTestSync(t)
	require.NoError(t, s.CreateGroup("s1", "g1", 3, "DOCS", []string{"QA", "REVIEW", "TEST"}))

	_, err := s.Update("s1", "g1", "REVIEW", failResult(model.SeverityMedium, "style issues"))
	require.NoError(t, err)
	_, err = s.Update("s1", "g1", "QA", passResult())
	require.NoError(t, err)
	up, err := s.Update("s1", "g1", "TEST", failResult(model.SeverityCritical, "data loss on rollback"))
	require.NoError(t, err)

	require.True(t, up.AllComplete)
	require.NotNil(t, up.Merged)
	assert.Equal(t, model.VerdictFail, up.Merged.Verdict)
	assert.Equal(t, model.SeverityCritical, up.Merged.Severity)
	assert.Empty(t, up.Merged.RouteTo, "repair route comes from the dag, not the barrier")
	assert.ElementsMatch(t, []string{"REVIEW", "TEST"}, up.Merged.FailedStages)
	assert.Contains(t, up.Merged.Hints, "data loss on rollback")
}

func TestUpdate_RedeliveryDoesNotDoubleCount(t *testing.T) {
	s, _ := newTestSync(t)
	require.NoError(t, s.CreateGroup("s1", "g1", 2, "DOCS", []string{"REVIEW", "TEST"}))

	_, err := s.Update("s1", "g1", "REVIEW", passResult())
	require.NoError(t, err)
	up, err := s.Update("s1", "g1", "REVIEW", passResult())
	require.NoError(t, err)
	assert.False(t, up.AllComplete, "one member reporting twice must not complete a group of two")

	st, err := s.Load("s1")
	require.NoError(t, err)
	assert.Len(t, st.Groups["g1"].Completed, 1)
}

func TestUpdate_AfterResolutionIsAcceptedAndSkipped(t *testing.T) {
	s, _ := newTestSync(t)
	require.NoError(t, s.CreateGroup("s1", "g1", 1, "DOCS", []string{"REVIEW"}))

	up, err := s.Update("s1", "g1", "REVIEW", passResult())
	require.NoError(t, err)
	require.True(t, up.AllComplete)

	up, err = s.Update("s1", "g1", "REVIEW", failResult(model.SeverityCritical, "late"))
	require.NoError(t, err)
	assert.True(t, up.AllComplete)
	assert.Nil(t, up.Merged, "resolved group must not re-merge")
}

func TestUpdate_UnknownGroupErrors(t *testing.T) {
	s, _ := newTestSync(t)
	_, err := s.Update("s1", "missing", "REVIEW", passResult())
	assert.Error(t, err)
}

func TestSweepTimedOut_SynthesizesFailuresOnce(t *testing.T) {
	s, now := newTestSync(t)
	require.NoError(t, s.CreateGroup("s1", "g1", 2, "DOCS", []string{"REVIEW", "TEST"}))
	_, err := s.Update("s1", "g1", "REVIEW", passResult())
	require.NoError(t, err)

	// Not yet overdue.
	swept, err := s.SweepTimedOut("s1")
	require.NoError(t, err)
	assert.Empty(t, swept)

	*now = now.Add(6 * time.Minute)
	swept, err = s.SweepTimedOut("s1")
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, []string{"TEST"}, swept[0].TimedOutStages)
	require.NotNil(t, swept[0].Merged)
	assert.Equal(t, model.VerdictFail, swept[0].Merged.Verdict)
	assert.Equal(t, model.SeverityHigh, swept[0].Merged.Severity)
	assert.Equal(t, []string{"TEST"}, swept[0].Merged.TimedOutStages)

	// The sweep resolves the group exactly once.
	swept, err = s.SweepTimedOut("s1")
	require.NoError(t, err)
	assert.Empty(t, swept)
}

func TestSweepTimedOut_StaleGroupsAbandonedWithoutMerge(t *testing.T) {
	s, now := newTestSync(t)
	require.NoError(t, s.CreateGroup("s1", "old", 2, "", []string{"REVIEW", "TEST"}))

	*now = now.Add(2 * time.Hour)
	swept, err := s.SweepTimedOut("s1")
	require.NoError(t, err)
	assert.Empty(t, swept, "stale groups are abandoned, not swept")

	st, err := s.Load("s1")
	require.NoError(t, err)
	assert.True(t, st.Groups["old"].Resolved)
}

func TestLoadState_CorruptFileQuarantined(t *testing.T) {
	s, _ := newTestSync(t)
	require.NoError(t, s.CreateGroup("s1", "g1", 1, "", []string{"REVIEW"}))

	// Smash the file, then load: empty state, no error.
	path := statePath(s.root, "s1")
	require.NoError(t, writeFile(path, "{nope"))

	st, err := s.Load("s1")
	require.NoError(t, err)
	assert.Empty(t, st.Groups)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0644)
}

func TestReconstruct_RebuildsFromSessionState(t *testing.T) {
	s, _ := newTestSync(t)

	spec := &model.BarrierSpec{Group: "g1", Total: 2, Next: "DOCS", Siblings: []string{"REVIEW", "TEST"}}
	sess := model.NewSessionState("s1")
	sess.Dag = model.Dag{
		"DEV":    {Deps: []string{}},
		"REVIEW": {Deps: []string{"DEV"}, Barrier: spec},
		"TEST":   {Deps: []string{"DEV"}, Barrier: spec},
		"DOCS":   {Deps: []string{"REVIEW", "TEST"}},
	}
	sess.Stages = map[string]*model.StageState{
		"DEV":    {Status: model.StageStatusCompleted},
		"REVIEW": {Status: model.StageStatusCompleted, Verdict: &model.Verdict{Status: model.VerdictPass}},
		"TEST":   {Status: model.StageStatusPending},
		"DOCS":   {Status: model.StageStatusPending},
	}

	st, err := s.Reconstruct("s1", sess)
	require.NoError(t, err)
	g := st.Groups["g1"]
	require.NotNil(t, g)
	assert.Equal(t, 2, g.Total)
	assert.Equal(t, []string{"REVIEW"}, g.Completed)
	assert.False(t, g.Resolved)

	// The rebuilt state must drive Update like the original would.
	up, err := s.Update("s1", "g1", "TEST", passResult())
	require.NoError(t, err)
	assert.True(t, up.AllComplete)
}
