package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ryu111/stagehand/internal/barrier"
	"github.com/ryu111/stagehand/internal/model"
	"github.com/ryu111/stagehand/internal/retry"
)

// CompletionOutcome is the engine's decision on a reported stage result.
type CompletionOutcome struct {
	Stage string
	// Accepted is false when the result was a redelivery already applied.
	Accepted bool
	// Retry is true when the failure routed back to a repair stage.
	Retry bool
	// Exhausted flags a retry-exhausted forced progression, reported
	// distinctly from a normal PASS.
	Exhausted bool
	// Waiting is true when the stage joined a barrier that has not resolved.
	Waiting bool
	// NextStages are the stages now ready to dispatch.
	NextStages []string
	Merged     *barrier.MergedResult
	Reason     string
}

// HandleStageComplete applies a worker's reported outcome. Delivery is
// at-least-once: only a result for the stage's current active dispatch is
// applied. Anything else, a settled stage or a redelivery arriving after a
// failure already routed the stage back to pending, is acknowledged without
// effects so duplicate deliveries cannot burn retry budget.
func (e *Engine) HandleStageComplete(ev StageCompleteEvent) (*CompletionOutcome, error) {
	defer e.lockSession(ev.SessionID)()

	st, err := e.store.Read(ev.SessionID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("no state for session %s", ev.SessionID)
	}
	node, ok := st.Dag[ev.Stage]
	if !ok {
		return nil, fmt.Errorf("stage %s not in session %s dag", ev.Stage, ev.SessionID)
	}
	if stage, ok := st.Stages[ev.Stage]; !ok || stage.Status != model.StageStatusActive {
		reason := "no active dispatch for stage"
		if ok && model.IsSettled(stage.Status) {
			reason = "result already applied"
		}
		return &CompletionOutcome{Stage: ev.Stage, Reason: reason}, nil
	}

	verdict := toVerdict(ev.Verdict)
	if verdict == nil {
		// A worker that reports no verdict failed the stage.
		verdict = &model.Verdict{
			Status:   model.VerdictFail,
			Severity: model.SeverityHigh,
			Hint:     "worker reported no verdict",
		}
	}
	now := e.timestamp()

	var outcome *CompletionOutcome
	if verdict.Passed() {
		outcome, st, err = e.applyPass(st, node, ev, verdict, now)
	} else {
		outcome, st, err = e.applyFail(st, node, ev, verdict, now)
	}
	if err != nil {
		return nil, err
	}

	if err := e.store.Write(ev.SessionID, st); err != nil {
		return nil, err
	}
	_ = e.timeline.Append(ev.SessionID, "stage_complete", ev.Stage, map[string]any{
		"verdict": string(verdict.Status), "retry": outcome.Retry, "exhausted": outcome.Exhausted,
	})
	return outcome, nil
}

func (e *Engine) applyPass(st *model.SessionState, node *model.NodeSpec, ev StageCompleteEvent, verdict *model.Verdict, now string) (*CompletionOutcome, *model.SessionState, error) {
	st = model.MarkStageCompleted(st, ev.Stage, verdict, now)

	if model.IsQualityStage(ev.Stage) {
		// Advisory memory: failures here must never block progress.
		_ = e.mem.AppendWisdom(st.SessionID, ev.Stage, ev.ArtifactText)
		_ = e.mem.DeleteReflection(st.SessionID, ev.Stage)
	}

	outcome := &CompletionOutcome{Stage: ev.Stage, Accepted: true, Reason: "pass"}

	if node.Barrier != nil {
		res := barrier.RouteResult{
			Verdict:       model.VerdictPass,
			ArtifactFiles: verdict.ArtifactFiles,
		}
		up, err := e.barriers.Update(st.SessionID, node.Barrier.Group, ev.Stage, res)
		if err != nil {
			return nil, nil, err
		}
		if !up.AllComplete {
			outcome.Waiting = true
			outcome.Reason = "barrier waiting for siblings"
			return outcome, st, nil
		}
		if up.Merged != nil && up.Merged.Verdict == model.VerdictFail {
			return e.routeMergedFailure(st, node.Barrier.Group, up.Merged, now, outcome)
		}
		outcome.Merged = up.Merged
	}

	outcome.NextStages = model.ReadyStages(st)
	return outcome, st, nil
}

func (e *Engine) applyFail(st *model.SessionState, node *model.NodeSpec, ev StageCompleteEvent, verdict *model.Verdict, now string) (*CompletionOutcome, *model.SessionState, error) {
	st = model.MarkStageFailed(st, ev.Stage, verdict, now)

	if model.IsQualityStage(ev.Stage) {
		text := ev.ArtifactText
		if text == "" {
			text = verdict.Hint
		}
		_ = e.mem.AppendReflection(st.SessionID, ev.Stage, st.Retries[ev.Stage], text)
	}

	outcome := &CompletionOutcome{Stage: ev.Stage, Accepted: true}

	if node.Barrier != nil {
		res := barrier.RouteResult{
			Verdict:       model.VerdictFail,
			Severity:      verdict.Severity,
			Hint:          verdict.Hint,
			ArtifactFiles: verdict.ArtifactFiles,
		}
		up, err := e.barriers.Update(st.SessionID, node.Barrier.Group, ev.Stage, res)
		if err != nil {
			return nil, nil, err
		}
		if !up.AllComplete {
			outcome.Waiting = true
			outcome.Reason = "barrier waiting for siblings"
			return outcome, st, nil
		}
		if up.Merged == nil || up.Merged.Verdict == model.VerdictPass {
			// A resolved group skipped the merge, or every other member
			// passed and the merge predates this failure; nothing routes.
			outcome.NextStages = model.ReadyStages(st)
			return outcome, st, nil
		}
		return e.routeMergedFailure(st, node.Barrier.Group, up.Merged, now, outcome)
	}

	route := retry.Resolve(st.Dag, ev.Stage, verdict, st.Retries[ev.Stage], st.RetryHistory[ev.Stage], e.cfg.Retry.MaxRetries)
	st = e.applyRoute(st, route, []failedStage{{id: ev.Stage, severity: verdict.Severity}}, now)
	outcome.Retry = route.Retry
	outcome.Exhausted = route.Exhausted
	outcome.Reason = route.Reason
	outcome.NextStages = model.ReadyStages(st)
	return outcome, st, nil
}

type failedStage struct {
	id       string
	severity model.Severity
}

// routeMergedFailure applies the retry policy to a barrier group that merged
// to FAIL. The policy is driven by the most severe failing member; all
// failing members retry (or settle) together.
func (e *Engine) routeMergedFailure(st *model.SessionState, group string, merged *barrier.MergedResult, now string, outcome *CompletionOutcome) (*CompletionOutcome, *model.SessionState, error) {
	var failed []failedStage
	driver := ""
	for _, id := range merged.FailedStages {
		sev := model.SeverityLow
		if stage, ok := st.Stages[id]; ok && stage.Verdict != nil {
			sev = stage.Verdict.Severity
		}
		if contains(merged.TimedOutStages, id) {
			sev = model.SeverityHigh
		}
		failed = append(failed, failedStage{id: id, severity: sev})
		if driver == "" || model.SeverityRank(sev) > model.SeverityRank(severityOf(failed, driver)) {
			driver = id
		}
	}
	if driver == "" {
		outcome.Merged = merged
		outcome.NextStages = model.ReadyStages(st)
		return outcome, st, nil
	}

	verdict := &model.Verdict{Status: model.VerdictFail, Severity: merged.Severity}
	if len(merged.Hints) > 0 {
		verdict.Hint = merged.Hints[0]
	}
	route := retry.Resolve(st.Dag, driver, verdict, st.Retries[driver], st.RetryHistory[driver], e.cfg.Retry.MaxRetries)
	st = e.applyRoute(st, route, failed, now)

	outcome.Merged = merged
	outcome.Retry = route.Retry
	outcome.Exhausted = route.Exhausted
	outcome.Reason = route.Reason
	outcome.NextStages = model.ReadyStages(st)
	if route.Retry {
		_ = e.timeline.Append(st.SessionID, "barrier_retry", driver, map[string]any{"group": group, "target": route.Target})
	}
	return outcome, st, nil
}

// applyRoute turns a policy route into state transitions. On retry the
// repair target and the failed stages return to pending and a pending-retry
// marker is set for the next dispatch to consume, its stages ordered most
// severe first so the first entry drives the repair context. On forced
// progression the failed stages settle as skipped so the pipeline can drain;
// an advisory severity settles as completed, the failing verdict kept for
// the record.
func (e *Engine) applyRoute(st *model.SessionState, route retry.Route, failed []failedStage, now string) *model.SessionState {
	if route.Retry {
		if route.Target != "" {
			st = model.ResetStageForRetry(st, route.Target, now)
		}
		sort.SliceStable(failed, func(i, j int) bool {
			return model.SeverityRank(failed[i].severity) > model.SeverityRank(failed[j].severity)
		})
		pr := &model.PendingRetry{}
		for _, f := range failed {
			st = model.ResetStageForRetry(st, f.id, now)
			pr.Stages = append(pr.Stages, model.PendingRetryStage{
				ID:       f.id,
				Severity: f.severity,
				Round:    st.Retries[f.id],
			})
		}
		return model.SetPendingRetry(st, pr, now)
	}

	for _, f := range failed {
		if route.Forced {
			st = model.MarkStageSkipped(st, f.id, now)
			continue
		}
		var v *model.Verdict
		if stage, ok := st.Stages[f.id]; ok {
			v = stage.Verdict
		}
		st = model.MarkStageCompleted(st, f.id, v, now)
	}
	return st
}

// SweepBarriers resolves overdue barrier groups for a session: missing
// siblings get a synthesized FAIL, crash bookkeeping is recorded, and the
// merged result routes through the normal retry policy.
func (e *Engine) SweepBarriers(sessionID string) ([]barrier.SweptGroup, error) {
	defer e.lockSession(sessionID)()

	swept, err := e.barriers.SweepTimedOut(sessionID)
	if err != nil || len(swept) == 0 {
		return swept, err
	}

	st, err := e.store.Read(sessionID)
	if err != nil {
		return swept, err
	}
	if st == nil {
		return swept, nil
	}

	now := e.timestamp()
	for _, sg := range swept {
		for _, stage := range sg.TimedOutStages {
			st = model.MarkStageFailed(st, stage, &model.Verdict{
				Status:   model.VerdictFail,
				Severity: model.SeverityHigh,
				Hint:     "no result before barrier timeout",
			}, now)
		}
		st = st.Clone()
		st.Crashes[sg.Group]++

		outcome := &CompletionOutcome{}
		if sg.Merged != nil && sg.Merged.Verdict == model.VerdictFail {
			var err error
			outcome, st, err = e.routeMergedFailure(st, sg.Group, sg.Merged, now, outcome)
			if err != nil {
				return swept, err
			}
		}
		_ = e.timeline.Append(sessionID, "barrier_swept", "", map[string]any{
			"group": sg.Group, "timedOut": sg.TimedOutStages, "retry": outcome.Retry,
		})
	}

	if err := e.store.Write(sessionID, st); err != nil {
		return swept, err
	}
	return swept, nil
}

// toVerdict normalizes adapter-shaped verdicts; workers report status and
// severity in whatever case their templates use.
func toVerdict(p *VerdictPayload) *model.Verdict {
	if p == nil {
		return nil
	}
	return &model.Verdict{
		Status:        model.VerdictStatus(strings.ToLower(p.Status)),
		Severity:      model.Severity(strings.ToLower(p.Severity)),
		Hint:          p.Hint,
		ArtifactFiles: p.ArtifactFiles,
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func severityOf(failed []failedStage, id string) model.Severity {
	for _, f := range failed {
		if f.id == id {
			return f.severity
		}
	}
	return model.SeverityLow
}
