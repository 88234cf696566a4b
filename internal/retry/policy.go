// Package retry decides, per failed stage, whether to route back to a repair
// stage, how the retry budget flexes with the severity trend, and when
// repeated failures indicate an ineffective fix being re-applied.
package retry

import (
	"fmt"

	"github.com/ryu111/stagehand/internal/model"
)

// duplicateHintPrefixLen is how many leading characters two hints must share
// to count as the same ineffective fix.
const duplicateHintPrefixLen = 50

type Decision struct {
	ShouldRetry bool
	Reason      string
}

// ShouldRetryStage applies the raw eligibility rules: only quality stages
// retry; a missing or PASS verdict never retries; MEDIUM/LOW severities are
// advisory only; CRITICAL/HIGH retry until the limit.
func ShouldRetryStage(stage string, verdict *model.Verdict, retryCount, limit int) Decision {
	if !model.IsQualityStage(stage) {
		return Decision{Reason: fmt.Sprintf("stage %s is not a quality stage", stage)}
	}
	if verdict == nil {
		return Decision{Reason: "no verdict recorded"}
	}
	if verdict.Status == model.VerdictPass {
		return Decision{Reason: "verdict is pass"}
	}
	switch verdict.Severity {
	case model.SeverityCritical, model.SeverityHigh:
	default:
		return Decision{Reason: fmt.Sprintf("severity %s is advisory only", verdict.Severity)}
	}
	if retryCount >= limit {
		return Decision{Reason: fmt.Sprintf("retry limit %d reached", limit)}
	}
	return Decision{ShouldRetry: true, Reason: fmt.Sprintf("severity %s, retry %d of %d", verdict.Severity, retryCount+1, limit)}
}

type Trend string

const (
	TrendImproving Trend = "improving"
	TrendWorsening Trend = "worsening"
	TrendStable    Trend = "stable"
	TrendUnknown   Trend = ""
)

// AnalyzeTrend compares the severities of the last two recorded failures for
// a stage. Fewer than two failures is an unknown trend.
func AnalyzeTrend(history []model.RetryRecord) Trend {
	if len(history) < 2 {
		return TrendUnknown
	}
	prev := model.SeverityRank(history[len(history)-2].Severity)
	last := model.SeverityRank(history[len(history)-1].Severity)
	switch {
	case last < prev:
		return TrendImproving
	case last > prev:
		return TrendWorsening
	default:
		return TrendStable
	}
}

// AdaptiveLimit flexes the base retry limit with the trend: one less when
// worsening (never below 1), one more when improving, unchanged otherwise.
func AdaptiveLimit(base int, history []model.RetryRecord, trend Trend) int {
	switch trend {
	case TrendWorsening:
		if base > 1 {
			return base - 1
		}
		return 1
	case TrendImproving:
		return base + 1
	default:
		return base
	}
}

// DetectDuplicateHints flags two or more consecutive failures whose severity
// matches and whose hint text is identical or shares an identical 50-char
// prefix. It returns the run length ending at the newest record, and whether
// the run qualifies. The warning is surfaced to the worker so it does not
// repeat an ineffective fix.
func DetectDuplicateHints(history []model.RetryRecord) (int, bool) {
	if len(history) < 2 {
		return 0, false
	}
	run := 1
	for i := len(history) - 1; i > 0; i-- {
		cur, prev := history[i], history[i-1]
		if cur.Severity != prev.Severity || !sameHint(cur.Hint, prev.Hint) {
			break
		}
		run++
	}
	return run, run >= 2
}

func sameHint(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	if len(a) >= duplicateHintPrefixLen && len(b) >= duplicateHintPrefixLen {
		return a[:duplicateHintPrefixLen] == b[:duplicateHintPrefixLen]
	}
	return false
}

// Route is the enforced routing decision for a failed stage.
type Route struct {
	// Target is the stage to dispatch next: the repair stage on retry, the
	// next stage on forced progression, "" when the pipeline simply ends.
	Target string
	// Retry is true when the failure routes back to the repair stage.
	Retry bool
	// Exhausted flags a forced progression caused by the retry limit, so the
	// caller can report it distinctly from a normal PASS.
	Exhausted bool
	// Forced flags any progression that overrode a FAIL verdict.
	Forced bool
	Reason string
}

// Resolve applies the enforcement layer on top of the raw eligibility rules.
// Two hard overrides apply regardless of severity: once the adjusted limit is
// reached the stage force-progresses (flagged retry-exhausted), and a FAIL
// with no reachable repair stage force-progresses rather than stalling with
// nowhere to route.
func Resolve(d model.Dag, stage string, verdict *model.Verdict, retryCount int, history []model.RetryRecord, baseLimit int) Route {
	node := d[stage]
	next := ""
	repair := ""
	if node != nil {
		repair = node.OnFail
		next = node.Next
		if node.Barrier != nil && node.Barrier.Next != "" {
			next = node.Barrier.Next
		}
		if node.MaxRetries > 0 {
			baseLimit = node.MaxRetries
		}
	}

	limit := AdaptiveLimit(baseLimit, history, AnalyzeTrend(history))

	if verdict.Failed() && repair == "" {
		return Route{
			Target: next,
			Forced: true,
			Reason: "no reachable repair stage, forcing progression",
		}
	}

	if verdict.Failed() && retryCount >= limit {
		return Route{
			Target:    next,
			Exhausted: true,
			Forced:    true,
			Reason:    fmt.Sprintf("adjusted retry limit %d reached, forcing progression", limit),
		}
	}

	decision := ShouldRetryStage(stage, verdict, retryCount, limit)
	if decision.ShouldRetry {
		return Route{Target: repair, Retry: true, Reason: decision.Reason}
	}
	return Route{Target: next, Reason: decision.Reason}
}
