// Package dispatch builds the bounded payload handed to a worker when a
// stage is dispatched. The payload is ephemeral, computed fresh on every
// dispatch and never persisted, and subject to a hard size ceiling enforced by
// a fixed truncation cascade.
package dispatch

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/ryu111/stagehand/internal/memory"
	"github.com/ryu111/stagehand/internal/model"
	"github.com/ryu111/stagehand/internal/retry"
)

type NodeContext struct {
	Stage       string          `json:"stage"`
	Prev        []string        `json:"prev,omitempty"`
	Next        string          `json:"next,omitempty"`
	OnFail      *OnFailContext  `json:"onFail,omitempty"`
	Barrier     *BarrierContext `json:"barrier,omitempty"`
	Artifacts   []string        `json:"artifacts,omitempty"`
	Environment *EnvSnapshot    `json:"environment,omitempty"`
	Retry       *RetryContext   `json:"retryContext,omitempty"`
	Wisdom      string          `json:"wisdom,omitempty"`
	Signals     *QualitySignals `json:"signals,omitempty"`
}

type OnFailContext struct {
	Target       string `json:"target"`
	MaxRetries   int    `json:"maxRetries"`
	CurrentRound int    `json:"currentRound"`
}

type BarrierContext struct {
	Group    string   `json:"group"`
	Total    int      `json:"total"`
	Next     string   `json:"next,omitempty"`
	Siblings []string `json:"siblings"`
}

type EnvSnapshot struct {
	Language  string `json:"language,omitempty"`
	Framework string `json:"framework,omitempty"`
	Frontend  bool   `json:"frontend,omitempty"`
}

// RetryContext tells the worker which prior failure caused this dispatch.
type RetryContext struct {
	FailedStage    string `json:"failedStage"`
	Round          int    `json:"round"`
	ReflectionFile string `json:"reflectionFile,omitempty"`
	Hint           string `json:"hint,omitempty"`
	Reflection     string `json:"reflection,omitempty"`
}

// Assembler combines DAG topology, predecessor artifacts, the environment
// snapshot, retry/reflection context, and accumulated wisdom into one
// payload.
type Assembler struct {
	mem     *memory.Memory
	cfg     model.DispatchConfig
	signals SignalCollector
}

func NewAssembler(mem *memory.Memory, cfg model.DispatchConfig, signals SignalCollector) *Assembler {
	if signals == nil {
		signals = FileSignalCollector{}
	}
	return &Assembler{mem: mem, cfg: cfg, signals: signals}
}

// Build assembles the payload for dispatching stage, plus its serialized
// form. If the serialized payload exceeds the ceiling, truncation proceeds in
// a fixed order, re-measuring after each step: shrink the reflection
// excerpt, drop it, then collapse the retry context to its hint.
func (a *Assembler) Build(st *model.SessionState, stage, projectDir string) (*NodeContext, []byte, error) {
	node, ok := st.Dag[stage]
	if !ok {
		return nil, nil, fmt.Errorf("stage %s not in dag", stage)
	}

	ctx := &NodeContext{
		Stage: stage,
		Prev:  append([]string(nil), node.Deps...),
		Next:  node.Next,
	}

	if node.OnFail != "" {
		ctx.OnFail = &OnFailContext{
			Target:       node.OnFail,
			MaxRetries:   node.MaxRetries,
			CurrentRound: st.Retries[stage],
		}
	}
	if node.Barrier != nil {
		ctx.Barrier = &BarrierContext{
			Group:    node.Barrier.Group,
			Total:    node.Barrier.Total,
			Next:     node.Barrier.Next,
			Siblings: append([]string(nil), node.Barrier.Siblings...),
		}
	}

	for _, dep := range node.Deps {
		if depState, ok := st.Stages[dep]; ok && depState.Verdict != nil {
			ctx.Artifacts = append(ctx.Artifacts, depState.Verdict.ArtifactFiles...)
		}
	}

	ctx.Environment = envSnapshot(st.Environment)
	ctx.Retry = a.retryContext(st, stage)

	if wisdom, ok := a.mem.ReadWisdom(st.SessionID); ok {
		ctx.Wisdom = wisdom
	}
	if model.IsQualityStage(stage) {
		ctx.Signals = a.signals.Collect(projectDir)
	}

	payload, err := a.fitToCeiling(ctx)
	if err != nil {
		return nil, nil, err
	}
	return ctx, payload, nil
}

// retryContext reads the pending-retry marker. The caller clears the marker
// after a successful dispatch so it is consumed exactly once.
func (a *Assembler) retryContext(st *model.SessionState, stage string) *RetryContext {
	pr := st.PendingRetry
	if pr == nil || len(pr.Stages) == 0 {
		return nil
	}

	// The marker names the failed quality stages, ordered most severe
	// first; this dispatch is their repair and the first entry drives the
	// context.
	failed := pr.Stages[0]
	history := st.RetryHistory[failed.ID]

	rc := &RetryContext{
		FailedStage: failed.ID,
		Round:       failed.Round,
	}
	if len(history) > 0 {
		rc.Hint = history[len(history)-1].Hint
	}
	if text, ok := a.mem.ReadReflection(st.SessionID, failed.ID); ok {
		rc.ReflectionFile = a.mem.ReflectionPath(st.SessionID, failed.ID)
		rc.Reflection = text
	}
	if _, dup := retry.DetectDuplicateHints(history); dup {
		rc.Hint = "WARNING: the previous fix did not change the outcome; do not repeat it. " + rc.Hint
	}
	return rc
}

func (a *Assembler) fitToCeiling(ctx *NodeContext) ([]byte, error) {
	payload, err := json.Marshal(ctx)
	if err != nil {
		return nil, fmt.Errorf("marshal node context: %w", err)
	}
	if len(payload) <= a.cfg.MaxContextChars {
		return payload, nil
	}

	// Step 1: shrink the retained reflection excerpt.
	if ctx.Retry != nil && len(ctx.Retry.Reflection) > a.cfg.ReflectionExcerptMax {
		ctx.Retry.Reflection = cutAtRune(ctx.Retry.Reflection, a.cfg.ReflectionExcerptMax)
		if payload, err = json.Marshal(ctx); err != nil {
			return nil, err
		}
		if len(payload) <= a.cfg.MaxContextChars {
			return payload, nil
		}
	}

	// Step 2: drop the reflection entirely.
	if ctx.Retry != nil && ctx.Retry.Reflection != "" {
		ctx.Retry.Reflection = ""
		if payload, err = json.Marshal(ctx); err != nil {
			return nil, err
		}
		if len(payload) <= a.cfg.MaxContextChars {
			return payload, nil
		}
	}

	// Step 3: collapse retryContext to just its short hint.
	if ctx.Retry != nil {
		ctx.Retry = &RetryContext{FailedStage: ctx.Retry.FailedStage, Hint: ctx.Retry.Hint}
		if payload, err = json.Marshal(ctx); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// cutAtRune caps s at max bytes without splitting a multi-byte rune.
func cutAtRune(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

func envSnapshot(env map[string]any) *EnvSnapshot {
	if env == nil {
		return nil
	}
	out := &EnvSnapshot{}
	if v, ok := env["language"].(string); ok {
		out.Language = v
	}
	if v, ok := env["framework"].(string); ok {
		out.Framework = v
	}
	if v, ok := env["frontend"].(bool); ok {
		out.Frontend = v
	}
	if out.Language == "" && out.Framework == "" && !out.Frontend {
		return nil
	}
	return out
}
