// Package engine is the orchestration core: it decides which stage runs
// next, whether a reported result is accepted, and what state to persist.
// It never executes workers and never opens sockets; its boundary is the
// filesystem plus calls from the adapter layer.
package engine

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ryu111/stagehand/internal/barrier"
	"github.com/ryu111/stagehand/internal/dag"
	"github.com/ryu111/stagehand/internal/dispatch"
	"github.com/ryu111/stagehand/internal/events"
	"github.com/ryu111/stagehand/internal/lock"
	"github.com/ryu111/stagehand/internal/memory"
	"github.com/ryu111/stagehand/internal/model"
	"github.com/ryu111/stagehand/internal/store"
)

// ErrUnrepairableDag signals structural defects that survived repair. This is
// a hard failure of the planning attempt: no partial graph is ever accepted.
var ErrUnrepairableDag = errors.New("dag is unrepairable")

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

type Engine struct {
	cfg        model.Config
	store      store.Repository
	barriers   *barrier.Synchronizer
	mem        *memory.Memory
	asm        *dispatch.Assembler
	timeline   *events.Timeline
	locks      *lock.SessionLocks
	logger     *log.Logger
	logLevel   LogLevel
	projectDir string
	now        func() time.Time
}

// New wires an engine over root, the state directory holding sessions/,
// barriers/, memory/, and timeline/.
func New(root string, cfg model.Config, logger *log.Logger) *Engine {
	mem := memory.New(root, cfg.Memory)
	return &Engine{
		cfg:      cfg,
		store:    store.NewFileStore(root),
		barriers: barrier.NewSynchronizer(root, cfg.Barrier),
		mem:      mem,
		asm:      dispatch.NewAssembler(mem, cfg.Dispatch, nil),
		timeline: events.NewTimeline(root+"/timeline", 0),
		locks:    lock.NewSessionLocks(),
		logger:   logger,
		logLevel: ParseLogLevel(cfg.Logging.Level),
		now:      time.Now,
	}
}

func (e *Engine) Store() store.Repository         { return e.store }
func (e *Engine) Barriers() *barrier.Synchronizer { return e.barriers }
func (e *Engine) Timeline() *events.Timeline      { return e.timeline }

// SetProjectDir points quality-signal collection at the workers' project.
func (e *Engine) SetProjectDir(dir string) { e.projectDir = dir }

func (e *Engine) log(level LogLevel, format string, args ...any) {
	if e.logger == nil || level < e.logLevel {
		return
	}
	e.logger.Printf(format, args...)
}

func (e *Engine) lockSession(sessionID string) func() {
	return e.locks.Acquire(sessionID)
}

func (e *Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// Classify records a classification decision, creating the session document
// on first classification.
func (e *Engine) Classify(sessionID, pipelineID, taskType, source string) (*model.SessionState, error) {
	defer e.lockSession(sessionID)()

	st, err := e.store.Read(sessionID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = model.NewSessionState(sessionID)
	}
	st = model.Classify(st, pipelineID, taskType, source, e.timestamp())
	if err := e.store.Write(sessionID, st); err != nil {
		return nil, err
	}
	_ = e.timeline.Append(sessionID, "classified", "", map[string]any{"pipeline": pipelineID})
	return st, nil
}

// HandleReclassify switches a session to a different pipeline mid-flight.
// Classification history is appended, never rewritten.
func (e *Engine) HandleReclassify(ev ReclassifyEvent) (*model.SessionState, error) {
	return e.Classify(ev.SessionID, ev.PipelineID, ev.TaskType, ev.Source)
}

// SetEnvironment stores the detector's read-only environment snapshot.
func (e *Engine) SetEnvironment(sessionID string, env map[string]any) error {
	defer e.lockSession(sessionID)()

	st, err := e.store.Read(sessionID)
	if err != nil {
		return err
	}
	if st == nil {
		st = model.NewSessionState(sessionID)
	}
	st = st.Clone()
	st.Environment = env
	return e.store.Write(sessionID, st)
}

// SetPlan repairs, validates, and enriches raw planner output, then installs
// it. Unrepairable graphs propagate as ErrUnrepairableDag; the planning
// collaborator must be told, not worked around.
func (e *Engine) SetPlan(sessionID string, rawDag any) (*model.SessionState, error) {
	defer e.lockSession(sessionID)()

	st, err := e.store.Read(sessionID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = model.NewSessionState(sessionID)
	}

	repaired := dag.Repair(rawDag)
	if repaired == nil {
		return nil, ErrUnrepairableDag
	}
	for _, fix := range repaired.Fixes {
		e.log(LogLevelWarn, "dag_repair session=%s fix=%q", sessionID, fix)
	}

	enriched := dag.Enrich(repaired.Dag, e.cfg.Retry.MaxRetries)
	if res := dag.Validate(enriched); !res.Valid {
		return nil, fmt.Errorf("%w: %s", ErrUnrepairableDag, strings.Join(res.Errors, "; "))
	}

	st = model.SetDag(st, enriched, e.timestamp())
	if err := e.store.Write(sessionID, st); err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	for _, node := range enriched {
		spec := node.Barrier
		if spec == nil || seen[spec.Group] {
			continue
		}
		seen[spec.Group] = true
		if err := e.barriers.CreateGroup(sessionID, spec.Group, spec.Total, spec.Next, spec.Siblings); err != nil {
			return nil, fmt.Errorf("create barrier group %s: %w", spec.Group, err)
		}
	}

	_ = e.timeline.Append(sessionID, "plan_set", "", map[string]any{
		"stages": len(enriched), "fixes": len(repaired.Fixes),
	})
	return st, nil
}

// HandleToolCall guards scheduling-unsafe tools while the pipeline is live.
func (e *Engine) HandleToolCall(ev ToolCallEvent) (Decision, error) {
	defer e.lockSession(ev.SessionID)()

	st, err := e.store.Read(ev.SessionID)
	if err != nil {
		return Decision{}, err
	}
	if st == nil || !st.PipelineActive {
		return Decision{Allow: true}, nil
	}

	for _, blocked := range e.cfg.Guard.BlockedTools {
		if ev.ToolName != blocked {
			continue
		}
		st = st.Clone()
		st.Meta.PipelineCheckBlocks++
		if err := e.store.Write(ev.SessionID, st); err != nil {
			return Decision{}, err
		}
		_ = e.timeline.Append(ev.SessionID, "tool_blocked", "", map[string]any{"tool": ev.ToolName})
		return Decision{
			Allow:  false,
			Reason: fmt.Sprintf("tool %s is blocked while the pipeline is active", ev.ToolName),
		}, nil
	}
	return Decision{Allow: true}, nil
}

// Dispatch marks a stage active and assembles the worker payload, consuming
// the pending-retry marker exactly once.
func (e *Engine) Dispatch(sessionID, stage, agent string) (*dispatch.NodeContext, []byte, error) {
	defer e.lockSession(sessionID)()

	st, err := e.store.Read(sessionID)
	if err != nil {
		return nil, nil, err
	}
	if st == nil {
		return nil, nil, fmt.Errorf("no state for session %s", sessionID)
	}

	ctx, payload, err := e.asm.Build(st, stage, e.projectDir)
	if err != nil {
		return nil, nil, err
	}

	now := e.timestamp()
	st = model.MarkStageActive(st, stage, agent, now)
	if ctx.Retry != nil {
		st = model.ClearPendingRetry(st, now)
	}
	if err := e.store.Write(sessionID, st); err != nil {
		return nil, nil, err
	}
	_ = e.timeline.Append(sessionID, "dispatched", stage, map[string]any{"agent": agent})
	return ctx, payload, nil
}

// Cancel stops treating eventual worker results as binding on scheduling.
// In-flight workers are not interrupted.
func (e *Engine) Cancel(sessionID string) error {
	defer e.lockSession(sessionID)()

	st, err := e.store.Read(sessionID)
	if err != nil {
		return err
	}
	if st == nil {
		return nil
	}
	st = model.Cancel(st, e.timestamp())
	if err := e.store.Write(sessionID, st); err != nil {
		return err
	}
	_ = e.timeline.Append(sessionID, "cancelled", "", nil)
	return nil
}

// Teardown removes every per-session file: state, barriers, memory,
// timeline.
func (e *Engine) Teardown(sessionID string) error {
	defer e.lockSession(sessionID)()

	if err := e.store.Delete(sessionID); err != nil {
		return err
	}
	if err := e.barriers.Delete(sessionID); err != nil {
		return err
	}
	if err := e.mem.DeleteSession(sessionID); err != nil {
		return err
	}
	return e.timeline.Delete(sessionID)
}
