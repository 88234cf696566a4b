package model

// CurrentSchemaVersion is the version of the on-disk session document.
// Older versions are upgraded transparently on read (internal/store/migrate.go).
const CurrentSchemaVersion = 4

// SessionState is the per-session state document. One JSON file per session,
// written only through the atomic-write discipline in internal/store.
// Mutations go exclusively through the transition functions in transition.go.
type SessionState struct {
	SessionID      string                   `json:"sessionId"`
	Version        int                      `json:"version"`
	Classification *Classification          `json:"classification"`
	Environment    map[string]any           `json:"environment,omitempty"`
	Dag            Dag                      `json:"dag"`
	Stages         map[string]*StageState   `json:"stages"`
	PipelineActive bool                     `json:"pipelineActive"`
	ActiveStages   []string                 `json:"activeStages"`
	Retries        map[string]int           `json:"retries"`
	RetryHistory   map[string][]RetryRecord `json:"retryHistory"`
	PendingRetry   *PendingRetry            `json:"pendingRetry"`
	Crashes        map[string]int           `json:"crashes"`
	Meta           Meta                     `json:"meta"`
}

type Classification struct {
	PipelineID   string `json:"pipelineId"`
	TaskType     string `json:"taskType"`
	Source       string `json:"source"`
	ClassifiedAt string `json:"classifiedAt"`
}

// Dag maps stage id to scheduling config. Invariant: acyclic, and every deps /
// onFail / barrier.next entry references a key that exists in the map.
type Dag map[string]*NodeSpec

type NodeSpec struct {
	Deps       []string     `json:"deps"`
	OnFail     string       `json:"onFail,omitempty"`
	MaxRetries int          `json:"maxRetries,omitempty"`
	Next       string       `json:"next,omitempty"`
	Barrier    *BarrierSpec `json:"barrier,omitempty"`
}

// BarrierSpec is derived scheduling metadata injected by dag.Enrich for
// groups of quality stages that execute in parallel and join before the
// pipeline advances.
type BarrierSpec struct {
	Group    string   `json:"group"`
	Total    int      `json:"total"`
	Next     string   `json:"next,omitempty"`
	Siblings []string `json:"siblings"`
}

type StageState struct {
	Status      StageStatus `json:"status"`
	Agent       string      `json:"agent,omitempty"`
	Verdict     *Verdict    `json:"verdict,omitempty"`
	StartedAt   string      `json:"startedAt,omitempty"`
	CompletedAt string      `json:"completedAt,omitempty"`
	ContextFile string      `json:"contextFile,omitempty"`
}

type RetryRecord struct {
	Verdict  VerdictStatus `json:"verdict"`
	Severity Severity      `json:"severity"`
	Round    int           `json:"round"`
	Hint     string        `json:"hint,omitempty"`
}

// PendingRetry is a transition marker consumed exactly once by the next
// dispatch decision.
type PendingRetry struct {
	Stages []PendingRetryStage `json:"stages"`
}

type PendingRetryStage struct {
	ID       string   `json:"id"`
	Severity Severity `json:"severity"`
	Round    int      `json:"round"`
}

type Meta struct {
	Initialized         bool               `json:"initialized"`
	LastTransition      string             `json:"lastTransition,omitempty"`
	Reclassifications   []Reclassification `json:"reclassifications,omitempty"`
	PipelineRules       string             `json:"pipelineRules,omitempty"`
	Cancelled           bool               `json:"cancelled,omitempty"`
	PipelineCheckBlocks int                `json:"pipelineCheckBlocks,omitempty"`
	ResumedFrom         string             `json:"resumedFrom,omitempty"`
	ResumedAt           string             `json:"resumedAt,omitempty"`
}

type Reclassification struct {
	From string `json:"from"`
	To   string `json:"to"`
	At   string `json:"at"`
}

// NewSessionState returns an empty current-version document for sessionID.
func NewSessionState(sessionID string) *SessionState {
	return &SessionState{
		SessionID:    sessionID,
		Version:      CurrentSchemaVersion,
		Dag:          Dag{},
		Stages:       map[string]*StageState{},
		Retries:      map[string]int{},
		RetryHistory: map[string][]RetryRecord{},
		Crashes:      map[string]int{},
		Meta:         Meta{Initialized: true},
	}
}

// AllSettled reports whether every stage is completed or skipped. False when
// no stages are defined yet.
func (s *SessionState) AllSettled() bool {
	if len(s.Stages) == 0 {
		return false
	}
	for _, st := range s.Stages {
		if !IsSettled(st.Status) {
			return false
		}
	}
	return true
}

// IsTrivialPipeline reports whether a pipeline id describes work that needs
// no enforced workflow (plain chat, trivial edits).
func IsTrivialPipeline(id string) bool {
	return id == "" || id == "TRIVIAL" || id == "NONE"
}
