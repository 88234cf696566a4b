package engine

// Inbound events from the adapter layer arrive as a tagged union validated
// at the boundary; the core never trusts adapter-shaped data implicitly.

type Event interface {
	Kind() string
	Session() string
}

// ToolCallEvent is an intercepted tool invocation. The engine answers with a
// Decision; it does not run the tool.
type ToolCallEvent struct {
	SessionID string
	ToolName  string
	ToolInput map[string]any
}

func (e ToolCallEvent) Kind() string    { return "tool_call" }
func (e ToolCallEvent) Session() string { return e.SessionID }

// StageCompleteEvent is a worker reporting a stage outcome. Delivery is
// at-least-once; the engine absorbs redelivery.
type StageCompleteEvent struct {
	SessionID    string
	Stage        string
	Agent        string
	Verdict      *VerdictPayload
	ArtifactText string
}

func (e StageCompleteEvent) Kind() string    { return "stage_complete" }
func (e StageCompleteEvent) Session() string { return e.SessionID }

// VerdictPayload mirrors model.Verdict at the boundary.
type VerdictPayload struct {
	Status        string   `json:"status"`
	Severity      string   `json:"severity,omitempty"`
	Hint          string   `json:"hint,omitempty"`
	ArtifactFiles []string `json:"artifactFiles,omitempty"`
}

// ReclassifyEvent switches a session to a different pipeline.
type ReclassifyEvent struct {
	SessionID  string
	PipelineID string
	TaskType   string
	Source     string
}

func (e ReclassifyEvent) Kind() string    { return "reclassify" }
func (e ReclassifyEvent) Session() string { return e.SessionID }

// Decision is the engine's answer to a tool-call interception.
type Decision struct {
	Allow   bool   `json:"allow"`
	Reason  string `json:"reason,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}
