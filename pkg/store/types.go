package store

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusPending RunStatus = "pending"
	RunStatusRunning RunStatus = "running"
	RunStatusBlocked RunStatus = "blocked"
	RunStatusDone    RunStatus = "done"
	RunStatusFailed  RunStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s RunStatus) Terminal() bool {
	return s == RunStatusDone || s == RunStatusFailed
}

// Active reports whether the run still occupies its session.
func (s RunStatus) Active() bool {
	return s == RunStatusPending || s == RunStatusRunning || s == RunStatusBlocked
}

var allowedTransitions = map[RunStatus]map[RunStatus]struct{}{
	RunStatusPending: {
		RunStatusRunning: {},
	},
	RunStatusRunning: {
		RunStatusBlocked: {},
		RunStatusDone:    {},
		RunStatusFailed:  {},
	},
	RunStatusBlocked: {
		RunStatusRunning: {}, // approved
		RunStatusFailed:  {}, // denied or expired
	},
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to RunStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// StepStatus is the state of a single Step.
type StepStatus string

const (
	StepStatusRunning StepStatus = "running"
	StepStatusBlocked StepStatus = "blocked"
	StepStatusDone    StepStatus = "done"
	StepStatusFailed  StepStatus = "failed"
)

// canFinishStep reports whether a step in from may be moved to to.
func canFinishStep(from, to StepStatus) bool {
	if from != StepStatusRunning && from != StepStatusBlocked {
		return false
	}
	return to == StepStatusDone || to == StepStatusFailed
}

// EvidenceKind classifies an evidence reference attached to a step.
type EvidenceKind string

const (
	EvidenceLog        EvidenceKind = "log"
	EvidenceScreenshot EvidenceKind = "screenshot"
	EvidenceArtifact   EvidenceKind = "artifact"
)

// Evidence points at something that supports a step's outcome.
type Evidence struct {
	Kind EvidenceKind `json:"kind"`
	Ref  string       `json:"ref"`
}

// Run is one execution of the agent loop for one session.
type Run struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Instruction  string    `json:"instruction"`
	Status       RunStatus `json:"status"`
	Steps        []Step    `json:"steps"`
	FinalContent string    `json:"final_content,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Step is a named phase of a run. Steps are only ever appended.
type Step struct {
	Index     int        `json:"index"`
	Name      string     `json:"name"`
	Status    StepStatus `json:"status"`
	Rationale string     `json:"rationale,omitempty"`
	Evidence  []Evidence `json:"evidence,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// ToolExecution is an immutable record of one tool call.
type ToolExecution struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Tool      string          `json:"tool"`
	Input     json.RawMessage `json:"input"`
	Output    json.RawMessage `json:"output,omitempty"`
	OK        bool            `json:"ok"`
	Error     string          `json:"error,omitempty"`
	Logs      []string        `json:"logs"`
	CreatedAt time.Time       `json:"created_at"`
}

// Artifact is a retrievable output produced by a successful tool call.
type Artifact struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Tool      string    `json:"tool"`
	Name      string    `json:"name"`
	Href      string    `json:"href"`
	CreatedAt time.Time `json:"created_at"`
}

// ApprovalStatus is the state of an Approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

// Approval is a human decision gating one risky instruction.
type Approval struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	Action     string         `json:"action"`
	Risk       string         `json:"risk"`
	Reason     string         `json:"reason"`
	Status     ApprovalStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// PendingPlan is the tool call chosen before a run was suspended for approval.
type PendingPlan struct {
	ApprovalID string          `json:"approval_id"`
	RunID      string          `json:"run_id"`
	SessionID  string          `json:"session_id"`
	Tool       string          `json:"tool"`
	Input      json.RawMessage `json:"input"`
	Rationale  string          `json:"rationale,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Message is one turn of a session's conversation.
type Message struct {
	SessionID string    `json:"session_id"`
	RunID     string    `json:"run_id,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
