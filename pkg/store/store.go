// Package store persists runs, steps, tool executions, artifacts, approvals,
// pending plans and session messages.
//
// Invariants:
// - Run status changes go through CanTransition; done and failed are final.
// - Steps are appended and only their status, rationale and evidence change.
// - At most one pending Approval exists per run.
// - ResolveApproval and TakePendingPlan succeed at most once per id.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a record does not exist or is no longer pending.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrApprovalOutstanding is returned when a run already has a pending approval.
	ErrApprovalOutstanding = errors.New("run already has a pending approval")
	// ErrConflict is returned when a record with the same id already exists.
	ErrConflict = errors.New("already exists")
)

// RunStore persists runs and their steps.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	// FindActiveRun returns the session's pending, running or blocked run.
	FindActiveRun(ctx context.Context, sessionID string) (*Run, error)
	// TransitionRun atomically moves a run to status when CanTransition allows it.
	TransitionRun(ctx context.Context, id string, to RunStatus) error
	SetFinalContent(ctx context.Context, id, content string) error

	// AppendStep stores step at the end of the run's step list and returns its index.
	AppendStep(ctx context.Context, runID string, step Step) (int, error)
	FinishStep(ctx context.Context, runID string, index int, status StepStatus, rationale string) error
	AddEvidence(ctx context.Context, runID string, index int, evidence Evidence) error
}

// ExecutionStore persists tool executions and their artifacts.
type ExecutionStore interface {
	RecordToolExecution(ctx context.Context, exec *ToolExecution) error
	ListToolExecutions(ctx context.Context, runID string) ([]ToolExecution, error)
	CreateArtifact(ctx context.Context, artifact *Artifact) error
	ListArtifacts(ctx context.Context, runID string) ([]Artifact, error)
}

// ApprovalStore persists approvals.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, approval *Approval) error
	GetApproval(ctx context.Context, id string) (*Approval, error)
	FindPendingApproval(ctx context.Context, runID string) (*Approval, error)
	// ListPendingApprovals returns pending approvals created before cutoff, oldest first.
	ListPendingApprovals(ctx context.Context, cutoff time.Time) ([]Approval, error)
	// ResolveApproval atomically moves a pending approval to status. It returns
	// ErrNotFound when the approval is missing or already resolved.
	ResolveApproval(ctx context.Context, id string, status ApprovalStatus) error
}

// PlanStore holds the action chosen for a run suspended on approval.
type PlanStore interface {
	PutPendingPlan(ctx context.Context, plan *PendingPlan) error
	// TakePendingPlan atomically returns and deletes the plan for approvalID.
	TakePendingPlan(ctx context.Context, approvalID string) (*PendingPlan, error)
}

// MessageStore persists session conversation turns.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg *Message) error
	// ListMessages returns the latest limit messages of a session in order.
	ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)
}

// Store is the full durable store used by the orchestrator.
type Store interface {
	RunStore
	ExecutionStore
	ApprovalStore
	PlanStore
	MessageStore
	Close() error
}

// NewID returns a fresh record id.
func NewID() string {
	return uuid.NewString()
}
