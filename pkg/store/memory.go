package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in process memory. Pending plans do not
// survive a restart; use SQLiteStore where that matters.
type MemoryStore struct {
	mu         sync.RWMutex
	runs       map[string]*Run
	executions map[string][]ToolExecution
	artifacts  map[string][]Artifact
	approvals  map[string]*Approval
	plans      map[string]*PendingPlan
	messages   map[string][]Message
	now        func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:       make(map[string]*Run),
		executions: make(map[string][]ToolExecution),
		artifacts:  make(map[string][]Artifact),
		approvals:  make(map[string]*Approval),
		plans:      make(map[string]*PendingPlan),
		messages:   make(map[string][]Message),
		now:        time.Now,
	}
}

func (s *MemoryStore) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = NewID()
	}
	if run.Status == "" {
		run.Status = RunStatusPending
	}
	now := s.now()
	run.CreatedAt = now
	run.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s: %w", run.ID, ErrConflict)
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return cloneRun(run), nil
}

func (s *MemoryStore) FindActiveRun(ctx context.Context, sessionID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, run := range s.runs {
		if run.SessionID == sessionID && run.Status.Active() {
			return cloneRun(run), nil
		}
	}
	return nil, fmt.Errorf("active run for session %s: %w", sessionID, ErrNotFound)
}

func (s *MemoryStore) TransitionRun(ctx context.Context, id string, to RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if !CanTransition(run.Status, to) {
		return fmt.Errorf("run %s %s -> %s: %w", id, run.Status, to, ErrInvalidTransition)
	}
	run.Status = to
	run.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) SetFinalContent(ctx context.Context, id, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	run.FinalContent = content
	run.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) AppendStep(ctx context.Context, runID string, step Step) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return 0, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	step.Index = len(run.Steps)
	if step.StartedAt.IsZero() {
		step.StartedAt = s.now()
	}
	step.Evidence = append([]Evidence(nil), step.Evidence...)
	run.Steps = append(run.Steps, step)
	run.UpdatedAt = s.now()
	return step.Index, nil
}

func (s *MemoryStore) FinishStep(ctx context.Context, runID string, index int, status StepStatus, rationale string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, err := s.stepLocked(runID, index)
	if err != nil {
		return err
	}
	if !canFinishStep(step.Status, status) {
		return fmt.Errorf("step %d of run %s %s -> %s: %w", index, runID, step.Status, status, ErrInvalidTransition)
	}
	now := s.now()
	step.Status = status
	step.EndedAt = &now
	if rationale != "" {
		step.Rationale = rationale
	}
	return nil
}

func (s *MemoryStore) AddEvidence(ctx context.Context, runID string, index int, evidence Evidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, err := s.stepLocked(runID, index)
	if err != nil {
		return err
	}
	step.Evidence = append(step.Evidence, evidence)
	return nil
}

func (s *MemoryStore) stepLocked(runID string, index int) (*Step, error) {
	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if index < 0 || index >= len(run.Steps) {
		return nil, fmt.Errorf("step %d of run %s: %w", index, runID, ErrNotFound)
	}
	return &run.Steps[index], nil
}

func (s *MemoryStore) RecordToolExecution(ctx context.Context, exec *ToolExecution) error {
	if exec.ID == "" {
		exec.ID = NewID()
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[exec.RunID]; !ok {
		return fmt.Errorf("run %s: %w", exec.RunID, ErrNotFound)
	}
	s.executions[exec.RunID] = append(s.executions[exec.RunID], cloneExecution(*exec))
	return nil
}

func (s *MemoryStore) ListToolExecutions(ctx context.Context, runID string) ([]ToolExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ToolExecution, 0, len(s.executions[runID]))
	for _, e := range s.executions[runID] {
		out = append(out, cloneExecution(e))
	}
	return out, nil
}

func (s *MemoryStore) CreateArtifact(ctx context.Context, artifact *Artifact) error {
	if artifact.ID == "" {
		artifact.ID = NewID()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[artifact.RunID]; !ok {
		return fmt.Errorf("run %s: %w", artifact.RunID, ErrNotFound)
	}
	s.artifacts[artifact.RunID] = append(s.artifacts[artifact.RunID], *artifact)
	return nil
}

func (s *MemoryStore) ListArtifacts(ctx context.Context, runID string) ([]Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]Artifact{}, s.artifacts[runID]...), nil
}

func (s *MemoryStore) CreateApproval(ctx context.Context, approval *Approval) error {
	if approval.ID == "" {
		approval.ID = NewID()
	}
	approval.Status = ApprovalPending
	approval.CreatedAt = s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.approvals {
		if existing.RunID == approval.RunID && existing.Status == ApprovalPending {
			return fmt.Errorf("run %s: %w", approval.RunID, ErrApprovalOutstanding)
		}
	}
	cp := *approval
	s.approvals[approval.ID] = &cp
	return nil
}

func (s *MemoryStore) GetApproval(ctx context.Context, id string) (*Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.approvals[id]
	if !ok {
		return nil, fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) FindPendingApproval(ctx context.Context, runID string) (*Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.approvals {
		if a.RunID == runID && a.Status == ApprovalPending {
			cp := *a
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("pending approval for run %s: %w", runID, ErrNotFound)
}

func (s *MemoryStore) ListPendingApprovals(ctx context.Context, cutoff time.Time) ([]Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Approval
	for _, a := range s.approvals {
		if a.Status == ApprovalPending && a.CreatedAt.Before(cutoff) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ResolveApproval(ctx context.Context, id string, status ApprovalStatus) error {
	if status != ApprovalApproved && status != ApprovalDenied {
		return fmt.Errorf("approval %s -> %s: %w", id, status, ErrInvalidTransition)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.approvals[id]
	if !ok || a.Status != ApprovalPending {
		return fmt.Errorf("pending approval %s: %w", id, ErrNotFound)
	}
	now := s.now()
	a.Status = status
	a.ResolvedAt = &now
	return nil
}

func (s *MemoryStore) PutPendingPlan(ctx context.Context, plan *PendingPlan) error {
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.plans[plan.ApprovalID]; exists {
		return fmt.Errorf("pending plan %s: %w", plan.ApprovalID, ErrConflict)
	}
	cp := *plan
	cp.Input = append(json.RawMessage(nil), plan.Input...)
	s.plans[plan.ApprovalID] = &cp
	return nil
}

func (s *MemoryStore) TakePendingPlan(ctx context.Context, approvalID string) (*PendingPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	plan, ok := s.plans[approvalID]
	if !ok {
		return nil, fmt.Errorf("pending plan %s: %w", approvalID, ErrNotFound)
	}
	delete(s.plans, approvalID)
	return plan, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], *msg)
	return nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]Message{}, msgs...), nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func cloneRun(run *Run) *Run {
	cp := *run
	cp.Steps = make([]Step, len(run.Steps))
	for i, step := range run.Steps {
		step.Evidence = append([]Evidence(nil), step.Evidence...)
		cp.Steps[i] = step
	}
	return &cp
}

func cloneExecution(e ToolExecution) ToolExecution {
	e.Input = append(json.RawMessage(nil), e.Input...)
	if e.Output != nil {
		e.Output = append(json.RawMessage(nil), e.Output...)
	}
	e.Logs = append([]string(nil), e.Logs...)
	return e
}
