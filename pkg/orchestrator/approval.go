package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/runloop/internal/observability"
	"github.com/harun/runloop/internal/tracing"
	"github.com/harun/runloop/pkg/commandqueue"
	"github.com/harun/runloop/pkg/events"
	"github.com/harun/runloop/pkg/planner"
	"github.com/harun/runloop/pkg/risk"
	"github.com/harun/runloop/pkg/store"
)

// Decision is a human verdict on a pending approval.
type Decision string

const (
	DecisionApprove Decision = "approved"
	DecisionDeny    Decision = "denied"
)

const (
	approvalStep  = "approval"
	reasonDenied  = "denied by user"
	reasonExpired = "expired"
)

// ParseDecision accepts approve/approved/yes and deny/denied/no.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "approved", "yes", "allow":
		return DecisionApprove, nil
	case "deny", "denied", "no", "reject":
		return DecisionDeny, nil
	}
	return "", fmt.Errorf("%w: unknown decision %q", ErrInvalidRequest, s)
}

// suspend plans the first action of a risky run, stores it behind a new
// approval and blocks the run. No tool is executed.
func (o *Orchestrator) suspend(ctx context.Context, rs *runState, history []planner.Message, assessment *risk.Assessment) error {
	action, _, err := o.think(ctx, rs, history, 1)
	if err != nil {
		return o.abort(ctx, rs, fmt.Errorf("failed to plan gated action: %w", err))
	}

	dctx := tracing.Detach(ctx)
	approval := &store.Approval{
		ID:        store.NewID(),
		RunID:     rs.run.ID,
		Action:    rs.run.Instruction,
		Risk:      string(assessment.Level),
		Reason:    assessment.Reason,
		Status:    store.ApprovalPending,
		CreatedAt: o.cfg.Now(),
	}
	if err := o.store.CreateApproval(dctx, approval); err != nil {
		return o.abort(ctx, rs, fmt.Errorf("failed to create approval: %w", err))
	}
	plan := &store.PendingPlan{
		ApprovalID: approval.ID,
		RunID:      rs.run.ID,
		SessionID:  rs.run.SessionID,
		Tool:       action.Name,
		Input:      action.Input,
		Rationale:  action.Rationale,
		CreatedAt:  approval.CreatedAt,
	}
	if err := o.store.PutPendingPlan(dctx, plan); err != nil {
		return o.abort(ctx, rs, fmt.Errorf("failed to store pending plan: %w", err))
	}

	rs.startStep(ctx, approvalStep, store.StepStatusBlocked, assessment.Reason)
	if err := rs.transition(ctx, store.RunStatusBlocked); err != nil {
		return fmt.Errorf("failed to block run: %w", err)
	}

	observability.RecordApproval("requested")
	observability.RecordApprovalAudit(ctx, approval.ID, "system", "requested", map[string]interface{}{
		"run_id":    rs.run.ID,
		"risk":      approval.Risk,
		"signature": assessment.Signature,
		"tool":      action.Name,
	})
	rs.publish(ctx, events.ApprovalRequired, map[string]interface{}{
		"approval_id": approval.ID,
		"risk":        approval.Risk,
		"reason":      approval.Reason,
		"signature":   assessment.Signature,
		"tool":        action.Name,
		"input":       action.Input,
	})
	rs.logger.Info().
		Str("approval_id", approval.ID).
		Str("signature", assessment.Signature).
		Str("tool", action.Name).
		Msg("Run blocked pending approval")
	return nil
}

// abort fails a run that hit an internal error and returns err.
func (o *Orchestrator) abort(ctx context.Context, rs *runState, err error) error {
	rs.logger.Error().Err(err).Msg("Run aborted")
	if _, cerr := o.complete(ctx, rs, outcome{
		exit:    exitForced,
		status:  store.RunStatusFailed,
		content: "internal error: " + err.Error(),
	}); cerr != nil {
		rs.logger.Error().Err(cerr).Msg("Failed to fail aborted run")
	}
	return err
}

// Resolve applies a decision to a pending approval. Approving executes exactly
// the recorded call; denying fails the run without any tool call. A second
// decision for the same approval returns ErrApprovalNotFound.
func (o *Orchestrator) Resolve(ctx context.Context, approvalID string, decision Decision) (*store.Run, error) {
	if decision != DecisionApprove && decision != DecisionDeny {
		return nil, fmt.Errorf("%w: unknown decision %q", ErrInvalidRequest, decision)
	}
	reason := reasonDenied
	if decision == DecisionApprove {
		reason = ""
	}
	return o.resolveOnLane(ctx, approvalID, decision, reason)
}

func (o *Orchestrator) resolveOnLane(ctx context.Context, approvalID string, decision Decision, reason string) (*store.Run, error) {
	approval, err := o.store.GetApproval(ctx, approvalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrApprovalNotFound, approvalID)
		}
		return nil, fmt.Errorf("failed to load approval: %w", err)
	}
	if approval.Status != store.ApprovalPending {
		return nil, fmt.Errorf("%w: %s is already %s", ErrApprovalNotFound, approvalID, approval.Status)
	}
	run, err := o.store.GetRun(ctx, approval.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run for approval: %w", err)
	}

	ctx = tracing.WithSessionKey(tracing.WithRunID(ctx, run.ID), run.SessionID)
	value, err := o.queue.Enqueue(tracing.Detach(ctx), commandqueue.SessionLane(run.SessionID), func(taskCtx context.Context) (interface{}, error) {
		return o.resolve(taskCtx, approvalID, decision, reason)
	}, o.laneOptions(ctx))
	if err != nil {
		return nil, err
	}
	return value.(*store.Run), nil
}

// resolve runs on the session lane. TakePendingPlan is the single point that
// decides which caller wins.
func (o *Orchestrator) resolve(ctx context.Context, approvalID string, decision Decision, reason string) (*store.Run, error) {
	ctx, span := tracing.StartSpan(ctx, "runloop.orchestrator", "orchestrator.resolve",
		attribute.String("approval_id", approvalID),
		attribute.String("decision", string(decision)),
	)
	defer span.End()

	dctx := tracing.Detach(ctx)
	plan, err := o.store.TakePendingPlan(dctx, approvalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrApprovalNotFound, approvalID)
		}
		return nil, fmt.Errorf("failed to take pending plan: %w", err)
	}
	status := store.ApprovalApproved
	if decision == DecisionDeny {
		status = store.ApprovalDenied
	}
	if err := o.store.ResolveApproval(dctx, approvalID, status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrApprovalNotFound, approvalID)
		}
		return nil, fmt.Errorf("failed to resolve approval: %w", err)
	}

	run, err := o.store.GetRun(dctx, plan.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	rs := o.newRunState(ctx, run)
	stepIdx := blockedApprovalStep(run)

	observability.RecordApproval(string(decision))
	observability.RecordApprovalAudit(ctx, approvalID, "user", string(decision), map[string]interface{}{
		"run_id": run.ID,
		"tool":   plan.Tool,
		"reason": reason,
	})
	data := map[string]interface{}{"approval_id": approvalID, "decision": string(decision)}
	if reason != "" {
		data["reason"] = reason
	}
	rs.publish(ctx, events.ApprovalResolved, data)
	rs.logger.Info().Str("approval_id", approvalID).Str("decision", string(decision)).Msg("Approval resolved")

	if decision == DecisionDeny {
		rs.finishStep(ctx, "approval", stepIdx, approvalStep, false, reason, nil)
		return o.complete(ctx, rs, outcome{
			exit:    exitForced,
			status:  store.RunStatusFailed,
			content: fmt.Sprintf("Action not approved (%s); nothing was executed.", reason),
		})
	}

	rs.finishStep(ctx, "approval", stepIdx, approvalStep, true, "approved", nil)
	if err := rs.transition(ctx, store.RunStatusRunning); err != nil {
		return nil, fmt.Errorf("failed to resume run: %w", err)
	}

	result := o.act(ctx, rs, plan.Tool, plan.Input)
	var out outcome
	out.observe(plan.Tool, result)
	o.terminates(&out, plan.Tool, result)
	return o.complete(ctx, rs, out)
}

func blockedApprovalStep(run *store.Run) int {
	for i := len(run.Steps) - 1; i >= 0; i-- {
		s := run.Steps[i]
		if s.Name == approvalStep && s.Status == store.StepStatusBlocked {
			return s.Index
		}
	}
	return -1
}

// ExpireApprovals denies every approval pending for longer than ttl and
// returns how many it expired.
func (o *Orchestrator) ExpireApprovals(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}
	pending, err := o.store.ListPendingApprovals(ctx, o.cfg.Now().Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("failed to list pending approvals: %w", err)
	}

	expired := 0
	for _, a := range pending {
		if _, err := o.resolveOnLane(ctx, a.ID, DecisionDeny, reasonExpired); err != nil {
			if errors.Is(err, ErrApprovalNotFound) {
				continue
			}
			o.logger.Error().Err(err).Str("approval_id", a.ID).Msg("Failed to expire approval")
			continue
		}
		expired++
	}
	if expired > 0 {
		o.logger.Info().Int("expired", expired).Dur("ttl", ttl).Msg("Expired pending approvals")
	}
	return expired, nil
}
