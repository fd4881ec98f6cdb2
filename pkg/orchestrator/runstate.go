package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/runloop/internal/observability"
	"github.com/harun/runloop/internal/tracing"
	"github.com/harun/runloop/pkg/events"
	"github.com/harun/runloop/pkg/store"
)

// runState carries one run through the loop. It is owned by the goroutine
// driving the run.
type runState struct {
	o       *Orchestrator
	run     *store.Run
	logger  zerolog.Logger
	started time.Time
}

func (o *Orchestrator) newRunState(ctx context.Context, run *store.Run) *runState {
	return &runState{
		o:       o,
		run:     run,
		logger:  tracing.LoggerFromContext(ctx, o.logger).With().Str("run_id", run.ID).Str("session_id", run.SessionID).Logger(),
		started: o.cfg.Now(),
	}
}

func (rs *runState) publish(ctx context.Context, typ events.Type, data map[string]interface{}) {
	rs.o.events.Publish(ctx, events.Event{
		Type:      typ,
		RunID:     rs.run.ID,
		SessionID: rs.run.SessionID,
		Data:      data,
	})
}

// startStep appends a step and announces it. The returned index is -1 when the
// step could not be stored; later updates to it are then skipped.
func (rs *runState) startStep(ctx context.Context, name string, status store.StepStatus, rationale string) int {
	idx, err := rs.o.store.AppendStep(tracing.Detach(ctx), rs.run.ID, store.Step{
		Name:      name,
		Status:    status,
		Rationale: rationale,
		StartedAt: rs.o.cfg.Now(),
	})
	if err != nil {
		rs.logger.Error().Err(err).Str("step", name).Msg("Failed to append step")
		idx = -1
	}
	data := map[string]interface{}{"step": name, "index": idx}
	if status == store.StepStatusBlocked {
		data["status"] = string(status)
	}
	rs.publish(ctx, events.StepStarted, data)
	return idx
}

// finishStep records the step outcome and publishes step_done or step_failed.
func (rs *runState) finishStep(ctx context.Context, kind string, idx int, name string, ok bool, rationale string, data map[string]interface{}) {
	status := store.StepStatusDone
	typ := events.StepDone
	if !ok {
		status = store.StepStatusFailed
		typ = events.StepFailed
	}
	if idx >= 0 {
		if err := rs.o.store.FinishStep(tracing.Detach(ctx), rs.run.ID, idx, status, rationale); err != nil {
			rs.logger.Error().Err(err).Str("step", name).Msg("Failed to finish step")
		}
	}
	observability.RecordStep(kind, string(status))

	if data == nil {
		data = map[string]interface{}{}
	}
	data["step"] = name
	data["index"] = idx
	if rationale != "" {
		if ok {
			data["rationale"] = rationale
		} else {
			data["error"] = rationale
		}
	}
	rs.publish(ctx, typ, data)
}

func (rs *runState) addEvidence(ctx context.Context, idx int, name string, evidence store.Evidence) {
	if idx >= 0 {
		if err := rs.o.store.AddEvidence(tracing.Detach(ctx), rs.run.ID, idx, evidence); err != nil {
			rs.logger.Warn().Err(err).Str("step", name).Msg("Failed to add evidence")
		}
	}
	rs.publish(ctx, events.EvidenceAdded, map[string]interface{}{
		"step":  name,
		"index": idx,
		"kind":  string(evidence.Kind),
		"ref":   evidence.Ref,
	})
}

func (rs *runState) transition(ctx context.Context, to store.RunStatus) error {
	if err := rs.o.store.TransitionRun(tracing.Detach(ctx), rs.run.ID, to); err != nil {
		return err
	}
	rs.run.Status = to
	return nil
}
