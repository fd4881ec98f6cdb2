package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/harun/runloop/internal/observability"
	"github.com/harun/runloop/internal/tracing"
	"github.com/harun/runloop/pkg/events"
	"github.com/harun/runloop/pkg/planner"
	"github.com/harun/runloop/pkg/store"
	"github.com/harun/runloop/pkg/toolexecutor"
)

const retryHint = "Diagnose the error above, then either correct the input and call the tool again or choose a different tool."

// exitReason records why the loop stopped.
type exitReason int

const (
	// exitStepBudget also covers an approved resume, which runs a single call.
	exitStepBudget exitReason = iota
	exitForced
	exitPlannerExhausted
)

// outcome is what the loop observed by the time it stopped.
type outcome struct {
	last       *toolexecutor.ToolResult
	lastTool   string
	plannerErr error
	exit       exitReason

	// oracleActed is set once an executed action came from the oracle rather
	// than the iteration-1 heuristic fallback.
	oracleActed bool

	status  store.RunStatus
	content string
}

func (out *outcome) observe(tool string, result toolexecutor.ToolResult) {
	out.last = &result
	out.lastTool = tool
}

// resolve picks the final status and content. Forced termination wins. A
// spent step budget ends done with the last successful output. A planner that
// gives up mid-task fails the run, unless the only actions were the heuristic
// fallback's, which answers the request on its own.
func (out *outcome) resolve() (store.RunStatus, string) {
	if out.exit == exitForced {
		return out.status, out.content
	}
	lastOK := out.last != nil && out.last.OK
	switch {
	case lastOK && (out.exit == exitStepBudget || !out.oracleActed):
		return store.RunStatusDone, outputText(out.lastTool, *out.last)
	case lastOK:
		return store.RunStatusFailed, fmt.Sprintf("The task was not finished because planning stopped (%v). Last result from %s: %s",
			out.plannerErr, out.lastTool, outputText(out.lastTool, *out.last))
	}
	msg := "no output"
	switch {
	case out.last != nil && out.last.Error != "":
		msg += ": " + out.last.Error
	case out.plannerErr != nil:
		msg += ": " + out.plannerErr.Error()
	}
	return store.RunStatusFailed, msg
}

func outputText(tool string, result toolexecutor.ToolResult) string {
	if len(result.Output) == 0 || string(result.Output) == "null" {
		return fmt.Sprintf("Tool %s completed without output.", tool)
	}
	return string(result.Output)
}

// loop runs think/act iterations until a tool ends the run, the planner gives
// up after the first iteration, or MaxSteps iterations ran.
func (o *Orchestrator) loop(ctx context.Context, rs *runState, history []planner.Message) outcome {
	var out outcome
	maxSteps := int(o.maxSteps.Load())
	for i := 1; i <= maxSteps; i++ {
		action, source, err := o.think(ctx, rs, history, i)
		if err != nil {
			rs.logger.Warn().Err(err).Int("iteration", i).Msg("Planner unavailable, ending loop")
			out.plannerErr = err
			out.exit = exitPlannerExhausted
			return out
		}
		if source != sourceFallback {
			out.oracleActed = true
		}
		history = append(history, assistantMessage(action))

		result := o.act(ctx, rs, action.Name, action.Input)
		history = append(history, toolMessage(action.Name, result))
		out.observe(action.Name, result)

		if o.terminates(&out, action.Name, result) {
			rs.logger.Debug().Str("tool", action.Name).Int("iteration", i).Msg("Loop terminated by tool result")
			return out
		}
	}
	rs.logger.Info().Int("max_steps", maxSteps).Msg("Step budget exhausted")
	return out
}

// terminates applies forced termination rules to a tool result.
func (o *Orchestrator) terminates(out *outcome, tool string, result toolexecutor.ToolResult) bool {
	if result.Terminal {
		out.exit = exitForced
		out.status = store.RunStatusFailed
		out.content = fmt.Sprintf("The task could not be completed because %s failed: %s", tool, result.Error)
		return true
	}
	desc, ok := o.registry.Descriptor(tool)
	if !ok || !desc.Terminates(result) {
		return false
	}
	out.exit = exitForced
	out.status = store.RunStatusDone
	out.content = result.Display
	if out.content == "" {
		out.content = outputText(tool, result)
	}
	return true
}

// think records a thinking step around one planner call.
func (o *Orchestrator) think(ctx context.Context, rs *runState, history []planner.Message, iteration int) (planner.Action, string, error) {
	name := fmt.Sprintf("thinking_step_%d", iteration)
	idx := rs.startStep(ctx, name, store.StepStatusRunning, "")

	action, source, err := o.plan(ctx, history, iteration)
	if err != nil {
		rs.finishStep(ctx, "thinking", idx, name, false, err.Error(), nil)
		return planner.Action{}, "", err
	}

	rs.finishStep(ctx, "thinking", idx, name, true, action.Rationale, map[string]interface{}{
		"tool":   action.Name,
		"input":  action.Input,
		"source": source,
	})
	return action, source, nil
}

// Action sources recorded on thinking steps.
const (
	sourceOracle    = "oracle"
	sourceHeuristic = "heuristic"
	sourceFallback  = "heuristic_fallback"
)

// plan asks the oracle for the next action under its own timeout. On the first
// iteration a failed oracle falls back to the heuristic, and a bare reply loses
// to a confident heuristic action.
func (o *Orchestrator) plan(ctx context.Context, history []planner.Message, iteration int) (planner.Action, string, error) {
	ctx, span := tracing.StartSpan(ctx, "runloop.orchestrator", "orchestrator.plan")
	defer span.End()

	pctx, cancel := context.WithTimeout(ctx, o.cfg.PlannerTimeout)
	defer cancel()

	action, err := o.callPlanner(pctx, history)
	if err == nil && action.Name == "" {
		err = fmt.Errorf("%w: empty action", planner.ErrPlannerUnavailable)
	}
	observability.RecordPlannerCall(sourceOracle, err == nil)

	instruction := planner.LatestInstruction(history)
	if err != nil {
		span.RecordError(err)
		if iteration > 1 {
			return planner.Action{}, "", err
		}
		fallback, _ := o.heuristic.Classify(instruction)
		observability.RecordPlannerCall(sourceHeuristic, true)
		return normalize(fallback), sourceFallback, nil
	}

	if iteration == 1 && action.IsReply() {
		if h, confident := o.heuristic.Classify(instruction); confident {
			observability.RecordPlannerCall(sourceHeuristic, true)
			return normalize(h), sourceHeuristic, nil
		}
	}
	return normalize(action), sourceOracle, nil
}

type planResult struct {
	action planner.Action
	err    error
}

// callPlanner runs the oracle on its own goroutine so a planner that ignores
// ctx still cannot hold the loop past the deadline.
func (o *Orchestrator) callPlanner(ctx context.Context, history []planner.Message) (planner.Action, error) {
	if o.planner == nil {
		return planner.Action{}, fmt.Errorf("%w: no planner configured", planner.ErrPlannerUnavailable)
	}

	done := make(chan planResult, 1)
	// The planner gets a copy so it cannot rewrite the loop's history.
	snapshot := append([]planner.Message(nil), history...)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- planResult{err: fmt.Errorf("%w: planner panicked: %v", planner.ErrPlannerUnavailable, r)}
			}
		}()
		action, err := o.planner.Plan(ctx, snapshot)
		done <- planResult{action: action, err: err}
	}()

	select {
	case res := <-done:
		return res.action, res.err
	case <-ctx.Done():
		return planner.Action{}, fmt.Errorf("%w: %w", planner.ErrPlannerUnavailable, ctx.Err())
	}
}

func normalize(action planner.Action) planner.Action {
	if len(action.Input) == 0 {
		action.Input = json.RawMessage(`{}`)
	}
	return action
}

// act executes one tool call and records everything it produced.
func (o *Orchestrator) act(ctx context.Context, rs *runState, tool string, input json.RawMessage) toolexecutor.ToolResult {
	name := "execute:" + tool
	idx := rs.startStep(ctx, name, store.StepStatusRunning, "")

	tctx, cancel := context.WithTimeout(ctx, o.cfg.ToolTimeout)
	result := o.registry.Execute(tctx, tool, input)
	cancel()

	o.recordExecution(ctx, rs, tool, input, result)

	rs.finishStep(ctx, "execute", idx, name, result.OK, result.Error, map[string]interface{}{
		"tool":     tool,
		"ok":       result.OK,
		"output":   result.Output,
		"terminal": result.Terminal,
	})

	for _, line := range result.Logs {
		rs.addEvidence(ctx, idx, name, store.Evidence{Kind: store.EvidenceLog, Ref: line})
	}

	desc, known := o.registry.Descriptor(tool)
	persist := known && desc.HasSideEffects() && result.OK
	for _, a := range result.Artifacts {
		if persist {
			err := o.store.CreateArtifact(tracing.Detach(ctx), &store.Artifact{
				ID:        store.NewID(),
				RunID:     rs.run.ID,
				Tool:      tool,
				Name:      a.Name,
				Href:      a.Href,
				CreatedAt: o.cfg.Now(),
			})
			if err != nil {
				rs.logger.Error().Err(err).Str("tool", tool).Msg("Failed to persist artifact")
			}
		}
		rs.addEvidence(ctx, idx, name, store.Evidence{Kind: evidenceKind(a), Ref: a.Href})
		rs.publish(ctx, events.ArtifactCreated, map[string]interface{}{
			"step":      name,
			"tool":      tool,
			"name":      a.Name,
			"href":      a.Href,
			"persisted": persist,
		})
	}
	return result
}

func evidenceKind(a toolexecutor.Artifact) store.EvidenceKind {
	switch strings.ToLower(filepath.Ext(a.Href)) {
	case ".png", ".jpg", ".jpeg":
		if strings.HasPrefix(a.Href, "file://") {
			return store.EvidenceScreenshot
		}
	}
	return store.EvidenceArtifact
}

func (o *Orchestrator) recordExecution(ctx context.Context, rs *runState, tool string, input json.RawMessage, result toolexecutor.ToolResult) {
	err := o.store.RecordToolExecution(tracing.Detach(ctx), &store.ToolExecution{
		ID:        store.NewID(),
		RunID:     rs.run.ID,
		Tool:      tool,
		Input:     input,
		Output:    result.Output,
		OK:        result.OK,
		Error:     result.Error,
		Logs:      result.Logs,
		CreatedAt: o.cfg.Now(),
	})
	if err != nil {
		rs.logger.Error().Err(err).Str("tool", tool).Msg("Failed to record tool execution")
	}
}

func assistantMessage(action planner.Action) planner.Message {
	data, _ := json.Marshal(struct {
		Tool  string          `json:"tool"`
		Input json.RawMessage `json:"input"`
	}{action.Name, action.Input})
	return planner.Message{Role: planner.RoleAssistant, Content: string(data)}
}

// toolMessage is the synthetic history entry describing a tool result. Errors
// are carried verbatim so the planner can correct itself.
func toolMessage(tool string, result toolexecutor.ToolResult) planner.Message {
	if result.OK {
		return planner.Message{
			Role:    planner.RoleTool,
			Content: fmt.Sprintf("Tool %s succeeded: %s", tool, outputText(tool, result)),
		}
	}
	return planner.Message{
		Role:    planner.RoleTool,
		Content: fmt.Sprintf("Tool %s FAILED: %s\n%s", tool, result.Error, retryHint),
	}
}

// complete persists the final content, moves the run to its terminal status
// and publishes run_completed.
func (o *Orchestrator) complete(ctx context.Context, rs *runState, out outcome) (*store.Run, error) {
	status, content := out.resolve()
	dctx := tracing.Detach(ctx)

	if err := o.store.SetFinalContent(dctx, rs.run.ID, content); err != nil {
		rs.logger.Error().Err(err).Msg("Failed to persist final content")
	}
	if err := rs.transition(ctx, status); err != nil {
		return nil, fmt.Errorf("failed to complete run %s: %w", rs.run.ID, err)
	}
	rs.run.FinalContent = content
	o.appendMessage(ctx, rs, planner.RoleAssistant, content)

	data := map[string]interface{}{
		"status":        string(status),
		"final_content": content,
	}
	if out.last != nil {
		data["last_result"] = *out.last
		data["last_tool"] = out.lastTool
	}
	rs.publish(ctx, events.RunCompleted, data)

	duration := o.cfg.Now().Sub(rs.run.CreatedAt)
	observability.RecordRun(string(status), duration)
	rs.logger.Info().Str("status", string(status)).Dur("duration", duration).Msg("Run completed")

	return o.store.GetRun(dctx, rs.run.ID)
}
