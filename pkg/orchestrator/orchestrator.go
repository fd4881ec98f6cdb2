package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/runloop/internal/observability"
	"github.com/harun/runloop/internal/tracing"
	"github.com/harun/runloop/pkg/commandqueue"
	"github.com/harun/runloop/pkg/events"
	"github.com/harun/runloop/pkg/planner"
	"github.com/harun/runloop/pkg/risk"
	"github.com/harun/runloop/pkg/store"
)

var (
	// ErrRunInFlight is returned when a session already has a running or blocked run.
	ErrRunInFlight = errors.New("session already has a run in flight")
	// ErrApprovalNotFound is returned for an unknown or already resolved approval.
	ErrApprovalNotFound = errors.New("approval not found")
	// ErrInvalidRequest is returned for an empty session id or instruction.
	ErrInvalidRequest = errors.New("invalid request")
)

// Orchestrator owns the agent loop for every session.
type Orchestrator struct {
	cfg       Config
	store     store.Store
	registry  ToolRegistry
	planner   planner.Planner
	heuristic planner.Heuristic
	events    events.Publisher
	queue     *commandqueue.CommandQueue
	logger    zerolog.Logger

	maxSteps atomic.Int32
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	observability.EnsureRegistered()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	o := &Orchestrator{
		cfg:      cfg,
		store:    cfg.Store,
		registry: cfg.Registry,
		planner:  cfg.Planner,
		events:   cfg.Events,
		queue:    cfg.Queue,
		logger:   cfg.Logger.With().Str("component", "orchestrator").Logger(),
	}
	o.maxSteps.Store(int32(cfg.MaxSteps))
	return o, nil
}

// SetMaxSteps changes the step budget for runs started afterwards. Values
// below one are ignored.
func (o *Orchestrator) SetMaxSteps(n int) {
	if n < 1 {
		return
	}
	o.maxSteps.Store(int32(n))
}

// MaxSteps returns the current step budget.
func (o *Orchestrator) MaxSteps() int {
	return int(o.maxSteps.Load())
}

// Submit starts a run for instruction and waits until it finishes or blocks on
// approval. The returned run reflects its state at that point.
func (o *Orchestrator) Submit(ctx context.Context, sessionID, instruction string) (*store.Run, error) {
	return o.submit(ctx, sessionID, instruction, nil)
}

// SubmitAsync starts a run and returns as soon as it has been created. The loop
// continues on the session lane.
func (o *Orchestrator) SubmitAsync(ctx context.Context, sessionID, instruction string) (*store.Run, error) {
	created := make(chan createdRun, 1)
	go func() {
		_, err := o.submit(ctx, sessionID, instruction, created)
		if err != nil {
			// No-op when the run was already created and reported.
			select {
			case created <- createdRun{err: err}:
			default:
			}
		}
	}()

	select {
	case c := <-created:
		return c.run, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type createdRun struct {
	run *store.Run
	err error
}

func (o *Orchestrator) submit(ctx context.Context, sessionID, instruction string, created chan<- createdRun) (*store.Run, error) {
	sessionID = strings.TrimSpace(sessionID)
	instruction = strings.TrimSpace(instruction)
	if sessionID == "" || instruction == "" {
		return nil, fmt.Errorf("%w: session id and instruction are required", ErrInvalidRequest)
	}

	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.WithTraceID(ctx, tracing.NewTraceID())
	}
	ctx = tracing.WithSessionKey(ctx, sessionID)

	// Fast rejection while the session's current run is still executing on
	// the lane; the check inside the lane is authoritative.
	if err := o.ensureIdle(ctx, sessionID); err != nil {
		return nil, err
	}

	// The loop is only stopped by process shutdown, which cancels the queue.
	value, err := o.queue.Enqueue(tracing.Detach(ctx), commandqueue.SessionLane(sessionID), func(taskCtx context.Context) (interface{}, error) {
		return o.start(taskCtx, sessionID, instruction, created)
	}, o.laneOptions(ctx))
	if err != nil {
		return nil, err
	}
	return value.(*store.Run), nil
}

// laneOptions makes a long wait behind a session lane visible.
func (o *Orchestrator) laneOptions(ctx context.Context) *commandqueue.TaskOptions {
	logger := tracing.LoggerFromContext(ctx, o.logger)
	return &commandqueue.TaskOptions{
		WarnAfter: o.cfg.LaneWarnAfter,
		OnWait: func(wait time.Duration, queuePos int) {
			observability.RecordQueueWaitWarning()
			logger.Warn().Dur("wait", wait).Int("queue_pos", queuePos).Msg("Session is busy, work is still queued")
		},
	}
}

// LaneStats reports the session lanes that have queued or running work.
func (o *Orchestrator) LaneStats() []commandqueue.LaneStats {
	return o.queue.Stats()
}

func (o *Orchestrator) ensureIdle(ctx context.Context, sessionID string) error {
	active, err := o.store.FindActiveRun(ctx, sessionID)
	if err == nil {
		return fmt.Errorf("%w: run %s is %s", ErrRunInFlight, active.ID, active.Status)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return fmt.Errorf("failed to check active run: %w", err)
}

// start creates the run and drives it until it completes or blocks.
func (o *Orchestrator) start(ctx context.Context, sessionID, instruction string, created chan<- createdRun) (*store.Run, error) {
	if err := o.ensureIdle(ctx, sessionID); err != nil {
		return nil, err
	}

	history, err := o.loadHistory(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := o.cfg.Now()
	run := &store.Run{
		ID:          store.NewID(),
		SessionID:   sessionID,
		Instruction: instruction,
		Status:      store.RunStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	ctx = tracing.WithRunID(ctx, run.ID)
	ctx, span := tracing.StartSpan(ctx, "runloop.orchestrator", "orchestrator.run",
		attribute.String("run_id", run.ID),
		attribute.String("session_id", sessionID),
	)
	defer span.End()

	rs := o.newRunState(ctx, run)
	rs.logger.Info().Str("instruction", instruction).Msg("Run created")

	if err := o.store.TransitionRun(ctx, run.ID, store.RunStatusRunning); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to start run: %w", err)
	}
	run.Status = store.RunStatusRunning
	if created != nil {
		snapshot := *run
		created <- createdRun{run: &snapshot}
	}

	o.appendMessage(ctx, rs, planner.RoleUser, instruction)
	history = append(history, planner.Message{Role: planner.RoleUser, Content: instruction})
	rs.publish(ctx, events.RunStarted, map[string]interface{}{"instruction": instruction})

	if assessment := risk.Assess(instruction); assessment != nil {
		if err := o.suspend(ctx, rs, history, assessment); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		return o.store.GetRun(tracing.Detach(ctx), run.ID)
	}

	outcome := o.loop(ctx, rs, history)
	return o.complete(ctx, rs, outcome)
}

// loadHistory returns earlier turns of the session as planner messages.
func (o *Orchestrator) loadHistory(ctx context.Context, sessionID string) ([]planner.Message, error) {
	msgs, err := o.store.ListMessages(ctx, sessionID, o.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load session history: %w", err)
	}
	history := make([]planner.Message, 0, len(msgs)+1)
	for _, m := range msgs {
		history = append(history, planner.Message{Role: planner.Role(m.Role), Content: m.Content})
	}
	return history, nil
}

func (o *Orchestrator) appendMessage(ctx context.Context, rs *runState, role planner.Role, content string) {
	err := o.store.AppendMessage(tracing.Detach(ctx), &store.Message{
		SessionID: rs.run.SessionID,
		RunID:     rs.run.ID,
		Role:      string(role),
		Content:   content,
		CreatedAt: o.cfg.Now(),
	})
	if err != nil {
		rs.logger.Error().Err(err).Str("role", string(role)).Msg("Failed to persist session message")
	}
}

// GetRun returns a run with its steps.
func (o *Orchestrator) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	return o.store.GetRun(ctx, runID)
}

// Wait blocks until no session lane has queued or running work, or timeout.
func (o *Orchestrator) Wait(timeout time.Duration) bool {
	return o.queue.WaitForActive(timeout)
}
