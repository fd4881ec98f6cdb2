package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/harun/runloop/internal/observability"
	"github.com/harun/runloop/pkg/browser"
	"github.com/harun/runloop/pkg/commandqueue"
	"github.com/harun/runloop/pkg/coretools"
	"github.com/harun/runloop/pkg/events"
	"github.com/harun/runloop/pkg/planner"
	"github.com/harun/runloop/pkg/store"
	"github.com/harun/runloop/pkg/toolexecutor"
)

type mockPlanner struct {
	mock.Mock
}

func (m *mockPlanner) Plan(ctx context.Context, history []planner.Message) (planner.Action, error) {
	args := m.Called(ctx, history)
	return args.Get(0).(planner.Action), args.Error(1)
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) forRun(runID string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) count(runID string, typ events.Type) int {
	n := 0
	for _, e := range r.forRun(runID) {
		if e.Type == typ {
			n++
		}
	}
	return n
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type snapOutput struct {
	Path string `json:"path"`
}

func (o snapOutput) ToolArtifacts() []toolexecutor.Artifact {
	return []toolexecutor.Artifact{{Name: "snap.png", Href: "file://" + o.Path}}
}

type harness struct {
	o      *Orchestrator
	store  *store.MemoryStore
	events *recorder
	clock  *clock

	mu           sync.Mutex
	dangerInputs []string
}

func newHarness(t *testing.T, p planner.Planner, configure ...func(*Config)) *harness {
	t.Helper()
	observability.SetAuditOutput(&bytes.Buffer{})

	h := &harness{
		store:  store.NewMemoryStore(),
		events: &recorder{},
		clock:  &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}

	registry := toolexecutor.New(toolexecutor.Config{Logger: zerolog.Nop(), Mock: true})
	require.NoError(t, coretools.Register(registry, coretools.Options{Logger: zerolog.Nop()}))
	require.NoError(t, browser.Register(registry, browser.ToolOptions{ArtifactDir: t.TempDir()}))
	registry.MustRegister(h.testTools()...)

	queue := commandqueue.New(zerolog.Nop())
	t.Cleanup(func() { _ = queue.Close() })

	cfg := Config{
		Store:    h.store,
		Registry: registry,
		Planner:  p,
		Events:   h.events,
		Queue:    queue,
		Logger:   zerolog.Nop(),
		Now:      h.clock.Now,
	}
	for _, fn := range configure {
		fn(&cfg)
	}

	o, err := New(cfg)
	require.NoError(t, err)
	h.o = o
	return h
}

func testTool(name string, schema map[string]interface{}, handler toolexecutor.Handler, effects ...toolexecutor.SideEffect) toolexecutor.Tool {
	if schema == nil {
		schema = toolexecutor.ObjectSchema()
	}
	return toolexecutor.Tool{
		Descriptor: toolexecutor.ToolDescriptor{
			Name:        name,
			Version:     "1.0.0",
			Description: name + " test tool",
			InputSchema: schema,
			SideEffects: effects,
		},
		Handler: handler,
	}
}

func (h *harness) testTools() []toolexecutor.Tool {
	return []toolexecutor.Tool{
		testTool("boom", nil, func(context.Context, json.RawMessage) (interface{}, error) {
			return nil, errors.New("boom: disk on fire")
		}),
		testTool("fatal", nil, func(context.Context, json.RawMessage) (interface{}, error) {
			return nil, toolexecutor.Terminal("provider rejected the request", errors.New("status 403"))
		}),
		testTool("danger", toolexecutor.ObjectSchema(
			toolexecutor.Param{Name: "target", Type: "string", Required: true},
			toolexecutor.Param{Name: "recursive", Type: "boolean"},
		), func(_ context.Context, raw json.RawMessage) (interface{}, error) {
			h.mu.Lock()
			h.dangerInputs = append(h.dangerInputs, string(raw))
			h.mu.Unlock()
			return map[string]int{"removed": 3}, nil
		}, toolexecutor.SideEffectFilesystemWrite),
		testTool("snap", nil, func(context.Context, json.RawMessage) (interface{}, error) {
			return snapOutput{Path: "/tmp/artifacts/snap.png"}, nil
		}, toolexecutor.SideEffectFilesystemWrite),
	}
}

func (h *harness) executions(t *testing.T, runID string) []store.ToolExecution {
	t.Helper()
	execs, err := h.store.ListToolExecutions(context.Background(), runID)
	require.NoError(t, err)
	return execs
}

func toolNames(execs []store.ToolExecution) []string {
	names := make([]string, len(execs))
	for i, e := range execs {
		names[i] = e.Tool
	}
	return names
}

func act(name, input string) planner.Action {
	return planner.Action{Name: name, Input: json.RawMessage(input), Rationale: "test"}
}

func reply(text string) planner.Action {
	return planner.ReplyAction(text, "test")
}

func assertMonotonicSteps(t *testing.T, run *store.Run) {
	t.Helper()
	require.NotEmpty(t, run.Steps)
	for i, s := range run.Steps {
		assert.Equal(t, i, s.Index, "step %s", s.Name)
		if i > 0 {
			assert.False(t, s.StartedAt.Before(run.Steps[i-1].StartedAt))
		}
	}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store is required")
	assert.Contains(t, err.Error(), "command queue is required")
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		in   string
		want Decision
	}{
		{"approve", DecisionApprove},
		{" Yes ", DecisionApprove},
		{"denied", DecisionDeny},
		{"no", DecisionDeny},
	}
	for _, tt := range tests {
		got, err := ParseDecision(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	_, err := ParseDecision("maybe")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSubmitRejectsEmptyRequest(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.o.Submit(context.Background(), "", "hello")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = h.o.Submit(context.Background(), "s1", "   ")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestReplyEndsRun(t *testing.T) {
	p := &mockPlanner{}
	p.On("Plan", mock.Anything, mock.Anything).Return(reply("Hello there"), nil).Once()
	h := newHarness(t, p)

	run, err := h.o.Submit(context.Background(), "s1", "say hello")
	require.NoError(t, err)

	assert.Equal(t, store.RunStatusDone, run.Status)
	assert.Equal(t, "Hello there", run.FinalContent)
	assert.Equal(t, []string{"thinking_step_1", "execute:reply"}, []string{run.Steps[0].Name, run.Steps[1].Name})
	assertMonotonicSteps(t, run)
	p.AssertExpectations(t)

	msgs, err := h.store.ListMessages(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "Hello there", msgs[1].Content)
}

func TestEventsOrderAndSingleCompletion(t *testing.T) {
	p := &mockPlanner{}
	p.On("Plan", mock.Anything, mock.Anything).Return(act("echo", `{"text":"hi"}`), nil).Once()
	p.On("Plan", mock.Anything, mock.Anything).Return(reply("done"), nil).Once()
	h := newHarness(t, p)

	run, err := h.o.Submit(context.Background(), "s1", "echo hi")
	require.NoError(t, err)

	evts := h.events.forRun(run.ID)
	require.NotEmpty(t, evts)
	assert.Equal(t, events.RunStarted, evts[0].Type)
	assert.Equal(t, events.RunCompleted, evts[len(evts)-1].Type)
	assert.Equal(t, 1, h.events.count(run.ID, events.RunCompleted))
	assert.Equal(t, 4, h.events.count(run.ID, events.StepStarted))
	assert.Equal(t, "done", evts[len(evts)-1].Data["status"])
	assert.Equal(t, "reply", evts[len(evts)-1].Data["last_tool"])
	assert.Positive(t, h.events.count(run.ID, events.EvidenceAdded))
}

// Scenario A: a risky instruction blocks before any tool runs.
func TestRiskyInstructionBlocks(t *testing.T) {
	h := newHarness(t, nil)

	run, err := h.o.Submit(context.Background(), "s1", "delete all files")
	require.NoError(t, err)

	assert.Equal(t, store.RunStatusBlocked, run.Status)
	assert.Empty(t, h.executions(t, run.ID))
	assertMonotonicSteps(t, run)

	last := run.Steps[len(run.Steps)-1]
	assert.Equal(t, "approval", last.Name)
	assert.Equal(t, store.StepStatusBlocked, last.Status)

	approval, err := h.store.FindPendingApproval(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, "HIGH", approval.Risk)
	assert.Equal(t, "delete all files", approval.Action)
	assert.Equal(t, 1, h.events.count(run.ID, events.ApprovalRequired))
	assert.Zero(t, h.events.count(run.ID, events.RunCompleted))

	_, err = h.o.Submit(context.Background(), "s1", "say hello")
	assert.ErrorIs(t, err, ErrRunInFlight)
}

func TestApproveExecutesRecordedInput(t *testing.T) {
	const input = `{"target":"/srv/data","recursive":true}`
	p := &mockPlanner{}
	p.On("Plan", mock.Anything, mock.Anything).Return(act("danger", input), nil).Once()
	h := newHarness(t, p)
	ctx := context.Background()

	run, err := h.o.Submit(ctx, "s1", "delete all files in /srv/data")
	require.NoError(t, err)
	require.Equal(t, store.RunStatusBlocked, run.Status)
	require.Empty(t, h.dangerInputs)

	approval, err := h.store.FindPendingApproval(ctx, run.ID)
	require.NoError(t, err)

	run, err = h.o.Resolve(ctx, approval.ID, DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusDone, run.Status)
	assert.JSONEq(t, `{"removed":3}`, run.FinalContent)
	assertMonotonicSteps(t, run)

	execs := h.executions(t, run.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, "danger", execs[0].Tool)
	assert.Equal(t, input, string(execs[0].Input))
	assert.Equal(t, []string{input}, h.dangerInputs)

	resolved, err := h.store.GetApproval(ctx, approval.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalApproved, resolved.Status)
	assert.Equal(t, 1, h.events.count(run.ID, events.RunCompleted))

	_, err = h.o.Resolve(ctx, approval.ID, DecisionDeny)
	assert.ErrorIs(t, err, ErrApprovalNotFound)
	p.AssertNumberOfCalls(t, "Plan", 1)
}

func TestDenyFailsWithoutExecuting(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	run, err := h.o.Submit(ctx, "s1", "drop table users")
	require.NoError(t, err)
	require.Equal(t, store.RunStatusBlocked, run.Status)

	approval, err := h.store.FindPendingApproval(ctx, run.ID)
	require.NoError(t, err)

	run, err = h.o.Resolve(ctx, approval.ID, DecisionDeny)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusFailed, run.Status)
	assert.Equal(t, "Action not approved (denied by user); nothing was executed.", run.FinalContent)
	assert.Empty(t, h.executions(t, run.ID))
	assert.Equal(t, store.StepStatusFailed, run.Steps[len(run.Steps)-1].Status)

	// The session is free again.
	next, err := h.o.Submit(ctx, "s1", "open https://example.com")
	require.NoError(t, err)
	assert.NotEqual(t, run.ID, next.ID)
}

func TestConcurrentDecisionsOnlyOneWins(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	run, err := h.o.Submit(ctx, "s1", "wipe the disk")
	require.NoError(t, err)
	approval, err := h.store.FindPendingApproval(ctx, run.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, d := range []Decision{DecisionApprove, DecisionDeny} {
		wg.Add(1)
		go func(i int, d Decision) {
			defer wg.Done()
			_, errs[i] = h.o.Resolve(ctx, approval.ID, d)
		}(i, d)
	}
	wg.Wait()

	notFound := 0
	for _, err := range errs {
		if errors.Is(err, ErrApprovalNotFound) {
			notFound++
		} else {
			assert.NoError(t, err)
		}
	}
	assert.Equal(t, 1, notFound)
	assert.Equal(t, 1, h.events.count(run.ID, events.ApprovalResolved))
	assert.Equal(t, 1, h.events.count(run.ID, events.RunCompleted))
}

func TestResolveUnknownApproval(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.o.Resolve(context.Background(), "missing", DecisionApprove)
	assert.ErrorIs(t, err, ErrApprovalNotFound)
	_, err = h.o.Resolve(context.Background(), "missing", Decision("later"))
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestExpireApprovals(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	run, err := h.o.Submit(ctx, "s1", "kill all processes")
	require.NoError(t, err)
	require.Equal(t, store.RunStatusBlocked, run.Status)

	n, err := h.o.ExpireApprovals(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh approvals are kept")

	h.clock.Advance(2 * time.Hour)
	n, err = h.o.ExpireApprovals(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	run, err = h.o.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusFailed, run.Status)
	assert.Contains(t, run.FinalContent, "expired")
	assert.Empty(t, h.executions(t, run.ID))

	n, err = h.o.ExpireApprovals(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// Scenario B: no oracle, the heuristic opens the page and the run ends done.
func TestHeuristicFallbackWithoutPlanner(t *testing.T) {
	h := newHarness(t, nil)

	run, err := h.o.Submit(context.Background(), "s1", "open https://example.com")
	require.NoError(t, err)

	assert.Equal(t, store.RunStatusDone, run.Status)
	assert.Equal(t, []string{"browser_open"}, toolNames(h.executions(t, run.ID)))
	assert.Contains(t, run.FinalContent, "https://example.com")
	assertMonotonicSteps(t, run)
	assert.Equal(t, "thinking_step_2", run.Steps[len(run.Steps)-1].Name)
	assert.Equal(t, store.StepStatusFailed, run.Steps[len(run.Steps)-1].Status)
}

func TestConfidentHeuristicBeatsFirstReply(t *testing.T) {
	p := &mockPlanner{}
	p.On("Plan", mock.Anything, mock.Anything).Return(reply("I cannot browse"), nil).Once()
	p.On("Plan", mock.Anything, mock.Anything).Return(reply("Opened it"), nil).Once()
	h := newHarness(t, p)

	run, err := h.o.Submit(context.Background(), "s1", "open https://example.com")
	require.NoError(t, err)

	assert.Equal(t, []string{"browser_open", "reply"}, toolNames(h.executions(t, run.ID)))
	assert.Equal(t, "Opened it", run.FinalContent)
}

func TestPlannerPanicFallsBack(t *testing.T) {
	p := planner.PlannerFunc(func(context.Context, []planner.Message) (planner.Action, error) {
		panic("bad oracle")
	})
	h := newHarness(t, p)

	run, err := h.o.Submit(context.Background(), "s1", "open example.com")
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusDone, run.Status)
	assert.Equal(t, []string{"browser_open"}, toolNames(h.executions(t, run.ID)))
}

// Scenario C: a failing tool is reported to the planner and the loop goes on.
func TestToolFailureRoundTripsIntoHistory(t *testing.T) {
	var seen []planner.Message
	p := &mockPlanner{}
	p.On("Plan", mock.Anything, mock.Anything).Return(act("boom", `{}`), nil).Once()
	p.On("Plan", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		seen = args.Get(1).([]planner.Message)
	}).Return(reply("recovered"), nil).Once()
	h := newHarness(t, p)

	run, err := h.o.Submit(context.Background(), "s1", "trigger the failing tool")
	require.NoError(t, err)

	assert.Equal(t, store.RunStatusDone, run.Status)
	assert.Equal(t, "recovered", run.FinalContent)
	assert.Equal(t, []string{"boom", "reply"}, toolNames(h.executions(t, run.ID)))

	require.NotEmpty(t, seen)
	last := seen[len(seen)-1]
	assert.Equal(t, planner.RoleTool, last.Role)
	assert.True(t, strings.HasPrefix(last.Content, "Tool boom FAILED: boom: disk on fire\n"), last.Content)
	assert.Contains(t, last.Content, "correct the input")
	assert.Equal(t, 1, h.events.count(run.ID, events.StepFailed))
}

// Scenario D: the planner failing after the first iteration ends the loop.
func TestPlannerFailureAfterFirstIteration(t *testing.T) {
	t.Run("with output", func(t *testing.T) {
		p := &mockPlanner{}
		p.On("Plan", mock.Anything, mock.Anything).Return(act("echo", `{"text":"one"}`), nil).Once()
		p.On("Plan", mock.Anything, mock.Anything).Return(act("echo", `{"text":"two"}`), nil).Once()
		p.On("Plan", mock.Anything, mock.Anything).Return(planner.Action{}, planner.ErrPlannerUnavailable).Once()
		h := newHarness(t, p)

		run, err := h.o.Submit(context.Background(), "s1", "echo twice")
		require.NoError(t, err)
		assert.Equal(t, store.RunStatusFailed, run.Status)
		assert.Contains(t, run.FinalContent, "planning stopped")
		assert.Contains(t, run.FinalContent, `{"text":"two"}`)
		assert.Len(t, h.executions(t, run.ID), 2)
		assert.Equal(t, 1, h.events.count(run.ID, events.RunCompleted))
		p.AssertNumberOfCalls(t, "Plan", 3)
	})

	t.Run("after forced termination", func(t *testing.T) {
		p := &mockPlanner{}
		p.On("Plan", mock.Anything, mock.Anything).Return(act("echo", `{"text":"one"}`), nil).Once()
		p.On("Plan", mock.Anything, mock.Anything).Return(reply("all done"), nil).Once()
		h := newHarness(t, p)

		run, err := h.o.Submit(context.Background(), "s1", "echo then answer")
		require.NoError(t, err)
		assert.Equal(t, store.RunStatusDone, run.Status)
		assert.Equal(t, "all done", run.FinalContent)
		p.AssertNumberOfCalls(t, "Plan", 2)
	})

	t.Run("without output", func(t *testing.T) {
		p := &mockPlanner{}
		p.On("Plan", mock.Anything, mock.Anything).Return(act("boom", `{}`), nil).Twice()
		p.On("Plan", mock.Anything, mock.Anything).Return(planner.Action{}, fmt.Errorf("%w: quota", planner.ErrPlannerUnavailable)).Once()
		h := newHarness(t, p)

		run, err := h.o.Submit(context.Background(), "s1", "fail twice")
		require.NoError(t, err)
		assert.Equal(t, store.RunStatusFailed, run.Status)
		assert.Equal(t, "no output: boom: disk on fire", run.FinalContent)
		assert.Len(t, h.executions(t, run.ID), 2)
	})
}

func TestPlannerTimeoutIgnoredContext(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	var calls int32
	p := planner.PlannerFunc(func(context.Context, []planner.Message) (planner.Action, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return act("echo", `{"text":"one"}`), nil
		}
		<-release
		return reply("too late"), nil
	})
	h := newHarness(t, p, func(c *Config) { c.PlannerTimeout = 50 * time.Millisecond })

	start := time.Now()
	run, err := h.o.Submit(context.Background(), "s1", "echo and wait")
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, store.RunStatusFailed, run.Status)
	assert.Contains(t, run.FinalContent, "deadline exceeded")
	assert.Equal(t, []string{"echo"}, toolNames(h.executions(t, run.ID)))

	last := run.Steps[len(run.Steps)-1]
	assert.Equal(t, "thinking_step_2", last.Name)
	assert.Equal(t, store.StepStatusFailed, last.Status)
}

func TestMaxStepsBound(t *testing.T) {
	p := &mockPlanner{}
	p.On("Plan", mock.Anything, mock.Anything).Return(act("echo", `{"text":"again"}`), nil)
	h := newHarness(t, p, func(c *Config) { c.MaxSteps = 3 })

	run, err := h.o.Submit(context.Background(), "s1", "loop forever")
	require.NoError(t, err)

	assert.Len(t, h.executions(t, run.ID), 3)
	assert.Equal(t, store.RunStatusDone, run.Status)
	assert.JSONEq(t, `{"text":"again"}`, run.FinalContent)
	assert.Len(t, run.Steps, 6)
	assertMonotonicSteps(t, run)
}

func TestSetMaxSteps(t *testing.T) {
	p := &mockPlanner{}
	p.On("Plan", mock.Anything, mock.Anything).Return(act("echo", `{"text":"again"}`), nil)
	h := newHarness(t, p, func(c *Config) { c.MaxSteps = 5 })

	h.o.SetMaxSteps(0)
	assert.Equal(t, 5, h.o.MaxSteps())
	h.o.SetMaxSteps(2)
	assert.Equal(t, 2, h.o.MaxSteps())

	run, err := h.o.Submit(context.Background(), "s1", "loop forever")
	require.NoError(t, err)
	assert.Len(t, h.executions(t, run.ID), 2)
}

func TestTerminalFailureEndsRun(t *testing.T) {
	p := &mockPlanner{}
	p.On("Plan", mock.Anything, mock.Anything).Return(act("fatal", `{}`), nil).Once()
	h := newHarness(t, p)

	run, err := h.o.Submit(context.Background(), "s1", "do the fatal thing")
	require.NoError(t, err)

	assert.Equal(t, store.RunStatusFailed, run.Status)
	assert.Equal(t, "The task could not be completed because fatal failed: provider rejected the request: status 403", run.FinalContent)
	p.AssertNumberOfCalls(t, "Plan", 1)
}

func TestArtifactsPersistedForSideEffects(t *testing.T) {
	p := &mockPlanner{}
	p.On("Plan", mock.Anything, mock.Anything).Return(act("snap", `{}`), nil).Once()
	p.On("Plan", mock.Anything, mock.Anything).Return(reply("saved"), nil).Once()
	h := newHarness(t, p)

	run, err := h.o.Submit(context.Background(), "s1", "take a snapshot")
	require.NoError(t, err)

	artifacts, err := h.store.ListArtifacts(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "snap", artifacts[0].Tool)
	assert.Equal(t, "file:///tmp/artifacts/snap.png", artifacts[0].Href)
	assert.Equal(t, 1, h.events.count(run.ID, events.ArtifactCreated))

	var kinds []store.EvidenceKind
	for _, e := range run.Steps[1].Evidence {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, store.EvidenceScreenshot)
	assert.Contains(t, kinds, store.EvidenceLog)
}

func TestRunInFlightWhileRunning(t *testing.T) {
	release := make(chan struct{})
	p := planner.PlannerFunc(func(ctx context.Context, history []planner.Message) (planner.Action, error) {
		<-release
		return reply("finished"), nil
	})
	h := newHarness(t, p)
	ctx := context.Background()

	first, err := h.o.SubmitAsync(ctx, "s1", "take your time")
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusRunning, first.Status)

	_, err = h.o.Submit(ctx, "s1", "and another thing")
	assert.ErrorIs(t, err, ErrRunInFlight)
	assert.Equal(t, []commandqueue.LaneStats{{Lane: "session:s1", Running: 1}}, h.o.LaneStats())

	close(release)
	require.True(t, h.o.Wait(5*time.Second))
	assert.Empty(t, h.o.LaneStats())

	done, err := h.o.GetRun(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusDone, done.Status)
	assert.Equal(t, "finished", done.FinalContent)
}

func TestLaneOptionsWarnOnLongWait(t *testing.T) {
	h := newHarness(t, nil, func(c *Config) { c.LaneWarnAfter = 5 * time.Second })

	opts := h.o.laneOptions(context.Background())
	require.NotNil(t, opts)
	assert.Equal(t, 5*time.Second, opts.WarnAfter)
	require.NotNil(t, opts.OnWait)
	assert.NotPanics(t, func() { opts.OnWait(6*time.Second, 0) })

	assert.Equal(t, DefaultLaneWarnAfter, newHarness(t, nil).o.cfg.LaneWarnAfter)
}

func TestSessionsRunConcurrently(t *testing.T) {
	p := planner.PlannerFunc(func(_ context.Context, history []planner.Message) (planner.Action, error) {
		return reply("ack: " + planner.LatestInstruction(history)), nil
	})
	h := newHarness(t, p)
	ctx := context.Background()

	const sessions = 5
	runs := make([]*store.Run, sessions)
	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run, err := h.o.Submit(ctx, fmt.Sprintf("s%d", i), fmt.Sprintf("task %d", i))
			assert.NoError(t, err)
			runs[i] = run
		}(i)
	}
	wg.Wait()

	for i, run := range runs {
		require.NotNil(t, run)
		assert.Equal(t, fmt.Sprintf("ack: task %d", i), run.FinalContent)

		msgs, err := h.store.ListMessages(ctx, run.SessionID, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, fmt.Sprintf("task %d", i), msgs[0].Content)
	}
}

func TestHistorySeedsNextRun(t *testing.T) {
	var seen []planner.Message
	p := &mockPlanner{}
	p.On("Plan", mock.Anything, mock.Anything).Return(reply("first answer"), nil).Once()
	p.On("Plan", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		seen = args.Get(1).([]planner.Message)
	}).Return(reply("second answer"), nil).Once()
	h := newHarness(t, p)
	ctx := context.Background()

	_, err := h.o.Submit(ctx, "s1", "first question")
	require.NoError(t, err)
	_, err = h.o.Submit(ctx, "s1", "second question")
	require.NoError(t, err)

	require.Len(t, seen, 3)
	assert.Equal(t, "first question", seen[0].Content)
	assert.Equal(t, "first answer", seen[1].Content)
	assert.Equal(t, "second question", seen[2].Content)
}
