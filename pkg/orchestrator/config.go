package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/runloop/pkg/commandqueue"
	"github.com/harun/runloop/pkg/events"
	"github.com/harun/runloop/pkg/planner"
	"github.com/harun/runloop/pkg/store"
	"github.com/harun/runloop/pkg/toolexecutor"
)

const (
	DefaultMaxSteps       = 10
	DefaultPlannerTimeout = 60 * time.Second
	DefaultToolTimeout    = 30 * time.Second
	DefaultHistoryLimit   = 20
	DefaultLaneWarnAfter  = 30 * time.Second
)

// ToolRegistry is the part of the tool registry the loop needs.
type ToolRegistry interface {
	Descriptor(name string) (toolexecutor.ToolDescriptor, bool)
	Execute(ctx context.Context, name string, input json.RawMessage) toolexecutor.ToolResult
}

// Config wires an Orchestrator.
type Config struct {
	Store    store.Store
	Registry ToolRegistry
	// Planner is the oracle. Nil means every call is treated as unavailable,
	// so the first iteration falls back to the heuristic.
	Planner planner.Planner
	Events  events.Publisher
	Queue   *commandqueue.CommandQueue
	Logger  zerolog.Logger

	MaxSteps       int
	PlannerTimeout time.Duration
	ToolTimeout    time.Duration
	// HistoryLimit bounds how many earlier session messages seed a run.
	HistoryLimit int
	// LaneWarnAfter is how long a submission or resume may wait behind its
	// session lane before it is logged and counted.
	LaneWarnAfter time.Duration

	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.PlannerTimeout <= 0 {
		c.PlannerTimeout = DefaultPlannerTimeout
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = DefaultToolTimeout
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.LaneWarnAfter <= 0 {
		c.LaneWarnAfter = DefaultLaneWarnAfter
	}
	if c.Events == nil {
		c.Events = events.Discard
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.Store == nil {
		errs = append(errs, errors.New("store is required"))
	}
	if c.Registry == nil {
		errs = append(errs, errors.New("tool registry is required"))
	}
	if c.Queue == nil {
		errs = append(errs, errors.New("command queue is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid orchestrator config: %w", errors.Join(errs...))
	}
	return nil
}
