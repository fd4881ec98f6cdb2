// Package events fans run lifecycle events out to observers.
//
// Invariants:
// - Publish never blocks the caller on a slow observer and never fails.
// - Events for one run reach each sink in the order they were published.
// - Seq increases monotonically across everything a Broadcaster publishes.
//
// Usage:
//
//	b := events.NewBroadcaster(logger, hub, events.NewLogSink(logger))
//	b.Publish(ctx, events.Event{Type: events.StepStarted, RunID: id})
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Type names a lifecycle event.
type Type string

const (
	RunStarted       Type = "run_started"
	StepStarted      Type = "step_started"
	StepDone         Type = "step_done"
	StepFailed       Type = "step_failed"
	EvidenceAdded    Type = "evidence_added"
	ArtifactCreated  Type = "artifact_created"
	ApprovalRequired Type = "approval_required"
	ApprovalResolved Type = "approval_resolved"
	RunCompleted     Type = "run_completed"
)

// Event is one structured lifecycle notification.
type Event struct {
	Type      Type                   `json:"type"`
	RunID     string                 `json:"run_id"`
	SessionID string                 `json:"session_id"`
	Seq       int64                  `json:"seq"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Publisher accepts events. Implementations are best-effort.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

// Sink is an event observer attached to a Broadcaster.
type Sink interface {
	Name() string
	Publish(ctx context.Context, evt Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc struct {
	SinkName string
	Fn       func(ctx context.Context, evt Event)
}

func (f SinkFunc) Name() string { return f.SinkName }

func (f SinkFunc) Publish(ctx context.Context, evt Event) { f.Fn(ctx, evt) }

// Broadcaster stamps events and delivers them to every attached sink.
type Broadcaster struct {
	mu     sync.RWMutex
	sinks  []Sink
	logger zerolog.Logger
	seq    uint64
	now    func() time.Time
}

// NewBroadcaster creates a broadcaster with the given sinks.
func NewBroadcaster(logger zerolog.Logger, sinks ...Sink) *Broadcaster {
	b := &Broadcaster{logger: logger, now: time.Now}
	for _, s := range sinks {
		b.Attach(s)
	}
	return b
}

// Attach adds a sink. Nil sinks are ignored.
func (b *Broadcaster) Attach(s Sink) {
	if s == nil {
		return
	}
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Publish stamps evt with Seq and Timestamp and hands it to every sink.
func (b *Broadcaster) Publish(ctx context.Context, evt Event) {
	evt.Seq = int64(atomic.AddUint64(&b.seq, 1))
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.now().UTC()
	}

	b.mu.RLock()
	sinks := append([]Sink(nil), b.sinks...)
	b.mu.RUnlock()

	for _, s := range sinks {
		b.deliver(ctx, s, evt)
	}
}

func (b *Broadcaster) deliver(ctx context.Context, s Sink, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Interface("panic", r).
				Str("sink", s.Name()).
				Str("event", string(evt.Type)).
				Msg("Event sink panicked")
		}
	}()
	s.Publish(ctx, evt)
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) {}
