package gateway

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/harun/runloop/internal/observability"
	"github.com/harun/runloop/pkg/events"
)

// EventBroadcaster forwards run events to websocket clients subscribed to the
// event's session. It implements events.Sink and never blocks on a client: a
// client whose send buffer is full misses the event.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
}

// NewEventBroadcaster creates a broadcaster over clients.
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

func (b *EventBroadcaster) Name() string { return "gateway" }

// Publish implements events.Sink.
func (b *EventBroadcaster) Publish(_ context.Context, evt events.Event) {
	msg := EventMessage{
		Type:      "event",
		Event:     evt.Type,
		Seq:       evt.Seq,
		RunID:     evt.RunID,
		SessionID: evt.SessionID,
		Data:      evt.Data,
		Timestamp: evt.Timestamp.UnixMilli(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().
			Err(err).
			Str("event", string(evt.Type)).
			Int64("seq", evt.Seq).
			Msg("Failed to marshal event")
		return
	}

	clients := b.clients.Subscribers(evt.SessionID)
	if len(clients) == 0 {
		return
	}

	dropped := 0
	for _, client := range clients {
		if !client.enqueue(data) {
			dropped++
			observability.RecordEventDropped(b.Name())
		}
	}
	if dropped > 0 {
		b.logger.Warn().
			Str("event", string(evt.Type)).
			Str("run_id", evt.RunID).
			Int64("seq", evt.Seq).
			Int("dropped", dropped).
			Msg("Event not delivered to slow clients")
	}
}
