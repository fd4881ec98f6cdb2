package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/harun/runloop/internal/observability"
)

// DefaultNATSSubject is the subject prefix used when none is configured.
const DefaultNATSSubject = "runloop.events"

type natsPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes events as JSON on <subject>.<event type>.
type NATSSink struct {
	conn    natsPublisher
	close   func()
	subject string
	logger  zerolog.Logger
}

// NewNATSSink connects to url and returns a sink publishing under subject.
func NewNATSSink(url, subject string, logger zerolog.Logger) (*NATSSink, error) {
	conn, err := nats.Connect(url,
		nats.Name("runloop"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	s := newNATSSink(conn, subject, logger)
	s.close = conn.Close
	return s, nil
}

func newNATSSink(conn natsPublisher, subject string, logger zerolog.Logger) *NATSSink {
	if subject == "" {
		subject = DefaultNATSSubject
	}
	return &NATSSink{
		conn:    conn,
		close:   func() {},
		subject: subject,
		logger:  logger.With().Str("component", "events.nats").Logger(),
	}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Publish(_ context.Context, evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		s.logger.Error().Err(err).Str("event", string(evt.Type)).Msg("Failed to marshal event")
		observability.RecordEventDropped(s.Name())
		return
	}
	if err := s.conn.Publish(s.subject+"."+string(evt.Type), data); err != nil {
		s.logger.Warn().Err(err).Str("event", string(evt.Type)).Int64("seq", evt.Seq).Msg("Failed to publish event")
		observability.RecordEventDropped(s.Name())
	}
}

// Close closes the underlying connection.
func (s *NATSSink) Close() {
	s.close()
}
