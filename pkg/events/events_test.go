package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Publish(_ context.Context, evt Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recordingSink) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestBroadcasterStampsAndOrders(t *testing.T) {
	rec := &recordingSink{}
	b := NewBroadcaster(zerolog.Nop(), rec, nil)

	b.Publish(context.Background(), Event{Type: RunStarted, RunID: "r1", SessionID: "s1"})
	b.Publish(context.Background(), Event{Type: StepStarted, RunID: "r1", SessionID: "s1"})
	b.Publish(context.Background(), Event{Type: RunCompleted, RunID: "r1", SessionID: "s1"})

	got := rec.snapshot()
	require.Len(t, got, 3)
	for i, evt := range got {
		assert.Equal(t, int64(i+1), evt.Seq)
		assert.False(t, evt.Timestamp.IsZero())
	}
	assert.Equal(t, RunCompleted, got[2].Type)
}

func TestBroadcasterSurvivesPanickingSink(t *testing.T) {
	rec := &recordingSink{}
	boom := SinkFunc{SinkName: "boom", Fn: func(context.Context, Event) { panic("boom") }}
	b := NewBroadcaster(zerolog.Nop(), boom, rec)

	assert.NotPanics(t, func() {
		b.Publish(context.Background(), Event{Type: StepDone, RunID: "r1"})
	})
	assert.Len(t, rec.snapshot(), 1)
}

func TestHubRoutesBySession(t *testing.T) {
	hub := NewHub()
	s1, cancel1 := hub.Subscribe("s1", 4)
	defer cancel1()
	s2, cancel2 := hub.Subscribe("s2", 4)
	defer cancel2()
	all, cancelAll := hub.Subscribe("*", 4)
	defer cancelAll()

	hub.Publish(context.Background(), Event{Type: StepStarted, SessionID: "s1"})

	select {
	case evt := <-s1:
		assert.Equal(t, "s1", evt.SessionID)
	case <-time.After(time.Second):
		t.Fatal("s1 subscriber did not receive event")
	}
	select {
	case evt := <-all:
		assert.Equal(t, "s1", evt.SessionID)
	case <-time.After(time.Second):
		t.Fatal("wildcard subscriber did not receive event")
	}
	select {
	case evt := <-s2:
		t.Fatalf("s2 received foreign event %v", evt)
	default:
	}
}

func TestHubDropsWhenFull(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe("s1", 1)
	defer cancel()

	hub.Publish(context.Background(), Event{Type: StepStarted, SessionID: "s1", Seq: 1})
	hub.Publish(context.Background(), Event{Type: StepDone, SessionID: "s1", Seq: 2})

	evt := <-ch
	assert.Equal(t, int64(1), evt.Seq)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected event %v", extra)
	default:
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe("s1", 1)
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	assert.NotPanics(t, func() {
		hub.Publish(context.Background(), Event{Type: StepStarted, SessionID: "s1"})
	})
}

func TestHubEmptySessionClosed(t *testing.T) {
	ch, cancel := NewHub().Subscribe("  ", 1)
	defer cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestLogSinkWritesFields(t *testing.T) {
	var buf strings.Builder
	sink := NewLogSink(zerolog.New(&buf).Level(zerolog.DebugLevel))

	sink.Publish(context.Background(), Event{
		Type:      RunCompleted,
		RunID:     "r1",
		SessionID: "s1",
		Seq:       7,
		Data:      map[string]interface{}{"status": "done"},
	})

	out := buf.String()
	assert.Contains(t, out, `"event":"run_completed"`)
	assert.Contains(t, out, `"run_id":"r1"`)
	assert.Contains(t, out, `"status":"done"`)
	assert.Contains(t, out, `"level":"info"`)
}

type fakeConn struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestNATSSinkPublishesJSON(t *testing.T) {
	conn := &fakeConn{}
	sink := newNATSSink(conn, "", zerolog.Nop())

	sink.Publish(context.Background(), Event{Type: ApprovalRequired, RunID: "r1", SessionID: "s1", Seq: 3})

	require.Len(t, conn.subjects, 1)
	assert.Equal(t, "runloop.events.approval_required", conn.subjects[0])
	var decoded Event
	require.NoError(t, json.Unmarshal(conn.payloads[0], &decoded))
	assert.Equal(t, "r1", decoded.RunID)
	assert.Equal(t, int64(3), decoded.Seq)
}

func TestNATSSinkSwallowsErrors(t *testing.T) {
	sink := newNATSSink(&fakeConn{err: errors.New("no responders")}, "custom", zerolog.Nop())
	assert.NotPanics(t, func() {
		sink.Publish(context.Background(), Event{Type: StepDone})
	})
	sink.Close()
}
