package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/runloop/internal/observability"
	"github.com/harun/runloop/pkg/commandqueue"
	"github.com/harun/runloop/pkg/coretools"
	"github.com/harun/runloop/pkg/events"
	"github.com/harun/runloop/pkg/orchestrator"
	"github.com/harun/runloop/pkg/planner"
	"github.com/harun/runloop/pkg/store"
	"github.com/harun/runloop/pkg/toolexecutor"
)

const testSecret = "s3cret"

type testGateway struct {
	server *Server
	http   *httptest.Server
	orch   *orchestrator.Orchestrator
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	observability.SetAuditOutput(&bytes.Buffer{})

	registry := toolexecutor.New(toolexecutor.Config{Logger: zerolog.Nop(), Mock: true})
	require.NoError(t, coretools.Register(registry, coretools.Options{Logger: zerolog.Nop()}))

	queue := commandqueue.New(zerolog.Nop())
	t.Cleanup(func() { _ = queue.Close() })

	bus := events.NewBroadcaster(zerolog.Nop())
	orch, err := orchestrator.New(orchestrator.Config{
		Store:    store.NewMemoryStore(),
		Registry: registry,
		Planner: planner.PlannerFunc(func(_ context.Context, history []planner.Message) (planner.Action, error) {
			return planner.ReplyAction("ack: "+planner.LatestInstruction(history), "test"), nil
		}),
		Events: bus,
		Queue:  queue,
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	server, err := NewServer(Config{
		SharedSecret: testSecret,
		Runner:       orch,
		Catalog:      registry,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	bus.Attach(server.Sink())

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return &testGateway{server: server, http: ts, orch: orch}
}

func (g *testGateway) call(t *testing.T, method string, params map[string]interface{}) *RPCResponse {
	t.Helper()
	body, err := json.Marshal(RPCRequest{ID: "1", Method: method, Params: params})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, g.http.URL+"/rpc", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(SecretHeader, testSecret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out RPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return &out
}

func decodeRun(t *testing.T, resp *RPCResponse) store.Run {
	t.Helper()
	require.Nil(t, resp.Error)
	data, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var run store.Run
	require.NoError(t, json.Unmarshal(data, &run))
	return run
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)
	_, err = NewServer(Config{Port: -1})
	assert.Error(t, err)
}

func TestHealthz(t *testing.T) {
	g := newTestGateway(t)

	resp, err := http.Get(g.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRPCRequiresSecret(t *testing.T) {
	g := newTestGateway(t)

	resp, err := http.Post(g.http.URL+"/rpc", "application/json", strings.NewReader(`{"id":"1","method":"tools.describe"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	get, err := http.Get(g.http.URL + "/rpc")
	require.NoError(t, err)
	defer get.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, get.StatusCode)
}

func TestRPCParseError(t *testing.T) {
	g := newTestGateway(t)

	req, err := http.NewRequest(http.MethodPost, g.http.URL+"/rpc", strings.NewReader(`{nope`))
	require.NoError(t, err)
	req.Header.Set(SecretHeader, testSecret)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunsSubmitAndGet(t *testing.T) {
	g := newTestGateway(t)

	submitted := decodeRun(t, g.call(t, "runs.submit", map[string]interface{}{
		"session_id":  "s1",
		"instruction": "say hi",
	}))
	assert.NotEmpty(t, submitted.ID)
	assert.Equal(t, "s1", submitted.SessionID)

	require.True(t, g.orch.Wait(5*time.Second))

	run := decodeRun(t, g.call(t, "runs.get", map[string]interface{}{"run_id": submitted.ID}))
	assert.Equal(t, store.RunStatusDone, run.Status)
	assert.Equal(t, "ack: say hi", run.FinalContent)

	missing := g.call(t, "runs.get", map[string]interface{}{"run_id": "nope"})
	require.NotNil(t, missing.Error)
	assert.Equal(t, NotFound, missing.Error.Code)
}

func TestRunsSubmitValidation(t *testing.T) {
	g := newTestGateway(t)

	resp := g.call(t, "runs.submit", map[string]interface{}{"session_id": "s1"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)
}

func TestApprovalsResolve(t *testing.T) {
	g := newTestGateway(t)

	blocked := decodeRun(t, g.call(t, "runs.submit", map[string]interface{}{
		"session_id":  "s1",
		"instruction": "delete all files",
	}))
	require.True(t, g.orch.Wait(5*time.Second))

	conflict := g.call(t, "runs.submit", map[string]interface{}{"session_id": "s1", "instruction": "say hi"})
	require.NotNil(t, conflict.Error)
	assert.Equal(t, Conflict, conflict.Error.Code)

	unknown := g.call(t, "approvals.resolve", map[string]interface{}{"approval_id": "missing", "decision": "approve"})
	require.NotNil(t, unknown.Error)
	assert.Equal(t, NotFound, unknown.Error.Code)

	bad := g.call(t, "approvals.resolve", map[string]interface{}{"approval_id": "missing", "decision": "perhaps"})
	require.NotNil(t, bad.Error)
	assert.Equal(t, InvalidParams, bad.Error.Code)

	run := decodeRun(t, g.call(t, "runs.get", map[string]interface{}{"run_id": blocked.ID}))
	require.Equal(t, store.RunStatusBlocked, run.Status)
}

func TestToolsDescribe(t *testing.T) {
	g := newTestGateway(t)

	resp := g.call(t, "tools.describe", nil)
	require.Nil(t, resp.Error)
	tools, ok := resp.Result.([]interface{})
	require.True(t, ok)

	var names []string
	for _, raw := range tools {
		names = append(names, raw.(map[string]interface{})["name"].(string))
	}
	assert.Contains(t, names, "echo")
	assert.Contains(t, names, "reply")
}

func wsURL(g *testGateway, query string) string {
	return "ws" + strings.TrimPrefix(g.http.URL, "http") + "/ws" + query
}

func TestWebSocketRejectsMissingSecret(t *testing.T) {
	g := newTestGateway(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(g, ""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketStreamsSessionEvents(t *testing.T) {
	g := newTestGateway(t)

	header := http.Header{}
	header.Set(SecretHeader, testSecret)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(g, "?session_id=s1"), header)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(RPCRequest{
		ID:     "42",
		Method: "runs.submit",
		Params: map[string]interface{}{"session_id": "s1", "instruction": "say hi"},
	}))

	var (
		sawResponse bool
		types       []string
	)
	deadline := time.Now().Add(5 * time.Second)
	for !(sawResponse && len(types) > 0 && types[len(types)-1] == string(events.RunCompleted)) {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var msg map[string]interface{}
		require.NoError(t, conn.ReadJSON(&msg))

		if msg["id"] == "42" {
			assert.Nil(t, msg["error"])
			sawResponse = true
			continue
		}
		assert.Equal(t, "event", msg["type"])
		assert.Equal(t, "s1", msg["session_id"])
		types = append(types, msg["event"].(string))
	}

	assert.Equal(t, string(events.RunStarted), types[0])
	assert.Contains(t, types, string(events.StepStarted))
	assert.Len(t, g.server.Clients(), 1)
}

func TestWebSocketSessionFilter(t *testing.T) {
	g := newTestGateway(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(g, "?session_id=other&secret="+testSecret), nil)
	require.NoError(t, err)
	defer conn.Close()

	// Round-trip an RPC so the client is registered before the run starts.
	require.NoError(t, conn.WriteJSON(RPCRequest{ID: "1", Method: "gateway.clients"}))
	var ack RPCResponse
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ack))
	require.Nil(t, ack.Error)

	g.call(t, "runs.submit", map[string]interface{}{"session_id": "s1", "instruction": "say hi"})
	require.True(t, g.orch.Wait(5*time.Second))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var msg map[string]interface{}
	assert.Error(t, conn.ReadJSON(&msg), "events of other sessions are not delivered")
}

func TestBroadcasterDropsWhenBufferFull(t *testing.T) {
	clients := NewClientRegistry()
	client := newClient("c1", nil, "", "127.0.0.1", 1)
	clients.Add(client)
	b := NewEventBroadcaster(clients, zerolog.Nop())

	evt := events.Event{Type: events.RunStarted, RunID: "r1", SessionID: "s1", Seq: 1, Timestamp: time.Now()}
	b.Publish(context.Background(), evt)
	b.Publish(context.Background(), evt)

	require.Len(t, client.send, 1)
	var msg EventMessage
	require.NoError(t, json.Unmarshal(<-client.send, &msg))
	assert.Equal(t, events.RunStarted, msg.Event)
	assert.Equal(t, int64(1), msg.Seq)
	assert.Equal(t, "r1", msg.RunID)
}

func TestAuthorize(t *testing.T) {
	auth := NewAuthHandler(testSecret)

	tests := []struct {
		name  string
		setup func(r *http.Request)
		want  bool
	}{
		{"header", func(r *http.Request) { r.Header.Set(SecretHeader, testSecret) }, true},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+testSecret) }, true},
		{"wrong header", func(r *http.Request) { r.Header.Set(SecretHeader, "nope") }, false},
		{"missing", func(*http.Request) {}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			tt.setup(r)
			assert.Equal(t, tt.want, auth.Authorize(r))
		})
	}

	r := httptest.NewRequest(http.MethodGet, "/ws?secret="+testSecret, nil)
	assert.True(t, auth.Authorize(r))
	assert.True(t, NewAuthHandler("").Authorize(httptest.NewRequest(http.MethodGet, "/ws", nil)))
}

func TestSystemStatus(t *testing.T) {
	g := newTestGateway(t)
	resp := g.call(t, "system.status", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, MethodNotFound, resp.Error.Code)

	server, err := NewServer(Config{
		Runner: g.orch,
		Status: func() interface{} { return map[string]interface{}{"lanes": []string{}} },
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	var status map[string]interface{}
	require.NoError(t, NewRPCClient(ts.URL, "", nil).Call(context.Background(), "system.status", nil, &status))
	assert.Contains(t, status, "lanes")
}
