package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harun/runloop/pkg/events"
)

// RPCRequest represents a JSON-RPC 2.0 request
type RPCRequest struct {
	ID             string                 `json:"id"`
	Method         string                 `json:"method"`
	Params         map[string]interface{} `json:"params,omitempty"`
	JSONRPC        string                 `json:"jsonrpc"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
}

// RPCResponse represents a JSON-RPC 2.0 response
type RPCResponse struct {
	ID      string      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	JSONRPC string      `json:"jsonrpc"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return e.Message
}

// EventMessage is a run lifecycle event as delivered to websocket clients.
type EventMessage struct {
	Type      string                 `json:"type"`
	Event     events.Type            `json:"event"`
	Seq       int64                  `json:"seq"`
	RunID     string                 `json:"run_id,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id,omitempty"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	IPAddress    string    `json:"ipAddress"`
	Idle         bool      `json:"idle"`
}

// RequestHandler handles one RPC method call.
type RequestHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// RPC error codes
const (
	ParseError        = -32700
	InvalidRequest    = -32600
	MethodNotFound    = -32601
	InvalidParams     = -32602
	InternalError     = -32603
	NotFound          = -32004
	RateLimitExceeded = -32005
	TooManyConcurrent = -32006
	Conflict          = -32009
)

// Client is an authenticated websocket connection. Writes go through send and
// are performed by the client's own write loop.
type Client struct {
	ID           string
	Conn         *websocket.Conn
	SessionID    string // empty receives every session
	ConnectedAt  time.Time
	LastActivity time.Time
	IPAddress    string
	RateLimiter  *ClientRateLimiter

	send      chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

func newClient(id string, conn *websocket.Conn, sessionID, ip string, buffer int) *Client {
	now := time.Now()
	return &Client{
		ID:           id,
		Conn:         conn,
		SessionID:    sessionID,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    ip,
		RateLimiter:  NewClientRateLimiter(),
		send:         make(chan []byte, buffer),
		done:         make(chan struct{}),
	}
}

// enqueue queues data for the write loop. It reports false when the client's
// buffer is full or the client is closed.
func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// wants reports whether the client subscribed to sessionID.
func (c *Client) wants(sessionID string) bool {
	return c.SessionID == "" || c.SessionID == sessionID
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.Conn.Close()
	})
}
