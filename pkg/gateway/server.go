package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/runloop/internal/observability"
	"github.com/harun/runloop/internal/tracing"
)

const (
	maxRequestBytes  = 1 << 20
	clientSendBuffer = 256
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
)

// Server is the gateway: websocket event stream, HTTP JSON-RPC, a signed
// webhook for starting runs, metrics and health endpoints.
type Server struct {
	port        int
	server      *http.Server
	listener    net.Listener
	upgrader    websocket.Upgrader
	clients     *ClientRegistry
	router      *RPCRouter
	auth        *AuthHandler
	broadcaster *EventBroadcaster
	runner      Runner
	catalog     Catalog
	status      func() interface{}
	logger      zerolog.Logger

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlightReqs   sync.WaitGroup
	httpLimiters   sync.Map // remote host -> *ClientRateLimiter
}

// Config holds server configuration
type Config struct {
	// Port 0 picks a free port; see Addr.
	Port         int
	SharedSecret string
	Runner       Runner
	Catalog      Catalog
	// Status backs the system.status method when set.
	Status func() interface{}
	Logger zerolog.Logger
}

// NewServer creates a gateway server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}

	observability.EnsureRegistered()

	clients := NewClientRegistry()
	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	s := &Server{
		port:        cfg.Port,
		clients:     clients,
		router:      NewRPCRouter(),
		auth:        NewAuthHandler(cfg.SharedSecret),
		broadcaster: NewEventBroadcaster(clients, logger),
		runner:      cfg.Runner,
		catalog:     cfg.Catalog,
		status:      cfg.Status,
		logger:      logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // the shared secret is the access control
			},
		},
	}
	if !s.auth.Enabled() {
		logger.Warn().Msg("Gateway shared secret is empty; RPC and websocket are unauthenticated")
	}

	s.registerBuiltinMethods()
	return s, nil
}

// Handler returns the gateway's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/hooks/runs", s.handleWebhookRun)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Sink returns the events.Sink streaming run events to websocket clients.
func (s *Server) Sink() *EventBroadcaster {
	return s.broadcaster
}

// RegisterMethod adds or replaces an RPC method.
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// Start listens on the configured port and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the server, waiting for in-flight RPCs up to ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.All() {
		client.close()
	}

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown gateway server: %w", err)
	}
	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// handleWebSocket upgrades an authorized request and streams events of the
// session named by the session_id query parameter (all sessions when absent).
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if !s.auth.Authorize(r) {
		s.logger.Warn().Str("ip", r.RemoteAddr).Msg("Websocket upgrade rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	client := newClient(gonanoid.Must(), conn, r.URL.Query().Get("session_id"), r.RemoteAddr, clientSendBuffer)
	s.clients.Add(client)

	s.logger.Info().
		Str("client_id", client.ID).
		Str("session_id", client.SessionID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	go s.writeLoop(client)
	go s.readLoop(client)
}

// writeLoop is the only writer on the client's connection.
func (s *Server) writeLoop(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.close()
	}()

	for {
		select {
		case <-client.done:
			return
		case data := <-client.send:
			_ = client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug().Err(err).Str("client_id", client.ID).Msg("Websocket write failed")
				return
			}
		case <-ticker.C:
			_ = client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop accepts JSON-RPC requests over the socket.
func (s *Server) readLoop(client *Client) {
	defer func() {
		client.close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("client_id", client.ID).Msg("Client disconnected")
	}()

	client.Conn.SetReadLimit(maxRequestBytes)
	_ = client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		return client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("client_id", client.ID).Msg("Websocket error")
			}
			return
		}
		s.clients.Touch(client.ID)
		s.handleMessage(client, message)
	}
}

func (s *Server) handleMessage(client *Client, message []byte) {
	req, err := s.router.ParseRequest(message)
	if err != nil {
		s.reply(client, errorResponse("", asRPCError(err)))
		return
	}

	ok, code, reason := client.RateLimiter.Acquire()
	if !ok {
		s.reply(client, errorResponse(req.ID, &RPCError{Code: code, Message: reason}))
		return
	}
	s.inFlightReqs.Add(1)

	go func() {
		defer client.RateLimiter.Release()
		defer s.inFlightReqs.Done()

		ctx := withClientID(tracing.WithTraceID(context.Background(), tracing.NewTraceID()), client.ID)
		s.reply(client, s.router.RouteRequest(ctx, req))
	}()
}

func (s *Server) reply(client *Client, resp *RPCResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error().Err(err).Str("client_id", client.ID).Msg("Failed to encode RPC response")
		return
	}
	if !client.enqueue(data) {
		s.logger.Warn().Str("client_id", client.ID).Str("request_id", resp.ID).Msg("Failed to send RPC response")
	}
}

// handleRPC handles single-shot HTTP JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.shuttingDown() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if !s.auth.Verify(r.Header.Get(SecretHeader)) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	req, err := s.router.ParseRequest(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("", asRPCError(err)))
		return
	}

	limiter := s.httpLimiter(r.RemoteAddr)
	ok, code, reason := limiter.Acquire()
	if !ok {
		writeJSON(w, http.StatusTooManyRequests, errorResponse(req.ID, &RPCError{Code: code, Message: reason}))
		return
	}
	defer limiter.Release()
	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	ctx := withClientID(tracing.WithRequestID(tracing.WithTraceID(context.Background(), traceID), req.ID), "http")
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("method", req.Method).
		Msg("Gateway received HTTP RPC request")

	resp := s.router.RouteRequest(ctx, req)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) httpLimiter(remoteAddr string) *ClientRateLimiter {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	v, _ := s.httpLimiters.LoadOrStore(host, NewClientRateLimiterWithLimits(600, 50))
	return v.(*ClientRateLimiter)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func asRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &RPCError{Code: ParseError, Message: err.Error()}
}

// Clients describes connected websocket clients.
func (s *Server) Clients() []ClientInfo {
	return s.clients.Infos()
}
