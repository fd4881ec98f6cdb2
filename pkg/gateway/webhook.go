package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/harun/runloop/internal/tracing"
	"github.com/harun/runloop/pkg/orchestrator"
)

// SignatureHeader carries the HMAC of a webhook body.
const SignatureHeader = "X-Runloop-Signature"

type webhookRunRequest struct {
	SessionID   string `json:"session_id"`
	Instruction string `json:"instruction"`
}

type webhookError struct {
	Error string `json:"error"`
}

// SignBody returns the signature header value for body: "sha256=" followed
// by the hex HMAC-SHA256 of body keyed with secret.
func SignBody(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// verifySignature checks a signature header in constant time. Only sha256 is accepted.
func verifySignature(body []byte, header, secret string) bool {
	if !strings.HasPrefix(header, "sha256=") {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(header), []byte(SignBody(body, secret))) == 1
}

// handleWebhookRun starts a run from a signed POST. Callers that cannot
// speak JSON-RPC (CI jobs, chat bridges) use it; the response is the created
// run and events follow on the websocket.
func (s *Server) handleWebhookRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.shuttingDown() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, webhookError{Error: "failed to read request body"})
		return
	}
	if s.auth.Enabled() && !verifySignature(body, r.Header.Get(SignatureHeader), s.auth.sharedSecret) {
		s.logger.Warn().Str("ip", r.RemoteAddr).Msg("Webhook signature rejected")
		writeJSON(w, http.StatusUnauthorized, webhookError{Error: "invalid signature"})
		return
	}

	var req webhookRunRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, webhookError{Error: "invalid JSON body"})
		return
	}

	limiter := s.httpLimiter(r.RemoteAddr)
	if ok, _, reason := limiter.Acquire(); !ok {
		writeJSON(w, http.StatusTooManyRequests, webhookError{Error: reason})
		return
	}
	defer limiter.Release()
	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	ctx := tracing.WithSessionKey(tracing.WithTraceID(context.Background(), tracing.NewTraceID()), req.SessionID)
	ctx = withClientID(ctx, "webhook")
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().Str("ip", r.RemoteAddr).Msg("Webhook submitting run")

	run, err := s.runner.SubmitAsync(ctx, req.SessionID, req.Instruction)
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, webhookError{Error: err.Error()})
	case errors.Is(err, orchestrator.ErrRunInFlight):
		writeJSON(w, http.StatusConflict, webhookError{Error: err.Error()})
	case err != nil:
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Error().Err(err).Msg("Webhook run submission failed")
		writeJSON(w, http.StatusInternalServerError, webhookError{Error: "failed to start run"})
	default:
		writeJSON(w, http.StatusAccepted, run)
	}
}
