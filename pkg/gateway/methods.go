package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/runloop/internal/tracing"
	"github.com/harun/runloop/pkg/orchestrator"
	"github.com/harun/runloop/pkg/store"
	"github.com/harun/runloop/pkg/toolexecutor"
)

// Runner is the orchestrator surface exposed over RPC.
type Runner interface {
	SubmitAsync(ctx context.Context, sessionID, instruction string) (*store.Run, error)
	GetRun(ctx context.Context, runID string) (*store.Run, error)
	Resolve(ctx context.Context, approvalID string, decision orchestrator.Decision) (*store.Run, error)
}

// Catalog lists the registered tools.
type Catalog interface {
	Describe() []toolexecutor.ToolDescriptor
}

func (s *Server) registerBuiltinMethods() {
	_ = s.router.RegisterMethod("runs.submit", s.handleRunsSubmit)
	_ = s.router.RegisterMethod("runs.get", s.handleRunsGet)
	_ = s.router.RegisterMethod("approvals.resolve", s.handleApprovalsResolve)
	_ = s.router.RegisterMethod("tools.describe", s.handleToolsDescribe)
	_ = s.router.RegisterMethod("gateway.clients", func(context.Context, map[string]interface{}) (interface{}, error) {
		return s.clients.Infos(), nil
	})
	if s.status != nil {
		_ = s.router.RegisterMethod("system.status", func(context.Context, map[string]interface{}) (interface{}, error) {
			return s.status(), nil
		})
	}
}

func (s *Server) handleRunsSubmit(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, err := stringParam(params, "session_id")
	if err != nil {
		return nil, err
	}
	instruction, err := stringParam(params, "instruction")
	if err != nil {
		return nil, err
	}

	ctx = tracing.WithSessionKey(ctx, sessionID)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("client_id", ClientIDFromContext(ctx)).
		Msg("Gateway submitting run")

	run, err := s.runner.SubmitAsync(ctx, sessionID, instruction)
	if err != nil {
		return nil, rpcError(err)
	}
	return run, nil
}

func (s *Server) handleRunsGet(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	runID, err := stringParam(params, "run_id")
	if err != nil {
		return nil, err
	}
	run, err := s.runner.GetRun(ctx, runID)
	if err != nil {
		return nil, rpcError(err)
	}
	return run, nil
}

func (s *Server) handleApprovalsResolve(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	approvalID, err := stringParam(params, "approval_id")
	if err != nil {
		return nil, err
	}
	raw, err := stringParam(params, "decision")
	if err != nil {
		return nil, err
	}
	decision, err := orchestrator.ParseDecision(raw)
	if err != nil {
		return nil, rpcError(err)
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("approval_id", approvalID).
		Str("decision", string(decision)).
		Str("client_id", ClientIDFromContext(ctx)).
		Msg("Gateway resolving approval")

	run, err := s.runner.Resolve(ctx, approvalID, decision)
	if err != nil {
		return nil, rpcError(err)
	}
	return run, nil
}

func (s *Server) handleToolsDescribe(context.Context, map[string]interface{}) (interface{}, error) {
	if s.catalog == nil {
		return []toolexecutor.ToolDescriptor{}, nil
	}
	return s.catalog.Describe(), nil
}

func stringParam(params map[string]interface{}, name string) (string, error) {
	value, _ := params[name].(string)
	value = strings.TrimSpace(value)
	if value == "" {
		return "", &RPCError{Code: InvalidParams, Message: fmt.Sprintf("%s is required and must be a non-empty string", name)}
	}
	return value, nil
}

// rpcError maps domain errors to RPC error codes.
func rpcError(err error) error {
	switch {
	case errors.Is(err, orchestrator.ErrApprovalNotFound), errors.Is(err, store.ErrNotFound):
		return &RPCError{Code: NotFound, Message: err.Error()}
	case errors.Is(err, orchestrator.ErrRunInFlight):
		return &RPCError{Code: Conflict, Message: err.Error()}
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		return &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	return &RPCError{Code: InternalError, Message: err.Error()}
}
