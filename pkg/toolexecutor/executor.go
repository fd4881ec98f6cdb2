package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/harun/runloop/internal/observability"
	"github.com/harun/runloop/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultTimeout        = 30 * time.Second
	defaultMaxOutputBytes = 64 * 1024
)

// Config configures a Registry.
type Config struct {
	Logger zerolog.Logger
	// DefaultTimeout bounds every call whose context has no earlier deadline.
	DefaultTimeout time.Duration
	// MaxOutputBytes caps the serialized output kept in a result.
	MaxOutputBytes int
	// Mock runs each tool's deterministic mock instead of its live handler when one exists.
	Mock bool
}

type registeredTool struct {
	tool         Tool
	inputSchema  *gojsonschema.Schema
	outputSchema *gojsonschema.Schema
}

// Registry is the tool catalog and dispatcher.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*registeredTool
	limiters *limiterSet

	logger         zerolog.Logger
	defaultTimeout time.Duration
	maxOutputBytes int
	mock           bool
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}

	observability.EnsureRegistered()

	return &Registry{
		tools:          make(map[string]*registeredTool),
		limiters:       newLimiterSet(),
		logger:         cfg.Logger,
		defaultTimeout: cfg.DefaultTimeout,
		maxOutputBytes: cfg.MaxOutputBytes,
		mock:           cfg.Mock,
	}
}

// Register adds a tool to the catalog.
func (r *Registry) Register(tool Tool) error {
	desc := tool.Descriptor
	if err := validateDescriptor(desc); err != nil {
		return err
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %s: handler cannot be nil", desc.Name)
	}

	inSchema, err := compileSchema(desc.InputSchema)
	if err != nil {
		return fmt.Errorf("tool %s: invalid input schema: %w", desc.Name, err)
	}

	var outSchema *gojsonschema.Schema
	if desc.OutputSchema != nil {
		outSchema, err = compileSchema(desc.OutputSchema)
		if err != nil {
			return fmt.Errorf("tool %s: invalid output schema: %w", desc.Name, err)
		}
	}

	tool.Descriptor.HasMock = tool.Mock != nil

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[desc.Name]; exists {
		return fmt.Errorf("tool %s already registered", desc.Name)
	}

	r.tools[desc.Name] = &registeredTool{
		tool:         tool,
		inputSchema:  inSchema,
		outputSchema: outSchema,
	}
	r.limiters.configure(desc.Name, desc.RateLimitPerMinute)

	r.logger.Debug().
		Str("tool", desc.Name).
		Str("version", desc.Version).
		Bool("mock", tool.Mock != nil).
		Msg("Tool registered")

	return nil
}

// MustRegister registers every tool and panics on the first error. Meant for
// wiring built-in catalogs at startup.
func (r *Registry) MustRegister(tools ...Tool) {
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			panic(err)
		}
	}
}

// Describe returns every descriptor sorted by name.
func (r *Registry) Describe() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ToolDescriptor, 0, len(r.tools))
	for _, rt := range r.tools {
		out = append(out, rt.tool.Descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Descriptor returns the descriptor registered under name.
func (r *Registry) Descriptor(name string) (ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, ok := r.tools[name]
	if !ok {
		return ToolDescriptor{}, false
	}
	return rt.tool.Descriptor, true
}

// Execute runs the named tool against input and never fails past its boundary.
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage) ToolResult {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(ctx, "runloop.toolexecutor", "tool.execute", attribute.String("tool", name))
	defer span.End()

	rec := newLogRecorder(time.Now())
	rec.add("start tool=%s", name)

	logger := tracing.LoggerFromContext(ctx, r.logger).With().Str("tool", name).Logger()

	r.mu.RLock()
	rt := r.tools[name]
	r.mu.RUnlock()

	var result ToolResult
	if rt == nil {
		logger.Warn().Msg("Unknown tool requested")
		result = ToolResult{OK: false, Error: UnknownTool}
	} else {
		result = r.run(ctx, rt, input, rec, logger)
	}

	result.Duration = rec.elapsed()
	rec.add("end tool=%s ok=%t elapsed=%s", name, result.OK, result.Duration.Round(time.Millisecond))
	result.Logs = rec.snapshot()

	if !result.OK {
		span.SetStatus(codes.Error, result.Error)
	}
	observability.RecordToolExecution(name, result.Duration, result.OK)
	r.audit(ctx, rt, name, input, result)

	return result
}

func (r *Registry) run(ctx context.Context, rt *registeredTool, input json.RawMessage, rec *logRecorder, logger zerolog.Logger) ToolResult {
	desc := rt.tool.Descriptor

	if !r.limiters.allow(desc.Name) {
		logger.Warn().Int("per_minute", desc.RateLimitPerMinute).Msg("Tool rate limit exceeded")
		return ToolResult{OK: false, Error: RateLimited}
	}

	if len(input) == 0 || string(input) == "null" {
		input = json.RawMessage(`{}`)
	}
	if err := validateJSON(rt.inputSchema, input); err != nil {
		logger.Debug().Err(err).Msg("Tool input rejected")
		return ToolResult{OK: false, Error: fmt.Sprintf("invalid input: %v", err)}
	}

	handler := rt.tool.Handler
	if r.mock && rt.tool.Mock != nil {
		handler = rt.tool.Mock
		rec.add("mock handler in use")
	}

	timeout := r.defaultTimeout
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	callCtx, cancel := context.WithTimeout(withRecorder(ctx, rec), timeout)
	defer cancel()

	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				logger.Error().Interface("panic", p).Str("stack", string(debug.Stack())).Msg("Tool handler panicked")
				done <- outcome{err: fmt.Errorf("tool panicked: %v", p), finished: true}
			}
		}()
		value, err := handler(callCtx, input)
		done <- outcome{value: value, err: err, finished: true}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-callCtx.Done():
	}

	// A handler that gave up because its context ended is reported the same
	// way as one that never returned.
	if callCtx.Err() != nil && (out.err != nil || !out.finished) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ToolResult{OK: false, Error: fmt.Sprintf("tool execution cancelled: %v", ctx.Err())}
		}
		logger.Warn().Dur("timeout", timeout).Msg("Tool execution timeout")
		return ToolResult{OK: false, Error: fmt.Sprintf("tool execution timeout after %v", timeout.Round(time.Millisecond))}
	}

	if out.err != nil {
		logger.Debug().Err(out.err).Msg("Tool execution failed")
		return ToolResult{
			OK:       false,
			Error:    out.err.Error(),
			Terminal: IsTerminal(out.err),
		}
	}

	return r.success(rt, out.value, rec)
}

type outcome struct {
	value    interface{}
	err      error
	finished bool
}

func (r *Registry) success(rt *registeredTool, value interface{}, rec *logRecorder) ToolResult {
	result := ToolResult{OK: true}

	if value != nil {
		data, err := json.Marshal(value)
		if err != nil {
			return ToolResult{OK: false, Error: fmt.Sprintf("failed to encode tool output: %v", err)}
		}
		if rt.outputSchema != nil {
			if err := validateJSON(rt.outputSchema, data); err != nil {
				return ToolResult{OK: false, Error: fmt.Sprintf("tool output does not match schema: %v", err)}
			}
		}
		if len(data) > r.maxOutputBytes {
			rec.add("output truncated from %d to %d bytes", len(data), r.maxOutputBytes)
			data, _ = json.Marshal(map[string]interface{}{
				"truncated": true,
				"preview":   string(data[:r.maxOutputBytes]),
			})
		}
		result.Output = data
	}

	if p, ok := value.(ArtifactProducer); ok {
		result.Artifacts = p.ToolArtifacts()
	}
	if d, ok := value.(Displayable); ok {
		result.Display = d.DisplayText()
	}

	return result
}

func (r *Registry) audit(ctx context.Context, rt *registeredTool, name string, input json.RawMessage, result ToolResult) {
	status := "success"
	if !result.OK {
		status = "failure"
	}

	metadata := map[string]interface{}{
		"elapsed_ms": result.Duration.Milliseconds(),
	}
	if result.Error != "" {
		metadata["error"] = result.Error
	}

	var fields []string
	if rt != nil {
		fields = rt.tool.Descriptor.RedactFields
		metadata["side_effects"] = rt.tool.Descriptor.SideEffects
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(input, &decoded); err == nil {
		metadata["input"] = observability.RedactFields(decoded, fields)
	}

	observability.RecordToolAudit(ctx, name, tracing.GetSessionKey(ctx), status, metadata)
}

func validateDescriptor(desc ToolDescriptor) error {
	if desc.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if desc.Description == "" {
		return fmt.Errorf("tool %s: description cannot be empty", desc.Name)
	}
	if _, err := semver.StrictNewVersion(desc.Version); err != nil {
		return fmt.Errorf("tool %s: invalid version %q: %w", desc.Name, desc.Version, err)
	}
	if desc.InputSchema == nil {
		return fmt.Errorf("tool %s: input schema is required", desc.Name)
	}
	if desc.RateLimitPerMinute < 0 {
		return fmt.Errorf("tool %s: rate limit cannot be negative", desc.Name)
	}
	return nil
}
