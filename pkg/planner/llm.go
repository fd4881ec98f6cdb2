package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/runloop/internal/config"
	"github.com/harun/runloop/internal/observability"
	"github.com/harun/runloop/internal/tracing"
	"github.com/harun/runloop/pkg/toolexecutor"
)

// Catalog lists the tools a planner may choose from.
type Catalog interface {
	Describe() []toolexecutor.ToolDescriptor
}

// LLMConfig configures an LLMPlanner.
type LLMConfig struct {
	Profiles    []config.PlannerProfile
	MaxTokens   int
	Temperature float64
	MaxRetries  int
	Catalog     Catalog
	Logger      zerolog.Logger

	// NewProvider overrides provider construction; defaults to NewProvider.
	NewProvider ProviderFactory
	// BaseBackoff is the first retry delay, doubled per attempt. Defaults to 1s.
	BaseBackoff time.Duration
}

type profileState struct {
	profile       config.PlannerProfile
	failureCount  int
	cooldownUntil time.Time
}

// LLMPlanner asks a language model for the next action.
type LLMPlanner struct {
	cfg      LLMConfig
	mu       sync.Mutex
	profiles []*profileState
	now      func() time.Time
}

// NewLLMPlanner creates an LLM-backed planner. With no profiles every Plan
// call returns ErrPlannerUnavailable.
func NewLLMPlanner(cfg LLMConfig) *LLMPlanner {
	if cfg.NewProvider == nil {
		cfg.NewProvider = NewProvider
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}

	profiles := make([]*profileState, 0, len(cfg.Profiles))
	for _, p := range cfg.Profiles {
		profiles = append(profiles, &profileState{profile: p})
	}
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].profile.Priority < profiles[j].profile.Priority
	})

	return &LLMPlanner{cfg: cfg, profiles: profiles, now: time.Now}
}

// Plan implements Planner.
func (p *LLMPlanner) Plan(ctx context.Context, history []Message) (Action, error) {
	ctx, span := tracing.StartSpan(ctx, "runloop.planner", "planner.plan",
		attribute.Int("history_len", len(history)))
	defer span.End()

	if len(p.profiles) == 0 {
		return Action{}, fmt.Errorf("%w: no planner profiles configured", ErrPlannerUnavailable)
	}

	text, err := p.executeWithFailover(ctx, history)
	if err != nil {
		span.RecordError(err)
		return Action{}, fmt.Errorf("%w: %w", ErrPlannerUnavailable, err)
	}

	action, err := ParseAction(text)
	if err != nil {
		span.RecordError(err)
		return Action{}, fmt.Errorf("%w: %w", ErrPlannerUnavailable, err)
	}
	span.SetAttributes(attribute.String("action", action.Name))
	return action, nil
}

// executeWithFailover tries profiles in priority order, skipping those in cooldown.
func (p *LLMPlanner) executeWithFailover(ctx context.Context, history []Message) (string, error) {
	logger := tracing.LoggerFromContext(ctx, p.cfg.Logger)
	request := Request{
		SystemPrompt: SystemPrompt(p.describe()),
		Messages:     history,
		MaxTokens:    p.cfg.MaxTokens,
		Temperature:  p.cfg.Temperature,
	}

	var lastErr error
	for _, state := range p.snapshot() {
		profile := state.profile
		if p.now().Before(state.cooldownUntil) {
			observability.SetProviderCooldown(profile.ID, true)
			logger.Debug().Str("profileId", profile.ID).Msg("Skipping profile in cooldown")
			continue
		}
		observability.SetProviderCooldown(profile.ID, false)

		provider, err := p.cfg.NewProvider(profile)
		if err != nil {
			lastErr = err
			logger.Warn().Str("profileId", profile.ID).Err(err).Msg("Failed to create provider")
			continue
		}

		request.Model = profile.Model
		text, err := p.callWithRetry(ctx, provider, request, logger)
		if err == nil {
			p.markSuccess(profile.ID)
			return text, nil
		}

		lastErr = err
		logger.Warn().Str("profileId", profile.ID).Str("provider", provider.Name()).Err(err).Msg("Planner profile failed")
		p.markFailure(profile.ID)

		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}

	if lastErr == nil {
		return "", errors.New("all planner profiles are cooling down")
	}
	return "", fmt.Errorf("all planner profiles failed: %w", lastErr)
}

// callWithRetry calls the provider with exponential backoff on retryable errors.
func (p *LLMPlanner) callWithRetry(ctx context.Context, provider Provider, request Request, logger zerolog.Logger) (string, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		text, err := provider.Complete(ctx, request)
		if err == nil {
			return text, nil
		}
		lastErr = err

		if !IsRetryableError(err) || attempt == p.cfg.MaxRetries-1 {
			break
		}

		delay := p.cfg.BaseBackoff * time.Duration(1<<attempt)
		logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying planner call after error")

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	return "", lastErr
}

func (p *LLMPlanner) snapshot() []profileState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]profileState, len(p.profiles))
	for i, s := range p.profiles {
		out[i] = *s
	}
	return out
}

func (p *LLMPlanner) markSuccess(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.profiles {
		if s.profile.ID == id {
			s.failureCount = 0
			s.cooldownUntil = time.Time{}
			observability.SetProviderCooldown(id, false)
			return
		}
	}
}

// markFailure puts a profile in cooldown for one minute per consecutive failure.
func (p *LLMPlanner) markFailure(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.profiles {
		if s.profile.ID == id {
			s.failureCount++
			s.cooldownUntil = p.now().Add(time.Duration(s.failureCount) * time.Minute)
			observability.SetProviderCooldown(id, true)
			return
		}
	}
}

func (p *LLMPlanner) describe() []toolexecutor.ToolDescriptor {
	if p.cfg.Catalog == nil {
		return nil
	}
	return p.cfg.Catalog.Describe()
}

// SystemPrompt renders the instructions and tool catalog sent to the model.
func SystemPrompt(tools []toolexecutor.ToolDescriptor) string {
	var b strings.Builder
	b.WriteString("You are the planner of an autonomous agent. Choose exactly one next action.\n")
	b.WriteString("Answer with a single JSON object and nothing else:\n")
	b.WriteString(`{"tool": "<tool name>", "input": {...}, "rationale": "<one sentence>"}` + "\n")
	b.WriteString("To answer the user directly, use the \"reply\" tool with {\"text\": \"...\"}.\n")
	b.WriteString("When a tool FAILED, read the error, correct the input or choose another tool.\n\n")
	b.WriteString("Available tools:\n")
	for _, t := range tools {
		schema, _ := json.Marshal(t.InputSchema)
		fmt.Fprintf(&b, "- %s: %s\n  input schema: %s\n", t.Name, t.Description, schema)
	}
	return b.String()
}

// ParseAction extracts an Action from a model answer. Plain text without any
// JSON object becomes a reply; a JSON object without a tool name is an error.
func ParseAction(text string) (Action, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Action{}, errors.New("empty planner answer")
	}

	candidate := extractJSON(text)
	if candidate == "" {
		return ReplyAction(text, "model answered in plain text"), nil
	}

	parsed := gjson.Parse(candidate)
	name := parsed.Get("tool")
	if !name.Exists() {
		name = parsed.Get("name")
	}
	if name.Type != gjson.String || strings.TrimSpace(name.String()) == "" {
		return Action{}, fmt.Errorf("planner answer has no tool name: %q", truncate(candidate, 200))
	}

	input := json.RawMessage(`{}`)
	if in := parsed.Get("input"); in.Exists() {
		if !in.IsObject() {
			return Action{}, fmt.Errorf("planner input for %s is not an object", name.String())
		}
		input = json.RawMessage(in.Raw)
	}

	return Action{
		Name:      strings.TrimSpace(name.String()),
		Input:     input,
		Rationale: parsed.Get("rationale").String(),
	}, nil
}

// extractJSON returns the first JSON object in text: a fenced block or a
// balanced brace span.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```"); idx >= 0 {
		start := idx + 3
		if nl := strings.IndexByte(text[start:], '\n'); nl >= 0 {
			start += nl + 1
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if gjson.Valid(candidate) && strings.HasPrefix(candidate, "{") {
				return candidate
			}
		}
	}

	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		if candidate := balancedObject(text[i:]); candidate != "" && gjson.Valid(candidate) {
			return candidate
		}
	}
	return ""
}

func balancedObject(s string) string {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
