package planner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"

	"github.com/harun/runloop/internal/config"
)

// Provider is a language model backend able to complete a conversation.
type Provider interface {
	// Complete returns the model's text answer.
	Complete(ctx context.Context, request Request) (string, error)

	// Name returns the provider name
	Name() string
}

// Request contains the parameters of one completion call.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	Temperature  float64
}

// ProviderFactory builds a Provider for an auth profile.
type ProviderFactory func(profile config.PlannerProfile) (Provider, error)

// NewProvider creates a new LLM provider based on auth profile
func NewProvider(profile config.PlannerProfile) (Provider, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey, profile.BaseURL), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey, profile.BaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

// IsRetryableError reports whether a provider error is worth retrying:
// rate limits, server errors and network timeouts.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return retryableStatus(anthropicErr.StatusCode)
	}
	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return retryableStatus(openaiErr.StatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "overloaded")
}

func retryableStatus(code int) bool {
	return code == 429 || code == 529 || code >= 500
}
