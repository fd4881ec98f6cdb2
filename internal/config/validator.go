package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateProvider checks a planner provider name.
func (v *Validator) ValidateProvider(provider string) error {
	switch provider {
	case "anthropic", "openai":
		return nil
	default:
		return fmt.Errorf("invalid provider %q (must be: anthropic, openai)", provider)
	}
}

// ValidateLogLevel validates a log level
func (v *Validator) ValidateLogLevel(level string) error {
	switch level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("invalid log level %q (must be: debug, info, warn, error)", level)
	}
}

// ValidateStoreDriver validates the store driver name.
func (v *Validator) ValidateStoreDriver(driver string) error {
	switch driver {
	case "memory", "sqlite":
		return nil
	default:
		return fmt.Errorf("invalid store driver %q (must be: memory, sqlite)", driver)
	}
}

// ValidateCronSpec checks a schedule using the same parser the sweeper uses.
func (v *Validator) ValidateCronSpec(spec string) error {
	if spec == "" {
		return nil
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return nil
}

// ValidateConfig returns every problem found in cfg.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	if cfg.Orchestrator.MaxSteps <= 0 {
		errs = append(errs, fmt.Errorf("orchestrator.max_steps must be positive, got %d", cfg.Orchestrator.MaxSteps))
	}
	if cfg.Orchestrator.PlannerTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("orchestrator.planner_timeout_ms must be positive"))
	}
	if cfg.Orchestrator.ToolTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("orchestrator.tool_timeout_ms must be positive"))
	}
	if cfg.Orchestrator.ApprovalTTLMinutes < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.approval_ttl_minutes cannot be negative"))
	}
	if err := v.ValidateCronSpec(cfg.Orchestrator.ApprovalSweep); err != nil {
		errs = append(errs, err)
	}

	seen := make(map[string]bool)
	for i, p := range cfg.Planner.Profiles {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("planner profile %d: id is required", i))
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("planner profile %s: duplicate id", p.ID))
		}
		seen[p.ID] = true
		if err := v.ValidateProvider(p.Provider); err != nil {
			errs = append(errs, fmt.Errorf("planner profile %s: %w", p.ID, err))
			continue
		}
		if err := v.ValidateAPIKey(p.APIKey, p.Provider); err != nil {
			errs = append(errs, fmt.Errorf("planner profile %s: %w", p.ID, err))
		}
		if p.Model == "" {
			errs = append(errs, fmt.Errorf("planner profile %s: model is required", p.ID))
		}
	}

	if err := v.ValidateStoreDriver(cfg.Store.Driver); err != nil {
		errs = append(errs, err)
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.Path == "" {
		errs = append(errs, fmt.Errorf("store.path is required for the sqlite driver"))
	}

	if cfg.Gateway.Enabled {
		if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
			errs = append(errs, fmt.Errorf("gateway.port out of range: %d", cfg.Gateway.Port))
		}
		if cfg.Gateway.SharedSecret == "" {
			errs = append(errs, fmt.Errorf("gateway.shared_secret is required when the gateway is enabled"))
		}
	}

	if cfg.Tools.HTTPTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("tools.http_timeout_ms must be positive"))
	}

	return errs
}
