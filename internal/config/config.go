package config

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"time"
)

// Config is the runloop configuration file.
type Config struct {
	DataDir      string             `json:"data_dir" mapstructure:"data_dir"`
	Logging      LoggingConfig      `json:"logging" mapstructure:"logging"`
	Orchestrator OrchestratorConfig `json:"orchestrator" mapstructure:"orchestrator"`
	Planner      PlannerConfig      `json:"planner" mapstructure:"planner"`
	Tools        ToolsConfig        `json:"tools" mapstructure:"tools"`
	Browser      BrowserConfig      `json:"browser" mapstructure:"browser"`
	Store        StoreConfig        `json:"store" mapstructure:"store"`
	Gateway      GatewayConfig      `json:"gateway" mapstructure:"gateway"`
	Events       EventsConfig       `json:"events" mapstructure:"events"`
	Tracing      TracingConfig      `json:"tracing" mapstructure:"tracing"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// OrchestratorConfig bounds the agent loop.
type OrchestratorConfig struct {
	MaxSteps           int    `json:"max_steps" mapstructure:"max_steps"`
	PlannerTimeoutMs   int    `json:"planner_timeout_ms" mapstructure:"planner_timeout_ms"`
	ToolTimeoutMs      int    `json:"tool_timeout_ms" mapstructure:"tool_timeout_ms"`
	ApprovalTTLMinutes int    `json:"approval_ttl_minutes" mapstructure:"approval_ttl_minutes"`
	ApprovalSweep      string `json:"approval_sweep" mapstructure:"approval_sweep"` // cron spec
}

// PlannerTimeout returns the planner call timeout.
func (o OrchestratorConfig) PlannerTimeout() time.Duration {
	return time.Duration(o.PlannerTimeoutMs) * time.Millisecond
}

// ToolTimeout returns the tool call timeout.
func (o OrchestratorConfig) ToolTimeout() time.Duration {
	return time.Duration(o.ToolTimeoutMs) * time.Millisecond
}

// ApprovalTTL returns how long an approval may stay pending. Zero disables expiry.
func (o OrchestratorConfig) ApprovalTTL() time.Duration {
	return time.Duration(o.ApprovalTTLMinutes) * time.Minute
}

// PlannerConfig configures the next-action oracle.
type PlannerConfig struct {
	Profiles    []PlannerProfile `json:"profiles" mapstructure:"profiles"`
	MaxTokens   int              `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64          `json:"temperature" mapstructure:"temperature"`
	MaxRetries  int              `json:"max_retries" mapstructure:"max_retries"`
}

// PlannerProfile is one set of provider credentials. Lower priority is tried first.
type PlannerProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Model    string `json:"model" mapstructure:"model"`
	BaseURL  string `json:"base_url" mapstructure:"base_url"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// ToolsConfig configures the built-in tool catalog.
type ToolsConfig struct {
	WorkspaceDir  string `json:"workspace_dir" mapstructure:"workspace_dir"`
	ArtifactDir   string `json:"artifact_dir" mapstructure:"artifact_dir"`
	Mock          bool   `json:"mock" mapstructure:"mock"`
	ExecEnabled   bool   `json:"exec_enabled" mapstructure:"exec_enabled"`
	HTTPTimeoutMs int    `json:"http_timeout_ms" mapstructure:"http_timeout_ms"`
	RateAPIURL    string `json:"rate_api_url" mapstructure:"rate_api_url"`
	SearchURL     string `json:"search_url" mapstructure:"search_url"`
	ImageAPIKey   string `json:"image_api_key" mapstructure:"image_api_key"`
	ImageModel    string `json:"image_model" mapstructure:"image_model"`
}

// BrowserConfig configures the browser automation collaborator.
type BrowserConfig struct {
	Enabled        bool     `json:"enabled" mapstructure:"enabled"`
	Headless       bool     `json:"headless" mapstructure:"headless"`
	AllowedDomains []string `json:"allowed_domains" mapstructure:"allowed_domains"`
	BlockedDomains []string `json:"blocked_domains" mapstructure:"blocked_domains"`
}

// StoreConfig selects the durable store.
type StoreConfig struct {
	Driver string `json:"driver" mapstructure:"driver"` // memory, sqlite
	Path   string `json:"path" mapstructure:"path"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// EventsConfig configures optional event sinks.
type EventsConfig struct {
	NATSURL     string `json:"nats_url" mapstructure:"nats_url"`
	NATSSubject string `json:"nats_subject" mapstructure:"nats_subject"`
}

// TracingConfig configures OpenTelemetry.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			Redaction: true,
		},
		Orchestrator: OrchestratorConfig{
			MaxSteps:           10,
			PlannerTimeoutMs:   60000,
			ToolTimeoutMs:      30000,
			ApprovalTTLMinutes: 60,
			ApprovalSweep:      "@every 1m",
		},
		Planner: PlannerConfig{
			Profiles:    []PlannerProfile{},
			MaxTokens:   1024,
			Temperature: 0.2,
			MaxRetries:  2,
		},
		Tools: ToolsConfig{
			HTTPTimeoutMs: 15000,
			RateAPIURL:    "https://open.er-api.com/v6/latest",
			SearchURL:     "https://html.duckduckgo.com/html/",
			ImageModel:    "dall-e-3",
		},
		Browser: BrowserConfig{
			Enabled:  false,
			Headless: true,
		},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Port:    8080,
		},
		Events: EventsConfig{
			NATSSubject: "runloop.events",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "runloop",
			SampleRatio: 1,
		},
	}
}

// applyDataDir fills paths that default to locations under DataDir.
func (c *Config) applyDataDir() {
	if c.DataDir == "" {
		return
	}
	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(c.DataDir, "runloop.log")
	}
	if c.Logging.AuditFile == "" {
		c.Logging.AuditFile = filepath.Join(c.DataDir, "audit.log")
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "runloop.db")
	}
	if c.Tools.WorkspaceDir == "" {
		c.Tools.WorkspaceDir = filepath.Join(c.DataDir, "workspace")
	}
	if c.Tools.ArtifactDir == "" {
		c.Tools.ArtifactDir = filepath.Join(c.DataDir, "artifacts")
	}
}

// String returns a JSON representation of the config with credentials masked.
func (c *Config) String() string {
	masked := *c
	masked.Planner.Profiles = make([]PlannerProfile, len(c.Planner.Profiles))
	for i, p := range c.Planner.Profiles {
		if p.APIKey != "" {
			p.APIKey = "***"
		}
		masked.Planner.Profiles[i] = p
	}
	if masked.Gateway.SharedSecret != "" {
		masked.Gateway.SharedSecret = "***"
	}
	if masked.Tools.ImageAPIKey != "" {
		masked.Tools.ImageAPIKey = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid and returns the first problem found.
func (c *Config) Validate() error {
	errs := NewValidator().ValidateConfig(c)
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
