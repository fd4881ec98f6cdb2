package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// UnknownTool is the error reported for a name missing from the catalog.
const UnknownTool = "unknown_tool"

// RateLimited is the error reported when a tool's per-minute budget is spent.
const RateLimited = "rate_limited"

// SideEffect names a category of effect a tool has outside the process.
type SideEffect string

const (
	SideEffectFilesystemWrite SideEffect = "filesystem:write"
	SideEffectProcessSpawn    SideEffect = "process:spawn"
	SideEffectNetworkHTTP     SideEffect = "network:http"
	SideEffectBrowserSession  SideEffect = "browser:session"
	SideEffectGeneration      SideEffect = "provider:generation"
)

// ToolDescriptor is the capability metadata of one tool.
type ToolDescriptor struct {
	Name               string                 `json:"name"`
	Version            string                 `json:"version"`
	Description        string                 `json:"description"`
	Tags               []string               `json:"tags,omitempty"`
	InputSchema        map[string]interface{} `json:"input_schema"`
	OutputSchema       map[string]interface{} `json:"output_schema,omitempty"`
	Permissions        []string               `json:"permissions,omitempty"`
	SideEffects        []SideEffect           `json:"side_effects,omitempty"`
	RateLimitPerMinute int                    `json:"rate_limit_per_minute,omitempty"`
	RedactFields       []string               `json:"redact_fields,omitempty"`
	HasMock            bool                   `json:"has_mock"`

	// TerminatesLoopOn reports whether a result from this tool ends the agent
	// loop. Nil means never.
	TerminatesLoopOn func(ToolResult) bool `json:"-"`
}

// HasSideEffects reports whether the tool declares any side effect.
func (d ToolDescriptor) HasSideEffects() bool {
	return len(d.SideEffects) > 0
}

// Terminates evaluates TerminatesLoopOn for result.
func (d ToolDescriptor) Terminates(result ToolResult) bool {
	if d.TerminatesLoopOn == nil {
		return false
	}
	return d.TerminatesLoopOn(result)
}

// Artifact is a named, externally retrievable output of a tool call.
type Artifact struct {
	Name string `json:"name"`
	Href string `json:"href"`
}

// ToolResult is the normalized envelope returned by Execute.
type ToolResult struct {
	OK        bool            `json:"ok"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Logs      []string        `json:"logs"`
	Artifacts []Artifact      `json:"artifacts,omitempty"`

	// Display is text meant to be shown to the user as-is (a reply, a link).
	Display string `json:"display,omitempty"`
	// Terminal marks a failure the agent loop must not try to recover from.
	Terminal bool          `json:"terminal,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Handler runs a tool against already validated JSON input.
type Handler func(ctx context.Context, input json.RawMessage) (interface{}, error)

// Tool pairs a descriptor with its live handler and optional deterministic mock.
type Tool struct {
	Descriptor ToolDescriptor
	Handler    Handler
	Mock       Handler
}

// ArtifactProducer is implemented by tool outputs that created artifacts.
type ArtifactProducer interface {
	ToolArtifacts() []Artifact
}

// Displayable is implemented by tool outputs with user-facing text.
type Displayable interface {
	DisplayText() string
}

// TerminalError marks a tool failure as fatal for the run, such as a provider
// rejecting credentials or content.
type TerminalError struct {
	Reason string
	Err    error
}

func (e *TerminalError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	if e.Reason == "" {
		return e.Err.Error()
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// Terminal wraps err as a TerminalError.
func Terminal(reason string, err error) error {
	return &TerminalError{Reason: reason, Err: err}
}

// IsTerminal reports whether err is, or wraps, a TerminalError.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}
