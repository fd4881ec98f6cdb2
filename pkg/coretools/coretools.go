// Package coretools provides the built-in tool catalog: text, JSON, HTTP,
// search, currency, filesystem, process and image generation tools.
package coretools

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/runloop/pkg/toolexecutor"
)

const toolVersion = "1.0.0"

// Options configures core tool registration.
type Options struct {
	WorkspaceDir string
	ArtifactDir  string
	ExecEnabled  bool

	HTTPClient  *http.Client
	HTTPTimeout time.Duration
	RateAPIURL  string
	SearchURL   string

	// Images backs generate_image. Nil registers the tool with a handler that
	// always fails, which keeps the catalog stable.
	Images ImageGenerator

	Logger zerolog.Logger
}

func (o Options) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	timeout := o.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// Tools returns every core tool.
func Tools(opts Options) []toolexecutor.Tool {
	return []toolexecutor.Tool{
		echoTool(),
		jsonQueryTool(),
		replyTool(),
		fetchURLTool(opts),
		fetchRateTool(opts),
		webSearchTool(opts),
		readFileTool(opts),
		writeFileTool(opts),
		execTool(opts),
		generateImageTool(opts),
	}
}

// Register adds every core tool to registry.
func Register(registry *toolexecutor.Registry, opts Options) error {
	if registry == nil {
		return errors.New("tool registry is required")
	}
	for _, tool := range Tools(opts) {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Descriptor.Name, err)
		}
	}
	return nil
}

func terminatesOnSuccess(result toolexecutor.ToolResult) bool {
	return result.OK
}

func terminatesOnDisplay(result toolexecutor.ToolResult) bool {
	return result.OK && result.Display != ""
}
