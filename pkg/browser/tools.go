package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/harun/runloop/pkg/toolexecutor"
)

const toolVersion = "1.0.0"

var errDisabled = errors.New("browser automation is disabled")

// ToolOptions configures the browser tools.
type ToolOptions struct {
	// Client may be nil when browser automation is disabled; live handlers then
	// fail and mocks keep working.
	Client      Client
	ArtifactDir string
}

type openInput struct {
	URL       string `json:"url"`
	SessionID string `json:"session_id"`
}

type selectorInput struct {
	SessionID string `json:"session_id"`
	Selector  string `json:"selector"`
}

type typeInput struct {
	SessionID string `json:"session_id"`
	Selector  string `json:"selector"`
	Text      string `json:"text"`
}

type sessionInput struct {
	SessionID string `json:"session_id"`
}

type evaluateInput struct {
	SessionID string `json:"session_id"`
	Script    string `json:"script"`
}

type actionOutput struct {
	SessionID string `json:"session_id"`
	Action    string `json:"action"`
	Selector  string `json:"selector"`
}

type screenshotOutput struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
	Bytes     int    `json:"bytes"`
}

func (o screenshotOutput) ToolArtifacts() []toolexecutor.Artifact {
	return []toolexecutor.Artifact{{Name: filepath.Base(o.Path), Href: "file://" + o.Path}}
}

type evaluateOutput struct {
	SessionID string      `json:"session_id"`
	Result    interface{} `json:"result"`
}

// NewSessionID returns a short url-safe browser session id.
func NewSessionID() string {
	return "br_" + gonanoid.Must(12)
}

// Tools returns the browser tool set.
func Tools(opts ToolOptions) []toolexecutor.Tool {
	return []toolexecutor.Tool{
		openTool(opts),
		clickTool(opts),
		typeTool(opts),
		screenshotTool(opts),
		evaluateTool(opts),
	}
}

// Register adds the browser tools to registry.
func Register(registry *toolexecutor.Registry, opts ToolOptions) error {
	for _, tool := range Tools(opts) {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Descriptor.Name, err)
		}
	}
	return nil
}

func sessionParam() toolexecutor.Param {
	return toolexecutor.Param{Name: "session_id", Type: "string", Description: "Browser session id returned by browser_open", Required: true}
}

func descriptor(name, description string, params ...toolexecutor.Param) toolexecutor.ToolDescriptor {
	return toolexecutor.ToolDescriptor{
		Name:               name,
		Version:            toolVersion,
		Description:        description,
		Tags:               []string{"browser"},
		InputSchema:        toolexecutor.ObjectSchema(params...),
		Permissions:        []string{"browser"},
		SideEffects:        []toolexecutor.SideEffect{toolexecutor.SideEffectBrowserSession},
		RateLimitPerMinute: 60,
	}
}

func openTool(opts ToolOptions) toolexecutor.Tool {
	return toolexecutor.Tool{
		Descriptor: descriptor("browser_open",
			"Open a URL in a browser session. Omit session_id to start a new session.",
			toolexecutor.Param{Name: "url", Type: "string", Description: "Absolute URL", Required: true},
			toolexecutor.Param{Name: "session_id", Type: "string", Description: "Existing session to reuse"},
		),
		Handler: toolexecutor.Typed(func(ctx context.Context, in openInput) (PageInfo, error) {
			if opts.Client == nil {
				return PageInfo{}, errDisabled
			}
			if in.SessionID == "" {
				in.SessionID = NewSessionID()
			}
			toolexecutor.Logf(ctx, "opening %s in session %s", in.URL, in.SessionID)
			return opts.Client.Open(ctx, in.SessionID, in.URL)
		}),
		Mock: toolexecutor.Typed(func(_ context.Context, in openInput) (PageInfo, error) {
			if in.SessionID == "" {
				in.SessionID = "br_mock"
			}
			return PageInfo{SessionID: in.SessionID, URL: in.URL, Title: "Mock page"}, nil
		}),
	}
}

func clickTool(opts ToolOptions) toolexecutor.Tool {
	return toolexecutor.Tool{
		Descriptor: descriptor("browser_click", "Click the first element matching a CSS selector.",
			sessionParam(),
			toolexecutor.Param{Name: "selector", Type: "string", Description: "CSS selector", Required: true},
		),
		Handler: toolexecutor.Typed(func(ctx context.Context, in selectorInput) (actionOutput, error) {
			if opts.Client == nil {
				return actionOutput{}, errDisabled
			}
			if err := opts.Client.Click(ctx, in.SessionID, in.Selector); err != nil {
				return actionOutput{}, err
			}
			return actionOutput{SessionID: in.SessionID, Action: "click", Selector: in.Selector}, nil
		}),
		Mock: toolexecutor.Typed(func(_ context.Context, in selectorInput) (actionOutput, error) {
			return actionOutput{SessionID: in.SessionID, Action: "click", Selector: in.Selector}, nil
		}),
	}
}

func typeTool(opts ToolOptions) toolexecutor.Tool {
	return toolexecutor.Tool{
		Descriptor: descriptor("browser_type", "Type text into the element matching a CSS selector.",
			sessionParam(),
			toolexecutor.Param{Name: "selector", Type: "string", Description: "CSS selector", Required: true},
			toolexecutor.Param{Name: "text", Type: "string", Description: "Text to type", Required: true},
		),
		Handler: toolexecutor.Typed(func(ctx context.Context, in typeInput) (actionOutput, error) {
			if opts.Client == nil {
				return actionOutput{}, errDisabled
			}
			if err := opts.Client.Type(ctx, in.SessionID, in.Selector, in.Text); err != nil {
				return actionOutput{}, err
			}
			return actionOutput{SessionID: in.SessionID, Action: "type", Selector: in.Selector}, nil
		}),
		Mock: toolexecutor.Typed(func(_ context.Context, in typeInput) (actionOutput, error) {
			return actionOutput{SessionID: in.SessionID, Action: "type", Selector: in.Selector}, nil
		}),
	}
}

func screenshotTool(opts ToolOptions) toolexecutor.Tool {
	desc := descriptor("browser_screenshot", "Capture the visible viewport of a browser session as a PNG artifact.", sessionParam())
	desc.SideEffects = append(desc.SideEffects, toolexecutor.SideEffectFilesystemWrite)
	return toolexecutor.Tool{
		Descriptor: desc,
		Handler: toolexecutor.Typed(func(ctx context.Context, in sessionInput) (screenshotOutput, error) {
			if opts.Client == nil {
				return screenshotOutput{}, errDisabled
			}
			data, err := opts.Client.Screenshot(ctx, in.SessionID)
			if err != nil {
				return screenshotOutput{}, err
			}
			dir, err := filepath.Abs(opts.ArtifactDir)
			if err != nil {
				return screenshotOutput{}, fmt.Errorf("invalid artifact dir: %w", err)
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return screenshotOutput{}, fmt.Errorf("failed to create artifact dir: %w", err)
			}
			path := filepath.Join(dir, fmt.Sprintf("%s-%d.png", in.SessionID, time.Now().UnixMilli()))
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return screenshotOutput{}, fmt.Errorf("failed to save screenshot: %w", err)
			}
			toolexecutor.Logf(ctx, "screenshot saved to %s", path)
			return screenshotOutput{SessionID: in.SessionID, Path: path, Bytes: len(data)}, nil
		}),
		Mock: toolexecutor.Typed(func(_ context.Context, in sessionInput) (screenshotOutput, error) {
			return screenshotOutput{SessionID: in.SessionID, Path: "/tmp/" + in.SessionID + "-mock.png"}, nil
		}),
	}
}

func evaluateTool(opts ToolOptions) toolexecutor.Tool {
	return toolexecutor.Tool{
		Descriptor: descriptor("browser_evaluate", "Evaluate a JavaScript expression in the page and return its JSON value.",
			sessionParam(),
			toolexecutor.Param{Name: "script", Type: "string", Description: "Expression, or a function body using return", Required: true},
		),
		Handler: toolexecutor.Typed(func(ctx context.Context, in evaluateInput) (evaluateOutput, error) {
			if opts.Client == nil {
				return evaluateOutput{}, errDisabled
			}
			value, err := opts.Client.Evaluate(ctx, in.SessionID, in.Script)
			if err != nil {
				return evaluateOutput{}, err
			}
			return evaluateOutput{SessionID: in.SessionID, Result: value}, nil
		}),
		Mock: toolexecutor.Typed(func(_ context.Context, in evaluateInput) (evaluateOutput, error) {
			return evaluateOutput{SessionID: in.SessionID, Result: nil}, nil
		}),
	}
}
