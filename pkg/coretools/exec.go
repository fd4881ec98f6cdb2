package coretools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/harun/runloop/pkg/toolexecutor"
)

const maxExecOutput = 64 * 1024

type execInput struct {
	Command   string   `json:"command"`
	Args      []string `json:"args"`
	TimeoutMs int      `json:"timeout_ms"`
}

type execOutput struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

func capOutput(b []byte) string {
	if len(b) > maxExecOutput {
		return string(b[:maxExecOutput]) + "\n[truncated]"
	}
	return string(b)
}

// execCommand runs a binary without a shell inside the workspace directory.
// A non-zero exit is reported as an error carrying stderr.
func execCommand(opts Options) func(ctx context.Context, in execInput) (execOutput, error) {
	return func(ctx context.Context, in execInput) (execOutput, error) {
		if !opts.ExecEnabled {
			return execOutput{}, errors.New("exec is disabled by configuration")
		}
		root, err := workspaceRoot(opts.WorkspaceDir)
		if err != nil {
			return execOutput{}, err
		}
		if in.TimeoutMs > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(in.TimeoutMs)*time.Millisecond)
			defer cancel()
		}

		cmd := exec.CommandContext(ctx, in.Command, in.Args...)
		cmd.Dir = root
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		toolexecutor.Logf(ctx, "exec %s %v", in.Command, in.Args)
		runErr := cmd.Run()
		out := execOutput{Stdout: capOutput(stdout.Bytes()), Stderr: capOutput(stderr.Bytes())}
		if runErr != nil {
			var exitErr *exec.ExitError
			if errors.As(runErr, &exitErr) {
				out.ExitCode = exitErr.ExitCode()
				return out, fmt.Errorf("command exited with code %d: %s", out.ExitCode, out.Stderr)
			}
			return out, fmt.Errorf("failed to run command: %w", runErr)
		}
		return out, nil
	}
}

func execTool(opts Options) toolexecutor.Tool {
	return toolexecutor.Tool{
		Descriptor: toolexecutor.ToolDescriptor{
			Name:        "exec",
			Version:     toolVersion,
			Description: "Run a program (no shell) in the workspace directory and capture its output.",
			Tags:        []string{"process"},
			InputSchema: map[string]interface{}{
				"type":                 "object",
				"additionalProperties": false,
				"required":             []string{"command"},
				"properties": map[string]interface{}{
					"command":    map[string]interface{}{"type": "string", "minLength": 1},
					"args":       map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
					"timeout_ms": map[string]interface{}{"type": "integer", "minimum": 0},
				},
			},
			Permissions: []string{"process:exec"},
			SideEffects: []toolexecutor.SideEffect{toolexecutor.SideEffectProcessSpawn},
		},
		Handler: toolexecutor.Typed(execCommand(opts)),
	}
}
