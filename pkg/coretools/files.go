package coretools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harun/runloop/pkg/toolexecutor"
)

const maxReadBytes = 1 << 20

type readFileInput struct {
	Path string `json:"path"`
}

type readFileOutput struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Size      int64  `json:"size"`
	Truncated bool   `json:"truncated"`
}

type writeFileInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type writeFileOutput struct {
	Path         string `json:"path"`
	BytesWritten int    `json:"bytes_written"`
}

func (o writeFileOutput) ToolArtifacts() []toolexecutor.Artifact {
	return []toolexecutor.Artifact{{Name: filepath.Base(o.Path), Href: "file://" + o.Path}}
}

func workspaceRoot(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to resolve working directory: %w", err)
		}
		dir = wd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("invalid workspace dir: %w", err)
	}
	return abs, nil
}

// resolvePathInWorkspace joins pathValue onto root and rejects anything that
// escapes it.
func resolvePathInWorkspace(root string, pathValue string) (string, error) {
	pathValue = strings.TrimSpace(pathValue)
	if pathValue == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.Contains(pathValue, "://") {
		return "", fmt.Errorf("path must be a local file")
	}
	candidate := pathValue
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside workspace root", pathValue)
	}
	return candidate, nil
}

func readFile(opts Options) func(ctx context.Context, in readFileInput) (readFileOutput, error) {
	return func(ctx context.Context, in readFileInput) (readFileOutput, error) {
		root, err := workspaceRoot(opts.WorkspaceDir)
		if err != nil {
			return readFileOutput{}, err
		}
		path, err := resolvePathInWorkspace(root, in.Path)
		if err != nil {
			return readFileOutput{}, err
		}
		info, err := os.Stat(path)
		if err != nil {
			return readFileOutput{}, fmt.Errorf("failed to stat %s: %w", in.Path, err)
		}
		if info.IsDir() {
			return readFileOutput{}, fmt.Errorf("%s is a directory", in.Path)
		}

		f, err := os.Open(path)
		if err != nil {
			return readFileOutput{}, fmt.Errorf("failed to open %s: %w", in.Path, err)
		}
		defer f.Close()

		buf := make([]byte, maxReadBytes)
		n, err := f.Read(buf)
		if err != nil && n == 0 && info.Size() > 0 {
			return readFileOutput{}, fmt.Errorf("failed to read %s: %w", in.Path, err)
		}
		toolexecutor.Logf(ctx, "read %d of %d bytes from %s", n, info.Size(), path)
		return readFileOutput{
			Path:      path,
			Content:   string(buf[:n]),
			Size:      info.Size(),
			Truncated: info.Size() > int64(n),
		}, nil
	}
}

func writeFile(opts Options) func(ctx context.Context, in writeFileInput) (writeFileOutput, error) {
	return func(ctx context.Context, in writeFileInput) (writeFileOutput, error) {
		root, err := workspaceRoot(opts.ArtifactDir)
		if err != nil {
			return writeFileOutput{}, err
		}
		path, err := resolvePathInWorkspace(root, in.Path)
		if err != nil {
			return writeFileOutput{}, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return writeFileOutput{}, fmt.Errorf("failed to create directory: %w", err)
		}
		if err := os.WriteFile(path, []byte(in.Content), 0o644); err != nil {
			return writeFileOutput{}, fmt.Errorf("failed to write %s: %w", in.Path, err)
		}
		toolexecutor.Logf(ctx, "wrote %d bytes to %s", len(in.Content), path)
		return writeFileOutput{Path: path, BytesWritten: len(in.Content)}, nil
	}
}

func readFileTool(opts Options) toolexecutor.Tool {
	return toolexecutor.Tool{
		Descriptor: toolexecutor.ToolDescriptor{
			Name:        "read_file",
			Version:     toolVersion,
			Description: "Read a text file from the workspace directory.",
			Tags:        []string{"filesystem"},
			InputSchema: toolexecutor.ObjectSchema(
				toolexecutor.Param{Name: "path", Type: "string", Description: "Path relative to the workspace", Required: true},
			),
			Permissions: []string{"filesystem:read"},
		},
		Handler: toolexecutor.Typed(readFile(opts)),
	}
}

func writeFileTool(opts Options) toolexecutor.Tool {
	return toolexecutor.Tool{
		Descriptor: toolexecutor.ToolDescriptor{
			Name:        "write_file",
			Version:     toolVersion,
			Description: "Write a text file into the artifact directory and return it as an artifact.",
			Tags:        []string{"filesystem"},
			InputSchema: toolexecutor.ObjectSchema(
				toolexecutor.Param{Name: "path", Type: "string", Description: "Path relative to the artifact directory", Required: true},
				toolexecutor.Param{Name: "content", Type: "string", Description: "File content", Required: true},
			),
			Permissions: []string{"filesystem:write"},
			SideEffects: []toolexecutor.SideEffect{toolexecutor.SideEffectFilesystemWrite},
		},
		Handler: toolexecutor.Typed(writeFile(opts)),
	}
}
