package files

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/codeloom-ai/codeloom/internal/agent"
	"github.com/codeloom-ai/codeloom/internal/tools/toolutil"
)

// WriteTool writes whole files, creating parent directories as needed.
type WriteTool struct{}

// NewWriteTool creates the Write tool.
func NewWriteTool() *WriteTool { return &WriteTool{} }

func (t *WriteTool) Name() string { return agent.ToolWrite }

func (t *WriteTool) Description() string {
	return "Writes a file to the local filesystem, overwriting any existing content. Existing files must be read first."
}

func (t *WriteTool) InputSchema() map[string]any {
	return toolutil.Object(map[string]any{
		"file_path": toolutil.StringProp("Absolute path of the file to write."),
		"content":   toolutil.StringProp("Full content to write."),
	}, "file_path", "content")
}

func (t *WriteTool) IsReadOnly() bool { return false }

func (t *WriteTool) ValidateInput(_ context.Context, input map[string]any, tctx *agent.ToolContext) error {
	path := toolutil.Str(input, "file_path")
	if path == "" {
		return fmt.Errorf("file_path is required")
	}
	return checkEditable(tctx, path)
}

func (t *WriteTool) GenToolPermission(input map[string]any) *agent.PermissionPrompt {
	path := toolutil.Str(input, "file_path")
	content := toolutil.Str(input, "content")
	return &agent.PermissionPrompt{
		Title:   "Write " + path,
		Content: toolutil.Truncate(content, 2000),
	}
}

func (t *WriteTool) DisplayTitle(input map[string]any) string {
	return filepath.Base(toolutil.Str(input, "file_path"))
}

func (t *WriteTool) GenToolResultMessage(output *agent.ToolOutput, input map[string]any) *agent.ResultRender {
	content := toolutil.Str(input, "content")
	return &agent.ResultRender{
		Title:   t.DisplayTitle(input),
		Summary: fmt.Sprintf("Wrote %d lines", strings.Count(content, "\n")+1),
		Content: toolutil.Truncate(content, 2000),
	}
}

func (t *WriteTool) Invoke(_ context.Context, input map[string]any, tctx *agent.ToolContext) (*agent.ToolOutput, error) {
	path := toolutil.Str(input, "file_path")
	content := toolutil.Str(input, "content")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("cannot create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("cannot write %s: %w", path, err)
	}
	recordWrite(tctx, path)

	return &agent.ToolOutput{
		ResultForAssistant: fmt.Sprintf("File created successfully at: %s", path),
	}, nil
}
