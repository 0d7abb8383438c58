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

// EditTool performs exact string replacement in an existing file.
type EditTool struct{}

// NewEditTool creates the Edit tool.
func NewEditTool() *EditTool { return &EditTool{} }

func (t *EditTool) Name() string { return agent.ToolEdit }

func (t *EditTool) Description() string {
	return "Performs exact string replacement in a file. old_string must match uniquely unless replace_all is set. The file must be read first."
}

func (t *EditTool) InputSchema() map[string]any {
	return toolutil.Object(map[string]any{
		"file_path":   toolutil.StringProp("Absolute path of the file to edit."),
		"old_string":  toolutil.StringProp("Exact text to replace."),
		"new_string":  toolutil.StringProp("Replacement text."),
		"replace_all": toolutil.BoolProp("Replace every occurrence (default false)."),
	}, "file_path", "old_string", "new_string")
}

func (t *EditTool) IsReadOnly() bool { return false }

func (t *EditTool) ValidateInput(_ context.Context, input map[string]any, tctx *agent.ToolContext) error {
	path := toolutil.Str(input, "file_path")
	if path == "" {
		return fmt.Errorf("file_path is required")
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("file does not exist: %s", path)
	}
	if toolutil.Str(input, "old_string") == toolutil.Str(input, "new_string") {
		return fmt.Errorf("old_string and new_string are identical")
	}
	return checkEditable(tctx, path)
}

func (t *EditTool) GenToolPermission(input map[string]any) *agent.PermissionPrompt {
	path := toolutil.Str(input, "file_path")
	return &agent.PermissionPrompt{
		Title: "Edit " + path,
		Content: fmt.Sprintf("- %s\n+ %s",
			toolutil.Truncate(toolutil.Str(input, "old_string"), 1000),
			toolutil.Truncate(toolutil.Str(input, "new_string"), 1000)),
	}
}

func (t *EditTool) DisplayTitle(input map[string]any) string {
	return filepath.Base(toolutil.Str(input, "file_path"))
}

func (t *EditTool) GenToolResultMessage(output *agent.ToolOutput, input map[string]any) *agent.ResultRender {
	return &agent.ResultRender{
		Title:   t.DisplayTitle(input),
		Summary: "Edited " + toolutil.Str(input, "file_path"),
		Content: output.ResultForAssistant,
	}
}

func (t *EditTool) Invoke(_ context.Context, input map[string]any, tctx *agent.ToolContext) (*agent.ToolOutput, error) {
	path := toolutil.Str(input, "file_path")
	oldStr := toolutil.Str(input, "old_string")
	newStr := toolutil.Str(input, "new_string")
	replaceAll := toolutil.Bool(input, "replace_all")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	content := string(data)

	count := strings.Count(content, oldStr)
	switch {
	case count == 0:
		return nil, fmt.Errorf("old_string not found in %s", path)
	case count > 1 && !replaceAll:
		return nil, fmt.Errorf("old_string matches %d locations in %s; provide more context or set replace_all", count, path)
	}

	var updated string
	replaced := count
	if replaceAll {
		updated = strings.ReplaceAll(content, oldStr, newStr)
	} else {
		updated = strings.Replace(content, oldStr, newStr, 1)
		replaced = 1
	}
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return nil, fmt.Errorf("cannot write %s: %w", path, err)
	}
	recordWrite(tctx, path)

	return &agent.ToolOutput{
		ResultForAssistant: fmt.Sprintf("Replaced %d occurrence(s) in %s", replaced, path),
	}, nil
}
