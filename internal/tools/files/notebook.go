package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/codeloom-ai/codeloom/internal/agent"
	"github.com/codeloom-ai/codeloom/internal/tools/toolutil"
)

// NotebookEditTool replaces, inserts, or deletes cells in a Jupyter
// notebook.
type NotebookEditTool struct{}

// NewNotebookEditTool creates the NotebookEdit tool.
func NewNotebookEditTool() *NotebookEditTool { return &NotebookEditTool{} }

func (t *NotebookEditTool) Name() string { return agent.ToolNotebookEdit }

func (t *NotebookEditTool) Description() string {
	return "Edits a Jupyter notebook cell: replace a cell's source, insert a new cell, or delete one. The notebook must be read first."
}

func (t *NotebookEditTool) InputSchema() map[string]any {
	return toolutil.Object(map[string]any{
		"notebook_path": toolutil.StringProp("Absolute path of the .ipynb file."),
		"cell_id":       toolutil.StringProp("ID of the cell to edit; for insert, the new cell goes after it (or first when omitted)."),
		"new_source":    toolutil.StringProp("New cell source."),
		"cell_type":     toolutil.StringProp("Cell type: code or markdown."),
		"edit_mode":     toolutil.StringProp("replace (default), insert, or delete."),
	}, "notebook_path", "new_source")
}

func (t *NotebookEditTool) IsReadOnly() bool { return false }

func (t *NotebookEditTool) ValidateInput(_ context.Context, input map[string]any, tctx *agent.ToolContext) error {
	path := toolutil.Str(input, "notebook_path")
	if path == "" {
		return fmt.Errorf("notebook_path is required")
	}
	if !strings.HasSuffix(path, ".ipynb") {
		return fmt.Errorf("%s is not a notebook file", path)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("notebook does not exist: %s", path)
	}
	switch mode := toolutil.Str(input, "edit_mode"); mode {
	case "", "replace", "insert", "delete":
	default:
		return fmt.Errorf("invalid edit_mode %q", mode)
	}
	return checkEditable(tctx, path)
}

func (t *NotebookEditTool) GenToolPermission(input map[string]any) *agent.PermissionPrompt {
	return &agent.PermissionPrompt{
		Title:   "Edit notebook " + toolutil.Str(input, "notebook_path"),
		Content: toolutil.Truncate(toolutil.Str(input, "new_source"), 2000),
	}
}

func (t *NotebookEditTool) DisplayTitle(input map[string]any) string {
	return filepath.Base(toolutil.Str(input, "notebook_path"))
}

func (t *NotebookEditTool) GenToolResultMessage(output *agent.ToolOutput, input map[string]any) *agent.ResultRender {
	return &agent.ResultRender{
		Title:   t.DisplayTitle(input),
		Summary: output.ResultForAssistant,
		Content: output.ResultForAssistant,
	}
}

type notebookCell struct {
	ID       string `json:"id,omitempty"`
	CellType string `json:"cell_type"`
	Source   any    `json:"source"`
	Metadata any    `json:"metadata,omitempty"`
	Outputs  any    `json:"outputs,omitempty"`
}

type notebook struct {
	Cells    []notebookCell `json:"cells"`
	Metadata any            `json:"metadata,omitempty"`
	Nbformat any            `json:"nbformat,omitempty"`
	Minor    any            `json:"nbformat_minor,omitempty"`
}

func (t *NotebookEditTool) Invoke(_ context.Context, input map[string]any, tctx *agent.ToolContext) (*agent.ToolOutput, error) {
	path := toolutil.Str(input, "notebook_path")
	cellID := toolutil.Str(input, "cell_id")
	newSource := toolutil.Str(input, "new_source")
	cellType := toolutil.Str(input, "cell_type")
	mode := toolutil.Str(input, "edit_mode")
	if mode == "" {
		mode = "replace"
	}
	if cellType == "" {
		cellType = "code"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	var nb notebook
	if err := json.Unmarshal(data, &nb); err != nil {
		return nil, fmt.Errorf("cannot parse notebook %s: %w", path, err)
	}

	idx := -1
	for i, c := range nb.Cells {
		if c.ID == cellID && cellID != "" {
			idx = i
			break
		}
	}

	var summary string
	switch mode {
	case "replace":
		if idx < 0 {
			return nil, fmt.Errorf("cell %q not found in %s", cellID, path)
		}
		nb.Cells[idx].Source = newSource
		if cellType != "" {
			nb.Cells[idx].CellType = cellType
		}
		summary = fmt.Sprintf("Replaced cell %s", cellID)
	case "insert":
		cell := notebookCell{ID: newCellID(nb.Cells), CellType: cellType, Source: newSource}
		pos := 0
		if idx >= 0 {
			pos = idx + 1
		}
		nb.Cells = append(nb.Cells[:pos], append([]notebookCell{cell}, nb.Cells[pos:]...)...)
		summary = fmt.Sprintf("Inserted %s cell %s", cellType, cell.ID)
	case "delete":
		if idx < 0 {
			return nil, fmt.Errorf("cell %q not found in %s", cellID, path)
		}
		nb.Cells = append(nb.Cells[:idx], nb.Cells[idx+1:]...)
		summary = fmt.Sprintf("Deleted cell %s", cellID)
	}

	out, err := json.MarshalIndent(&nb, "", " ")
	if err != nil {
		return nil, fmt.Errorf("cannot serialize notebook: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return nil, fmt.Errorf("cannot write %s: %w", path, err)
	}
	recordWrite(tctx, path)

	return &agent.ToolOutput{ResultForAssistant: summary}, nil
}

func newCellID(cells []notebookCell) string {
	return fmt.Sprintf("cell-%d", len(cells)+1)
}
