// Package files implements the filesystem tools: Read, Write, Edit, and
// NotebookEdit. Writes are guarded by read-before-edit safety: an edit is
// rejected unless the agent has read the file since its last modification.
package files

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/codeloom-ai/codeloom/internal/agent"
	"github.com/codeloom-ai/codeloom/internal/tools/toolutil"
)

// MaxLinesToRead caps a single Read invocation; longer files are windowed.
const MaxLinesToRead = 2000

// maxLineLength truncates pathological single lines.
const maxLineLength = 2000

// ReadTool reads files, recording post-read mtimes for edit safety.
type ReadTool struct{}

// NewReadTool creates the Read tool.
func NewReadTool() *ReadTool { return &ReadTool{} }

func (t *ReadTool) Name() string { return agent.ToolRead }

func (t *ReadTool) Description() string {
	return "Reads a file from the local filesystem. Returns numbered lines; use offset and limit for large files."
}

func (t *ReadTool) InputSchema() map[string]any {
	return toolutil.Object(map[string]any{
		"file_path": toolutil.StringProp("Absolute path of the file to read."),
		"offset":    toolutil.IntProp("1-based line number to start reading from."),
		"limit":     toolutil.IntProp("Maximum number of lines to read."),
	}, "file_path")
}

func (t *ReadTool) IsReadOnly() bool { return true }

func (t *ReadTool) ValidateInput(_ context.Context, input map[string]any, _ *agent.ToolContext) error {
	path := toolutil.Str(input, "file_path")
	if path == "" {
		return fmt.Errorf("file_path is required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("file does not exist: %s", path)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory; use Glob or Bash ls to list it", path)
	}
	return nil
}

func (t *ReadTool) GenToolPermission(map[string]any) *agent.PermissionPrompt { return nil }

func (t *ReadTool) DisplayTitle(input map[string]any) string {
	return filepath.Base(toolutil.Str(input, "file_path"))
}

func (t *ReadTool) GenToolResultMessage(output *agent.ToolOutput, input map[string]any) *agent.ResultRender {
	data, _ := output.Data.(*ReadResult)
	summary := ""
	if data != nil {
		summary = fmt.Sprintf("Read %d lines", data.Lines)
		if data.Truncated {
			summary += " (truncated)"
		}
	}
	return &agent.ResultRender{
		Title:   t.DisplayTitle(input),
		Summary: summary,
		Content: toolutil.Truncate(output.ResultForAssistant, 2000),
	}
}

// ReadResult is the structured output of a Read invocation.
type ReadResult struct {
	Path      string
	Lines     int
	Truncated bool
}

func (t *ReadTool) Invoke(_ context.Context, input map[string]any, tctx *agent.ToolContext) (*agent.ToolOutput, error) {
	path := toolutil.Str(input, "file_path")
	offset := toolutil.Int(input, "offset")
	limit := toolutil.Int(input, "limit")
	if offset < 1 {
		offset = 1
	}
	if limit <= 0 || limit > MaxLinesToRead {
		limit = MaxLinesToRead
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s: %w", path, err)
	}
	defer f.Close()

	var sb strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	emitted := 0
	truncated := false
	for scanner.Scan() {
		lineNo++
		if lineNo < offset {
			continue
		}
		if emitted >= limit {
			truncated = true
			break
		}
		line := scanner.Text()
		if len(line) > maxLineLength {
			line = line[:maxLineLength] + "..."
		}
		fmt.Fprintf(&sb, "%6d\t%s\n", lineNo, line)
		emitted++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	// Record the post-read mtime: edit safety compares against this.
	if info, err := os.Stat(path); err == nil {
		tctx.AgentState().SetReadFileTimestamp(absPath(path), info.ModTime().UnixMilli())
	}

	content := sb.String()
	if content == "" {
		content = "(empty file)"
	}
	if truncated {
		content += fmt.Sprintf("\n[Showing lines %d-%d. Use offset/limit to read more.]", offset, offset+emitted-1)
	}
	return &agent.ToolOutput{
		Data:               &ReadResult{Path: path, Lines: emitted, Truncated: truncated},
		ResultForAssistant: content,
	}, nil
}

func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

// checkEditable enforces read-before-edit: an existing file may only be
// written when the recorded read timestamp is at least the file's current
// mtime. New files pass.
func checkEditable(tctx *agent.ToolContext, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	ts, ok := tctx.AgentState().GetReadFileTimestamp(absPath(path))
	if !ok {
		return fmt.Errorf("file %s has not been read yet; read it with the Read tool before editing", path)
	}
	if ts < info.ModTime().UnixMilli() {
		return fmt.Errorf("file %s has been modified since it was last read; read it again before editing", path)
	}
	return nil
}

// recordWrite refreshes the read timestamp after a successful write so
// follow-up edits pass the safety check.
func recordWrite(tctx *agent.ToolContext, path string) {
	if info, err := os.Stat(path); err == nil {
		tctx.AgentState().SetReadFileTimestamp(absPath(path), info.ModTime().UnixMilli())
	}
}
