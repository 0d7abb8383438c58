// Package shell implements the Bash tool. Permission gating (safe commands,
// forbidden executables, prefix grants) happens upstream in the permission
// engine; this body only runs the command.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/codeloom-ai/codeloom/internal/agent"
	"github.com/codeloom-ai/codeloom/internal/tools/toolutil"
)

const (
	defaultTimeout = 120 * time.Second
	maxTimeout     = 600 * time.Second
	maxOutputLen   = 30000
)

// BashTool executes shell commands in the working directory.
type BashTool struct{}

// NewBashTool creates the Bash tool.
func NewBashTool() *BashTool { return &BashTool{} }

func (t *BashTool) Name() string { return agent.ToolBash }

func (t *BashTool) Description() string {
	return "Executes a bash command in the working directory and returns its combined output. Commands have a per-call timeout."
}

func (t *BashTool) InputSchema() map[string]any {
	return toolutil.Object(map[string]any{
		"command":     toolutil.StringProp("The command to execute."),
		"timeout":     toolutil.IntProp("Timeout in milliseconds (max 600000)."),
		"description": toolutil.StringProp("Short description of what the command does."),
	}, "command")
}

func (t *BashTool) IsReadOnly() bool { return false }

func (t *BashTool) ValidateInput(_ context.Context, input map[string]any, _ *agent.ToolContext) error {
	if strings.TrimSpace(toolutil.Str(input, "command")) == "" {
		return fmt.Errorf("command is required")
	}
	return nil
}

func (t *BashTool) GenToolPermission(input map[string]any) *agent.PermissionPrompt {
	return &agent.PermissionPrompt{
		Title:   "Run command",
		Content: toolutil.Str(input, "command"),
	}
}

func (t *BashTool) DisplayTitle(input map[string]any) string {
	if desc := toolutil.Str(input, "description"); desc != "" {
		return desc
	}
	return toolutil.Truncate(toolutil.Str(input, "command"), 80)
}

func (t *BashTool) GenToolResultMessage(output *agent.ToolOutput, input map[string]any) *agent.ResultRender {
	return &agent.ResultRender{
		Title:   t.DisplayTitle(input),
		Summary: toolutil.Truncate(toolutil.Str(input, "command"), 120),
		Content: toolutil.Truncate(output.ResultForAssistant, 2000),
	}
}

func (t *BashTool) Invoke(ctx context.Context, input map[string]any, tctx *agent.ToolContext) (*agent.ToolOutput, error) {
	command := toolutil.Str(input, "command")

	timeout := defaultTimeout
	if ms := toolutil.Int(input, "timeout"); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
		if timeout > maxTimeout {
			timeout = maxTimeout
		}
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "bash", "-c", command)
	cmd.Dir = tctx.WorkDir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := strings.TrimRight(buf.String(), "\n")
	if len(output) > maxOutputLen {
		head := output[:maxOutputLen/2]
		tail := output[len(output)-maxOutputLen/2:]
		output = head + "\n... [output truncated] ...\n" + tail
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		return nil, fmt.Errorf("command timed out after %s\n%s", timeout, output)
	case err != nil:
		if output == "" {
			return nil, fmt.Errorf("command failed: %v", err)
		}
		return nil, fmt.Errorf("command failed (%v):\n%s", err, output)
	}

	if output == "" {
		output = "(no output)"
	}
	return &agent.ToolOutput{ResultForAssistant: output}, nil
}
