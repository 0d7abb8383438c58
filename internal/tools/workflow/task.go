package workflow

import (
	"context"
	"fmt"

	"github.com/codeloom-ai/codeloom/internal/agent"
	"github.com/codeloom-ai/codeloom/internal/tools/toolutil"
)

// TaskTool spawns a subagent through the orchestrator behind the context's
// Spawner. Subagents never receive this tool.
type TaskTool struct{}

// NewTaskTool creates the Task tool.
func NewTaskTool() *TaskTool { return &TaskTool{} }

func (t *TaskTool) Name() string { return agent.ToolTask }

func (t *TaskTool) Description() string {
	return "Launches a subagent to handle a self-contained task. The subagent runs its own conversation and returns a single result message."
}

func (t *TaskTool) InputSchema() map[string]any {
	return toolutil.Object(map[string]any{
		"description":   toolutil.StringProp("Short (3-5 word) description of the task."),
		"prompt":        toolutil.StringProp("The full task for the subagent to perform."),
		"subagent_type": toolutil.StringProp("The type of subagent to launch."),
	}, "description", "prompt", "subagent_type")
}

func (t *TaskTool) IsReadOnly() bool { return false }

func (t *TaskTool) ValidateInput(_ context.Context, input map[string]any, tctx *agent.ToolContext) error {
	if toolutil.Str(input, "prompt") == "" {
		return fmt.Errorf("prompt is required")
	}
	if toolutil.Str(input, "subagent_type") == "" {
		return fmt.Errorf("subagent_type is required")
	}
	if tctx.Spawner == nil {
		return fmt.Errorf("subagents are not available in this context")
	}
	return nil
}

func (t *TaskTool) GenToolPermission(map[string]any) *agent.PermissionPrompt { return nil }

func (t *TaskTool) DisplayTitle(input map[string]any) string {
	return toolutil.Str(input, "description")
}

func (t *TaskTool) GenToolResultMessage(output *agent.ToolOutput, input map[string]any) *agent.ResultRender {
	result, _ := output.Data.(*agent.TaskResult)
	summary := ""
	if result != nil {
		summary = result.Status
	}
	return &agent.ResultRender{
		Title:   t.DisplayTitle(input),
		Summary: summary,
		Content: toolutil.Truncate(output.ResultForAssistant, 2000),
	}
}

func (t *TaskTool) Invoke(ctx context.Context, input map[string]any, tctx *agent.ToolContext) (*agent.ToolOutput, error) {
	description := toolutil.Str(input, "description")
	prompt := toolutil.Str(input, "prompt")
	subagentType := toolutil.Str(input, "subagent_type")

	result, err := tctx.Spawner.Spawn(ctx, tctx, description, prompt, subagentType)
	if err != nil {
		return nil, err
	}
	return &agent.ToolOutput{
		Data:               result,
		ResultForAssistant: result.Content,
	}, nil
}
