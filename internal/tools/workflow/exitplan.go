package workflow

import (
	"context"
	"fmt"

	"github.com/codeloom-ai/codeloom/internal/agent"
	"github.com/codeloom-ai/codeloom/internal/bus"
	"github.com/codeloom-ai/codeloom/internal/config"
	"github.com/codeloom-ai/codeloom/internal/tools/toolutil"
	"github.com/codeloom-ai/codeloom/pkg/models"
)

// Plan-exit selections.
const (
	PlanStartEditing         = "startEditing"
	PlanClearContextAndStart = "clearContextAndStart"
)

// ExitPlanModeTool presents the finished plan to the user and, on approval,
// switches the engine back to Agent mode. Its result carries the
// rebuild-context control signal the loop acts on.
type ExitPlanModeTool struct{}

// NewExitPlanModeTool creates the ExitPlanMode tool.
func NewExitPlanModeTool() *ExitPlanModeTool { return &ExitPlanModeTool{} }

func (t *ExitPlanModeTool) Name() string { return agent.ToolExitPlanMode }

func (t *ExitPlanModeTool) Description() string {
	return "Presents the completed plan to the user and exits Plan mode when they approve. Call only when the plan is ready to execute."
}

func (t *ExitPlanModeTool) InputSchema() map[string]any {
	return toolutil.Object(map[string]any{
		"planFilePath": toolutil.StringProp("Path of the plan file, if one was written."),
		"planContent":  toolutil.StringProp("The plan as markdown."),
	})
}

func (t *ExitPlanModeTool) IsReadOnly() bool { return false }

func (t *ExitPlanModeTool) ValidateInput(_ context.Context, input map[string]any, tctx *agent.ToolContext) error {
	if tctx.Config.Mode() != config.ModePlan {
		return fmt.Errorf("not in Plan mode")
	}
	return nil
}

func (t *ExitPlanModeTool) GenToolPermission(map[string]any) *agent.PermissionPrompt { return nil }

func (t *ExitPlanModeTool) DisplayTitle(map[string]any) string { return "Exit plan mode" }

func (t *ExitPlanModeTool) GenToolResultMessage(output *agent.ToolOutput, input map[string]any) *agent.ResultRender {
	return &agent.ResultRender{
		Title:   "Exit plan mode",
		Summary: output.ResultForAssistant,
		Content: toolutil.Truncate(toolutil.Str(input, "planContent"), 2000),
	}
}

func (t *ExitPlanModeTool) Invoke(_ context.Context, input map[string]any, tctx *agent.ToolContext) (*agent.ToolOutput, error) {
	planFilePath := toolutil.Str(input, "planFilePath")
	planContent := toolutil.Str(input, "planContent")

	payload, err := tctx.Events.Request(tctx.Cancel.Context(), bus.PlanExitRequest, map[string]any{
		"agentId":      tctx.AgentID,
		"planFilePath": planFilePath,
		"planContent":  planContent,
		"options":      []string{PlanStartEditing, PlanClearContextAndStart},
	}, bus.PlanExitResponse, func(p any) bool {
		m, ok := p.(map[string]any)
		if !ok {
			return false
		}
		id, ok := m["agentId"].(string)
		return ok && id == tctx.AgentID
	})
	if err != nil {
		return nil, fmt.Errorf("plan approval was not answered: %w", err)
	}
	selected, _ := payload.(map[string]any)["selected"].(string)

	tctx.Config.SetMode(config.ModeAgent)

	signal := &models.ControlSignal{
		RebuildContext: &models.RebuildContext{
			Reason:  "exit-plan-mode",
			NewMode: string(config.ModeAgent),
		},
	}
	if selected == PlanClearContextAndStart {
		signal.RebuildContext.RebuildMessage = "Implement the following plan:\n\n" + planContent
		tctx.Events.Emit(bus.PlanImplement, map[string]any{
			"planFilePath": planFilePath,
			"planContent":  planContent,
		})
	}

	return &agent.ToolOutput{
		ControlSignal:      signal,
		ResultForAssistant: "Plan approved. Exited plan mode; edits are now allowed.",
	}, nil
}
