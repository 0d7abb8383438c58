package workflow

import (
	"context"
	"strings"
	"testing"

	"github.com/codeloom-ai/codeloom/internal/agent"
	"github.com/codeloom-ai/codeloom/internal/bus"
	"github.com/codeloom-ai/codeloom/internal/config"
	"github.com/codeloom-ai/codeloom/internal/state"
	"github.com/codeloom-ai/codeloom/pkg/models"
)

func testContext(t *testing.T) *agent.ToolContext {
	t.Helper()
	b := bus.New(nil)
	return &agent.ToolContext{
		AgentID: models.MainAgentID,
		Cancel:  state.NewCancelHandle(context.Background()),
		WorkDir: t.TempDir(),
		States:  state.NewManager(b, nil, nil),
		Events:  b,
		Config:  config.NewManager(),
	}
}

func todoInput(todos ...map[string]any) map[string]any {
	items := make([]any, 0, len(todos))
	for _, todo := range todos {
		items = append(items, todo)
	}
	return map[string]any{"todos": items}
}

func TestTodoWriteRejectsTwoInProgress(t *testing.T) {
	tctx := testContext(t)
	tool := NewTodoWriteTool()

	tctx.AgentState().SetTodos([]models.Todo{{Content: "keep me", Status: models.TodoPending, ActiveForm: "keeping"}})

	input := todoInput(
		map[string]any{"content": "a", "status": "in_progress", "activeForm": "doing a"},
		map[string]any{"content": "b", "status": "in_progress", "activeForm": "doing b"},
	)
	if err := tool.ValidateInput(context.Background(), input, tctx); err == nil {
		t.Fatal("two in_progress todos passed validation")
	}
	if _, err := tool.Invoke(context.Background(), input, tctx); err == nil {
		t.Fatal("two in_progress todos invoked successfully")
	}

	// Rejection without mutation.
	todos := tctx.AgentState().GetTodos()
	if len(todos) != 1 || todos[0].Content != "keep me" {
		t.Errorf("stored todos mutated on rejection: %+v", todos)
	}
}

func TestTodoWriteAppliesValidList(t *testing.T) {
	tctx := testContext(t)
	tool := NewTodoWriteTool()

	input := todoInput(
		map[string]any{"content": "a", "status": "completed", "activeForm": "doing a"},
		map[string]any{"content": "b", "status": "in_progress", "activeForm": "doing b"},
		map[string]any{"content": "c", "status": "pending", "activeForm": "doing c"},
	)
	if _, err := tool.Invoke(context.Background(), input, tctx); err != nil {
		t.Fatal(err)
	}
	todos := tctx.AgentState().GetTodos()
	if len(todos) != 3 || models.CountInProgress(todos) != 1 {
		t.Errorf("stored todos = %+v", todos)
	}
}

func TestExitPlanModeStartEditing(t *testing.T) {
	tctx := testContext(t)
	tctx.Config.SetMode(config.ModePlan)
	tool := NewExitPlanModeTool()

	var implement []map[string]any
	tctx.Events.On(bus.PlanImplement, func(p any) { implement = append(implement, p.(map[string]any)) })
	tctx.Events.On(bus.PlanExitRequest, func(p any) {
		m := p.(map[string]any)
		tctx.Events.Emit(bus.PlanExitResponse, map[string]any{
			"agentId":  m["agentId"],
			"selected": PlanStartEditing,
		})
	})

	out, err := tool.Invoke(context.Background(), map[string]any{
		"planFilePath": "/proj/plan.md",
		"planContent":  "the plan",
	}, tctx)
	if err != nil {
		t.Fatal(err)
	}

	if tctx.Config.Mode() != config.ModeAgent {
		t.Error("mode did not switch to Agent")
	}
	sig := out.ControlSignal.RebuildContext
	if sig == nil || sig.NewMode != string(config.ModeAgent) {
		t.Fatalf("control signal = %+v", out.ControlSignal)
	}
	if sig.RebuildMessage != "" {
		t.Error("startEditing should not set a rebuild message")
	}
	if len(implement) != 0 {
		t.Error("plan:implement fired for startEditing")
	}
}

func TestExitPlanModeClearContext(t *testing.T) {
	tctx := testContext(t)
	tctx.Config.SetMode(config.ModePlan)
	tool := NewExitPlanModeTool()

	var implement []map[string]any
	tctx.Events.On(bus.PlanImplement, func(p any) { implement = append(implement, p.(map[string]any)) })
	tctx.Events.On(bus.PlanExitRequest, func(p any) {
		m := p.(map[string]any)
		tctx.Events.Emit(bus.PlanExitResponse, map[string]any{
			"agentId":  m["agentId"],
			"selected": PlanClearContextAndStart,
		})
	})

	out, err := tool.Invoke(context.Background(), map[string]any{
		"planFilePath": "/proj/plan.md",
		"planContent":  "the plan",
	}, tctx)
	if err != nil {
		t.Fatal(err)
	}

	sig := out.ControlSignal.RebuildContext
	if !strings.HasPrefix(sig.RebuildMessage, "Implement the following plan:") {
		t.Errorf("rebuild message = %q", sig.RebuildMessage)
	}
	if !strings.Contains(sig.RebuildMessage, "the plan") {
		t.Error("rebuild message lost the plan content")
	}
	if len(implement) != 1 || implement[0]["planFilePath"] != "/proj/plan.md" {
		t.Errorf("plan:implement = %+v", implement)
	}
}

func TestExitPlanModeOutsidePlanModeFails(t *testing.T) {
	tctx := testContext(t)
	if err := NewExitPlanModeTool().ValidateInput(context.Background(), nil, tctx); err == nil {
		t.Error("ExitPlanMode validated outside Plan mode")
	}
}

func TestAskUserQuestionRoundTrip(t *testing.T) {
	tctx := testContext(t)
	tool := NewAskUserQuestionTool()

	tctx.Events.On(bus.AskQuestionRequest, func(p any) {
		m := p.(map[string]any)
		tctx.Events.Emit(bus.AskQuestionResponse, map[string]any{
			"agentId": m["agentId"],
			"answers": map[string]any{"Which database?": "postgres"},
		})
	})

	out, err := tool.Invoke(context.Background(), map[string]any{
		"questions": []any{map[string]any{
			"question": "Which database?",
			"options":  []any{map[string]any{"label": "postgres"}, map[string]any{"label": "sqlite"}},
		}},
	}, tctx)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.ResultForAssistant, "postgres") {
		t.Errorf("answers missing: %q", out.ResultForAssistant)
	}
}

type stubSpawner struct {
	result *agent.TaskResult
	calls  int
}

func (s *stubSpawner) Spawn(_ context.Context, _ *agent.ToolContext, _, _, _ string) (*agent.TaskResult, error) {
	s.calls++
	return s.result, nil
}

func TestTaskDelegatesToSpawner(t *testing.T) {
	tctx := testContext(t)
	spawner := &stubSpawner{result: &agent.TaskResult{Status: "success", Content: "found it"}}
	tctx.Spawner = spawner

	tool := NewTaskTool()
	out, err := tool.Invoke(context.Background(), map[string]any{
		"description":   "search",
		"prompt":        "find the config loader",
		"subagent_type": "general-purpose",
	}, tctx)
	if err != nil {
		t.Fatal(err)
	}
	if spawner.calls != 1 || out.ResultForAssistant != "found it" {
		t.Errorf("spawner calls = %d, result = %q", spawner.calls, out.ResultForAssistant)
	}
}

func TestTaskWithoutSpawnerFailsValidation(t *testing.T) {
	tctx := testContext(t)
	err := NewTaskTool().ValidateInput(context.Background(), map[string]any{
		"prompt": "p", "subagent_type": "general-purpose",
	}, tctx)
	if err == nil {
		t.Error("Task validated without a spawner")
	}
}
