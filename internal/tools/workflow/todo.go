// Package workflow implements the conversation-control tools: TodoWrite,
// Task, Skill, AskUserQuestion, and ExitPlanMode.
package workflow

import (
	"context"
	"fmt"

	"github.com/codeloom-ai/codeloom/internal/agent"
	"github.com/codeloom-ai/codeloom/pkg/models"
)

// TodoWriteTool replaces or merges the agent's todo list. At most one todo
// may be in_progress; inputs violating that are rejected without mutation.
type TodoWriteTool struct{}

// NewTodoWriteTool creates the TodoWrite tool.
func NewTodoWriteTool() *TodoWriteTool { return &TodoWriteTool{} }

func (t *TodoWriteTool) Name() string { return agent.ToolTodoWrite }

func (t *TodoWriteTool) Description() string {
	return "Creates and updates the structured task list for the current session. Mark exactly one task in_progress at a time."
}

func (t *TodoWriteTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"todos": map[string]any{
				"type":        "array",
				"description": "The full todo list.",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"content":    map[string]any{"type": "string"},
						"status":     map[string]any{"type": "string", "enum": []string{"pending", "in_progress", "completed"}},
						"activeForm": map[string]any{"type": "string"},
						"id":         map[string]any{"type": "string"},
					},
					"required": []string{"content", "status", "activeForm"},
				},
			},
		},
		"required": []string{"todos"},
	}
}

func (t *TodoWriteTool) IsReadOnly() bool { return false }

func (t *TodoWriteTool) ValidateInput(_ context.Context, input map[string]any, _ *agent.ToolContext) error {
	todos, err := decodeTodos(input)
	if err != nil {
		return err
	}
	if n := models.CountInProgress(todos); n > 1 {
		return fmt.Errorf("only one todo may be in_progress at a time, got %d", n)
	}
	return nil
}

func (t *TodoWriteTool) GenToolPermission(map[string]any) *agent.PermissionPrompt { return nil }

func (t *TodoWriteTool) DisplayTitle(input map[string]any) string {
	todos, _ := decodeTodos(input)
	return fmt.Sprintf("Update todos (%d)", len(todos))
}

func (t *TodoWriteTool) GenToolResultMessage(output *agent.ToolOutput, input map[string]any) *agent.ResultRender {
	return &agent.ResultRender{
		Title:   t.DisplayTitle(input),
		Summary: output.ResultForAssistant,
		Content: output.ResultForAssistant,
	}
}

func (t *TodoWriteTool) Invoke(_ context.Context, input map[string]any, tctx *agent.ToolContext) (*agent.ToolOutput, error) {
	todos, err := decodeTodos(input)
	if err != nil {
		return nil, err
	}
	if n := models.CountInProgress(todos); n > 1 {
		return nil, fmt.Errorf("only one todo may be in_progress at a time, got %d", n)
	}
	tctx.AgentState().UpdateTodosIntelligently(todos)
	return &agent.ToolOutput{
		Data:               todos,
		ResultForAssistant: "Todos have been modified successfully.",
	}, nil
}

func decodeTodos(input map[string]any) ([]models.Todo, error) {
	raw, ok := input["todos"].([]any)
	if !ok {
		return nil, fmt.Errorf("todos must be an array")
	}
	todos := make([]models.Todo, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("todos[%d] must be an object", i)
		}
		content, _ := m["content"].(string)
		status, _ := m["status"].(string)
		activeForm, _ := m["activeForm"].(string)
		id, _ := m["id"].(string)
		if content == "" {
			return nil, fmt.Errorf("todos[%d].content is required", i)
		}
		switch models.TodoStatus(status) {
		case models.TodoPending, models.TodoInProgress, models.TodoCompleted:
		default:
			return nil, fmt.Errorf("todos[%d].status %q is invalid", i, status)
		}
		todos = append(todos, models.Todo{
			Content:    content,
			Status:     models.TodoStatus(status),
			ActiveForm: activeForm,
			ID:         id,
		})
	}
	return todos, nil
}
