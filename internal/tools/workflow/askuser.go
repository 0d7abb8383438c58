package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/codeloom-ai/codeloom/internal/agent"
	"github.com/codeloom-ai/codeloom/internal/bus"
)

// AskUserQuestionTool poses questions to the user over the bus and blocks
// until the UI answers (or the turn is cancelled).
type AskUserQuestionTool struct{}

// NewAskUserQuestionTool creates the AskUserQuestion tool.
func NewAskUserQuestionTool() *AskUserQuestionTool { return &AskUserQuestionTool{} }

func (t *AskUserQuestionTool) Name() string { return agent.ToolAskUserQuestion }

func (t *AskUserQuestionTool) Description() string {
	return "Asks the user one or more multiple-choice questions and waits for the answers. Use when a decision genuinely requires user input."
}

func (t *AskUserQuestionTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"questions": map[string]any{
				"type":        "array",
				"description": "Questions to pose.",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"question":    map[string]any{"type": "string"},
						"header":      map[string]any{"type": "string"},
						"multiSelect": map[string]any{"type": "boolean"},
						"options": map[string]any{
							"type": "array",
							"items": map[string]any{
								"type": "object",
								"properties": map[string]any{
									"label":       map[string]any{"type": "string"},
									"description": map[string]any{"type": "string"},
								},
								"required": []string{"label"},
							},
						},
					},
					"required": []string{"question", "options"},
				},
			},
		},
		"required": []string{"questions"},
	}
}

func (t *AskUserQuestionTool) IsReadOnly() bool { return false }

func (t *AskUserQuestionTool) ValidateInput(_ context.Context, input map[string]any, _ *agent.ToolContext) error {
	questions, ok := input["questions"].([]any)
	if !ok || len(questions) == 0 {
		return fmt.Errorf("questions must be a non-empty array")
	}
	return nil
}

func (t *AskUserQuestionTool) GenToolPermission(map[string]any) *agent.PermissionPrompt { return nil }

func (t *AskUserQuestionTool) DisplayTitle(map[string]any) string { return "Ask user" }

func (t *AskUserQuestionTool) GenToolResultMessage(output *agent.ToolOutput, input map[string]any) *agent.ResultRender {
	return &agent.ResultRender{
		Title:   "Ask user",
		Summary: "User answered",
		Content: output.ResultForAssistant,
	}
}

func (t *AskUserQuestionTool) Invoke(_ context.Context, input map[string]any, tctx *agent.ToolContext) (*agent.ToolOutput, error) {
	payload, err := tctx.Events.Request(tctx.Cancel.Context(), bus.AskQuestionRequest, map[string]any{
		"agentId":   tctx.AgentID,
		"questions": input["questions"],
	}, bus.AskQuestionResponse, func(p any) bool {
		m, ok := p.(map[string]any)
		if !ok {
			return false
		}
		id, ok := m["agentId"].(string)
		return ok && id == tctx.AgentID
	})
	if err != nil {
		return nil, fmt.Errorf("question was not answered: %w", err)
	}

	answers := payload.(map[string]any)["answers"]
	encoded, err := json.Marshal(answers)
	if err != nil {
		return nil, fmt.Errorf("cannot encode answers: %w", err)
	}
	return &agent.ToolOutput{
		Data:               answers,
		ResultForAssistant: "User responses:\n" + string(encoded),
	}, nil
}
