package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/codeloom-ai/codeloom/pkg/models"
)

func (a *Adapter) streamOpenAI(ctx context.Context, req *Request) (*models.Message, error) {
	cfg := openai.DefaultConfig(req.Profile.APIKey)
	if strings.TrimSpace(req.Profile.BaseURL) != "" {
		cfg.BaseURL = req.Profile.BaseURL
	}
	client := openai.NewClientWithConfig(cfg)

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Profile.ModelName,
		Messages: convertOpenAIMessages(historyFor(req), req.SystemPrompt),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if usesMaxCompletionTokens(req.Profile.ModelName) {
		chatReq.MaxCompletionTokens = maxTokensFor(req)
		chatReq.Temperature = 1
	} else {
		chatReq.MaxTokens = maxTokensFor(req)
		chatReq.Temperature = float32(temperatureFor(req))
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}
	if req.EnableThinking && !isDeepseekProvider(req.Profile) {
		chatReq.ReasoningEffort = "medium"
	}

	stream, err := client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		if cancelled(ctx, err) {
			return newAccumulator(req.Profile.ModelName).partialMessage(), nil
		}
		return nil, classify(err)
	}
	defer stream.Close()

	acc := newAccumulator(req.Profile.ModelName)
	// Tool calls arrive as indexed fragments; remember which accumulator
	// block each wire index maps to.
	blockByIndex := make(map[int]int)

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return acc.message(), nil
			}
			if cancelled(ctx, err) {
				return acc.partialMessage(), nil
			}
			return nil, classify(err)
		}

		if response.Usage != nil {
			acc.usage.InputTokens = response.Usage.PromptTokens
			acc.usage.OutputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		delta := choice.Delta

		if delta.ReasoningContent != "" {
			a.emitThinking(req, acc.appendThinking(delta.ReasoningContent), delta.ReasoningContent)
		}
		if delta.Content != "" {
			a.emitText(req, acc.appendText(delta.Content), delta.Content)
		}
		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			blockIdx, ok := blockByIndex[index]
			if !ok {
				acc.startToolUse(tc.ID, tc.Function.Name)
				blockIdx = len(acc.blocks) - 1
				blockByIndex[index] = blockIdx
			} else {
				if tc.ID != "" {
					acc.blocks[blockIdx].ID += tc.ID
				}
				if tc.Function.Name != "" {
					acc.blocks[blockIdx].Name += tc.Function.Name
				}
			}
			if tc.Function.Arguments != "" {
				acc.toolJSON[blockIdx].WriteString(tc.Function.Arguments)
			}
		}
		if choice.FinishReason != "" {
			acc.stopReason = normalizeFinishReason(string(choice.FinishReason))
		}

		if ctx.Err() != nil {
			return acc.partialMessage(), nil
		}
	}
}

func isDeepseekProvider(p ModelProfile) bool {
	return strings.EqualFold(p.Provider, "deepseek") ||
		strings.HasPrefix(strings.ToLower(p.ModelName), "deepseek")
}

// convertOpenAIMessages flattens the canonical history into the openai chat
// shape. System text blocks concatenate into a single leading system message;
// tool results become role "tool" messages keyed by tool_call_id.
func convertOpenAIMessages(history []*models.Message, systemPrompt []string) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage
	if len(systemPrompt) > 0 {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: strings.Join(systemPrompt, "\n\n"),
		})
	}

	for _, msg := range history {
		if msg.Role == models.RoleAssistant {
			m := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
			var text strings.Builder
			for _, b := range msg.Content {
				switch b.Type {
				case models.BlockText:
					text.WriteString(b.Text)
				case models.BlockToolUse:
					args, err := json.Marshal(b.Input)
					if err != nil {
						args = []byte("{}")
					}
					m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
						ID:   b.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      b.Name,
							Arguments: string(args),
						},
					})
				}
			}
			m.Content = text.String()
			if m.Content != "" || len(m.ToolCalls) > 0 {
				out = append(out, m)
			}
			continue
		}

		// User message: tool results first (as role "tool"), then text.
		var text strings.Builder
		for _, b := range msg.Content {
			switch b.Type {
			case models.BlockToolResult:
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    b.Content,
					ToolCallID: b.ToolUseID,
				})
			case models.BlockText:
				text.WriteString(b.Text)
			}
		}
		if text.Len() > 0 {
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: text.String(),
			})
		}
	}
	return out
}

// convertOpenAITools wraps tool definitions as "function" tools.
func convertOpenAITools(tools []ToolDef) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return out
}
