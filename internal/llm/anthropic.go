package llm

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/codeloom-ai/codeloom/pkg/models"
)

// thinkingBudgetTokens is the extended-thinking budget requested when the
// reasoning channel is enabled on the anthropic dialect.
const thinkingBudgetTokens = 10000

func (a *Adapter) streamAnthropic(ctx context.Context, req *Request) (*models.Message, error) {
	opts := []option.RequestOption{option.WithAPIKey(req.Profile.APIKey)}
	if strings.TrimSpace(req.Profile.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(req.Profile.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Profile.ModelName),
		Messages:  convertAnthropicMessages(historyFor(req)),
		MaxTokens: int64(maxTokensFor(req)),
	}
	for _, text := range req.SystemPrompt {
		params.System = append(params.System, anthropic.TextBlockParam{Type: "text", Text: text})
	}
	if len(req.Tools) > 0 {
		params.Tools = convertAnthropicTools(req.Tools)
	}
	if req.EnableThinking {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(thinkingBudgetTokens)
	} else {
		params.Temperature = anthropic.Float(temperatureFor(req))
	}

	stream := client.Messages.NewStreaming(ctx, params)

	acc := newAccumulator(req.Profile.ModelName)
	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			acc.usage.InputTokens = int(start.Message.Usage.InputTokens)
			acc.usage.CacheCreationInputTokens = int(start.Message.Usage.CacheCreationInputTokens)
			acc.usage.CacheReadInputTokens = int(start.Message.Usage.CacheReadInputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "text":
				acc.startText()
			case "thinking":
				acc.startThinking()
			case "tool_use":
				use := block.AsToolUse()
				acc.startToolUse(use.ID, use.Name)
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					a.emitText(req, acc.appendText(delta.Text), delta.Text)
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					a.emitThinking(req, acc.appendThinking(delta.Thinking), delta.Thinking)
				}
			case "signature_delta":
				acc.appendSignature(delta.Signature)
			case "input_json_delta":
				acc.appendToolJSON(delta.PartialJSON)
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				acc.usage.OutputTokens = int(md.Usage.OutputTokens)
			}
			if md.Delta.StopReason != "" {
				acc.stopReason = string(md.Delta.StopReason)
			}

		case "message_stop":
			return acc.message(), nil
		}

		if ctx.Err() != nil {
			break
		}
	}

	if err := stream.Err(); err != nil && !cancelled(ctx, err) {
		return nil, classify(err)
	}
	// Cancellation or silent stream end: return the partial message.
	return acc.partialMessage(), nil
}

func convertAnthropicMessages(history []*models.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, msg := range history {
		var content []anthropic.ContentBlockParamUnion
		for _, b := range msg.Content {
			switch b.Type {
			case models.BlockText:
				content = append(content, anthropic.NewTextBlock(b.Text))
			case models.BlockThinking:
				content = append(content, anthropic.NewThinkingBlock(b.Signature, b.Text))
			case models.BlockToolUse:
				input := b.Input
				if input == nil {
					input = map[string]any{}
				}
				content = append(content, anthropic.NewToolUseBlock(b.ID, input, b.Name))
			case models.BlockToolResult:
				content = append(content, anthropic.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
			}
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out
}

func convertAnthropicTools(tools []ToolDef) []anthropic.ToolUnionParam {
	var out []anthropic.ToolUnionParam
	for _, t := range tools {
		schema := anthropic.ToolInputSchemaParam{Type: "object"}
		if props, ok := t.InputSchema["properties"].(map[string]any); ok {
			schema.Properties = props
		}
		if required, ok := t.InputSchema["required"].([]string); ok {
			schema.Required = required
		} else if required, ok := t.InputSchema["required"].([]any); ok {
			for _, r := range required {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool != nil {
			param.OfTool.Description = anthropic.String(t.Description)
		}
		out = append(out, param)
	}
	return out
}

// accumulator assembles streamed deltas into ordered content blocks and
// produces the canonical assistant message.
type accumulator struct {
	model      string
	blocks     []models.ContentBlock
	toolJSON   []strings.Builder // parallel to blocks; used for tool_use entries
	current    int               // index of the open block, -1 if none
	stopReason string
	usage      models.Usage
}

func newAccumulator(model string) *accumulator {
	return &accumulator{model: model, current: -1}
}

func (acc *accumulator) push(b models.ContentBlock) {
	acc.blocks = append(acc.blocks, b)
	acc.toolJSON = append(acc.toolJSON, strings.Builder{})
	acc.current = len(acc.blocks) - 1
}

func (acc *accumulator) startText()     { acc.push(models.ContentBlock{Type: models.BlockText}) }
func (acc *accumulator) startThinking() { acc.push(models.ContentBlock{Type: models.BlockThinking}) }

func (acc *accumulator) startToolUse(id, name string) {
	acc.push(models.ContentBlock{Type: models.BlockToolUse, ID: id, Name: name})
	acc.stopReason = models.StopToolUse
}

// ensure opens a block of the wanted type if none is open. The openai dialect
// has no explicit block-start events, so deltas create blocks on demand.
func (acc *accumulator) ensure(blockType string) {
	if acc.current >= 0 && acc.blocks[acc.current].Type == blockType {
		return
	}
	acc.push(models.ContentBlock{Type: blockType})
}

func (acc *accumulator) appendText(delta string) string {
	acc.ensure(models.BlockText)
	acc.blocks[acc.current].Text += delta
	return acc.blocks[acc.current].Text
}

func (acc *accumulator) appendThinking(delta string) string {
	acc.ensure(models.BlockThinking)
	acc.blocks[acc.current].Text += delta
	return acc.blocks[acc.current].Text
}

func (acc *accumulator) appendSignature(sig string) {
	if acc.current >= 0 && acc.blocks[acc.current].Type == models.BlockThinking {
		acc.blocks[acc.current].Signature += sig
	}
}

func (acc *accumulator) appendToolJSON(fragment string) {
	if acc.current >= 0 && acc.blocks[acc.current].Type == models.BlockToolUse {
		acc.toolJSON[acc.current].WriteString(fragment)
	}
}

// latestToolUse returns the index of the most recent tool_use block, or -1.
func (acc *accumulator) latestToolUse() int {
	for i := len(acc.blocks) - 1; i >= 0; i-- {
		if acc.blocks[i].Type == models.BlockToolUse {
			return i
		}
	}
	return -1
}

func (acc *accumulator) finalizeBlocks() []models.ContentBlock {
	out := make([]models.ContentBlock, 0, len(acc.blocks))
	for i, b := range acc.blocks {
		if b.Type == models.BlockToolUse {
			b.Input = parseToolInput(acc.toolJSON[i].String())
		}
		if (b.Type == models.BlockText || b.Type == models.BlockThinking) && b.Text == "" {
			continue
		}
		out = append(out, b)
	}
	return out
}

func (acc *accumulator) message() *models.Message {
	stop := acc.stopReason
	if stop == "" {
		stop = models.StopEndTurn
	}
	usage := acc.usage
	return models.NewAssistantMessage(acc.model, acc.finalizeBlocks(), &usage, stop, 0)
}

// partialMessage builds the message for a cancelled or truncated stream.
// Usage observed so far is kept but marked synthetic when incomplete.
func (acc *accumulator) partialMessage() *models.Message {
	usage := acc.usage
	if usage.OutputTokens == 0 {
		usage.Synthetic = true
	}
	stop := acc.stopReason
	if stop == "" {
		stop = models.StopEndTurn
	}
	return models.NewAssistantMessage(acc.model, acc.finalizeBlocks(), &usage, stop, 0)
}
