package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/codeloom-ai/codeloom/internal/bus"
	"github.com/codeloom-ai/codeloom/pkg/models"
)

// maxToolErrorLen bounds formatted tool errors fed back to the model; longer
// text is trimmed to a head+tail excerpt.
const maxToolErrorLen = 10000

// toolResult pairs the tool-result block for one tool use with the control
// signal its execution produced, if any.
type toolResult struct {
	block  models.ContentBlock
	signal *models.ControlSignal
}

// runToolsConcurrently resolves every tool use in the batch in parallel and
// returns results in input order. Used only when the entire batch is
// read-only.
func (l *Loop) runToolsConcurrently(ctx context.Context, uses []models.ContentBlock, tctx *ToolContext) []toolResult {
	results := make([]toolResult, len(uses))
	var wg sync.WaitGroup
	for i, use := range uses {
		wg.Add(1)
		go func(idx int, u models.ContentBlock) {
			defer wg.Done()
			results[idx] = l.runSingleTool(ctx, u, tctx)
		}(i, use)
	}
	wg.Wait()
	return results
}

// runToolsSerially resolves tool uses one after another, in input order.
func (l *Loop) runToolsSerially(ctx context.Context, uses []models.ContentBlock, tctx *ToolContext) []toolResult {
	results := make([]toolResult, len(uses))
	for i, use := range uses {
		results[i] = l.runSingleTool(ctx, use, tctx)
	}
	return results
}

// runSingleTool executes one tool use through the full gate sequence:
// resolve, schema validation, semantic validation, the pre-invocation cancel
// checkpoint, permissions, invocation, and the post-invocation cancel
// checkpoint.
func (l *Loop) runSingleTool(ctx context.Context, use models.ContentBlock, tctx *ToolContext) toolResult {
	tool, ok := tctx.FindTool(use.Name)
	if !ok {
		l.emitToolError(tctx, use.Name, use.Name, "No such tool available: "+use.Name)
		return errorResult(use.ID, "No such tool available: "+use.Name)
	}
	title := tool.DisplayTitle(use.Input)

	if err := l.validateSchema(tool, use.Input); err != nil {
		content := fmt.Sprintf("InputValidationError: %s", trimError(err.Error()))
		l.emitToolError(tctx, use.Name, title, content)
		return errorResult(use.ID, content)
	}

	if err := tool.ValidateInput(ctx, use.Input, tctx); err != nil {
		content := trimError(err.Error())
		l.emitToolError(tctx, use.Name, title, content)
		return errorResult(use.ID, content)
	}

	// Checkpoint: cancellation before invocation.
	if tctx.Cancel.Cancelled() {
		return errorResult(use.ID, CancelMessage)
	}

	if !tool.IsReadOnly() && l.gate != nil {
		decision := l.gate.HasPermission(ctx, tool, use.Input, tctx)
		if !decision.Allowed {
			if tctx.Cancel.Cancelled() && !tctx.Cancel.Refused() {
				return errorResult(use.ID, CancelMessage)
			}
			return errorResult(use.ID, decision.Message)
		}
	}

	output, err := tool.Invoke(ctx, use.Input, tctx)

	// Checkpoint: cancellation during invocation. A refuse-reason cancel
	// keeps the original message (the permission engine owns that outcome).
	if tctx.Cancel.Cancelled() && !tctx.Cancel.Refused() {
		return errorResult(use.ID, CancelMessage)
	}
	if err != nil {
		content := trimError(err.Error())
		l.emitToolError(tctx, use.Name, title, content)
		return errorResult(use.ID, content)
	}

	render := tool.GenToolResultMessage(output, use.Input)
	if render == nil {
		render = &ResultRender{Title: title, Content: output.ResultForAssistant}
	}
	l.events.Emit(bus.ToolExecutionComplete, map[string]any{
		"agentId":  tctx.AgentID,
		"toolName": use.Name,
		"title":    render.Title,
		"summary":  render.Summary,
		"content":  render.Content,
	})

	content := output.ResultForAssistant
	if content == "" {
		content = NoContentMessage
	}
	return toolResult{
		block:  models.ToolResultBlock(use.ID, content, false),
		signal: output.ControlSignal,
	}
}

func (l *Loop) emitToolError(tctx *ToolContext, toolName, title, content string) {
	l.events.Emit(bus.ToolExecutionError, map[string]any{
		"agentId":  tctx.AgentID,
		"toolName": toolName,
		"title":    title,
		"content":  content,
	})
}

func errorResult(toolUseID, content string) toolResult {
	return toolResult{block: models.ToolResultBlock(toolUseID, content, true)}
}

// validateSchema checks the input against the tool's compiled JSON schema.
// Schemas compile once per tool and are cached.
func (l *Loop) validateSchema(tool Tool, input map[string]any) error {
	schema, err := l.compiledSchema(tool)
	if err != nil {
		// A schema that fails to compile must not block the tool.
		l.logger.Warn("tool schema failed to compile", "tool", tool.Name(), "error", err)
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}
	// Round-trip through JSON so numeric types match what the validator
	// expects from decoded documents.
	raw, err := json.Marshal(input)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}

func (l *Loop) compiledSchema(tool Tool) (*jsonschema.Schema, error) {
	l.schemaMu.Lock()
	defer l.schemaMu.Unlock()
	if schema, ok := l.schemas[tool.Name()]; ok {
		return schema, nil
	}
	raw, err := json.Marshal(tool.InputSchema())
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	url := "inmemory://tools/" + tool.Name() + ".json"
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, err
	}
	l.schemas[tool.Name()] = schema
	return schema, nil
}

// trimError caps error text at maxToolErrorLen using a head+tail excerpt so
// giant outputs cannot blow up the context.
func trimError(s string) string {
	if len(s) <= maxToolErrorLen {
		return s
	}
	const marker = "\n... [error output truncated] ...\n"
	half := (maxToolErrorLen - len(marker)) / 2
	return s[:half] + marker + s[len(s)-half:]
}

// batchIsReadOnly reports whether every tool use in the batch resolves to a
// read-only tool. Unknown tools count as non-read-only.
func batchIsReadOnly(uses []models.ContentBlock, tctx *ToolContext) bool {
	for _, use := range uses {
		tool, ok := tctx.FindTool(use.Name)
		if !ok || !tool.IsReadOnly() {
			return false
		}
	}
	return true
}
