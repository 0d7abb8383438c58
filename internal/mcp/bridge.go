package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/codeloom-ai/codeloom/internal/agent"
)

// ToolName derives the engine-visible name for a remote tool:
// mcp__{server}__{tool}. The full name doubles as the permission key.
func ToolName(server, tool string) string {
	return fmt.Sprintf("mcp__%s__%s", server, tool)
}

// bridgedTool adapts one remote MCP tool to the engine's tool contract.
type bridgedTool struct {
	manager *Manager
	server  string
	def     mcp.Tool
}

func newBridgedTool(manager *Manager, server string, def mcp.Tool) *bridgedTool {
	return &bridgedTool{manager: manager, server: server, def: def}
}

func (b *bridgedTool) Name() string {
	return ToolName(b.server, b.def.Name)
}

func (b *bridgedTool) Description() string {
	if b.def.Description != "" {
		return b.def.Description
	}
	return fmt.Sprintf("Tool %s from MCP server %s", b.def.Name, b.server)
}

// InputSchema translates the remote JSON Schema into the local schema shape.
func (b *bridgedTool) InputSchema() map[string]any {
	schema := map[string]any{"type": "object"}
	if b.def.InputSchema.Type != "" {
		schema["type"] = b.def.InputSchema.Type
	}
	if b.def.InputSchema.Properties != nil {
		schema["properties"] = b.def.InputSchema.Properties
	} else {
		schema["properties"] = map[string]any{}
	}
	if len(b.def.InputSchema.Required) > 0 {
		schema["required"] = b.def.InputSchema.Required
	}
	return schema
}

// IsReadOnly is always false for remote tools: the engine cannot know what a
// server-side tool mutates, so every call goes through the permission gate.
func (b *bridgedTool) IsReadOnly() bool { return false }

func (b *bridgedTool) ValidateInput(context.Context, map[string]any, *agent.ToolContext) error {
	return nil
}

func (b *bridgedTool) GenToolPermission(input map[string]any) *agent.PermissionPrompt {
	return &agent.PermissionPrompt{
		Title:   fmt.Sprintf("Call %s on MCP server %s", b.def.Name, b.server),
		Content: b.Name(),
	}
}

func (b *bridgedTool) DisplayTitle(map[string]any) string {
	return fmt.Sprintf("%s (%s)", b.def.Name, b.server)
}

func (b *bridgedTool) GenToolResultMessage(output *agent.ToolOutput, input map[string]any) *agent.ResultRender {
	content := output.ResultForAssistant
	if len(content) > 2000 {
		content = content[:2000] + "\n... [output truncated] ..."
	}
	return &agent.ResultRender{
		Title:   b.DisplayTitle(input),
		Summary: fmt.Sprintf("Called %s", b.def.Name),
		Content: content,
	}
}

func (b *bridgedTool) Invoke(ctx context.Context, input map[string]any, _ *agent.ToolContext) (*agent.ToolOutput, error) {
	content, isError, err := b.manager.CallTool(ctx, b.server, b.def.Name, input)
	if err != nil {
		return nil, fmt.Errorf("mcp call %s failed: %w", b.Name(), err)
	}
	if isError {
		return nil, fmt.Errorf("%s", content)
	}
	return &agent.ToolOutput{ResultForAssistant: content}, nil
}
