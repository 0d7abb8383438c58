// Package agent implements the conversation loop, the tool contract and
// registry, the tool runner, automatic context compaction, and the subagent
// orchestrator.
package agent

import (
	"context"

	"github.com/codeloom-ai/codeloom/internal/bus"
	"github.com/codeloom-ai/codeloom/internal/config"
	"github.com/codeloom-ai/codeloom/internal/llm"
	"github.com/codeloom-ai/codeloom/internal/state"
	"github.com/codeloom-ai/codeloom/pkg/models"
)

// Fixed user-facing strings. These are contractual: tests and downstream
// consumers match on them.
const (
	// InterruptMessage is appended when a turn is interrupted before tool
	// execution.
	InterruptMessage = "[Request interrupted by user]"

	// InterruptMessageForToolUse is appended to the last tool result when a
	// tool batch is interrupted.
	InterruptMessageForToolUse = "[Request interrupted by user during tool use]"

	// RejectMessage is the tool-result content for a user-refused permission.
	RejectMessage = "The user doesn't want to proceed with this tool use. The tool use was rejected (eg. if it was a file edit, the new_string was NOT written to the file). STOP what you are doing and wait for the user to tell you how to proceed."

	// CancelMessage is the tool-result content for a cancelled tool use.
	CancelMessage = "The user doesn't want to take this action right now. STOP what you are doing and wait for the user to tell you how to proceed."

	// NoContentMessage stands in for an assistant message with no text.
	NoContentMessage = "(no content)"
)

// PermissionPrompt is a tool's rendering of a pending permission request.
type PermissionPrompt struct {
	Title   string
	Content string
}

// ResultRender is a tool's rendering of a finished execution for UI events.
type ResultRender struct {
	Title   string
	Summary string
	Content string
}

// ToolOutput is the result of one tool invocation.
type ToolOutput struct {
	// Data is the tool-specific structured output.
	Data any

	// ResultForAssistant is the text fed back to the model as the tool
	// result.
	ResultForAssistant string

	// ControlSignal optionally instructs the loop (context rebuild). It is
	// the only cross-cutting side effect the loop honors.
	ControlSignal *models.ControlSignal
}

// Tool is the uniform capability contract. Built-in tools and MCP-adapted
// tools both honor it.
type Tool interface {
	Name() string
	Description() string

	// InputSchema returns the JSON-Schema-equivalent parameter schema.
	InputSchema() map[string]any

	// IsReadOnly gates concurrent execution and the permission fast path.
	IsReadOnly() bool

	// ValidateInput performs the semantic check after schema validation.
	// The returned error's text is surfaced to the model.
	ValidateInput(ctx context.Context, input map[string]any, tctx *ToolContext) error

	// GenToolPermission renders the permission prompt; nil selects a
	// default rendering.
	GenToolPermission(input map[string]any) *PermissionPrompt

	// GenToolResultMessage renders a finished execution for UI events.
	GenToolResultMessage(output *ToolOutput, input map[string]any) *ResultRender

	// DisplayTitle is the short human-readable title for the invocation.
	DisplayTitle(input map[string]any) string

	// Invoke runs the tool. Errors become is_error tool results; the loop
	// always continues.
	Invoke(ctx context.Context, input map[string]any, tctx *ToolContext) (*ToolOutput, error)
}

// TaskResult is the outcome of a subagent run.
type TaskResult struct {
	Status  string // "success", "failed", or "interrupted"
	Content string
}

// Spawner launches subagents. The Task tool calls through this interface so
// the tools package stays decoupled from the loop.
type Spawner interface {
	Spawn(ctx context.Context, parent *ToolContext, description, prompt, subagentType string) (*TaskResult, error)
}

// SkillEntry is a registered skill: packaged instructions invokable by name.
type SkillEntry struct {
	Name        string
	Description string
	Content     string
}

// SkillLookup resolves skill names. Loading and frontmatter parsing live
// outside the engine; registration is the contract.
type SkillLookup interface {
	Lookup(name string) (SkillEntry, bool)
	Names() []string
}

// PermissionDecision is the permission engine's verdict for one tool use.
type PermissionDecision struct {
	Allowed bool
	// Message is the tool-result content when not allowed: RejectMessage,
	// CancelMessage, or free-form user feedback.
	Message string
}

// PermissionGate gates non-read-only tool calls. Implemented by the
// permission engine; the runner depends only on this interface.
type PermissionGate interface {
	HasPermission(ctx context.Context, tool Tool, input map[string]any, tctx *ToolContext) PermissionDecision
}

// ContextRebuilder recomputes the tool list and system prompt when a tool
// result carries a rebuild-context signal (Plan-mode exit). Implemented by
// the engine facade.
type ContextRebuilder interface {
	RebuildContext(tctx *ToolContext, sig *models.RebuildContext) (tools []Tool, systemPrompt []string)
}

// ToolContext is the per-agent invocation context threaded through every
// tool call.
type ToolContext struct {
	AgentID      string
	Cancel       *state.CancelHandle
	Tools        []Tool
	ModelPointer llm.Pointer
	WorkDir      string

	States  *state.Manager
	Events  *bus.Bus
	Config  *config.Manager
	Spawner Spawner
	Skills  SkillLookup
}

// AgentState returns the handle to this agent's state partition.
func (t *ToolContext) AgentState() *state.AgentHandle {
	return t.States.ForAgent(t.AgentID)
}

// IsMain reports whether this context belongs to the root agent.
func (t *ToolContext) IsMain() bool {
	return t.AgentID == models.MainAgentID
}

// FindTool resolves a tool from the context's tool list by name.
func (t *ToolContext) FindTool(name string) (Tool, bool) {
	for _, tool := range t.Tools {
		if tool.Name() == name {
			return tool, true
		}
	}
	return nil, false
}

// HasTool reports whether the named tool is available in this context.
func (t *ToolContext) HasTool(name string) bool {
	_, ok := t.FindTool(name)
	return ok
}
