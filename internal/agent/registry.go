package agent

import (
	"sync"

	"github.com/codeloom-ai/codeloom/internal/config"
)

// Built-in tool names. The registry offers all of these before the useTools
// filter is applied.
const (
	ToolRead            = "Read"
	ToolWrite           = "Write"
	ToolEdit            = "Edit"
	ToolNotebookEdit    = "NotebookEdit"
	ToolBash            = "Bash"
	ToolGlob            = "Glob"
	ToolGrep            = "Grep"
	ToolTodoWrite       = "TodoWrite"
	ToolTask            = "Task"
	ToolSkill           = "Skill"
	ToolAskUserQuestion = "AskUserQuestion"
	ToolExitPlanMode    = "ExitPlanMode"
)

// ToolRegistry holds the built-in tool set and derives the effective tool
// list for each turn.
type ToolRegistry struct {
	mu       sync.RWMutex
	builtins []Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{}
}

// Register adds a built-in tool. A tool with a duplicate name replaces the
// earlier registration.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.builtins {
		if existing.Name() == tool.Name() {
			r.builtins[i] = tool
			return
		}
	}
	r.builtins = append(r.builtins, tool)
}

// Builtins returns the registered built-in tools.
func (r *ToolRegistry) Builtins() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Tool(nil), r.builtins...)
}

// ToolListOptions parameterizes BuildToolList.
type ToolListOptions struct {
	// Core is the current core configuration (useTools filter, agent mode).
	Core config.CoreConfig

	// MCPTools are the adapted external tools unioned after filtering.
	MCPTools []Tool

	// ForSubagent drops Task and intersects with SubagentTools.
	ForSubagent bool

	// SubagentTools is the agent-config tool set; ["*"] or nil means all.
	SubagentTools []string
}

// BuildToolList runs the filter pipeline: builtins -> useTools filter ->
// union MCP tools -> Plan mode drops TodoWrite -> subagents drop Task and
// intersect with their configured tool set.
func (r *ToolRegistry) BuildToolList(opts ToolListOptions) []Tool {
	tools := r.Builtins()

	if opts.Core.UseTools != nil {
		wanted := make(map[string]struct{}, len(opts.Core.UseTools))
		for _, name := range opts.Core.UseTools {
			wanted[name] = struct{}{}
		}
		filtered := tools[:0:0]
		for _, t := range tools {
			if _, ok := wanted[t.Name()]; ok {
				filtered = append(filtered, t)
			}
		}
		tools = filtered
	}

	tools = append(tools, opts.MCPTools...)

	if opts.Core.Mode == config.ModePlan {
		tools = dropTool(tools, ToolTodoWrite)
	}

	if opts.ForSubagent {
		tools = dropTool(tools, ToolTask)
		if !allowsAllTools(opts.SubagentTools) {
			allowed := make(map[string]struct{}, len(opts.SubagentTools))
			for _, name := range opts.SubagentTools {
				allowed[name] = struct{}{}
			}
			filtered := tools[:0:0]
			for _, t := range tools {
				if _, ok := allowed[t.Name()]; ok {
					filtered = append(filtered, t)
				}
			}
			tools = filtered
		}
	}

	return tools
}

func dropTool(tools []Tool, name string) []Tool {
	out := tools[:0:0]
	for _, t := range tools {
		if t.Name() != name {
			out = append(out, t)
		}
	}
	return out
}

func allowsAllTools(names []string) bool {
	if names == nil {
		return true
	}
	for _, n := range names {
		if n == "*" {
			return true
		}
	}
	return false
}
