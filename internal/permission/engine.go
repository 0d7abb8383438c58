// Package permission gates tool calls by class: file edits, shell commands,
// skills, and MCP tools. Grants persist either for the session (file edits)
// or in the project allow-list (Bash prefixes, skills, MCP tool names).
package permission

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/codeloom-ai/codeloom/internal/agent"
	"github.com/codeloom-ai/codeloom/internal/bus"
	"github.com/codeloom-ai/codeloom/internal/config"
	"github.com/codeloom-ai/codeloom/internal/llm"
	"github.com/codeloom-ai/codeloom/internal/state"
)

// Permission response selections.
const (
	selectAgree  = "agree"
	selectAllow  = "allow"
	selectRefuse = "refuse"
)

// Engine is the permission engine. It implements agent.PermissionGate.
type Engine struct {
	cfg      *config.Manager
	projects *config.ProjectStore
	states   *state.Manager
	events   *bus.Bus
	adapter  llm.Streamer
	models   *llm.Registry
	workDir  string
	logger   *slog.Logger

	prefixes *prefixCache
}

// NewEngine creates a permission engine for the given working directory.
func NewEngine(cfg *config.Manager, projects *config.ProjectStore, states *state.Manager, events *bus.Bus, adapter llm.Streamer, models *llm.Registry, workDir string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		projects: projects,
		states:   states,
		events:   events,
		adapter:  adapter,
		models:   models,
		workDir:  workDir,
		logger:   logger.With("component", "permission"),
		prefixes: newPrefixCache(),
	}
}

// ResetSession drops session-scoped memoization (the prefix cache).
func (e *Engine) ResetSession() {
	e.prefixes = newPrefixCache()
}

// HasPermission implements agent.PermissionGate.
func (e *Engine) HasPermission(ctx context.Context, tool agent.Tool, input map[string]any, tctx *agent.ToolContext) agent.PermissionDecision {
	if tool.IsReadOnly() {
		return allowed()
	}

	core := e.cfg.Core()
	name := tool.Name()
	switch {
	case isFileEditTool(name):
		if core.SkipFileEditPermission {
			return allowed()
		}
		return e.checkFileEdit(ctx, tool, input, tctx)
	case name == agent.ToolBash:
		if core.SkipBashExecPermission {
			return allowed()
		}
		return e.checkBash(ctx, tool, input, tctx)
	case name == agent.ToolSkill:
		if core.SkipSkillPermission {
			return allowed()
		}
		return e.checkSkill(ctx, tool, input, tctx)
	case strings.HasPrefix(name, "mcp__"):
		if core.SkipMCPToolPermission {
			return allowed()
		}
		return e.checkMCP(ctx, tool, input, tctx)
	default:
		// Tools outside the gated classes (TodoWrite, Task, ...) pass.
		return allowed()
	}
}

func isFileEditTool(name string) bool {
	return name == agent.ToolEdit || name == agent.ToolWrite || name == agent.ToolNotebookEdit
}

func allowed() agent.PermissionDecision {
	return agent.PermissionDecision{Allowed: true}
}

// checkFileEdit implements the session-scoped file-edit grant: once granted,
// edits inside the original working directory pass silently; paths outside
// it always prompt.
func (e *Engine) checkFileEdit(ctx context.Context, tool agent.Tool, input map[string]any, tctx *agent.ToolContext) agent.PermissionDecision {
	path := editTargetPath(input)
	if e.states.GlobalEditPermissionGranted() && e.insideWorkDir(path) {
		return allowed()
	}

	decision := e.request(ctx, tool, input, tctx, nil)
	if decision.persistGrant {
		e.states.GrantGlobalEditPermission()
	}
	return decision.PermissionDecision
}

func editTargetPath(input map[string]any) string {
	if p, ok := input["file_path"].(string); ok {
		return p
	}
	if p, ok := input["notebook_path"].(string); ok {
		return p
	}
	return ""
}

func (e *Engine) insideWorkDir(path string) bool {
	if path == "" {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(e.workDir, abs)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// checkSkill keys permission as Skill(name).
func (e *Engine) checkSkill(ctx context.Context, tool agent.Tool, input map[string]any, tctx *agent.ToolContext) agent.PermissionDecision {
	name, _ := input["skill"].(string)
	key := fmt.Sprintf("Skill(%s)", name)
	if e.projects.IsToolAllowed(e.workDir, key) {
		return allowed()
	}
	decision := e.request(ctx, tool, input, tctx, []string{key})
	return decision.PermissionDecision
}

// checkMCP keys permission by the full mcp__server__tool name.
func (e *Engine) checkMCP(ctx context.Context, tool agent.Tool, input map[string]any, tctx *agent.ToolContext) agent.PermissionDecision {
	key := tool.Name()
	if e.projects.IsToolAllowed(e.workDir, key) {
		return allowed()
	}
	decision := e.request(ctx, tool, input, tctx, []string{key})
	return decision.PermissionDecision
}

type requestOutcome struct {
	agent.PermissionDecision
	// persistGrant is set when the user selected "allow": the caller
	// persists the class-appropriate grant.
	persistGrant bool
}

// request runs the interactive permission protocol: emit
// tool:permission:request, await the correlated response, and map the
// selection. persistKeys are written to the project allow-list on "allow";
// file edits pass nil and persist their session grant instead.
func (e *Engine) request(ctx context.Context, tool agent.Tool, input map[string]any, tctx *agent.ToolContext, persistKeys []string) requestOutcome {
	prompt := tool.GenToolPermission(input)
	if prompt == nil {
		prompt = &agent.PermissionPrompt{Title: tool.DisplayTitle(input), Content: tool.Name()}
	}

	toolName := tool.Name()
	payload, err := e.events.Request(tctx.Cancel.Context(), bus.ToolPermissionRequest, map[string]any{
		"agentId":  tctx.AgentID,
		"toolName": toolName,
		"title":    prompt.Title,
		"content":  prompt.Content,
		"options": map[string]any{
			"agree":  "Yes, once",
			"allow":  "Yes, and don't ask again",
			"refuse": "No",
		},
	}, bus.ToolPermissionResponse, func(p any) bool {
		m, ok := p.(map[string]any)
		if !ok {
			return false
		}
		if name, ok := m["toolName"].(string); ok && name == toolName {
			return true
		}
		id, ok := m["agentId"].(string)
		return ok && id == tctx.AgentID
	})
	if err != nil {
		// Cancellation racing the response: a refuse-reason cancel is owned
		// by the response handler; anything else is a generic interrupt.
		if tctx.Cancel.Refused() {
			return requestOutcome{PermissionDecision: agent.PermissionDecision{Message: agent.RejectMessage}}
		}
		return requestOutcome{PermissionDecision: agent.PermissionDecision{Message: agent.CancelMessage}}
	}

	selected, _ := payload.(map[string]any)["selected"].(string)
	switch selected {
	case selectAgree:
		return requestOutcome{PermissionDecision: agent.PermissionDecision{Allowed: true}}
	case selectAllow:
		for _, key := range persistKeys {
			if err := e.projects.AllowTool(e.workDir, key); err != nil {
				e.logger.Warn("failed to persist permission", "key", key, "error", err)
			}
		}
		return requestOutcome{PermissionDecision: agent.PermissionDecision{Allowed: true}, persistGrant: true}
	case selectRefuse:
		tctx.Cancel.Cancel(state.CancelReasonRefuse)
		return requestOutcome{PermissionDecision: agent.PermissionDecision{Message: agent.RejectMessage}}
	default:
		// Free-form feedback: not a cancellation; the text reaches the
		// model as the tool result.
		return requestOutcome{PermissionDecision: agent.PermissionDecision{
			Message: fmt.Sprintf("The user declined the tool use and responded with the following feedback instead:\n%s", selected),
		}}
	}
}
