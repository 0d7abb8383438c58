package engine

import (
	"strings"

	"github.com/codeloom-ai/codeloom/internal/agent"
	"github.com/codeloom-ai/codeloom/internal/bus"
	"github.com/codeloom-ai/codeloom/internal/config"
	"github.com/codeloom-ai/codeloom/pkg/models"
)

// handleSystemCommand routes slash commands that the engine resolves without
// a model round-trip. It reports whether the input was consumed.
func (e *Engine) handleSystemCommand(text string, tctx *agent.ToolContext) bool {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return false
	}
	fields := strings.Fields(trimmed)
	command := fields[0]

	switch command {
	case "/clear":
		e.clearSession(tctx)
		return true
	case "/compact":
		e.forceCompact(tctx)
		return true
	case "/plan":
		e.UpdateAgentMode(config.ModePlan)
		return true
	case "/agent":
		e.UpdateAgentMode(config.ModeAgent)
		return true
	default:
		// Unknown slash commands are not consumed: they reach the model as
		// plain text. The engine does no custom-command expansion itself.
		return false
	}
}

// clearSession wipes the main history and todos for the current session.
func (e *Engine) clearSession(tctx *agent.ToolContext) {
	main := tctx.AgentState()
	main.SetMessageHistory(nil)
	main.SetTodos(nil)
	e.events.Emit(bus.SessionCleared, map[string]any{
		"sessionId": e.states.SessionID(),
	})
}

// forceCompact compacts the history immediately, regardless of the token
// threshold.
func (e *Engine) forceCompact(tctx *agent.ToolContext) {
	main := tctx.AgentState()
	history := main.GetMessageHistory()
	compacted := e.compactor.ForceCompact(tctx.Cancel.Context(), history, tctx)
	if len(compacted) != len(history) || (len(compacted) > 0 && compacted[0] != history[0]) {
		main.SetMessageHistory(compacted)
	}
}

// ClearHistory exposes /clear programmatically.
func (e *Engine) ClearHistory() {
	main := e.states.ForAgent(models.MainAgentID)
	main.SetMessageHistory(nil)
	main.SetTodos(nil)
	e.events.Emit(bus.SessionCleared, map[string]any{
		"sessionId": e.states.SessionID(),
	})
}
