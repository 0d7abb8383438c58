package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/codeloom-ai/codeloom/internal/bus"
	"github.com/codeloom-ai/codeloom/internal/config"
	"github.com/codeloom-ai/codeloom/internal/llm"
	"github.com/codeloom-ai/codeloom/internal/state"
	"github.com/codeloom-ai/codeloom/pkg/models"
)

// Loop is the agent step function: it streams one assistant message,
// dispatches its tool calls, feeds the results back, and repeats until the
// model stops calling tools.
type Loop struct {
	adapter   llm.Streamer
	modelsReg *llm.Registry
	states    *state.Manager
	events    *bus.Bus
	config    *config.Manager
	gate      PermissionGate
	rebuilder ContextRebuilder
	compactor *Compactor
	logger    *slog.Logger

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema
}

// LoopDeps wires a Loop. Gate, Rebuilder, and Compactor are optional; a nil
// gate allows every tool call (tests), a nil compactor disables compaction.
type LoopDeps struct {
	Adapter   llm.Streamer
	Models    *llm.Registry
	States    *state.Manager
	Events    *bus.Bus
	Config    *config.Manager
	Gate      PermissionGate
	Rebuilder ContextRebuilder
	Compactor *Compactor
	Logger    *slog.Logger
}

// NewLoop creates a conversation loop.
func NewLoop(deps LoopDeps) *Loop {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		adapter:   deps.Adapter,
		modelsReg: deps.Models,
		states:    deps.States,
		events:    deps.Events,
		config:    deps.Config,
		gate:      deps.Gate,
		rebuilder: deps.Rebuilder,
		compactor: deps.Compactor,
		logger:    logger.With("component", "loop"),
		schemas:   make(map[string]*jsonschema.Schema),
	}
}

// SetRebuilder installs the context rebuilder after construction (the engine
// facade both owns the loop and implements the rebuilder).
func (l *Loop) SetRebuilder(r ContextRebuilder) { l.rebuilder = r }

// Query runs the loop asynchronously, streaming produced messages. The
// channel closes when the loop finishes; adapter failures surface as
// session:error events for the main agent.
func (l *Loop) Query(ctx context.Context, messages []*models.Message, systemPrompt []string, tctx *ToolContext) <-chan *models.Message {
	ch := make(chan *models.Message, 8)
	go func() {
		defer close(ch)
		_ = l.run(ctx, messages, systemPrompt, tctx, func(m *models.Message) {
			select {
			case ch <- m:
			case <-ctx.Done():
			}
		})
	}()
	return ch
}

// QueryCollect runs the loop synchronously and returns every produced
// message. Used by the subagent orchestrator, which needs the terminal error.
func (l *Loop) QueryCollect(ctx context.Context, messages []*models.Message, systemPrompt []string, tctx *ToolContext) ([]*models.Message, error) {
	var out []*models.Message
	err := l.run(ctx, messages, systemPrompt, tctx, func(m *models.Message) {
		out = append(out, m)
	})
	return out, err
}

func (l *Loop) run(ctx context.Context, messages []*models.Message, systemPrompt []string, tctx *ToolContext, yield func(*models.Message)) error {
	handle := tctx.AgentState()

	for {
		// Compaction applies to the main conversation only.
		if tctx.IsMain() && l.compactor != nil {
			messages = l.compactor.CompactIfNeeded(ctx, messages, tctx)
		}

		profile, ok := l.modelsReg.PointerProfile(tctx.ModelPointer)
		if !ok {
			l.events.Emit(bus.ConfigNoModels, map[string]any{
				"message":    "no model is configured",
				"suggestion": "add a model profile and point 'main' at it",
			})
			return fmt.Errorf("agent: no profile for pointer %q", tctx.ModelPointer)
		}

		core := l.config.Core()
		assistant, err := l.adapter.Stream(ctx, &llm.Request{
			Profile:        profile,
			Messages:       messages,
			SystemPrompt:   systemPrompt,
			Tools:          toolDefs(tctx.Tools),
			EnableThinking: core.EnableThinking,
			Stream:         core.Stream,
			DisableCache:   !core.EnableLLMCache,
		})
		if err != nil {
			if tctx.IsMain() {
				l.emitSessionError(err)
			}
			return err
		}

		// Checkpoint: interrupt between streaming and tool execution.
		if tctx.Cancel.Cancelled() {
			l.events.Emit(bus.SessionInterrupted, map[string]any{
				"agentId": tctx.AgentID,
				"content": InterruptMessage,
			})
			history := append(append([]*models.Message(nil), messages...), assistant, models.NewUserTextMessage(InterruptMessage))
			handle.FinalizeMessages(history)
			return nil
		}

		yield(assistant)
		l.emitMessageComplete(tctx, assistant)

		history := append(append([]*models.Message(nil), messages...), assistant)
		if tctx.IsMain() {
			l.emitUsage(history, profile)
		}

		uses := assistant.ToolUses()
		if len(uses) == 0 {
			handle.FinalizeMessages(history)
			return nil
		}

		// Read-only batches fan out; anything else runs serially.
		var results []toolResult
		if batchIsReadOnly(uses, tctx) {
			results = l.runToolsConcurrently(ctx, uses, tctx)
		} else {
			results = l.runToolsSerially(ctx, uses, tctx)
		}

		blocks := make([]models.ContentBlock, len(results))
		for i, r := range results {
			blocks[i] = r.block
		}

		// Checkpoint: cancellation after the tool batch, before recursion. A
		// refuse-reason cancel ends the turn quietly: the reject result is
		// already in place and no interrupt event fires.
		if tctx.Cancel.Refused() {
			resultMsg := models.NewToolResultMessage(blocks...)
			yield(resultMsg)
			handle.FinalizeMessages(append(history, resultMsg))
			return nil
		}
		if tctx.Cancel.Cancelled() {
			blocks[len(blocks)-1].Content += "\n" + InterruptMessageForToolUse
			resultMsg := models.NewToolResultMessage(blocks...)
			yield(resultMsg)
			if tctx.IsMain() {
				l.emitUsage(append(history, resultMsg), profile)
			}
			l.events.Emit(bus.SessionInterrupted, map[string]any{
				"agentId": tctx.AgentID,
				"content": InterruptMessageForToolUse,
			})
			handle.FinalizeMessages(append(history, resultMsg))
			return nil
		}

		resultMsg := models.NewToolResultMessage(blocks...)
		yield(resultMsg)

		var rebuild *models.RebuildContext
		for _, r := range results {
			if r.signal != nil && r.signal.RebuildContext != nil {
				rebuild = r.signal.RebuildContext
				break
			}
		}

		messages = append(history, resultMsg)

		if rebuild != nil && l.rebuilder != nil {
			tools, prompt := l.rebuilder.RebuildContext(tctx, rebuild)
			tctx.Tools = tools
			systemPrompt = prompt
			if rebuild.RebuildMessage != "" {
				messages = []*models.Message{l.rebuildStartMessage(tctx, rebuild.RebuildMessage)}
			}
		}
	}
}

// rebuildStartMessage assembles the fresh history used when a context
// rebuild clears the conversation: todos and rules reminders followed by the
// rebuild text.
func (l *Loop) rebuildStartMessage(tctx *ToolContext, rebuildMessage string) *models.Message {
	var blocks []models.ContentBlock
	if tctx.HasTool(ToolTodoWrite) {
		if reminder := TodosReminder(tctx.AgentState().GetTodos()); reminder != "" {
			blocks = append(blocks, models.TextBlock(reminder))
		}
	}
	if reminder := RulesReminder(l.config.Core().CustomRules); reminder != "" {
		blocks = append(blocks, models.TextBlock(reminder))
	}
	blocks = append(blocks, models.TextBlock(rebuildMessage))
	return models.NewUserMessage(blocks...)
}

func (l *Loop) emitMessageComplete(tctx *ToolContext, assistant *models.Message) {
	content := assistant.TextContent()
	if content == "" {
		content = NoContentMessage
	}
	uses := assistant.ToolUses()
	payload := map[string]any{
		"agentId":      tctx.AgentID,
		"reasoning":    assistant.ThinkingContent(),
		"content":      content,
		"hasToolCalls": len(uses) > 0,
	}
	if len(uses) > 0 {
		calls := make([]map[string]any, 0, len(uses))
		for _, u := range uses {
			calls = append(calls, map[string]any{"id": u.ID, "name": u.Name, "input": u.Input})
		}
		payload["toolCalls"] = calls
	}
	l.events.Emit(bus.MessageComplete, payload)
}

// emitUsage publishes conversation:usage computed from the history's last
// authoritative assistant usage. Main agent only.
func (l *Loop) emitUsage(history []*models.Message, profile llm.ModelProfile) {
	usage := models.LastAuthoritativeUsage(history)
	if usage == nil {
		return
	}
	l.events.Emit(bus.ConversationUsage, map[string]any{
		"usage": map[string]any{
			"useTokens":    usage.TotalInputTokens() + usage.OutputTokens,
			"maxTokens":    profile.ContextLength,
			"promptTokens": usage.InputTokens,
		},
	})
}

func (l *Loop) emitSessionError(err error) {
	code := "UNKNOWN"
	message := err.Error()
	if apiErr, ok := err.(*llm.APIError); ok {
		code = apiErr.Code
		message = apiErr.Message
	}
	l.events.Emit(bus.SessionError, map[string]any{
		"type": "llm",
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

// toolDefs converts the context's tool list into adapter tool definitions.
func toolDefs(tools []Tool) []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, llm.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return defs
}
