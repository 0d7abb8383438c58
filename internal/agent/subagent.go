package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeloom-ai/codeloom/internal/bus"
	"github.com/codeloom-ai/codeloom/internal/llm"
	"github.com/codeloom-ai/codeloom/pkg/models"
)

// AgentConfig describes a subagent type: its system prompt, tool set, and
// model pointer.
type AgentConfig struct {
	Type        string
	Description string
	Prompt      string

	// Tools restricts the subagent's tool set; nil or ["*"] allows all
	// (minus Task, which subagents never get).
	Tools []string

	// Model selects the model pointer: "quick" or anything else for main.
	Model string
}

// AgentRegistry resolves subagent types case-insensitively. Built-ins are
// registered at construction; user- and project-defined configs are added
// through Register (their file parsing lives outside the engine).
type AgentRegistry struct {
	mu      sync.RWMutex
	configs map[string]AgentConfig
}

// NewAgentRegistry creates a registry seeded with the built-in types.
func NewAgentRegistry() *AgentRegistry {
	r := &AgentRegistry{configs: make(map[string]AgentConfig)}
	r.Register(AgentConfig{
		Type:        "general-purpose",
		Description: "General-purpose agent for researching complex questions and executing multi-step tasks.",
		Prompt:      "You are an agent for a coding assistant. Given the user's task, use the tools available to you to complete it.",
		Tools:       []string{"*"},
	})
	return r
}

// Register adds or replaces a subagent config.
func (r *AgentRegistry) Register(cfg AgentConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[strings.ToLower(cfg.Type)] = cfg
}

// Lookup resolves a subagent type case-insensitively.
func (r *AgentRegistry) Lookup(subagentType string) (AgentConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[strings.ToLower(subagentType)]
	return cfg, ok
}

// Types lists the registered subagent types.
func (r *AgentRegistry) Types() []AgentConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentConfig, 0, len(r.configs))
	for _, cfg := range r.configs {
		out = append(out, cfg)
	}
	return out
}

// Orchestrator spawns isolated subagents that share the parent's
// cancellation and report through task:agent:start/end events.
type Orchestrator struct {
	loop     *Loop
	registry *AgentRegistry
	events   *bus.Bus
	logger   *slog.Logger
}

// NewOrchestrator creates a subagent orchestrator over the given loop.
func NewOrchestrator(loop *Loop, registry *AgentRegistry, events *bus.Bus, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{loop: loop, registry: registry, events: events, logger: logger.With("component", "task")}
}

// Spawn implements Spawner: it runs one subagent conversation to completion
// and returns the final assistant text (or a failure summary). The
// subagent's state partition is always cleared before returning.
func (o *Orchestrator) Spawn(ctx context.Context, parent *ToolContext, description, prompt, subagentType string) (*TaskResult, error) {
	cfg, ok := o.registry.Lookup(subagentType)
	if !ok {
		return nil, fmt.Errorf("agent: unknown subagent type %q", subagentType)
	}

	tools := buildSubagentTools(parent.Tools, cfg.Tools)
	pointer := llm.PointerMain
	if cfg.Model == "quick" {
		pointer = llm.PointerQuick
	}

	agentID := uuid.NewString()
	child := &ToolContext{
		AgentID:      agentID,
		Cancel:       parent.Cancel, // shared: one interrupt cancels everything
		Tools:        tools,
		ModelPointer: pointer,
		WorkDir:      parent.WorkDir,
		States:       parent.States,
		Events:       parent.Events,
		Config:       parent.Config,
		Skills:       parent.Skills,
	}
	handle := child.AgentState()
	handle.UpdateState("processing")
	defer handle.ClearAllState()

	o.events.Emit(bus.TaskAgentStart, map[string]any{
		"taskId":        agentID,
		"subagent_type": cfg.Type,
		"description":   description,
		"prompt":        prompt,
	})

	systemPrompt := []string{
		cfg.Prompt,
		SubagentPromptNotes,
		subagentEnvBlock(parent.WorkDir),
	}
	if git := gitStatusBlock(ctx, parent.WorkDir); git != "" {
		systemPrompt = append(systemPrompt, git)
	}

	var blocks []models.ContentBlock
	if child.HasTool(ToolTodoWrite) {
		if reminder := TodosReminder(nil); reminder != "" {
			blocks = append(blocks, models.TextBlock(reminder))
		}
	}
	if reminder := RulesReminder(parent.Config.Core().CustomRules); reminder != "" {
		blocks = append(blocks, models.TextBlock(reminder))
	}
	blocks = append(blocks, models.TextBlock(prompt))

	start := time.Now()
	collected, err := o.loop.QueryCollect(ctx, []*models.Message{models.NewUserMessage(blocks...)}, systemPrompt, child)

	result := o.summarize(collected, err, parent, start)
	o.events.Emit(bus.TaskAgentEnd, map[string]any{
		"taskId":  agentID,
		"status":  result.Status,
		"content": result.Content,
	})
	return result, nil
}

func (o *Orchestrator) summarize(collected []*models.Message, err error, parent *ToolContext, start time.Time) *TaskResult {
	toolUseCount := 0
	var inputTokens, outputTokens int
	var lastText string
	for _, m := range collected {
		if m.Role != models.RoleAssistant {
			continue
		}
		toolUseCount += len(m.ToolUses())
		if m.Usage != nil {
			inputTokens += m.Usage.InputTokens
			outputTokens += m.Usage.OutputTokens
		}
		if text := m.TextContent(); text != "" {
			lastText = text
		}
	}
	duration := time.Since(start).Round(time.Millisecond)

	switch {
	case parent.Cancel.Cancelled():
		return &TaskResult{
			Status:  "interrupted",
			Content: fmt.Sprintf("Interrupted (%d tool uses, %d input tokens, %d output tokens, %s)", toolUseCount, inputTokens, outputTokens, duration),
		}
	case err != nil:
		return &TaskResult{
			Status:  "failed",
			Content: fmt.Sprintf("Subagent failed: %v (%d tool uses, %d input tokens, %d output tokens, %s)", err, toolUseCount, inputTokens, outputTokens, duration),
		}
	case lastText == "":
		return &TaskResult{Status: "success", Content: NoContentMessage}
	default:
		return &TaskResult{Status: "success", Content: lastText}
	}
}

// buildSubagentTools intersects the parent's full pool with the config's
// tool set and always removes Task.
func buildSubagentTools(pool []Tool, allowed []string) []Tool {
	tools := dropTool(pool, ToolTask)
	if allowsAllTools(allowed) {
		return tools
	}
	set := make(map[string]struct{}, len(allowed))
	for _, name := range allowed {
		set[name] = struct{}{}
	}
	out := tools[:0:0]
	for _, t := range tools {
		if _, ok := set[t.Name()]; ok {
			out = append(out, t)
		}
	}
	return out
}

func subagentEnvBlock(workDir string) string {
	return fmt.Sprintf("Environment:\nWorking directory: %s\nPlatform: %s/%s\nDate: %s",
		workDir, runtime.GOOS, runtime.GOARCH, time.Now().Format("2006-01-02"))
}

// gitStatusBlock captures a short git status for the system prompt; empty
// when the directory is not a repository.
func gitStatusBlock(ctx context.Context, workDir string) string {
	cmd := exec.CommandContext(ctx, "git", "status", "--short", "--branch")
	cmd.Dir = workDir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	text := strings.TrimSpace(string(out))
	if text == "" {
		return ""
	}
	return "Git status:\n" + text
}
