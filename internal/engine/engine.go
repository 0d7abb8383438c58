// Package engine is the public facade of the core: session lifecycle, user
// input processing, mode switching, interruption, and disposal. Consumers
// embed an Engine, subscribe to its event bus, and answer the interactive
// request/response events.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/codeloom-ai/codeloom/internal/agent"
	"github.com/codeloom-ai/codeloom/internal/bus"
	"github.com/codeloom-ai/codeloom/internal/config"
	"github.com/codeloom-ai/codeloom/internal/llm"
	"github.com/codeloom-ai/codeloom/internal/mcp"
	"github.com/codeloom-ai/codeloom/internal/permission"
	"github.com/codeloom-ai/codeloom/internal/reminder"
	"github.com/codeloom-ai/codeloom/internal/session"
	"github.com/codeloom-ai/codeloom/internal/skills"
	"github.com/codeloom-ai/codeloom/internal/state"
	"github.com/codeloom-ai/codeloom/internal/tools/files"
	"github.com/codeloom-ai/codeloom/internal/tools/search"
	"github.com/codeloom-ai/codeloom/internal/tools/shell"
	"github.com/codeloom-ai/codeloom/internal/tools/workflow"
	"github.com/codeloom-ai/codeloom/pkg/models"
)

// Options configures a new Engine.
type Options struct {
	// WorkDir is the project working directory. Defaults to the process cwd.
	WorkDir string

	// DataDir roots the engine's persisted files (models, projects, cache,
	// sessions). Empty disables persistence.
	DataDir string

	// ConfigPath optionally points at a YAML core-config file.
	ConfigPath string

	// UserMCPConfigPath and ProjectMCPConfigPath are the two MCP scopes.
	UserMCPConfigPath    string
	ProjectMCPConfigPath string

	// SkipModelProbe disables the endpoint round-trip when adding models.
	SkipModelProbe bool

	// PluginInit, when set, runs asynchronously after CreateSession (skill
	// discovery, custom commands). It never blocks session:ready.
	PluginInit func(e *Engine)

	Logger *slog.Logger
}

// Engine wires every subsystem and exposes the embedding API.
type Engine struct {
	events    *bus.Bus
	cfg       *config.Manager
	projects  *config.ProjectStore
	states    *state.Manager
	modelsReg *llm.Registry
	adapter   *llm.Adapter
	mcp       *mcp.Manager
	perm      *permission.Engine
	registry  *agent.ToolRegistry
	loop      *agent.Loop
	compactor *agent.Compactor
	orch      *agent.Orchestrator
	agents    *agent.AgentRegistry
	skills    *skills.Registry
	sessions  *session.Store
	refs      *reminder.Builder

	workDir    string
	pluginInit func(e *Engine)
	logger     *slog.Logger

	mu       sync.Mutex
	disposed bool
}

// storePersister adapts the session store to the state manager's
// persistence hook.
type storePersister struct {
	store *session.Store
}

func (p storePersister) SaveSession(_ context.Context, sessionID string, messages []*models.Message, todos []models.Todo) error {
	return p.store.Save(sessionID, &session.Document{Messages: messages, Todos: todos})
}

// New constructs an engine. The returned engine has no session yet; call
// CreateSession before ProcessUserInput.
func New(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workDir := opts.WorkDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("engine: cannot resolve working directory: %w", err)
		}
		workDir = wd
	}

	events := bus.New(logger)

	cfg := config.NewManager()
	if opts.ConfigPath != "" {
		if err := cfg.LoadFile(opts.ConfigPath); err != nil {
			return nil, err
		}
	}

	dataPath := func(name string) string {
		if opts.DataDir == "" {
			return ""
		}
		return filepath.Join(opts.DataDir, name)
	}

	projects, err := config.NewProjectStore(dataPath("projects.json"))
	if err != nil {
		return nil, err
	}
	sessions := session.NewStore(dataPath("sessions"))
	states := state.NewManager(events, storePersister{store: sessions}, logger)

	cache := llm.NewCache(dataPath("llmcache.json"), events, logger)
	adapter := llm.NewAdapter(events, cache, logger)

	var prober llm.Prober
	if !opts.SkipModelProbe {
		prober = &llm.AdapterProber{Adapter: adapter}
	}
	modelsReg, err := llm.NewRegistry(dataPath("models.json"), prober)
	if err != nil {
		return nil, err
	}

	mcpMgr := mcp.NewManager(opts.UserMCPConfigPath, opts.ProjectMCPConfigPath, logger)
	perm := permission.NewEngine(cfg, projects, states, events, adapter, modelsReg, workDir, logger)
	compactor := agent.NewCompactor(adapter, modelsReg, events, logger)

	registry := agent.NewToolRegistry()
	for _, tool := range []agent.Tool{
		files.NewReadTool(),
		files.NewWriteTool(),
		files.NewEditTool(),
		files.NewNotebookEditTool(),
		shell.NewBashTool(),
		search.NewGlobTool(),
		search.NewGrepTool(),
		workflow.NewTodoWriteTool(),
		workflow.NewTaskTool(),
		workflow.NewSkillTool(),
		workflow.NewAskUserQuestionTool(),
		workflow.NewExitPlanModeTool(),
	} {
		registry.Register(tool)
	}

	loop := agent.NewLoop(agent.LoopDeps{
		Adapter:   adapter,
		Models:    modelsReg,
		States:    states,
		Events:    events,
		Config:    cfg,
		Gate:      perm,
		Compactor: compactor,
		Logger:    logger,
	})

	e := &Engine{
		events:     events,
		cfg:        cfg,
		projects:   projects,
		states:     states,
		modelsReg:  modelsReg,
		adapter:    adapter,
		mcp:        mcpMgr,
		perm:       perm,
		registry:   registry,
		loop:       loop,
		compactor:  compactor,
		agents:     agent.NewAgentRegistry(),
		skills:     skills.NewRegistry(),
		sessions:   sessions,
		refs:       reminder.NewBuilder(events, logger),
		workDir:    workDir,
		pluginInit: opts.PluginInit,
		logger:     logger.With("component", "engine"),
	}
	e.orch = agent.NewOrchestrator(loop, e.agents, events, logger)
	loop.SetRebuilder(e)
	return e, nil
}

// Events exposes the engine's bus for subscriptions and interactive replies.
func (e *Engine) Events() *bus.Bus { return e.events }

// Config exposes the core configuration manager.
func (e *Engine) Config() *config.Manager { return e.cfg }

// Models exposes the model registry.
func (e *Engine) Models() *llm.Registry { return e.modelsReg }

// Skills exposes the skill registry for consumer registration.
func (e *Engine) Skills() *skills.Registry { return e.skills }

// Agents exposes the subagent-type registry.
func (e *Engine) Agents() *agent.AgentRegistry { return e.agents }

// MCP exposes the MCP manager.
func (e *Engine) MCP() *mcp.Manager { return e.mcp }

// WorkDir returns the engine's working directory.
func (e *Engine) WorkDir() string { return e.workDir }

// StartMCP connects the configured MCP servers. Safe to call in the
// background; failures degrade to an empty external tool pool.
func (e *Engine) StartMCP(ctx context.Context) {
	if err := e.mcp.Start(ctx); err != nil {
		e.logger.Warn("mcp startup failed", "error", err)
	}
}

// CreateSession cancels any in-flight work, clears agent state, installs the
// session ID (creating one if empty), revives persisted history, and emits
// session:ready. Plugin initialization is kicked off without blocking the
// ready event.
func (e *Engine) CreateSession(sessionID string) error {
	if h := e.states.CurrentCancelHandle(); h != nil {
		h.Cancel("session-switch")
	}
	e.states.ClearAll()

	// The lifecycle transition is observable: processing while the session
	// is assembled, idle after session:ready.
	e.states.ForAgent(models.MainAgentID).UpdateState(state.StateProcessing)

	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	e.states.ResetSession(sessionID)
	e.perm.ResetSession()

	main := e.states.ForAgent(models.MainAgentID)
	historyLoaded := false
	doc, ok, err := e.sessions.Load(sessionID)
	if err != nil {
		e.logger.Warn("session history unreadable", "session", sessionID, "error", err)
	} else if ok {
		main.SetMessageHistory(doc.Messages)
		main.SetTodos(doc.Todos)
		historyLoaded = true
	}

	if e.pluginInit != nil {
		go e.pluginInit(e)
	}

	var usage map[string]any
	if u := models.LastAuthoritativeUsage(main.GetMessageHistory()); u != nil {
		usage = map[string]any{
			"useTokens":    u.TotalInputTokens() + u.OutputTokens,
			"promptTokens": u.InputTokens,
		}
	}
	e.events.Emit(bus.SessionReady, map[string]any{
		"workingDir":          e.workDir,
		"sessionId":           sessionID,
		"historyLoaded":       historyLoaded,
		"usage":               usage,
		"projectInputHistory": e.projects.History(e.workDir),
	})
	main.UpdateState(state.StateIdle)
	return nil
}

// ProcessUserInput starts one conversation turn. It is non-blocking: the
// turn runs on its own goroutine and reports through the bus. originalText,
// when non-empty, is what lands in the project input history (used when the
// caller pre-expands custom commands).
func (e *Engine) ProcessUserInput(text, originalText string) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return fmt.Errorf("engine: disposed")
	}
	e.mu.Unlock()

	main := e.states.ForAgent(models.MainAgentID)
	main.UpdateState(state.StateProcessing)

	cancel := state.NewCancelHandle(context.Background())
	e.states.SetCurrentCancelHandle(cancel)

	historyEntry := originalText
	if historyEntry == "" {
		historyEntry = text
	}
	if err := e.projects.AddHistory(e.workDir, historyEntry); err != nil {
		e.logger.Warn("input history persist failed", "error", err)
	}

	tctx := e.newMainContext(cancel)

	// System commands resolve synchronously and never reach the model.
	if handled := e.handleSystemCommand(text, tctx); handled {
		main.UpdateState(state.StateIdle)
		return nil
	}

	messages, systemPrompt := e.assembleTurn(text, tctx)

	go func() {
		for range e.loop.Query(cancel.Context(), messages, systemPrompt, tctx) {
			// Messages stream to consumers via bus events; draining keeps
			// the loop unblocked.
		}
		if main.State() == state.StateProcessing {
			main.UpdateState(state.StateIdle)
		}
	}()
	return nil
}

// newMainContext builds the main agent's tool context for one turn.
func (e *Engine) newMainContext(cancel *state.CancelHandle) *agent.ToolContext {
	return &agent.ToolContext{
		AgentID:      models.MainAgentID,
		Cancel:       cancel,
		Tools:        e.buildToolList(e.cfg.Core()),
		ModelPointer: llm.PointerMain,
		WorkDir:      e.workDir,
		States:       e.states,
		Events:       e.events,
		Config:       e.cfg,
		Spawner:      e.orch,
		Skills:       e.skills,
	}
}

// assembleTurn builds the outgoing message list and system prompt for a user
// input: file-reference reminders always; todos and rules reminders on the
// first query; the Plan reminder once per switch into Plan mode.
func (e *Engine) assembleTurn(text string, tctx *agent.ToolContext) ([]*models.Message, []string) {
	main := tctx.AgentState()
	history := main.GetMessageHistory()

	var blocks []models.ContentBlock
	for _, ref := range e.refs.BuildFileReferences(tctx.Cancel.Context(), text, tctx) {
		blocks = append(blocks, models.TextBlock(ref))
	}

	if len(history) == 0 {
		if tctx.HasTool(agent.ToolTodoWrite) {
			if r := agent.TodosReminder(main.GetTodos()); r != "" {
				blocks = append(blocks, models.TextBlock(r))
			}
		}
		if r := agent.RulesReminder(e.collectRules()); r != "" {
			blocks = append(blocks, models.TextBlock(r))
		}
	}
	if e.cfg.Mode() == config.ModePlan && !e.states.PlanModeInfoSent() {
		blocks = append(blocks, models.TextBlock(agent.PlanModeReminder()))
		e.states.MarkPlanModeInfoSent()
	}

	blocks = append(blocks, models.TextBlock(text))
	messages := append(history, models.NewUserMessage(blocks...))
	return messages, e.buildSystemPrompt()
}

// collectRules gathers the user-global AGENT.md, the project's
// AGENT.md/CLAUDE.md, persisted project rules, and configured custom rules.
func (e *Engine) collectRules() []string {
	var rules []string
	if home, err := os.UserHomeDir(); err == nil {
		rules = append(rules, readRuleFile(filepath.Join(home, ".codeloom", "AGENT.md"))...)
	}
	rules = append(rules, readRuleFile(filepath.Join(e.workDir, "AGENT.md"))...)
	rules = append(rules, readRuleFile(filepath.Join(e.workDir, "CLAUDE.md"))...)
	rules = append(rules, e.projects.Rules(e.workDir)...)
	rules = append(rules, e.cfg.Core().CustomRules...)
	return rules
}

func readRuleFile(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return nil
	}
	return []string{content}
}

// buildToolList runs the registry filter pipeline with the current MCP pool.
func (e *Engine) buildToolList(core config.CoreConfig) []agent.Tool {
	return e.registry.BuildToolList(agent.ToolListOptions{
		Core:     core,
		MCPTools: e.mcp.Tools(context.Background()),
	})
}

// RebuildContext implements agent.ContextRebuilder: after a mode switch the
// loop continues with a recomputed tool list and system prompt.
func (e *Engine) RebuildContext(tctx *agent.ToolContext, sig *models.RebuildContext) ([]agent.Tool, []string) {
	core := e.cfg.Core()
	core.Mode = config.AgentMode(sig.NewMode)
	return e.buildToolList(core), e.buildSystemPrompt()
}

// InterruptSession aborts the in-flight turn and returns the main agent to
// idle.
func (e *Engine) InterruptSession() {
	if h := e.states.CurrentCancelHandle(); h != nil {
		h.Cancel("")
	}
	e.states.ForAgent(models.MainAgentID).UpdateState(state.StateIdle)
}

// UpdateAgentMode switches between Agent and Plan mode. Switching into Plan
// re-arms the one-shot Plan reminder.
func (e *Engine) UpdateAgentMode(mode config.AgentMode) {
	if e.cfg.Mode() == mode {
		return
	}
	e.cfg.SetMode(mode)
	if mode == config.ModePlan {
		e.states.ResetPlanModeInfoSent()
	}
}

// Dispose aborts work, clears state, drops every listener, and disconnects
// MCP. The engine is unusable afterwards.
func (e *Engine) Dispose() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.disposed = true
	e.mu.Unlock()

	if h := e.states.CurrentCancelHandle(); h != nil {
		h.Cancel("dispose")
	}
	e.states.ClearAll()
	e.events.RemoveAllListeners()
	e.mcp.Close()
}
