// Package state holds per-agent conversation state and the shared session
// state. Each agent (main or subagent) owns an isolated partition keyed by
// its agent ID; the main partition additionally drives session persistence
// and the global state/todos events.
package state

import (
	"context"
	"log/slog"
	"sync"

	"github.com/codeloom-ai/codeloom/internal/bus"
	"github.com/codeloom-ai/codeloom/pkg/models"
)

// AgentState is the processing state of an agent.
type AgentState string

const (
	StateIdle       AgentState = "idle"
	StateProcessing AgentState = "processing"
)

// Persister receives the main agent's history and todos for durable storage.
// Persistence is best-effort: failures are logged, never surfaced.
type Persister interface {
	SaveSession(ctx context.Context, sessionID string, messages []*models.Message, todos []models.Todo) error
}

type partition struct {
	currentState       AgentState
	previousState      AgentState
	messageHistory     []*models.Message
	todos              []models.Todo
	readFileTimestamps map[string]int64
}

func newPartition() *partition {
	return &partition{
		currentState:       StateIdle,
		readFileTimestamps: make(map[string]int64),
	}
}

// Manager owns every agent partition plus the shared session state.
type Manager struct {
	mu         sync.Mutex
	partitions map[string]*partition

	sessionID                  string
	globalEditPermissionGranted bool
	planModeInfoSent           bool
	currentCancelHandle        *CancelHandle

	events    *bus.Bus
	persister Persister
	logger    *slog.Logger
}

// NewManager creates a state manager wired to the given bus. persister may be
// nil, in which case history is never persisted.
func NewManager(events *bus.Bus, persister Persister, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		partitions: make(map[string]*partition),
		events:     events,
		persister:  persister,
		logger:     logger.With("component", "state"),
	}
}

// ForAgent returns the handle for the given agent's partition, creating it on
// first use.
func (m *Manager) ForAgent(agentID string) *AgentHandle {
	return &AgentHandle{mgr: m, agentID: agentID}
}

func (m *Manager) part(agentID string) *partition {
	p, ok := m.partitions[agentID]
	if !ok {
		p = newPartition()
		m.partitions[agentID] = p
	}
	return p
}

// SessionID returns the current session ID.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// ResetSession replaces the session ID and clears the session-scoped grants
// and one-shot flags that belong to the old session.
func (m *Manager) ResetSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionID = sessionID
	m.globalEditPermissionGranted = false
	m.planModeInfoSent = false
}

// GlobalEditPermissionGranted reports the session-scoped file-edit grant.
func (m *Manager) GlobalEditPermissionGranted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.globalEditPermissionGranted
}

// GrantGlobalEditPermission grants file edits for the rest of the session.
func (m *Manager) GrantGlobalEditPermission() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.globalEditPermissionGranted = true
}

// PlanModeInfoSent reports whether the one-shot Plan-mode reminder has been
// delivered since the last switch into Plan mode.
func (m *Manager) PlanModeInfoSent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.planModeInfoSent
}

// MarkPlanModeInfoSent records delivery of the Plan-mode reminder.
func (m *Manager) MarkPlanModeInfoSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.planModeInfoSent = true
}

// ResetPlanModeInfoSent re-arms the Plan-mode reminder (on switch into Plan).
func (m *Manager) ResetPlanModeInfoSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.planModeInfoSent = false
}

// CurrentCancelHandle returns the cancel handle of the in-flight turn, if any.
func (m *Manager) CurrentCancelHandle() *CancelHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentCancelHandle
}

// SetCurrentCancelHandle installs the cancel handle for a new turn.
func (m *Manager) SetCurrentCancelHandle(h *CancelHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentCancelHandle = h
}

// ClearAll removes every agent partition. Session-scoped shared state is left
// to ResetSession.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partitions = make(map[string]*partition)
}

// AgentHandle is a view over one agent's partition.
type AgentHandle struct {
	mgr     *Manager
	agentID string
}

// AgentID returns the handle's agent ID.
func (h *AgentHandle) AgentID() string { return h.agentID }

func (h *AgentHandle) isMain() bool { return h.agentID == models.MainAgentID }

// GetTodos returns a copy of the agent's todo list.
func (h *AgentHandle) GetTodos() []models.Todo {
	h.mgr.mu.Lock()
	defer h.mgr.mu.Unlock()
	p := h.mgr.part(h.agentID)
	out := make([]models.Todo, len(p.todos))
	copy(out, p.todos)
	return out
}

// SetTodos replaces the agent's todo list wholesale. The main agent
// broadcasts todos:update; subagents do not.
func (h *AgentHandle) SetTodos(todos []models.Todo) {
	h.mgr.mu.Lock()
	p := h.mgr.part(h.agentID)
	p.todos = append([]models.Todo(nil), todos...)
	h.mgr.mu.Unlock()
	h.emitTodos(todos)
}

// UpdateTodosIntelligently merges by ID when every incoming todo carries an
// ID already present in the stored list; otherwise it replaces wholesale.
func (h *AgentHandle) UpdateTodosIntelligently(todos []models.Todo) {
	h.mgr.mu.Lock()
	p := h.mgr.part(h.agentID)

	merge := len(todos) > 0 && len(p.todos) > 0
	existing := make(map[string]int, len(p.todos))
	for i, t := range p.todos {
		if t.ID != "" {
			existing[t.ID] = i
		}
	}
	for _, t := range todos {
		if t.ID == "" {
			merge = false
			break
		}
		if _, ok := existing[t.ID]; !ok {
			merge = false
			break
		}
	}

	if merge {
		merged := append([]models.Todo(nil), p.todos...)
		for _, t := range todos {
			merged[existing[t.ID]] = t
		}
		p.todos = merged
	} else {
		p.todos = append([]models.Todo(nil), todos...)
	}
	result := append([]models.Todo(nil), p.todos...)
	h.mgr.mu.Unlock()
	h.emitTodos(result)
}

func (h *AgentHandle) emitTodos(todos []models.Todo) {
	if h.isMain() && h.mgr.events != nil {
		h.mgr.events.Emit(bus.TodosUpdate, map[string]any{"todos": todos})
	}
}

// GetMessageHistory returns a copy of the agent's message history.
func (h *AgentHandle) GetMessageHistory() []*models.Message {
	h.mgr.mu.Lock()
	defer h.mgr.mu.Unlock()
	p := h.mgr.part(h.agentID)
	out := make([]*models.Message, len(p.messageHistory))
	copy(out, p.messageHistory)
	return out
}

// SetMessageHistory replaces the agent's history. For the main agent with a
// non-empty history, the session is persisted asynchronously, best-effort.
func (h *AgentHandle) SetMessageHistory(messages []*models.Message) {
	h.mgr.mu.Lock()
	p := h.mgr.part(h.agentID)
	p.messageHistory = append([]*models.Message(nil), messages...)
	sessionID := h.mgr.sessionID
	var todos []models.Todo
	persist := h.isMain() && len(messages) > 0 && h.mgr.persister != nil
	if persist {
		todos = append([]models.Todo(nil), p.todos...)
	}
	h.mgr.mu.Unlock()

	if persist {
		snapshot := append([]*models.Message(nil), messages...)
		go func() {
			if err := h.mgr.persister.SaveSession(context.Background(), sessionID, snapshot, todos); err != nil {
				h.mgr.logger.Warn("session persist failed", "session", sessionID, "error", err)
			}
		}()
	}
}

// FinalizeMessages sets the history and transitions the agent to idle in one
// step. Every loop exit path funnels through here.
func (h *AgentHandle) FinalizeMessages(messages []*models.Message) {
	h.SetMessageHistory(messages)
	h.UpdateState(StateIdle)
}

// GetReadFileTimestamp returns the recorded read timestamp for an absolute
// path, and whether one exists.
func (h *AgentHandle) GetReadFileTimestamp(path string) (int64, bool) {
	h.mgr.mu.Lock()
	defer h.mgr.mu.Unlock()
	ts, ok := h.mgr.part(h.agentID).readFileTimestamps[path]
	return ts, ok
}

// SetReadFileTimestamp records the post-read mtime for an absolute path.
// Edit safety rejects writes to files whose recorded timestamp is absent or
// older than the file's current mtime.
func (h *AgentHandle) SetReadFileTimestamp(path string, ts int64) {
	h.mgr.mu.Lock()
	defer h.mgr.mu.Unlock()
	h.mgr.part(h.agentID).readFileTimestamps[path] = ts
}

// State returns the agent's current processing state.
func (h *AgentHandle) State() AgentState {
	h.mgr.mu.Lock()
	defer h.mgr.mu.Unlock()
	return h.mgr.part(h.agentID).currentState
}

// UpdateState transitions the agent's state. The main agent broadcasts
// state:update; subagents stay silent.
func (h *AgentHandle) UpdateState(next AgentState) {
	h.mgr.mu.Lock()
	p := h.mgr.part(h.agentID)
	changed := p.currentState != next
	if changed {
		p.previousState = p.currentState
		p.currentState = next
	}
	h.mgr.mu.Unlock()

	if changed && h.isMain() && h.mgr.events != nil {
		h.mgr.events.Emit(bus.StateUpdate, map[string]any{"state": string(next)})
	}
}

// ClearAllState wipes the agent's partition. It is a no-op for the main
// agent, whose state only resets on session lifecycle events.
func (h *AgentHandle) ClearAllState() {
	if h.isMain() {
		return
	}
	h.mgr.mu.Lock()
	defer h.mgr.mu.Unlock()
	delete(h.mgr.partitions, h.agentID)
}
