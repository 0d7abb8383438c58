package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/codeloom-ai/codeloom/internal/bus"
	"github.com/codeloom-ai/codeloom/pkg/models"
)

type capturePersister struct {
	mu       sync.Mutex
	sessions map[string][]*models.Message
	saved    chan struct{}
}

func newCapturePersister() *capturePersister {
	return &capturePersister{sessions: make(map[string][]*models.Message), saved: make(chan struct{}, 8)}
}

func (p *capturePersister) SaveSession(_ context.Context, sessionID string, messages []*models.Message, _ []models.Todo) error {
	p.mu.Lock()
	p.sessions[sessionID] = messages
	p.mu.Unlock()
	select {
	case p.saved <- struct{}{}:
	default:
	}
	return nil
}

func TestUpdateTodosIntelligentlyMergesByID(t *testing.T) {
	m := NewManager(bus.New(nil), nil, nil)
	h := m.ForAgent(models.MainAgentID)
	h.SetTodos([]models.Todo{
		{ID: "a", Content: "first", Status: models.TodoPending},
		{ID: "b", Content: "second", Status: models.TodoPending},
	})

	h.UpdateTodosIntelligently([]models.Todo{
		{ID: "b", Content: "second", Status: models.TodoInProgress},
	})

	todos := h.GetTodos()
	if len(todos) != 2 {
		t.Fatalf("len(todos) = %d, want 2 (merge, not replace)", len(todos))
	}
	if todos[1].Status != models.TodoInProgress {
		t.Errorf("todo b status = %q, want in_progress", todos[1].Status)
	}
}

func TestUpdateTodosIntelligentlyReplacesOnUnknownID(t *testing.T) {
	m := NewManager(bus.New(nil), nil, nil)
	h := m.ForAgent(models.MainAgentID)
	h.SetTodos([]models.Todo{{ID: "a", Content: "first", Status: models.TodoPending}})

	h.UpdateTodosIntelligently([]models.Todo{{ID: "z", Content: "new", Status: models.TodoPending}})

	todos := h.GetTodos()
	if len(todos) != 1 || todos[0].ID != "z" {
		t.Errorf("todos = %+v, want wholesale replacement with z", todos)
	}
}

func TestMainEmitsTodosUpdateSubagentDoesNot(t *testing.T) {
	b := bus.New(nil)
	m := NewManager(b, nil, nil)
	updates := 0
	b.On(bus.TodosUpdate, func(any) { updates++ })

	m.ForAgent(models.MainAgentID).SetTodos([]models.Todo{{Content: "x", Status: models.TodoPending}})
	m.ForAgent("sub-1").SetTodos([]models.Todo{{Content: "y", Status: models.TodoPending}})

	if updates != 1 {
		t.Errorf("todos:update fired %d times, want 1 (main only)", updates)
	}
}

func TestSubagentIsolation(t *testing.T) {
	m := NewManager(bus.New(nil), nil, nil)
	main := m.ForAgent(models.MainAgentID)
	sub := m.ForAgent("sub-1")

	main.SetMessageHistory([]*models.Message{models.NewUserTextMessage("hello")})
	sub.SetMessageHistory([]*models.Message{models.NewUserTextMessage("sub work")})

	if got := len(main.GetMessageHistory()); got != 1 {
		t.Fatalf("main history len = %d, want 1", got)
	}
	if main.GetMessageHistory()[0].TextContent() != "hello" {
		t.Error("subagent message leaked into main history")
	}

	sub.ClearAllState()
	if got := len(sub.GetMessageHistory()); got != 0 {
		t.Errorf("sub history len after clear = %d, want 0", got)
	}
}

func TestClearAllStateIsNoOpForMain(t *testing.T) {
	m := NewManager(bus.New(nil), nil, nil)
	main := m.ForAgent(models.MainAgentID)
	main.SetMessageHistory([]*models.Message{models.NewUserTextMessage("keep me")})

	main.ClearAllState()
	if got := len(main.GetMessageHistory()); got != 1 {
		t.Errorf("main history len = %d after ClearAllState, want 1", got)
	}
}

func TestSetMessageHistoryPersistsMainAsync(t *testing.T) {
	p := newCapturePersister()
	m := NewManager(bus.New(nil), p, nil)
	m.ResetSession("sess-1")

	m.ForAgent(models.MainAgentID).SetMessageHistory([]*models.Message{models.NewUserTextMessage("persist me")})

	select {
	case <-p.saved:
	case <-time.After(time.Second):
		t.Fatal("persister was not invoked")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions["sess-1"]) != 1 {
		t.Errorf("persisted %d messages, want 1", len(p.sessions["sess-1"]))
	}
}

func TestReadFileTimestamps(t *testing.T) {
	m := NewManager(bus.New(nil), nil, nil)
	h := m.ForAgent(models.MainAgentID)

	if _, ok := h.GetReadFileTimestamp("/tmp/x"); ok {
		t.Fatal("timestamp present before any read")
	}
	h.SetReadFileTimestamp("/tmp/x", 12345)
	ts, ok := h.GetReadFileTimestamp("/tmp/x")
	if !ok || ts != 12345 {
		t.Errorf("timestamp = %d,%v, want 12345,true", ts, ok)
	}
}

func TestResetSessionClearsSessionScopedGrants(t *testing.T) {
	m := NewManager(bus.New(nil), nil, nil)
	m.GrantGlobalEditPermission()
	m.MarkPlanModeInfoSent()

	m.ResetSession("next")
	if m.GlobalEditPermissionGranted() {
		t.Error("edit grant survived session reset")
	}
	if m.PlanModeInfoSent() {
		t.Error("plan info flag survived session reset")
	}
}

func TestCancelHandleRefuseReason(t *testing.T) {
	h := NewCancelHandle(context.Background())
	if h.Cancelled() {
		t.Fatal("fresh handle reports cancelled")
	}
	h.Cancel(CancelReasonRefuse)
	h.Cancel("later") // first reason wins
	if !h.Refused() {
		t.Errorf("reason = %q, want refuse", h.Reason())
	}
}

func TestMainStateUpdateEmits(t *testing.T) {
	b := bus.New(nil)
	m := NewManager(b, nil, nil)
	var states []string
	b.On(bus.StateUpdate, func(p any) {
		states = append(states, p.(map[string]any)["state"].(string))
	})

	h := m.ForAgent(models.MainAgentID)
	h.UpdateState(StateProcessing)
	h.UpdateState(StateProcessing) // no-op, no event
	h.UpdateState(StateIdle)

	if len(states) != 2 || states[0] != "processing" || states[1] != "idle" {
		t.Errorf("states = %v, want [processing idle]", states)
	}
}
