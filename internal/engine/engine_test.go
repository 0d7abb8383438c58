package engine

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/codeloom-ai/codeloom/internal/bus"
	"github.com/codeloom-ai/codeloom/internal/config"
	"github.com/codeloom-ai/codeloom/internal/state"
	"github.com/codeloom-ai/codeloom/pkg/models"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Options{
		WorkDir:        t.TempDir(),
		DataDir:        filepath.Join(t.TempDir(), "data"),
		SkipModelProbe: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Dispose)
	return e
}

func TestCreateSessionEmitsReadyThenIdle(t *testing.T) {
	e := newTestEngine(t)

	var order []string
	e.Events().On(bus.SessionReady, func(p any) {
		order = append(order, "ready")
		m := p.(map[string]any)
		if m["workingDir"] != e.WorkDir() {
			t.Errorf("workingDir = %v", m["workingDir"])
		}
		if m["sessionId"] == "" {
			t.Error("sessionId empty")
		}
		if m["historyLoaded"] != false {
			t.Error("historyLoaded true for a fresh session")
		}
	})
	e.Events().On(bus.StateUpdate, func(p any) {
		if p.(map[string]any)["state"] == string(state.StateIdle) {
			order = append(order, "idle")
		}
	})

	if err := e.CreateSession(""); err != nil {
		t.Fatal(err)
	}
	if len(order) < 2 || order[0] != "ready" {
		t.Errorf("event order = %v, want ready before idle", order)
	}
}

func TestCreateSessionRevivesHistory(t *testing.T) {
	e := newTestEngine(t)
	if err := e.CreateSession("persist-me"); err != nil {
		t.Fatal(err)
	}

	main := e.states.ForAgent(models.MainAgentID)
	main.SetTodos([]models.Todo{{Content: "carry over", Status: models.TodoPending, ActiveForm: "carrying"}})
	main.SetMessageHistory([]*models.Message{models.NewUserTextMessage("remember this")})

	// The persist hook is async; give it a beat.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok, _ := e.sessions.Load("persist-me"); ok || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	loaded := false
	e.Events().On(bus.SessionReady, func(p any) {
		loaded, _ = p.(map[string]any)["historyLoaded"].(bool)
	})
	if err := e.CreateSession("persist-me"); err != nil {
		t.Fatal(err)
	}
	if !loaded {
		t.Fatal("historyLoaded false on revival")
	}
	history := e.states.ForAgent(models.MainAgentID).GetMessageHistory()
	if len(history) != 1 || history[0].TextContent() != "remember this" {
		t.Errorf("revived history = %+v", history)
	}
}

func TestClearCommandEmitsSessionCleared(t *testing.T) {
	e := newTestEngine(t)
	if err := e.CreateSession("s"); err != nil {
		t.Fatal(err)
	}
	main := e.states.ForAgent(models.MainAgentID)
	main.SetMessageHistory([]*models.Message{models.NewUserTextMessage("old stuff")})

	cleared := 0
	e.Events().On(bus.SessionCleared, func(any) { cleared++ })

	if err := e.ProcessUserInput("/clear", ""); err != nil {
		t.Fatal(err)
	}
	if cleared != 1 {
		t.Errorf("session:cleared fired %d times, want 1", cleared)
	}
	if len(main.GetMessageHistory()) != 0 {
		t.Error("history not cleared")
	}
	if main.State() != state.StateIdle {
		t.Error("state not idle after /clear")
	}
}

func TestUpdateAgentModeRearmsPlanReminder(t *testing.T) {
	e := newTestEngine(t)
	e.states.MarkPlanModeInfoSent()

	e.UpdateAgentMode(config.ModePlan)
	if e.cfg.Mode() != config.ModePlan {
		t.Error("mode not switched")
	}
	if e.states.PlanModeInfoSent() {
		t.Error("plan reminder not re-armed on switch into Plan")
	}

	// Switching to the same mode is a no-op.
	e.states.MarkPlanModeInfoSent()
	e.UpdateAgentMode(config.ModePlan)
	if !e.states.PlanModeInfoSent() {
		t.Error("no-op mode switch re-armed the reminder")
	}
}

func TestInterruptSessionGoesIdle(t *testing.T) {
	e := newTestEngine(t)
	if err := e.CreateSession(""); err != nil {
		t.Fatal(err)
	}
	handle := state.NewCancelHandle(nil)
	e.states.SetCurrentCancelHandle(handle)
	e.states.ForAgent(models.MainAgentID).UpdateState(state.StateProcessing)

	e.InterruptSession()
	if !handle.Cancelled() {
		t.Error("interrupt did not cancel the handle")
	}
	if e.states.ForAgent(models.MainAgentID).State() != state.StateIdle {
		t.Error("state not idle after interrupt")
	}
}

func TestAssembleTurnRemindersFirstQuery(t *testing.T) {
	e := newTestEngine(t)
	if err := e.CreateSession(""); err != nil {
		t.Fatal(err)
	}
	cancel := state.NewCancelHandle(nil)
	tctx := e.newMainContext(cancel)

	messages, systemPrompt := e.assembleTurn("hello there", tctx)
	if len(messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(messages))
	}
	blocks := messages[0].Content
	// First query gets the todos reminder block before the user text.
	if len(blocks) < 2 {
		t.Fatalf("blocks = %d, want reminder + text", len(blocks))
	}
	if blocks[len(blocks)-1].Text != "hello there" {
		t.Errorf("last block = %q, want the user text", blocks[len(blocks)-1].Text)
	}
	if len(systemPrompt) == 0 {
		t.Error("system prompt empty")
	}

	// Second query: no todos reminder.
	e.states.ForAgent(models.MainAgentID).SetMessageHistory(messages)
	messages2, _ := e.assembleTurn("and again", tctx)
	lastBlocks := messages2[len(messages2)-1].Content
	if len(lastBlocks) != 1 {
		t.Errorf("second-turn blocks = %d, want just the text", len(lastBlocks))
	}
}

func TestPlanModeReminderOncePerSwitch(t *testing.T) {
	e := newTestEngine(t)
	if err := e.CreateSession(""); err != nil {
		t.Fatal(err)
	}
	e.UpdateAgentMode(config.ModePlan)
	cancel := state.NewCancelHandle(nil)
	tctx := e.newMainContext(cancel)

	messages, _ := e.assembleTurn("plan something", tctx)
	found := false
	for _, b := range messages[len(messages)-1].Content {
		if containsPlanReminder(b.Text) {
			found = true
		}
	}
	if !found {
		t.Fatal("plan reminder missing on first Plan-mode query")
	}

	e.states.ForAgent(models.MainAgentID).SetMessageHistory(messages)
	messages2, _ := e.assembleTurn("more planning", tctx)
	for _, b := range messages2[len(messages2)-1].Content {
		if containsPlanReminder(b.Text) {
			t.Error("plan reminder repeated within one mode switch")
		}
	}
}

func containsPlanReminder(s string) bool {
	return strings.Contains(s, "Plan mode is active")
}
