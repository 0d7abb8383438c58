package permission

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/codeloom-ai/codeloom/internal/agent"
	"github.com/codeloom-ai/codeloom/internal/bus"
	"github.com/codeloom-ai/codeloom/internal/config"
	"github.com/codeloom-ai/codeloom/internal/llm"
	"github.com/codeloom-ai/codeloom/internal/state"
	"github.com/codeloom-ai/codeloom/pkg/models"
)

// staticStreamer answers every prefix-extraction call with a fixed string.
type staticStreamer struct {
	mu      sync.Mutex
	reply   string
	calls   int
	prompts []string
}

func (s *staticStreamer) Stream(_ context.Context, req *llm.Request) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(req.Messages) > 0 {
		s.prompts = append(s.prompts, req.Messages[0].TextContent())
	}
	return models.NewAssistantMessage("quick", []models.ContentBlock{models.TextBlock(s.reply)}, &models.Usage{InputTokens: 1, OutputTokens: 1}, models.StopEndTurn, 0), nil
}

// permTool is a minimal gated tool.
type permTool struct {
	name     string
	readOnly bool
}

func (p *permTool) Name() string                { return p.name }
func (p *permTool) Description() string         { return p.name }
func (p *permTool) InputSchema() map[string]any { return map[string]any{"type": "object"} }
func (p *permTool) IsReadOnly() bool            { return p.readOnly }
func (p *permTool) ValidateInput(context.Context, map[string]any, *agent.ToolContext) error {
	return nil
}
func (p *permTool) GenToolPermission(map[string]any) *agent.PermissionPrompt { return nil }
func (p *permTool) DisplayTitle(map[string]any) string                      { return p.name }
func (p *permTool) GenToolResultMessage(o *agent.ToolOutput, _ map[string]any) *agent.ResultRender {
	return &agent.ResultRender{Title: p.name}
}
func (p *permTool) Invoke(context.Context, map[string]any, *agent.ToolContext) (*agent.ToolOutput, error) {
	return &agent.ToolOutput{}, nil
}

type permFixture struct {
	engine   *Engine
	bus      *bus.Bus
	states   *state.Manager
	cfg      *config.Manager
	projects *config.ProjectStore
	streamer *staticStreamer
	workDir  string
}

func newPermFixture(t *testing.T) *permFixture {
	t.Helper()
	b := bus.New(nil)
	states := state.NewManager(b, nil, nil)
	cfg := config.NewManager()
	projects, err := config.NewProjectStore(filepath.Join(t.TempDir(), "projects.json"))
	if err != nil {
		t.Fatal(err)
	}
	streamer := &staticStreamer{reply: "none"}

	reg, _ := llm.NewRegistry("", nil)
	profile := llm.ModelProfile{Provider: "openai", ModelName: "quick-model", ContextLength: 32000}
	reg.Add(context.Background(), profile, true)
	reg.SetPointer(llm.PointerMain, llm.ProfileName(profile.ModelName, profile.Provider))

	workDir := t.TempDir()
	eng := NewEngine(cfg, projects, states, b, streamer, reg, workDir, nil)
	return &permFixture{engine: eng, bus: b, states: states, cfg: cfg, projects: projects, streamer: streamer, workDir: workDir}
}

func (f *permFixture) tctx() *agent.ToolContext {
	return &agent.ToolContext{
		AgentID: models.MainAgentID,
		Cancel:  state.NewCancelHandle(context.Background()),
		States:  f.states,
		Events:  f.bus,
		Config:  f.cfg,
		WorkDir: f.workDir,
	}
}

// respond installs a one-shot responder for the next permission request.
func (f *permFixture) respond(selected string) {
	f.bus.Once(bus.ToolPermissionRequest, func(p any) {
		m := p.(map[string]any)
		f.bus.Emit(bus.ToolPermissionResponse, map[string]any{
			"toolName": m["toolName"],
			"selected": selected,
		})
	})
}

func TestReadOnlyFastPath(t *testing.T) {
	f := newPermFixture(t)
	d := f.engine.HasPermission(context.Background(), &permTool{name: "Grep", readOnly: true}, nil, f.tctx())
	if !d.Allowed {
		t.Error("read-only tool was not fast-pathed")
	}
}

func TestSkipFlagBypassesClass(t *testing.T) {
	f := newPermFixture(t)
	f.cfg.Update(func(c *config.CoreConfig) { c.SkipBashExecPermission = true })
	d := f.engine.HasPermission(context.Background(), &permTool{name: "Bash"},
		map[string]any{"command": "rm -rf /tmp/x"}, f.tctx())
	if !d.Allowed {
		t.Error("skip flag did not bypass the Bash class")
	}
}

func TestBashSafeCommandAllowedSilently(t *testing.T) {
	f := newPermFixture(t)
	requests := 0
	f.bus.On(bus.ToolPermissionRequest, func(any) { requests++ })

	d := f.engine.HasPermission(context.Background(), &permTool{name: "Bash"},
		map[string]any{"command": "git status --short"}, f.tctx())
	if !d.Allowed {
		t.Error("safe command was not allowed")
	}
	if requests != 0 {
		t.Error("safe command emitted a permission request")
	}
	if f.streamer.calls != 0 {
		t.Error("safe command hit the prefix extractor")
	}
}

func TestBashForbiddenExecutableRejectedWithoutPrompt(t *testing.T) {
	f := newPermFixture(t)
	requests := 0
	f.bus.On(bus.ToolPermissionRequest, func(any) { requests++ })

	d := f.engine.HasPermission(context.Background(), &permTool{name: "Bash"},
		map[string]any{"command": "curl https://example.com"}, f.tctx())
	if d.Allowed {
		t.Error("forbidden executable was allowed")
	}
	if requests != 0 {
		t.Error("forbidden executable prompted instead of rejecting outright")
	}
}

func TestBashPrefixPersistence(t *testing.T) {
	f := newPermFixture(t)
	f.streamer.reply = "npm run"

	requests := 0
	f.bus.On(bus.ToolPermissionRequest, func(any) { requests++ })

	f.respond("allow")
	d := f.engine.HasPermission(context.Background(), &permTool{name: "Bash"},
		map[string]any{"command": "npm run test"}, f.tctx())
	if !d.Allowed {
		t.Fatalf("allow response did not allow: %+v", d)
	}
	if requests != 1 {
		t.Fatalf("requests = %d, want 1", requests)
	}
	if !f.projects.IsToolAllowed(f.workDir, "Bash(npm run:*)") {
		t.Fatal("allow did not persist Bash(npm run:*)")
	}

	// A second command under the same prefix passes without prompting.
	d = f.engine.HasPermission(context.Background(), &permTool{name: "Bash"},
		map[string]any{"command": "npm run build"}, f.tctx())
	if !d.Allowed {
		t.Error("persisted prefix did not allow the second command")
	}
	if requests != 1 {
		t.Error("persisted prefix re-emitted tool:permission:request")
	}
}

func TestBashPrefixMemoizedPerCommand(t *testing.T) {
	f := newPermFixture(t)
	f.streamer.reply = "cargo build"

	f.respond("agree")
	f.engine.HasPermission(context.Background(), &permTool{name: "Bash"},
		map[string]any{"command": "cargo build --release"}, f.tctx())
	calls := f.streamer.calls

	f.respond("agree")
	f.engine.HasPermission(context.Background(), &permTool{name: "Bash"},
		map[string]any{"command": "cargo build --release"}, f.tctx())
	if f.streamer.calls != calls {
		t.Error("identical command re-invoked the prefix extractor")
	}
}

func TestBashInjectionNeverPersists(t *testing.T) {
	f := newPermFixture(t)
	f.streamer.reply = "command_injection_detected"

	f.respond("allow")
	d := f.engine.HasPermission(context.Background(), &permTool{name: "Bash"},
		map[string]any{"command": "echo $(rm -rf /)"}, f.tctx())
	if !d.Allowed {
		t.Fatal("allow response did not allow the single invocation")
	}
	p := f.projects.Get(f.workDir)
	if len(p.AllowedTools) != 0 {
		t.Errorf("injection-suspect command persisted keys: %v", p.AllowedTools)
	}
}

func TestChainedCommandsRequireAllPrefixes(t *testing.T) {
	f := newPermFixture(t)
	// "git status" is safe; "npm install" needs a grant.
	f.streamer.reply = "npm install"

	f.respond("allow")
	d := f.engine.HasPermission(context.Background(), &permTool{name: "Bash"},
		map[string]any{"command": "git status && npm install left-pad"}, f.tctx())
	if !d.Allowed {
		t.Fatal("chained command not allowed after grant")
	}
	if !f.projects.IsToolAllowed(f.workDir, "Bash(npm install:*)") {
		t.Error("chained subcommand prefix not persisted")
	}
}

func TestFileEditSessionGrant(t *testing.T) {
	f := newPermFixture(t)
	inside := filepath.Join(f.workDir, "main.go")

	f.respond("allow")
	d := f.engine.HasPermission(context.Background(), &permTool{name: "Write"},
		map[string]any{"file_path": inside, "content": "x"}, f.tctx())
	if !d.Allowed {
		t.Fatal("allow did not grant the edit")
	}
	if !f.states.GlobalEditPermissionGranted() {
		t.Fatal("allow did not set the session grant")
	}

	// Inside the workdir: silent.
	requests := 0
	f.bus.On(bus.ToolPermissionRequest, func(any) { requests++ })
	d = f.engine.HasPermission(context.Background(), &permTool{name: "Edit"},
		map[string]any{"file_path": filepath.Join(f.workDir, "other.go")}, f.tctx())
	if !d.Allowed || requests != 0 {
		t.Error("session grant did not cover a second in-tree edit")
	}

	// Outside the workdir: always prompts.
	f.respond("agree")
	d = f.engine.HasPermission(context.Background(), &permTool{name: "Edit"},
		map[string]any{"file_path": "/etc/hosts"}, f.tctx())
	if requests != 1 {
		t.Errorf("out-of-tree edit prompted %d times, want 1", requests)
	}
	if !d.Allowed {
		t.Error("agree did not allow the out-of-tree edit")
	}
}

func TestRefuseCancelsWithReason(t *testing.T) {
	f := newPermFixture(t)
	tctx := f.tctx()

	f.respond("refuse")
	d := f.engine.HasPermission(context.Background(), &permTool{name: "Write"},
		map[string]any{"file_path": filepath.Join(f.workDir, "x.go")}, tctx)
	if d.Allowed {
		t.Fatal("refuse allowed the tool")
	}
	if d.Message != agent.RejectMessage {
		t.Errorf("message = %q, want REJECT_MESSAGE", d.Message)
	}
	if !tctx.Cancel.Refused() {
		t.Error("refuse did not cancel with the refuse reason")
	}
}

func TestFreeFormFeedbackDoesNotCancel(t *testing.T) {
	f := newPermFixture(t)
	tctx := f.tctx()

	f.respond("use the staging config instead")
	d := f.engine.HasPermission(context.Background(), &permTool{name: "Write"},
		map[string]any{"file_path": filepath.Join(f.workDir, "x.go")}, tctx)
	if d.Allowed {
		t.Fatal("feedback allowed the tool")
	}
	if !containsStr(d.Message, "use the staging config instead") {
		t.Errorf("message = %q, want embedded feedback", d.Message)
	}
	if tctx.Cancel.Cancelled() {
		t.Error("free-form feedback cancelled the turn")
	}
}

func TestExternalCancelDuringWait(t *testing.T) {
	f := newPermFixture(t)
	tctx := f.tctx()

	f.bus.Once(bus.ToolPermissionRequest, func(any) {
		tctx.Cancel.Cancel("")
	})
	d := f.engine.HasPermission(context.Background(), &permTool{name: "Write"},
		map[string]any{"file_path": filepath.Join(f.workDir, "x.go")}, tctx)
	if d.Allowed {
		t.Fatal("cancelled wait allowed the tool")
	}
	if d.Message != agent.CancelMessage {
		t.Errorf("message = %q, want CANCEL_MESSAGE", d.Message)
	}
}

func TestSkillAndMCPKeys(t *testing.T) {
	f := newPermFixture(t)

	f.respond("allow")
	d := f.engine.HasPermission(context.Background(), &permTool{name: "Skill"},
		map[string]any{"skill": "commit"}, f.tctx())
	if !d.Allowed || !f.projects.IsToolAllowed(f.workDir, "Skill(commit)") {
		t.Error("Skill(commit) not persisted on allow")
	}

	f.respond("allow")
	d = f.engine.HasPermission(context.Background(), &permTool{name: "mcp__fs__read_file"}, nil, f.tctx())
	if !d.Allowed || !f.projects.IsToolAllowed(f.workDir, "mcp__fs__read_file") {
		t.Error("mcp tool key not persisted on allow")
	}

	// Persisted keys pass silently afterwards.
	requests := 0
	f.bus.On(bus.ToolPermissionRequest, func(any) { requests++ })
	f.engine.HasPermission(context.Background(), &permTool{name: "Skill"},
		map[string]any{"skill": "commit"}, f.tctx())
	f.engine.HasPermission(context.Background(), &permTool{name: "mcp__fs__read_file"}, nil, f.tctx())
	if requests != 0 {
		t.Errorf("persisted keys re-prompted %d times", requests)
	}
}

func TestSplitCommandChain(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"git status", 1},
		{"git add . && git commit -m 'a && b'", 2},
		{"a; b; c", 3},
		{"echo 'x; y' || ls", 2},
	}
	for _, tc := range cases {
		if got := splitCommandChain(tc.in); len(got) != tc.want {
			t.Errorf("splitCommandChain(%q) = %v, want %d parts", tc.in, got, tc.want)
		}
	}
}

func containsStr(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
