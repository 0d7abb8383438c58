package reminder

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/codeloom-ai/codeloom/internal/agent"
	"github.com/codeloom-ai/codeloom/internal/bus"
	"github.com/codeloom-ai/codeloom/internal/config"
	"github.com/codeloom-ai/codeloom/internal/state"
	"github.com/codeloom-ai/codeloom/internal/tools/files"
	"github.com/codeloom-ai/codeloom/internal/tools/shell"
	"github.com/codeloom-ai/codeloom/pkg/models"
)

func testContext(t *testing.T, b *bus.Bus) *agent.ToolContext {
	t.Helper()
	return &agent.ToolContext{
		AgentID: models.MainAgentID,
		Cancel:  state.NewCancelHandle(context.Background()),
		WorkDir: t.TempDir(),
		States:  state.NewManager(b, nil, nil),
		Events:  b,
		Config:  config.NewManager(),
		Tools:   []agent.Tool{files.NewReadTool(), shell.NewBashTool()},
	}
}

func TestSplitRange(t *testing.T) {
	cases := []struct {
		in         string
		name       string
		start, end int
	}{
		{"main.go", "main.go", 0, 0},
		{"main.go:42", "main.go", 42, 42},
		{"main.go:10-20", "main.go", 10, 20},
		{"main.go:20-10", "main.go:20-10", 0, 0}, // invalid range keeps raw name
	}
	for _, tc := range cases {
		name, start, end := splitRange(tc.in)
		if name != tc.name || start != tc.start || end != tc.end {
			t.Errorf("splitRange(%q) = %q,%d,%d; want %q,%d,%d", tc.in, name, start, end, tc.name, tc.start, tc.end)
		}
	}
}

func TestParseReferencesDedupesAndStats(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("content"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	refs := ParseReferences("look at @a.txt and @sub plus @a.txt again, and @missing.txt", dir)
	if len(refs) != 2 {
		t.Fatalf("refs = %d, want 2 (dedupe + drop missing)", len(refs))
	}
	if refs[0].Type != "file" || refs[0].Name != "a.txt" {
		t.Errorf("refs[0] = %+v", refs[0])
	}
	if refs[1].Type != "directory" || refs[1].Name != "sub" {
		t.Errorf("refs[1] = %+v", refs[1])
	}
}

func TestBuildFileReferencesReadsAndLists(t *testing.T) {
	b := bus.New(nil)
	tctx := testContext(t, b)
	if err := os.WriteFile(filepath.Join(tctx.WorkDir, "notes.md"), []byte("line one\nline two\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var events []map[string]any
	b.On(bus.FileReference, func(p any) { events = append(events, p.(map[string]any)) })

	builder := NewBuilder(b, nil)
	reminders := builder.BuildFileReferences(context.Background(), "see @notes.md", tctx)

	if len(reminders) != 1 {
		t.Fatalf("reminders = %d, want 1", len(reminders))
	}
	if !strings.HasPrefix(reminders[0], "<system-reminder>") || !strings.Contains(reminders[0], "line two") {
		t.Errorf("reminder = %q", reminders[0])
	}
	if len(events) != 1 {
		t.Fatalf("file:reference fired %d times, want 1", len(events))
	}
	refs := events[0]["references"].([]map[string]any)
	if len(refs) != 1 || refs[0]["type"] != "file" {
		t.Errorf("event references = %+v", refs)
	}

	// The read went through the Read tool body: the timestamp is recorded.
	path := filepath.Join(tctx.WorkDir, "notes.md")
	if _, ok := tctx.AgentState().GetReadFileTimestamp(path); !ok {
		t.Error("file reference read did not record the timestamp")
	}
}

func TestBuildFileReferencesDirectory(t *testing.T) {
	b := bus.New(nil)
	tctx := testContext(t, b)
	if err := os.Mkdir(filepath.Join(tctx.WorkDir, "pkg"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tctx.WorkDir, "pkg", "x.go"), []byte("package pkg"), 0o644); err != nil {
		t.Fatal(err)
	}

	builder := NewBuilder(b, nil)
	reminders := builder.BuildFileReferences(context.Background(), "what is in @pkg ?", tctx)
	if len(reminders) != 1 || !strings.Contains(reminders[0], "x.go") {
		t.Errorf("directory reminder = %v", reminders)
	}
}
