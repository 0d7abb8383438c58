package search

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
	"github.com/codeloom-ai/codeloom/pkg/models"
)

func testContext(t *testing.T) *agent.ToolContext {
	t.Helper()
	return &agent.ToolContext{
		AgentID: models.MainAgentID,
		Cancel:  state.NewCancelHandle(context.Background()),
		WorkDir: t.TempDir(),
		States:  state.NewManager(bus.New(nil), nil, nil),
		Events:  bus.New(nil),
		Config:  config.NewManager(),
	}
}

func seed(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestGlobToRegexp(t *testing.T) {
	cases := []struct {
		pattern string
		path    string
		match   bool
	}{
		{"*.go", "main.go", true},
		{"*.go", "sub/main.go", false},
		{"**/*.go", "sub/deep/main.go", true},
		{"**/*.go", "main.go", true},
		{"cmd/*/main.go", "cmd/app/main.go", true},
		{"cmd/*/main.go", "cmd/a/b/main.go", false},
		{"file?.txt", "file1.txt", true},
		{"file?.txt", "file12.txt", false},
	}
	for _, tc := range cases {
		re, err := globToRegexp(tc.pattern)
		if err != nil {
			t.Fatalf("globToRegexp(%q): %v", tc.pattern, err)
		}
		if got := re.MatchString(tc.path); got != tc.match {
			t.Errorf("%q vs %q = %v, want %v", tc.pattern, tc.path, got, tc.match)
		}
	}
}

func TestGlobFindsFiles(t *testing.T) {
	tctx := testContext(t)
	seed(t, tctx.WorkDir, map[string]string{
		"a.go":         "package a",
		"sub/b.go":     "package b",
		"sub/c.txt":    "text",
		".git/ignored": "x",
	})

	out, err := NewGlobTool().Invoke(context.Background(), map[string]any{"pattern": "**/*.go"}, tctx)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.ResultForAssistant, "a.go") || !strings.Contains(out.ResultForAssistant, "b.go") {
		t.Errorf("glob output = %q", out.ResultForAssistant)
	}
	if strings.Contains(out.ResultForAssistant, "c.txt") || strings.Contains(out.ResultForAssistant, "ignored") {
		t.Errorf("glob leaked non-matches: %q", out.ResultForAssistant)
	}
}

func TestGlobNoMatches(t *testing.T) {
	tctx := testContext(t)
	out, err := NewGlobTool().Invoke(context.Background(), map[string]any{"pattern": "*.rs"}, tctx)
	if err != nil {
		t.Fatal(err)
	}
	if out.ResultForAssistant != "No files found" {
		t.Errorf("output = %q", out.ResultForAssistant)
	}
}

func TestGrepFilesWithMatches(t *testing.T) {
	tctx := testContext(t)
	seed(t, tctx.WorkDir, map[string]string{
		"x.go": "func ParseConfig() {}",
		"y.go": "func Other() {}",
	})

	out, err := NewGrepTool().Invoke(context.Background(), map[string]any{"pattern": "ParseConfig"}, tctx)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.ResultForAssistant, "x.go") || strings.Contains(out.ResultForAssistant, "y.go") {
		t.Errorf("grep output = %q", out.ResultForAssistant)
	}
}

func TestGrepContentMode(t *testing.T) {
	tctx := testContext(t)
	seed(t, tctx.WorkDir, map[string]string{"z.go": "alpha\nneedle here\nomega"})

	out, err := NewGrepTool().Invoke(context.Background(), map[string]any{
		"pattern": "needle", "output_mode": "content",
	}, tctx)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.ResultForAssistant, ":2:needle here") {
		t.Errorf("content output = %q", out.ResultForAssistant)
	}
}

func TestGrepCaseInsensitive(t *testing.T) {
	tctx := testContext(t)
	seed(t, tctx.WorkDir, map[string]string{"w.go": "NEEDLE"})

	out, err := NewGrepTool().Invoke(context.Background(), map[string]any{
		"pattern": "needle", "-i": true,
	}, tctx)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.ResultForAssistant, "w.go") {
		t.Errorf("case-insensitive grep missed: %q", out.ResultForAssistant)
	}
}

func TestGrepInvalidPatternRejected(t *testing.T) {
	tctx := testContext(t)
	if err := NewGrepTool().ValidateInput(context.Background(), map[string]any{"pattern": "("}, tctx); err == nil {
		t.Error("invalid regexp passed validation")
	}
}
