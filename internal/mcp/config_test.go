package mcp

import (
	"os"
	"path/filepath"
	"testing"
)

func boolPtr(b bool) *bool { return &b }

func TestMergeConfigsProjectWins(t *testing.T) {
	user := map[string]*ServerConfig{
		"fs":   {Name: "fs", Command: "fs-server"},
		"web":  {Name: "web", URL: "https://user.example/mcp", Transport: TransportSSE},
		"gone": {Name: "gone", Command: "x", Enabled: boolPtr(false)},
	}
	project := map[string]*ServerConfig{
		"fs":  {Name: "fs", Command: "project-fs-server"},
		"db":  {Name: "db", Command: "db-server"},
		"web": {Name: "web", Enabled: boolPtr(false)},
	}

	merged := mergeConfigs(user, project)
	if len(merged) != 2 {
		t.Fatalf("merged = %d servers (%v), want 2", len(merged), merged)
	}
	if merged["fs"].Command != "project-fs-server" {
		t.Error("project scope did not win the fs collision")
	}
	if _, ok := merged["gone"]; ok {
		t.Error("disabled user server survived the merge")
	}
	if _, ok := merged["web"]; ok {
		t.Error("project-disabled server survived the merge")
	}
	if _, ok := merged["db"]; !ok {
		t.Error("project-only server missing")
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcp.json")
	content := `{"mcpServers": {
		"fs": {"command": "mcp-fs", "args": ["--root", "/proj"], "useTools": ["read_file"]},
		"api": {"transport": "http", "url": "https://example.com/mcp", "headers": {"Authorization": "Bearer t"}}
	}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfgs, mtime, err := loadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if mtime == 0 {
		t.Error("mtime not captured")
	}
	fs := cfgs["fs"]
	if fs.Name != "fs" || fs.effectiveTransport() != TransportStdio {
		t.Errorf("fs config = %+v", fs)
	}
	if len(fs.UseTools) != 1 || fs.UseTools[0] != "read_file" {
		t.Errorf("useTools = %v", fs.UseTools)
	}
	api := cfgs["api"]
	if api.effectiveTransport() != TransportHTTP || api.Headers["Authorization"] == "" {
		t.Errorf("api config = %+v", api)
	}
}

func TestLoadConfigFileMissingIsEmpty(t *testing.T) {
	cfgs, mtime, err := loadConfigFile(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil || len(cfgs) != 0 || mtime != 0 {
		t.Errorf("missing file: cfgs=%v mtime=%d err=%v", cfgs, mtime, err)
	}
}

func TestToolSelected(t *testing.T) {
	if !toolSelected(nil, "anything") {
		t.Error("nil useTools must select all")
	}
	if toolSelected([]string{"a"}, "b") {
		t.Error("filter leaked an unselected tool")
	}
	if !toolSelected([]string{"a", "b"}, "b") {
		t.Error("filter dropped a selected tool")
	}
}

func TestToolNameShape(t *testing.T) {
	if got := ToolName("filesystem", "read_file"); got != "mcp__filesystem__read_file" {
		t.Errorf("ToolName = %q", got)
	}
}
