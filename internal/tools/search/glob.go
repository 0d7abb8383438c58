// Package search implements the read-only filesystem search tools Glob and
// Grep.
package search

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/codeloom-ai/codeloom/internal/agent"
	"github.com/codeloom-ai/codeloom/internal/tools/toolutil"
)

const maxGlobResults = 100

// GlobTool matches file paths against a glob pattern, newest first.
type GlobTool struct{}

// NewGlobTool creates the Glob tool.
func NewGlobTool() *GlobTool { return &GlobTool{} }

func (t *GlobTool) Name() string { return agent.ToolGlob }

func (t *GlobTool) Description() string {
	return "Fast file pattern matching. Supports glob patterns like \"**/*.go\". Returns matching paths sorted by modification time, newest first."
}

func (t *GlobTool) InputSchema() map[string]any {
	return toolutil.Object(map[string]any{
		"pattern": toolutil.StringProp("Glob pattern to match files against."),
		"path":    toolutil.StringProp("Directory to search (default: working directory)."),
	}, "pattern")
}

func (t *GlobTool) IsReadOnly() bool { return true }

func (t *GlobTool) ValidateInput(_ context.Context, input map[string]any, _ *agent.ToolContext) error {
	if toolutil.Str(input, "pattern") == "" {
		return fmt.Errorf("pattern is required")
	}
	return nil
}

func (t *GlobTool) GenToolPermission(map[string]any) *agent.PermissionPrompt { return nil }

func (t *GlobTool) DisplayTitle(input map[string]any) string {
	return toolutil.Str(input, "pattern")
}

func (t *GlobTool) GenToolResultMessage(output *agent.ToolOutput, input map[string]any) *agent.ResultRender {
	return &agent.ResultRender{
		Title:   t.DisplayTitle(input),
		Summary: firstLine(output.ResultForAssistant),
		Content: toolutil.Truncate(output.ResultForAssistant, 2000),
	}
}

func (t *GlobTool) Invoke(_ context.Context, input map[string]any, tctx *agent.ToolContext) (*agent.ToolOutput, error) {
	pattern := toolutil.Str(input, "pattern")
	root := toolutil.Str(input, "path")
	if root == "" {
		root = tctx.WorkDir
	}

	re, err := globToRegexp(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	type hit struct {
		path  string
		mtime time.Time
	}
	var hits []hit
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if d.IsDir() {
			if skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		if re.MatchString(filepath.ToSlash(rel)) {
			info, err := d.Info()
			mtime := time.Time{}
			if err == nil {
				mtime = info.ModTime()
			}
			hits = append(hits, hit{path: path, mtime: mtime})
		}
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].mtime.After(hits[j].mtime) })
	truncated := false
	if len(hits) > maxGlobResults {
		hits = hits[:maxGlobResults]
		truncated = true
	}

	if len(hits) == 0 {
		return &agent.ToolOutput{ResultForAssistant: "No files found"}, nil
	}
	var sb strings.Builder
	for _, h := range hits {
		sb.WriteString(h.path)
		sb.WriteByte('\n')
	}
	if truncated {
		fmt.Fprintf(&sb, "[Results capped at %d files]", maxGlobResults)
	}
	return &agent.ToolOutput{ResultForAssistant: strings.TrimRight(sb.String(), "\n")}, nil
}

// globToRegexp translates a glob with ** support into an anchored regexp
// over slash-separated relative paths.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")
	runes := []rune(filepath.ToSlash(pattern))
	for i := 0; i < len(runes); i++ {
		switch r := runes[i]; r {
		case '*':
			if i+1 < len(runes) && runes[i+1] == '*' {
				// "**/" or trailing "**" crosses directory boundaries.
				i++
				if i+1 < len(runes) && runes[i+1] == '/' {
					i++
					sb.WriteString(`(?:[^/]+/)*`)
				} else {
					sb.WriteString(`.*`)
				}
			} else {
				sb.WriteString(`[^/]*`)
			}
		case '?':
			sb.WriteString(`[^/]`)
		case '.', '(', ')', '+', '|', '^', '$', '{', '}', '[', ']', '\\':
			sb.WriteString(`\`)
			sb.WriteRune(r)
		default:
			sb.WriteRune(r)
		}
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}

func skipDir(name string) bool {
	switch name {
	case ".git", "node_modules", ".venv", "__pycache__":
		return true
	}
	return false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
