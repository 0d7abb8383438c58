package search

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/codeloom-ai/codeloom/internal/agent"
	"github.com/codeloom-ai/codeloom/internal/tools/toolutil"
)

const (
	maxGrepFiles   = 100
	maxGrepMatches = 200
	maxGrepLineLen = 500
)

// GrepTool searches file contents with a regular expression.
type GrepTool struct{}

// NewGrepTool creates the Grep tool.
func NewGrepTool() *GrepTool { return &GrepTool{} }

func (t *GrepTool) Name() string { return agent.ToolGrep }

func (t *GrepTool) Description() string {
	return "Searches file contents with a regular expression. Returns matching file paths, or matching lines in content mode."
}

func (t *GrepTool) InputSchema() map[string]any {
	return toolutil.Object(map[string]any{
		"pattern":     toolutil.StringProp("Regular expression to search for."),
		"path":        toolutil.StringProp("Directory or file to search (default: working directory)."),
		"glob":        toolutil.StringProp("Glob filter for candidate files, e.g. \"*.go\"."),
		"output_mode": toolutil.StringProp("files_with_matches (default), content, or count."),
		"-i":          toolutil.BoolProp("Case-insensitive matching."),
	}, "pattern")
}

func (t *GrepTool) IsReadOnly() bool { return true }

func (t *GrepTool) ValidateInput(_ context.Context, input map[string]any, _ *agent.ToolContext) error {
	pattern := toolutil.Str(input, "pattern")
	if pattern == "" {
		return fmt.Errorf("pattern is required")
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return fmt.Errorf("invalid pattern: %v", err)
	}
	return nil
}

func (t *GrepTool) GenToolPermission(map[string]any) *agent.PermissionPrompt { return nil }

func (t *GrepTool) DisplayTitle(input map[string]any) string {
	return toolutil.Str(input, "pattern")
}

func (t *GrepTool) GenToolResultMessage(output *agent.ToolOutput, input map[string]any) *agent.ResultRender {
	return &agent.ResultRender{
		Title:   t.DisplayTitle(input),
		Summary: firstLine(output.ResultForAssistant),
		Content: toolutil.Truncate(output.ResultForAssistant, 2000),
	}
}

func (t *GrepTool) Invoke(_ context.Context, input map[string]any, tctx *agent.ToolContext) (*agent.ToolOutput, error) {
	pattern := toolutil.Str(input, "pattern")
	if toolutil.Bool(input, "-i") {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}

	root := toolutil.Str(input, "path")
	if root == "" {
		root = tctx.WorkDir
	}
	mode := toolutil.Str(input, "output_mode")
	if mode == "" {
		mode = "files_with_matches"
	}

	var globRe *regexp.Regexp
	if g := toolutil.Str(input, "glob"); g != "" {
		globRe, err = globToRegexp(g)
		if err != nil {
			return nil, fmt.Errorf("invalid glob %q: %w", g, err)
		}
	}

	var files []string
	counts := make(map[string]int)
	var lines []string
	totalMatches := 0

	scan := func(path string) {
		f, err := os.Open(path)
		if err != nil {
			return
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		lineNo := 0
		matched := false
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()
			if !re.MatchString(line) {
				continue
			}
			matched = true
			counts[path]++
			totalMatches++
			if mode == "content" && len(lines) < maxGrepMatches {
				if len(line) > maxGrepLineLen {
					line = line[:maxGrepLineLen] + "..."
				}
				lines = append(lines, fmt.Sprintf("%s:%d:%s", path, lineNo, line))
			}
			if mode == "files_with_matches" {
				break
			}
		}
		if matched {
			files = append(files, path)
		}
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("cannot access %s: %w", root, err)
	}
	if !info.IsDir() {
		scan(root)
	} else {
		filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if skipDir(d.Name()) {
					return filepath.SkipDir
				}
				return nil
			}
			if len(files) >= maxGrepFiles {
				return filepath.SkipAll
			}
			if globRe != nil {
				rel, err := filepath.Rel(root, path)
				if err != nil || !globRe.MatchString(filepath.ToSlash(rel)) {
					// Also try matching the bare name so "*.go" works at
					// any depth.
					if globRe == nil || !globRe.MatchString(d.Name()) {
						return nil
					}
				}
			}
			scan(path)
			return nil
		})
	}

	var result string
	switch mode {
	case "content":
		if len(lines) == 0 {
			result = "No matches found"
		} else {
			result = strings.Join(lines, "\n")
		}
	case "count":
		if len(files) == 0 {
			result = "No matches found"
		} else {
			var sb strings.Builder
			for _, f := range files {
				fmt.Fprintf(&sb, "%s:%d\n", f, counts[f])
			}
			result = strings.TrimRight(sb.String(), "\n")
		}
	default:
		if len(files) == 0 {
			result = "No files found"
		} else {
			result = fmt.Sprintf("Found %d file(s)\n%s", len(files), strings.Join(files, "\n"))
		}
	}

	return &agent.ToolOutput{
		Data:               map[string]any{"files": files, "matches": totalMatches},
		ResultForAssistant: result,
	}, nil
}
