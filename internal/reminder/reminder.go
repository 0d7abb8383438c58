// Package reminder parses @path[:range] file references out of user input
// and renders them as system-reminder blocks describing the tool calls the
// engine made on the user's behalf.
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/codeloom-ai/codeloom/internal/agent"
	"github.com/codeloom-ai/codeloom/internal/bus"
	"github.com/codeloom-ai/codeloom/internal/tools/files"
)

var refPattern = regexp.MustCompile(`@([^\s]+)`)

// Reference is one parsed @-reference.
type Reference struct {
	Type    string // "file" or "directory"
	Name    string
	Path    string
	Start   int // 1-based, 0 when absent
	End     int
	Content string
}

// Builder resolves file references through the normal tool bodies.
type Builder struct {
	events *bus.Bus
	logger *slog.Logger
}

// NewBuilder creates a reference builder.
func NewBuilder(events *bus.Bus, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{events: events, logger: logger.With("component", "reminder")}
}

// ParseReferences extracts @-references from user input, deduplicated by
// first occurrence. Paths resolve against workDir; references that do not
// stat are dropped.
func ParseReferences(input, workDir string) []*Reference {
	seen := make(map[string]struct{})
	var refs []*Reference
	for _, match := range refPattern.FindAllStringSubmatch(input, -1) {
		raw := match[1]
		if _, ok := seen[raw]; ok {
			continue
		}
		seen[raw] = struct{}{}

		name, start, end := splitRange(raw)
		path := name
		if !filepath.IsAbs(path) {
			path = filepath.Join(workDir, path)
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		refType := "file"
		if info.IsDir() {
			refType = "directory"
		}
		refs = append(refs, &Reference{Type: refType, Name: name, Path: path, Start: start, End: end})
	}
	return refs
}

// splitRange parses name, name:N, and name:N-M forms.
func splitRange(raw string) (name string, start, end int) {
	i := strings.LastIndexByte(raw, ':')
	if i < 0 {
		return raw, 0, 0
	}
	spec := raw[i+1:]
	if j := strings.IndexByte(spec, '-'); j >= 0 {
		a, errA := strconv.Atoi(spec[:j])
		b, errB := strconv.Atoi(spec[j+1:])
		if errA == nil && errB == nil && a > 0 && b >= a {
			return raw[:i], a, b
		}
		return raw, 0, 0
	}
	if n, err := strconv.Atoi(spec); err == nil && n > 0 {
		return raw[:i], n, n
	}
	return raw, 0, 0
}

// BuildFileReferences resolves every reference in the input through the Read
// and Bash tool bodies and returns one system-reminder block per reference.
// A file:reference event summarizes them for the UI.
func (b *Builder) BuildFileReferences(ctx context.Context, input string, tctx *agent.ToolContext) []string {
	refs := ParseReferences(input, tctx.WorkDir)
	if len(refs) == 0 {
		return nil
	}

	var reminders []string
	for _, ref := range refs {
		var reminder string
		var err error
		if ref.Type == "directory" {
			reminder, err = b.resolveDirectory(ctx, ref, tctx)
		} else {
			reminder, err = b.resolveFile(ctx, ref, tctx)
		}
		if err != nil {
			b.logger.Warn("file reference failed", "ref", ref.Name, "error", err)
			continue
		}
		reminders = append(reminders, reminder)
	}

	summaries := make([]map[string]any, 0, len(refs))
	for _, ref := range refs {
		summaries = append(summaries, map[string]any{
			"type":    ref.Type,
			"name":    ref.Name,
			"content": ref.Content,
		})
	}
	b.events.Emit(bus.FileReference, map[string]any{"references": summaries})

	return reminders
}

// resolveFile reads the referenced span through the Read tool with the
// windowing rules: small files read whole, oversized ranges center on the
// midpoint, and rangeless large files read the head.
func (b *Builder) resolveFile(ctx context.Context, ref *Reference, tctx *agent.ToolContext) (string, error) {
	readTool, ok := tctx.FindTool(agent.ToolRead)
	if !ok {
		return "", fmt.Errorf("Read tool unavailable")
	}

	input := map[string]any{"file_path": ref.Path}
	truncationNote := ""
	switch {
	case ref.End > 0 && ref.End <= files.MaxLinesToRead:
		// Small span in a (presumably) small file: read the whole file.
	case ref.End > 0 && ref.End-ref.Start+1 > files.MaxLinesToRead:
		// Oversized range: center on the midpoint.
		mid := (ref.Start + ref.End) / 2
		start := mid - files.MaxLinesToRead/2
		if start < 1 {
			start = 1
		}
		input["offset"] = start
		input["limit"] = files.MaxLinesToRead
	case ref.End > 0:
		input["offset"] = ref.Start
		input["limit"] = ref.End - ref.Start + 1
	default:
		input["limit"] = files.MaxLinesToRead
		truncationNote = fmt.Sprintf(" (showing the first %d lines)", files.MaxLinesToRead)
	}

	output, err := readTool.Invoke(ctx, input, tctx)
	if err != nil {
		return "", err
	}
	ref.Content = fmt.Sprintf("read %s%s", ref.Name, truncationNote)

	return wrapReminder(fmt.Sprintf(
		"Called the Read tool on %s%s:\n%s", ref.Path, truncationNote, output.ResultForAssistant)), nil
}

// resolveDirectory lists the referenced directory through the Bash tool.
func (b *Builder) resolveDirectory(ctx context.Context, ref *Reference, tctx *agent.ToolContext) (string, error) {
	bashTool, ok := tctx.FindTool(agent.ToolBash)
	if !ok {
		return "", fmt.Errorf("Bash tool unavailable")
	}
	output, err := bashTool.Invoke(ctx, map[string]any{
		"command": fmt.Sprintf("ls %q", ref.Path),
	}, tctx)
	if err != nil {
		return "", err
	}
	ref.Content = fmt.Sprintf("listed %s", ref.Name)

	return wrapReminder(fmt.Sprintf(
		"Called the Bash tool with ls %q:\n%s", ref.Path, output.ResultForAssistant)), nil
}

func wrapReminder(text string) string {
	return "<system-reminder>\n" + text + "\n</system-reminder>"
}
