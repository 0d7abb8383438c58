package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/codeloom-ai/codeloom/internal/agent"
	"github.com/codeloom-ai/codeloom/internal/tools/toolutil"
)

// SkillTool loads a registered skill's instructions into the conversation.
// Permission is keyed as Skill(name) in the project allow-list.
type SkillTool struct{}

// NewSkillTool creates the Skill tool.
func NewSkillTool() *SkillTool { return &SkillTool{} }

func (t *SkillTool) Name() string { return agent.ToolSkill }

func (t *SkillTool) Description() string {
	return "Invokes a skill: a packaged set of instructions for a particular kind of task. The skill's instructions are returned for you to follow."
}

func (t *SkillTool) InputSchema() map[string]any {
	return toolutil.Object(map[string]any{
		"skill": toolutil.StringProp("Name of the skill to invoke."),
		"args":  toolutil.StringProp("Optional arguments for the skill."),
	}, "skill")
}

func (t *SkillTool) IsReadOnly() bool { return false }

func (t *SkillTool) ValidateInput(_ context.Context, input map[string]any, tctx *agent.ToolContext) error {
	name := toolutil.Str(input, "skill")
	if name == "" {
		return fmt.Errorf("skill is required")
	}
	if tctx.Skills == nil {
		return fmt.Errorf("no skills are registered")
	}
	if _, ok := tctx.Skills.Lookup(name); !ok {
		available := strings.Join(tctx.Skills.Names(), ", ")
		return fmt.Errorf("unknown skill %q; available skills: %s", name, available)
	}
	return nil
}

func (t *SkillTool) GenToolPermission(input map[string]any) *agent.PermissionPrompt {
	return &agent.PermissionPrompt{
		Title:   "Use skill " + toolutil.Str(input, "skill"),
		Content: fmt.Sprintf("Skill(%s)", toolutil.Str(input, "skill")),
	}
}

func (t *SkillTool) DisplayTitle(input map[string]any) string {
	return toolutil.Str(input, "skill")
}

func (t *SkillTool) GenToolResultMessage(output *agent.ToolOutput, input map[string]any) *agent.ResultRender {
	return &agent.ResultRender{
		Title:   t.DisplayTitle(input),
		Summary: "Loaded skill instructions",
		Content: toolutil.Truncate(output.ResultForAssistant, 2000),
	}
}

func (t *SkillTool) Invoke(_ context.Context, input map[string]any, tctx *agent.ToolContext) (*agent.ToolOutput, error) {
	name := toolutil.Str(input, "skill")
	args := toolutil.Str(input, "args")

	entry, ok := tctx.Skills.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown skill %q", name)
	}

	content := entry.Content
	if args != "" {
		content += "\n\nArguments: " + args
	}
	return &agent.ToolOutput{
		Data:               entry,
		ResultForAssistant: content,
	}, nil
}
