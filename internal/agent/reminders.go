package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/codeloom-ai/codeloom/pkg/models"
)

// wrapReminder encloses text in the system-reminder envelope injected
// alongside user content.
func wrapReminder(text string) string {
	return "<system-reminder>\n" + text + "\n</system-reminder>"
}

// TodosReminder renders the current todo list as a system reminder. An empty
// list renders a reminder that the list is empty; "" is returned only when the
// todos cannot be encoded.
func TodosReminder(todos []models.Todo) string {
	if len(todos) == 0 {
		return wrapReminder("The todo list is currently empty. If the task at hand has multiple steps, use the TodoWrite tool to track them.")
	}
	data, err := json.Marshal(todos)
	if err != nil {
		return ""
	}
	return wrapReminder("Current todo list state:\n" + string(data))
}

// RulesReminder renders user/project rules as a system reminder, or "" when
// there are none.
func RulesReminder(rules []string) string {
	filtered := make([]string, 0, len(rules))
	for _, r := range rules {
		if strings.TrimSpace(r) != "" {
			filtered = append(filtered, r)
		}
	}
	if len(filtered) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("The following rules apply to this project and must be followed:\n")
	for _, r := range filtered {
		fmt.Fprintf(&sb, "- %s\n", r)
	}
	return wrapReminder(strings.TrimRight(sb.String(), "\n"))
}

// PlanModeReminder is delivered once per switch into Plan mode.
func PlanModeReminder() string {
	return wrapReminder(`Plan mode is active. Research the task and build a plan; do NOT make any edits or run state-changing commands. When the plan is ready, present it with the ExitPlanMode tool and wait for the user's choice.`)
}
