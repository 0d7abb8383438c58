package skills

import (
	"testing"

	"github.com/codeloom-ai/codeloom/internal/agent"
)

func TestRegistryLookupAndNames(t *testing.T) {
	r := NewRegistry()
	r.Register(agent.SkillEntry{Name: "commit", Description: "create a commit", Content: "Gather status, stage, commit."})
	r.Register(agent.SkillEntry{Name: "review", Description: "review a diff", Content: "Read the diff, report findings."})

	entry, ok := r.Lookup("commit")
	if !ok || entry.Content == "" {
		t.Errorf("lookup = %+v, %v", entry, ok)
	}
	if _, ok := r.Lookup("deploy"); ok {
		t.Error("lookup invented a skill")
	}

	names := r.Names()
	if len(names) != 2 || names[0] != "commit" || names[1] != "review" {
		t.Errorf("names = %v, want sorted", names)
	}
}

func TestRegisterReplaces(t *testing.T) {
	r := NewRegistry()
	r.Register(agent.SkillEntry{Name: "commit", Content: "v1"})
	r.Register(agent.SkillEntry{Name: "commit", Content: "v2"})
	entry, _ := r.Lookup("commit")
	if entry.Content != "v2" {
		t.Errorf("content = %q, want v2", entry.Content)
	}
}
