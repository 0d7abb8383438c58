// Package skills holds the skill registry: named instruction packages the
// Skill tool loads into the conversation. Discovery and frontmatter parsing
// happen outside the engine; consumers register pre-parsed entries.
package skills

import (
	"sort"
	"sync"

	"github.com/codeloom-ai/codeloom/internal/agent"
)

// Registry implements agent.SkillLookup.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]agent.SkillEntry
}

// NewRegistry creates an empty skill registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]agent.SkillEntry)}
}

// Register adds or replaces a skill.
func (r *Registry) Register(entry agent.SkillEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.Name] = entry
}

// Lookup implements agent.SkillLookup.
func (r *Registry) Lookup(name string) (agent.SkillEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	return entry, ok
}

// Names implements agent.SkillLookup, sorted for stable error messages.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
