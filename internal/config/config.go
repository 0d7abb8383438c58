// Package config holds the engine's runtime-tunable core configuration and
// the per-project persisted configuration (allow-list, input history, rules).
package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// AgentMode is the engine operating mode.
type AgentMode string

const (
	// ModeAgent is the default mode: edits allowed subject to permissions.
	ModeAgent AgentMode = "Agent"
	// ModePlan soft-disallows edits and drives an iterative plan file; exit
	// is via the ExitPlanMode tool.
	ModePlan AgentMode = "Plan"
)

// CoreConfig is the mutable in-process engine configuration. Fields map to
// the engine config file one-to-one; the file is optional.
type CoreConfig struct {
	// Stream controls whether adapter deltas are re-emitted as chunk events.
	Stream bool `yaml:"stream"`

	// EnableThinking requests the model's reasoning channel when supported.
	EnableThinking bool `yaml:"enableThinking"`

	// SystemPromptOverride replaces the built-in system prompt when set.
	SystemPromptOverride string `yaml:"systemPromptOverride"`

	// CustomRules are appended to the rules reminder on the first query.
	CustomRules []string `yaml:"customRules"`

	// Permission-skip toggles, one per tool class.
	SkipFileEditPermission bool `yaml:"skipFileEditPermission"`
	SkipBashExecPermission bool `yaml:"skipBashExecPermission"`
	SkipSkillPermission    bool `yaml:"skipSkillPermission"`
	SkipMCPToolPermission  bool `yaml:"skipMCPToolPermission"`

	// EnableLLMCache turns on content-hash replay of adapter responses.
	EnableLLMCache bool `yaml:"enableLLMCache"`

	// UseTools filters the built-in tool set when non-nil (nil = all).
	UseTools []string `yaml:"useTools"`

	// Mode is the current agent mode.
	Mode AgentMode `yaml:"agentMode"`
}

// DefaultCoreConfig returns the core configuration defaults.
func DefaultCoreConfig() CoreConfig {
	return CoreConfig{
		Stream: true,
		Mode:   ModeAgent,
	}
}

// updatableKeys enumerates the core-config keys writable through
// UpdateByKey. Writes to any other key are rejected.
var updatableKeys = map[string]struct{}{
	"stream":                 {},
	"enableThinking":         {},
	"systemPromptOverride":   {},
	"customRules":            {},
	"skipFileEditPermission": {},
	"skipBashExecPermission": {},
	"skipSkillPermission":    {},
	"skipMCPToolPermission":  {},
	"enableLLMCache":         {},
	"useTools":               {},
	"agentMode":              {},
}

// Manager guards the core configuration for concurrent access.
type Manager struct {
	mu   sync.RWMutex
	core CoreConfig
}

// NewManager creates a config manager seeded with defaults.
func NewManager() *Manager {
	return &Manager{core: DefaultCoreConfig()}
}

// LoadFile overlays the YAML engine config at path onto the defaults.
// A missing file is not an error.
func (m *Manager) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := yaml.Unmarshal(data, &m.core); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	if m.core.Mode == "" {
		m.core.Mode = ModeAgent
	}
	return nil
}

// Core returns a copy of the current core configuration.
func (m *Manager) Core() CoreConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	core := m.core
	core.CustomRules = append([]string(nil), m.core.CustomRules...)
	if m.core.UseTools != nil {
		core.UseTools = append([]string(nil), m.core.UseTools...)
	}
	return core
}

// Update applies fn to the core configuration under the write lock.
func (m *Manager) Update(fn func(*CoreConfig)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.core)
}

// UpdateByKey writes a single core-config field by its key name. Only keys
// in the enumerated allow-list are writable.
func (m *Manager) UpdateByKey(key string, value any) error {
	if _, ok := updatableKeys[key]; !ok {
		return fmt.Errorf("config: key %q is not updatable", key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch key {
	case "stream":
		return setBool(&m.core.Stream, key, value)
	case "enableThinking":
		return setBool(&m.core.EnableThinking, key, value)
	case "systemPromptOverride":
		return setString(&m.core.SystemPromptOverride, key, value)
	case "customRules":
		return setStrings(&m.core.CustomRules, key, value)
	case "skipFileEditPermission":
		return setBool(&m.core.SkipFileEditPermission, key, value)
	case "skipBashExecPermission":
		return setBool(&m.core.SkipBashExecPermission, key, value)
	case "skipSkillPermission":
		return setBool(&m.core.SkipSkillPermission, key, value)
	case "skipMCPToolPermission":
		return setBool(&m.core.SkipMCPToolPermission, key, value)
	case "enableLLMCache":
		return setBool(&m.core.EnableLLMCache, key, value)
	case "useTools":
		return setStrings(&m.core.UseTools, key, value)
	case "agentMode":
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("config: %s expects a string", key)
		}
		mode := AgentMode(s)
		if mode != ModeAgent && mode != ModePlan {
			return fmt.Errorf("config: invalid agent mode %q", s)
		}
		m.core.Mode = mode
		return nil
	}
	return fmt.Errorf("config: key %q is not updatable", key)
}

// Mode returns the current agent mode.
func (m *Manager) Mode() AgentMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.core.Mode
}

// SetMode writes the agent mode.
func (m *Manager) SetMode(mode AgentMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.core.Mode = mode
}

func setBool(dst *bool, key string, value any) error {
	b, ok := value.(bool)
	if !ok {
		return fmt.Errorf("config: %s expects a bool", key)
	}
	*dst = b
	return nil
}

func setString(dst *string, key string, value any) error {
	s, ok := value.(string)
	if !ok {
		return fmt.Errorf("config: %s expects a string", key)
	}
	*dst = s
	return nil
}

func setStrings(dst *[]string, key string, value any) error {
	switch v := value.(type) {
	case []string:
		*dst = append([]string(nil), v...)
		return nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return fmt.Errorf("config: %s expects strings", key)
			}
			out = append(out, s)
		}
		*dst = out
		return nil
	case nil:
		*dst = nil
		return nil
	default:
		return fmt.Errorf("config: %s expects a string list", key)
	}
}
