package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/codeloom-ai/codeloom/internal/config"
	"github.com/codeloom-ai/codeloom/pkg/models"
)

// Pointer names a registry slot. The main pointer serves conversation
// queries; the quick pointer serves cheap auxiliary calls such as Bash prefix
// extraction.
type Pointer string

const (
	PointerMain  Pointer = "main"
	PointerQuick Pointer = "quick"
)

// ModelProfile describes one configured model endpoint.
type ModelProfile struct {
	// Name is "${modelName}[${provider}]".
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	ModelName     string `json:"modelName"`
	BaseURL       string `json:"baseURL,omitempty"`
	APIKey        string `json:"apiKey"`
	MaxTokens     int    `json:"maxTokens"`
	ContextLength int    `json:"contextLength"`

	// Adapt pins the wire dialect ("anthropic" or "openai"). Empty selects
	// by the provider/model pattern table.
	Adapt string `json:"adapt,omitempty"`
}

// ProfileName derives the registry name for a model/provider pair.
func ProfileName(modelName, provider string) string {
	return fmt.Sprintf("%s[%s]", modelName, provider)
}

// Prober validates a profile by a round-trip request against its endpoint.
type Prober interface {
	Probe(ctx context.Context, profile ModelProfile) error
}

// AdapterProber probes through the streaming adapter: it sends a minimal
// "respond YES" request and requires the literal YES in the response body.
type AdapterProber struct {
	Adapter Streamer
}

// Probe implements Prober.
func (p *AdapterProber) Probe(ctx context.Context, profile ModelProfile) error {
	req := &Request{
		Profile:      profile,
		Messages:     []*models.Message{models.NewUserTextMessage("Please respond with YES")},
		Stream:       false,
		DisableCache: true,
		MaxTokens:    16,
	}
	msg, err := p.Adapter.Stream(ctx, req)
	if err != nil {
		return fmt.Errorf("llm: probe failed: %w", err)
	}
	if !strings.Contains(msg.TextContent(), "YES") {
		return fmt.Errorf("llm: probe got %q, want a YES", msg.TextContent())
	}
	return nil
}

type modelsFile struct {
	ModelProfiles []ModelProfile     `json:"modelProfiles"`
	ModelPointers map[Pointer]string `json:"modelPointers"`
}

// Registry holds the configured model profiles and the main/quick pointers,
// persisted atomically as a single JSON document.
type Registry struct {
	mu       sync.Mutex
	path     string
	profiles []ModelProfile
	pointers map[Pointer]string
	prober   Prober
}

// NewRegistry loads (or initializes) the registry persisted at path. prober
// may be nil to skip probing on add.
func NewRegistry(path string, prober Prober) (*Registry, error) {
	r := &Registry{path: path, pointers: make(map[Pointer]string), prober: prober}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("llm: read models: %w", err)
	}
	var file modelsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("llm: parse models: %w", err)
	}
	r.profiles = file.ModelProfiles
	if file.ModelPointers != nil {
		r.pointers = file.ModelPointers
	}
	return r, nil
}

// Profiles returns a copy of the configured profiles.
func (r *Registry) Profiles() []ModelProfile {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ModelProfile(nil), r.profiles...)
}

// Profile looks up a profile by name.
func (r *Registry) Profile(name string) (ModelProfile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.profileLocked(name)
}

func (r *Registry) profileLocked(name string) (ModelProfile, bool) {
	for _, p := range r.profiles {
		if p.Name == name {
			return p, true
		}
	}
	return ModelProfile{}, false
}

// PointerProfile resolves a pointer to its profile. The quick pointer falls
// back to main when unset.
func (r *Registry) PointerProfile(ptr Pointer) (ModelProfile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := r.pointers[ptr]
	if name == "" && ptr == PointerQuick {
		name = r.pointers[PointerMain]
	}
	if name == "" {
		return ModelProfile{}, false
	}
	return r.profileLocked(name)
}

// Add registers a profile, probing its endpoint first unless skipProbe. An
// existing profile of the same name is replaced.
func (r *Registry) Add(ctx context.Context, profile ModelProfile, skipProbe bool) error {
	if profile.ModelName == "" || profile.Provider == "" {
		return fmt.Errorf("llm: profile needs modelName and provider")
	}
	if profile.Name == "" {
		profile.Name = ProfileName(profile.ModelName, profile.Provider)
	}
	if !skipProbe && r.prober != nil {
		if err := r.prober.Probe(ctx, profile); err != nil {
			return err
		}
	}

	r.mu.Lock()
	replaced := false
	for i, p := range r.profiles {
		if p.Name == profile.Name {
			r.profiles[i] = profile
			replaced = true
			break
		}
	}
	if !replaced {
		r.profiles = append(r.profiles, profile)
	}
	r.mu.Unlock()
	return r.save()
}

// Delete removes a profile. Removing a profile referenced by any pointer
// fails.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	for ptr, target := range r.pointers {
		if target == name {
			r.mu.Unlock()
			return fmt.Errorf("llm: profile %q is referenced by the %s pointer", name, ptr)
		}
	}
	for i, p := range r.profiles {
		if p.Name == name {
			r.profiles = append(r.profiles[:i], r.profiles[i+1:]...)
			r.mu.Unlock()
			return r.save()
		}
	}
	r.mu.Unlock()
	return fmt.Errorf("llm: no profile named %q", name)
}

// SetPointer points main or quick at a profile. Switching main while quick is
// unset implicitly sets quick to the same profile.
func (r *Registry) SetPointer(ptr Pointer, name string) error {
	r.mu.Lock()
	if _, ok := r.profileLocked(name); !ok {
		r.mu.Unlock()
		return fmt.Errorf("llm: no profile named %q", name)
	}
	r.pointers[ptr] = name
	if ptr == PointerMain && r.pointers[PointerQuick] == "" {
		r.pointers[PointerQuick] = name
	}
	r.mu.Unlock()
	return r.save()
}

// HasModels reports whether any profile is configured.
func (r *Registry) HasModels() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.profiles) > 0
}

func (r *Registry) save() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(modelsFile{ModelProfiles: r.profiles, ModelPointers: r.pointers}, "", "  ")
	if err != nil {
		return fmt.Errorf("llm: marshal models: %w", err)
	}
	return config.AtomicWrite(r.path, data)
}
