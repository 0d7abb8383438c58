// Package llm implements the model registry, the streaming adapter over the
// two supported wire dialects, response caching, and adapter error
// classification. Everything downstream of this package sees only the
// canonical message shape in pkg/models.
package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/codeloom-ai/codeloom/internal/bus"
	"github.com/codeloom-ai/codeloom/pkg/models"
)

// Dialect selects the wire protocol spoken to a provider.
type Dialect string

const (
	DialectAnthropic Dialect = "anthropic"
	DialectOpenAI    Dialect = "openai"
)

// ToolDef is the provider-independent tool definition sent with a request.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Request is one streaming completion request.
type Request struct {
	Profile ModelProfile

	// Messages is the conversation history, canonical shape.
	Messages []*models.Message

	// SystemPrompt is a list of system text blocks. The openai dialect
	// concatenates them into a single system message.
	SystemPrompt []string

	Tools []ToolDef

	// EnableThinking requests the reasoning channel. Thinking blocks are
	// filtered from outgoing history when disabled.
	EnableThinking bool

	// Stream controls chunk-event emission; the wire connection always
	// streams.
	Stream bool

	// DisableCache bypasses the LLM cache for this call (used by the
	// permission engine's prefix extraction).
	DisableCache bool

	// MaxTokens overrides the profile's max tokens when > 0.
	MaxTokens int

	// Temperature overrides the policy temperature when non-nil.
	Temperature *float64
}

// Streamer is the streaming-completion surface consumers depend on; the
// Adapter is the production implementation, and tests substitute mocks.
type Streamer interface {
	Stream(ctx context.Context, req *Request) (*models.Message, error)
}

// Adapter streams completions and normalizes both dialects into the
// canonical assistant message.
type Adapter struct {
	events *bus.Bus
	cache  *Cache
	logger *slog.Logger
}

// NewAdapter creates an adapter. cache may be nil to disable replay.
func NewAdapter(events *bus.Bus, cache *Cache, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{events: events, cache: cache, logger: logger.With("component", "llm")}
}

// Stream performs one streaming completion. On user cancellation it does not
// return an error: it breaks the stream and returns a partial assistant
// message assembled from whatever has accumulated. Wire and HTTP failures
// return a classified error (see errors.go).
func (a *Adapter) Stream(ctx context.Context, req *Request) (*models.Message, error) {
	if a.cache != nil && !req.DisableCache {
		if msg, ok := a.cache.Get(req); ok {
			a.logger.Debug("cache hit", "model", req.Profile.ModelName)
			return a.cache.Replay(ctx, req, msg), nil
		}
	}

	start := time.Now()
	var msg *models.Message
	var err error
	switch req.Profile.Dialect() {
	case DialectAnthropic:
		msg, err = a.streamAnthropic(ctx, req)
	default:
		msg, err = a.streamOpenAI(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	msg.DurationMs = time.Since(start).Milliseconds()

	if a.cache != nil && !req.DisableCache && ctx.Err() == nil {
		a.cache.Put(req, msg)
	}
	return msg, nil
}

// Dialect resolves the profile's wire dialect: the explicit adapt field wins,
// then a provider/model pattern table, defaulting to openai.
func (p ModelProfile) Dialect() Dialect {
	switch Dialect(p.Adapt) {
	case DialectAnthropic:
		return DialectAnthropic
	case DialectOpenAI:
		return DialectOpenAI
	}
	provider := strings.ToLower(p.Provider)
	switch {
	case provider == "anthropic":
		return DialectAnthropic
	case provider == "openrouter" && strings.HasPrefix(p.ModelName, "anthropic/"):
		return DialectAnthropic
	default:
		return DialectOpenAI
	}
}

// defaultTemperature applies to main queries unless the model forces
// temperature 1.
const defaultTemperature = 0.7

// maxCompletionTokensPrefixes lists model-name prefixes that take
// max_completion_tokens instead of max_tokens and force temperature 1.
var maxCompletionTokensPrefixes = []string{"o1", "o3", "o4", "gpt-5"}

func usesMaxCompletionTokens(modelName string) bool {
	name := strings.ToLower(modelName)
	for _, prefix := range maxCompletionTokensPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func temperatureFor(req *Request) float64 {
	if req.Temperature != nil {
		return *req.Temperature
	}
	if usesMaxCompletionTokens(req.Profile.ModelName) {
		return 1
	}
	return defaultTemperature
}

func maxTokensFor(req *Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	if req.Profile.MaxTokens > 0 {
		return req.Profile.MaxTokens
	}
	return 4096
}

// historyFor returns the outgoing history with thinking blocks stripped when
// thinking is disabled for this call.
func historyFor(req *Request) []*models.Message {
	if req.EnableThinking {
		return req.Messages
	}
	out := make([]*models.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		filtered := make([]models.ContentBlock, 0, len(m.Content))
		for _, b := range m.Content {
			if b.Type == models.BlockThinking {
				continue
			}
			filtered = append(filtered, b)
		}
		if len(filtered) == len(m.Content) {
			out = append(out, m)
			continue
		}
		clone := *m
		clone.Content = filtered
		out = append(out, &clone)
	}
	return out
}

// emitText publishes a text chunk event when chunk events are enabled.
func (a *Adapter) emitText(req *Request, content, delta string) {
	if req.Stream && a.events != nil {
		a.events.Emit(bus.MessageTextChunk, map[string]any{"content": content, "delta": delta})
	}
}

// emitThinking publishes a thinking chunk event when chunk events are enabled.
func (a *Adapter) emitThinking(req *Request, content, delta string) {
	if req.Stream && a.events != nil {
		a.events.Emit(bus.MessageThinkingChunk, map[string]any{"content": content, "delta": delta})
	}
}

// parseToolInput parses accumulated tool-use argument JSON leniently: a
// partial or malformed fragment (common when the stream was cancelled
// mid-assembly) yields an empty object rather than an error.
func parseToolInput(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return map[string]any{}
	}
	return input
}

// normalizeFinishReason maps an OpenAI finish_reason into the canonical stop
// reason set.
func normalizeFinishReason(reason string) string {
	switch reason {
	case "tool_calls", "function_call":
		return models.StopToolUse
	case "length":
		return models.StopMaxTokens
	case "stop":
		return models.StopEndTurn
	case "":
		return models.StopEndTurn
	default:
		return reason
	}
}

// cancelled reports whether err represents context cancellation rather than a
// wire failure.
func cancelled(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), context.Canceled.Error())
}
