package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/codeloom-ai/codeloom/internal/bus"
	"github.com/codeloom-ai/codeloom/internal/llm"
	"github.com/codeloom-ai/codeloom/pkg/models"
)

const (
	// compactThresholdRatio of the context window triggers compaction.
	compactThresholdRatio = 0.75

	// truncateTargetRatio of the context window is the target after the
	// truncation fallback.
	truncateTargetRatio = 0.5

	// minMessagesForCompaction is the minimum history size worth compacting.
	minMessagesForCompaction = 3
)

// Compactor reduces a near-full conversation history by summarization, with
// truncation as the fallback. Subagents never compact.
type Compactor struct {
	adapter   llm.Streamer
	modelsReg *llm.Registry
	events    *bus.Bus
	logger    *slog.Logger

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// NewCompactor creates a compaction engine.
func NewCompactor(adapter llm.Streamer, modelsReg *llm.Registry, events *bus.Bus, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{adapter: adapter, modelsReg: modelsReg, events: events, logger: logger.With("component", "compaction")}
}

// ShouldCompact reports whether the history's last authoritative usage has
// crossed the threshold for the profile's context window.
func (c *Compactor) ShouldCompact(messages []*models.Message, profile llm.ModelProfile) bool {
	if len(messages) < minMessagesForCompaction || profile.ContextLength <= 0 {
		return false
	}
	usage := models.LastAuthoritativeUsage(messages)
	if usage == nil {
		return false
	}
	return float64(usage.TotalInputTokens()) >= float64(profile.ContextLength)*compactThresholdRatio
}

// CompactIfNeeded returns the (possibly compacted) history. Summarization
// failures fall back to truncation; if that also fails the original history
// is returned unchanged and the loop continues.
func (c *Compactor) CompactIfNeeded(ctx context.Context, messages []*models.Message, tctx *ToolContext) []*models.Message {
	if !tctx.IsMain() {
		return messages
	}
	profile, ok := c.modelsReg.PointerProfile(llm.PointerMain)
	if !ok || !c.ShouldCompact(messages, profile) {
		return messages
	}
	return c.compact(ctx, messages, profile)
}

// compact runs summarization with the truncation fallback and emits the
// compact:exec and refreshed conversation:usage events.
func (c *Compactor) compact(ctx context.Context, messages []*models.Message, profile llm.ModelProfile) []*models.Message {
	tokenBefore := 0
	if usage := models.LastAuthoritativeUsage(messages); usage != nil {
		tokenBefore = usage.TotalInputTokens()
	}

	compacted, tokenCompact, err := c.summarize(ctx, messages, profile)
	if err != nil {
		c.logger.Warn("summarization failed, truncating", "error", err)
		compacted, tokenCompact = c.truncate(messages, profile, err)
		if compacted == nil {
			return messages
		}
	}

	rate := 0.0
	if tokenBefore > 0 {
		rate = float64(tokenCompact) / float64(tokenBefore)
	}
	payload := map[string]any{
		"tokenBefore":  tokenBefore,
		"tokenCompact": tokenCompact,
		"compactRate":  rate,
	}
	if err != nil {
		payload["errMsg"] = err.Error()
	}
	c.events.Emit(bus.CompactExec, payload)
	c.events.Emit(bus.ConversationUsage, map[string]any{
		"usage": map[string]any{
			"useTokens":    tokenCompact,
			"maxTokens":    profile.ContextLength,
			"promptTokens": tokenCompact,
		},
	})
	return compacted
}

// ForceCompact compacts regardless of the threshold (the /compact command).
// It requires only that the history is non-trivial.
func (c *Compactor) ForceCompact(ctx context.Context, messages []*models.Message, tctx *ToolContext) []*models.Message {
	if !tctx.IsMain() || len(messages) < minMessagesForCompaction {
		return messages
	}
	profile, ok := c.modelsReg.PointerProfile(llm.PointerMain)
	if !ok {
		return messages
	}
	return c.compact(ctx, messages, profile)
}

// summarize asks the model for the fixed nine-section summary and assembles
// the compacted history around it.
func (c *Compactor) summarize(ctx context.Context, messages []*models.Message, profile llm.ModelProfile) ([]*models.Message, int, error) {
	trailing, rest := splitTrailingUserMessage(messages)

	request := append(append([]*models.Message(nil), rest...), models.NewUserTextMessage(CompressionPrompt))
	assistant, err := c.adapter.Stream(ctx, &llm.Request{
		Profile:      profile,
		Messages:     request,
		SystemPrompt: nil,
		// Some APIs reject a request whose history references tools without
		// a tools array; the null tool satisfies them without inviting a
		// call.
		Tools: []llm.ToolDef{{
			Name:        "null",
			Description: "No-op placeholder. Never call this tool.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		}},
		Stream: false,
	})
	if err != nil {
		return nil, 0, err
	}
	summary := assistant.TextContent()
	if summary == "" {
		return nil, 0, fmt.Errorf("agent: empty compaction summary")
	}

	tokenCompact := c.estimateTokens(CompressionNotice + summary)
	usage := &models.Usage{
		InputTokens:  tokenCompact,
		PromptTokens: tokenCompact,
	}
	compacted := []*models.Message{
		models.NewUserTextMessage(CompressionNotice),
		models.NewAssistantMessage(profile.ModelName, []models.ContentBlock{models.TextBlock(summary)}, usage, models.StopEndTurn, 0),
	}
	if trailing != nil {
		compacted = append(compacted, trailing)
	}
	return compacted, tokenCompact, nil
}

// truncate drops the oldest messages until the estimated size falls below
// the target, keying off each assistant's cumulative input tokens. Returns
// nil when no viable cut exists beyond the degenerate last-pair case.
func (c *Compactor) truncate(messages []*models.Message, profile llm.ModelProfile, _ error) ([]*models.Message, int) {
	usage := models.LastAuthoritativeUsage(messages)
	if usage == nil {
		return nil, 0
	}
	total := usage.TotalInputTokens()
	target := int(float64(profile.ContextLength) * truncateTargetRatio)

	cut := -1
	remaining := total
	for i, m := range messages {
		if !m.HasAuthoritativeUsage() {
			continue
		}
		// Removing everything up to and including assistant i leaves
		// roughly total - cumulative(i) tokens.
		left := total - m.Usage.TotalInputTokens()
		if left <= target {
			cut = i + 1
			remaining = left
			break
		}
	}

	var kept []*models.Message
	switch {
	case cut > 0 && cut < len(messages):
		kept = messages[cut:]
	case len(messages) >= 2:
		// No viable cut point: keep the last user/assistant pair.
		kept = messages[len(messages)-2:]
		remaining = c.estimateMessages(kept)
	default:
		return nil, 0
	}

	out := append([]*models.Message{models.NewUserTextMessage(TruncationNotice)}, kept...)
	return out, remaining
}

// splitTrailingUserMessage separates a trailing real user message (not a
// tool-result carrier) from the rest of the history.
func splitTrailingUserMessage(messages []*models.Message) (*models.Message, []*models.Message) {
	if len(messages) == 0 {
		return nil, messages
	}
	last := messages[len(messages)-1]
	if last.Role == models.RoleUser && !last.ToolUseResult {
		return last, messages[:len(messages)-1]
	}
	return nil, messages
}

// estimateTokens counts tokens with the cl100k encoding, falling back to the
// chars/4 heuristic when the encoding is unavailable.
func (c *Compactor) estimateTokens(text string) int {
	c.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			c.logger.Warn("tiktoken unavailable, using char heuristic", "error", err)
			return
		}
		c.enc = enc
	})
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

func (c *Compactor) estimateMessages(messages []*models.Message) int {
	total := 0
	for _, m := range messages {
		for _, b := range m.Content {
			total += c.estimateTokens(b.Text) + c.estimateTokens(b.Content)
		}
	}
	return total
}
