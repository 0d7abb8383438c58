// Package models defines the wire-independent message, usage, and todo types
// shared by the engine, the LLM adapters, and embedding consumers.
package models

import (
	"strings"

	"github.com/google/uuid"
)

// MainAgentID is the fixed identifier of the root agent. Any other agent ID
// denotes a subagent spawned through the Task tool.
const MainAgentID = "main"

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Content block types.
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Canonical stop reasons. OpenAI finish reasons are normalized into this set
// at the adapter boundary ("tool_calls" -> StopToolUse, "length" -> StopMaxTokens).
const (
	StopEndTurn      = "end_turn"
	StopMaxTokens    = "max_tokens"
	StopStopSequence = "stop_sequence"
	StopToolUse      = "tool_use"
)

// ContentBlock is a tagged union over text, thinking, tool-use, and
// tool-result blocks. Type selects which fields are meaningful.
type ContentBlock struct {
	Type string `json:"type"`

	// Text content (BlockText) or thinking content (BlockThinking).
	Text string `json:"text,omitempty"`

	// Signature accompanies thinking blocks on providers that sign them.
	Signature string `json:"signature,omitempty"`

	// Tool-use fields (BlockToolUse).
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// Tool-result fields (BlockToolResult).
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ThinkingBlock builds a thinking content block with its provider signature.
func ThinkingBlock(text, signature string) ContentBlock {
	return ContentBlock{Type: BlockThinking, Text: text, Signature: signature}
}

// ToolUseBlock builds a tool-use content block.
func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool-result content block answering the given
// tool-use ID.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Usage carries token accounting in the canonical (Anthropic-shaped) form.
// Foreign shapes (prompt_tokens/completion_tokens) are normalized into
// InputTokens/OutputTokens at the adapter boundary; the foreign fields are
// retained when usage is corrected during compaction so consumers can prefer
// the field matching their profile's dialect.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`

	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`

	// Synthetic marks usage fabricated from an incomplete response (partial
	// messages). Synthetic usage is never authoritative for compaction
	// threshold checks. Compaction summaries carry corrected usage that is
	// not marked synthetic.
	Synthetic bool `json:"synthetic,omitempty"`
}

// TotalInputTokens returns the cumulative input token count including cache
// reads and creations.
func (u *Usage) TotalInputTokens() int {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// RebuildContext instructs the conversation loop to rebuild its tool list,
// system prompt, and optionally its message history before recursing. It is
// the only cross-cutting side effect the loop honors from a tool result.
type RebuildContext struct {
	Reason         string `json:"reason"`
	NewMode        string `json:"new_mode"`
	RebuildMessage string `json:"rebuild_message,omitempty"`
}

// ControlSignal is the sum type of loop-directed side effects a tool result
// may carry.
type ControlSignal struct {
	RebuildContext *RebuildContext `json:"rebuild_context,omitempty"`
}

// Message is a single conversation entry. Role discriminates the two cases:
// user messages carry content plus optional tool-result metadata and control
// signals; assistant messages additionally carry model, usage, stop reason,
// and duration.
type Message struct {
	Role    Role           `json:"role"`
	UUID    string         `json:"uuid"`
	Content []ContentBlock `json:"content"`

	// User-message fields.
	ToolUseResult bool           `json:"tool_use_result,omitempty"`
	ControlSignal *ControlSignal `json:"control_signal,omitempty"`

	// Assistant-message fields.
	Model      string `json:"model,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// NewUserMessage builds a user message from content blocks.
func NewUserMessage(blocks ...ContentBlock) *Message {
	return &Message{Role: RoleUser, UUID: uuid.NewString(), Content: blocks}
}

// NewUserTextMessage builds a user message from a single text block.
func NewUserTextMessage(text string) *Message {
	return NewUserMessage(TextBlock(text))
}

// NewToolResultMessage builds a user message carrying tool results.
func NewToolResultMessage(blocks ...ContentBlock) *Message {
	m := NewUserMessage(blocks...)
	m.ToolUseResult = true
	return m
}

// NewAssistantMessage builds an assistant message.
func NewAssistantMessage(model string, blocks []ContentBlock, usage *Usage, stopReason string, durationMs int64) *Message {
	return &Message{
		Role:       RoleAssistant,
		UUID:       uuid.NewString(),
		Content:    blocks,
		Model:      model,
		Usage:      usage,
		StopReason: stopReason,
		DurationMs: durationMs,
	}
}

// ToolUses returns the tool-use blocks of the message in order.
func (m *Message) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// HasToolUse reports whether the message contains at least one tool-use block.
func (m *Message) HasToolUse() bool {
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			return true
		}
	}
	return false
}

// TextContent concatenates the text blocks of the message.
func (m *Message) TextContent() string {
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ThinkingContent concatenates the thinking blocks of the message.
func (m *Message) ThinkingContent() string {
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Type == BlockThinking {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// HasAuthoritativeUsage reports whether the message carries non-synthetic
// assistant usage. Only the last such message in a history is authoritative
// for compaction decisions.
func (m *Message) HasAuthoritativeUsage() bool {
	return m.Role == RoleAssistant && m.Usage != nil && !m.Usage.Synthetic &&
		(m.Usage.InputTokens > 0 || m.Usage.OutputTokens > 0)
}

// LastAuthoritativeUsage walks the history backwards and returns the usage of
// the most recent assistant message bearing non-synthetic usage, or nil.
func LastAuthoritativeUsage(messages []*Message) *Usage {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].HasAuthoritativeUsage() {
			return messages[i].Usage
		}
	}
	return nil
}
