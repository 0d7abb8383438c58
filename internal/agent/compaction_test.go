package agent

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/codeloom-ai/codeloom/internal/bus"
	"github.com/codeloom-ai/codeloom/internal/llm"
	"github.com/codeloom-ai/codeloom/pkg/models"
)

const testContextLength = 100000

func compactionFixture(t *testing.T) (*Compactor, *scriptedStreamer, *bus.Bus, *loopFixture) {
	t.Helper()
	f := newLoopFixture(t, nil)
	streamer := &scriptedStreamer{}
	reg, _ := llm.NewRegistry("", nil)
	profile := llm.ModelProfile{Provider: "anthropic", ModelName: "mock", ContextLength: testContextLength}
	reg.Add(context.Background(), profile, true)
	reg.SetPointer(llm.PointerMain, profile.Name)
	c := NewCompactor(streamer, reg, f.bus, nil)
	return c, streamer, f.bus, f
}

// seededHistory builds a history whose last assistant usage reports the
// given input tokens.
func seededHistory(inputTokens int) []*models.Message {
	return []*models.Message{
		models.NewUserTextMessage("first request"),
		models.NewAssistantMessage("mock", []models.ContentBlock{models.TextBlock("first answer")}, &models.Usage{InputTokens: inputTokens / 2, OutputTokens: 40}, models.StopEndTurn, 0),
		models.NewUserTextMessage("second request"),
		models.NewAssistantMessage("mock", []models.ContentBlock{models.TextBlock("second answer")}, &models.Usage{InputTokens: inputTokens, OutputTokens: 50}, models.StopEndTurn, 0),
		models.NewUserTextMessage("third request"),
	}
}

func TestShouldCompactThreshold(t *testing.T) {
	c, _, _, _ := compactionFixture(t)
	profile := llm.ModelProfile{ContextLength: testContextLength}

	below := seededHistory(int(0.74 * testContextLength))
	if c.ShouldCompact(below, profile) {
		t.Error("compaction triggered below the 0.75 threshold")
	}
	at := seededHistory(int(0.75 * testContextLength))
	if !c.ShouldCompact(at, profile) {
		t.Error("compaction did not trigger at the 0.75 threshold")
	}
	if c.ShouldCompact(seededHistory(int(0.8*testContextLength))[:2], profile) {
		t.Error("compaction triggered with fewer than 3 messages")
	}
}

func TestSyntheticUsageIsNotAuthoritative(t *testing.T) {
	c, _, _, _ := compactionFixture(t)
	profile := llm.ModelProfile{ContextLength: testContextLength}

	history := seededHistory(int(0.5 * testContextLength))
	history = append(history, models.NewAssistantMessage("mock", []models.ContentBlock{models.TextBlock("partial")},
		&models.Usage{InputTokens: testContextLength, Synthetic: true}, models.StopEndTurn, 0))

	if c.ShouldCompact(history, profile) {
		t.Error("synthetic usage drove the compaction decision")
	}
}

func TestCompactionProducesSummaryHistory(t *testing.T) {
	c, streamer, b, f := compactionFixture(t)

	summary := strings.Repeat("summary of the work so far. ", 20)
	streamer.script = []*models.Message{
		models.NewAssistantMessage("mock", []models.ContentBlock{models.TextBlock(summary)}, &models.Usage{InputTokens: 100, OutputTokens: 200}, models.StopEndTurn, 0),
	}

	var compactEvents []map[string]any
	b.On(bus.CompactExec, func(p any) { compactEvents = append(compactEvents, p.(map[string]any)) })

	history := seededHistory(int(0.8 * testContextLength))
	tctx := f.mainContext()
	compacted := c.CompactIfNeeded(context.Background(), history, tctx)

	if len(compacted) != 3 {
		t.Fatalf("compacted history = %d messages, want 3 (notice, summary, trailing user)", len(compacted))
	}
	if !strings.Contains(compacted[0].TextContent(), "[Context Compression Notice]") {
		t.Errorf("compacted[0] = %q", compacted[0].TextContent())
	}
	if compacted[1].Role != models.RoleAssistant || !strings.Contains(compacted[1].TextContent(), "summary of the work") {
		t.Errorf("compacted[1] = %+v", compacted[1])
	}
	if compacted[2].TextContent() != "third request" {
		t.Errorf("trailing user message lost: %q", compacted[2].TextContent())
	}

	// The summarization request carried the fixed prompt and the null tool.
	req := streamer.requests[0]
	lastMsg := req.Messages[len(req.Messages)-1]
	if !strings.Contains(lastMsg.TextContent(), "Primary Request and Intent") {
		t.Error("compression prompt not sent")
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "null" {
		t.Errorf("compaction tools = %+v, want the null tool", req.Tools)
	}

	if len(compactEvents) != 1 {
		t.Fatalf("compact:exec fired %d times, want 1", len(compactEvents))
	}
	rate := compactEvents[0]["compactRate"].(float64)
	if rate <= 0 || rate >= 1.0 {
		t.Errorf("compactRate = %v, want in (0,1)", rate)
	}

	// The summary usage is authoritative and lower than before.
	newUsage := models.LastAuthoritativeUsage(compacted)
	if newUsage == nil {
		t.Fatal("compacted history has no authoritative usage")
	}
	if newUsage.TotalInputTokens() >= int(0.8*testContextLength) {
		t.Error("compaction did not reduce the authoritative usage")
	}
}

func TestCompactionFallsBackToTruncation(t *testing.T) {
	c, streamer, b, f := compactionFixture(t)
	streamer.err = fmt.Errorf("summarizer down")

	var compactEvents []map[string]any
	b.On(bus.CompactExec, func(p any) { compactEvents = append(compactEvents, p.(map[string]any)) })

	history := seededHistory(int(0.8 * testContextLength))
	tctx := f.mainContext()
	compacted := c.CompactIfNeeded(context.Background(), history, tctx)

	if len(compacted) == len(history) {
		t.Fatal("truncation fallback did not change the history")
	}
	if !strings.Contains(compacted[0].TextContent(), "[Context Truncation Notice]") {
		t.Errorf("compacted[0] = %q, want truncation notice", compacted[0].TextContent())
	}
	if len(compactEvents) != 1 || compactEvents[0]["errMsg"] == nil {
		t.Errorf("compact:exec after fallback = %+v", compactEvents)
	}
}

func TestSubagentsSkipCompaction(t *testing.T) {
	c, streamer, _, f := compactionFixture(t)
	history := seededHistory(int(0.9 * testContextLength))

	sub := f.mainContext()
	sub.AgentID = "sub-123"
	compacted := c.CompactIfNeeded(context.Background(), history, sub)

	if len(compacted) != len(history) {
		t.Error("subagent history was compacted")
	}
	if len(streamer.requests) != 0 {
		t.Error("subagent compaction called the adapter")
	}
}

func TestEmptySummaryTriggersFallback(t *testing.T) {
	c, streamer, _, f := compactionFixture(t)
	streamer.script = []*models.Message{
		models.NewAssistantMessage("mock", nil, &models.Usage{InputTokens: 5, OutputTokens: 0}, models.StopEndTurn, 0),
	}

	history := seededHistory(int(0.8 * testContextLength))
	compacted := c.CompactIfNeeded(context.Background(), history, f.mainContext())
	if !strings.Contains(compacted[0].TextContent(), "[Context Truncation Notice]") {
		t.Error("empty summary did not fall back to truncation")
	}
}
