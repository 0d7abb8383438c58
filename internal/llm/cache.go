package llm

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeloom-ai/codeloom/internal/bus"
	"github.com/codeloom-ai/codeloom/internal/config"
	"github.com/codeloom-ai/codeloom/pkg/models"
)

const (
	// maxCacheEntries bounds the single-file cache, newest first.
	maxCacheEntries = 100

	// Replay chunking: window size in runes and the delay between windows.
	// Values only need to keep replay visually streaming; replay is
	// abortable at every window boundary.
	replayWindow = 80
	replayDelay  = 30 * time.Millisecond
)

type cacheEntry struct {
	Key       string          `json:"key"`
	Message   *models.Message `json:"message"`
	CreatedAt int64           `json:"createdAt"`
}

// Cache is a content-addressed replay cache for adapter responses, persisted
// as a single JSON file holding the most recent entries.
type Cache struct {
	mu      sync.Mutex
	path    string
	entries []cacheEntry
	events  chunkEmitter
	logger  *slog.Logger
}

// chunkEmitter is the slice of the adapter the replay path needs.
type chunkEmitter interface {
	Emit(topic string, payload any) bool
}

// NewCache loads (or initializes) the cache persisted at path.
func NewCache(path string, events chunkEmitter, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{path: path, events: events, logger: logger.With("component", "llmcache")}
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &c.entries); err != nil {
			c.logger.Warn("cache file unreadable, starting empty", "error", err)
			c.entries = nil
		}
	}
	return c
}

// key hashes the request's replay-relevant parts: message content, system
// prompt text, model name, and the thinking flag.
func (c *Cache) key(req *Request) string {
	h := md5.New()
	for _, m := range req.Messages {
		for _, b := range m.Content {
			fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%v\x00", b.Type, b.Text, b.Content, b.Name, b.Input)
		}
	}
	for _, s := range req.SystemPrompt {
		fmt.Fprintf(h, "%s\x00", s)
	}
	fmt.Fprintf(h, "%s\x00%v", req.Profile.ModelName, req.EnableThinking)
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached message for the request, if any.
func (c *Cache) Get(req *Request) (*models.Message, bool) {
	key := c.key(req)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.Key == key {
			return e.Message, true
		}
	}
	return nil, false
}

// Put stores a response, prepending it and truncating to the cap, then
// persists best-effort.
func (c *Cache) Put(req *Request, msg *models.Message) {
	entry := cacheEntry{Key: c.key(req), Message: msg, CreatedAt: time.Now().UnixMilli()}
	c.mu.Lock()
	c.entries = append([]cacheEntry{entry}, c.entries...)
	if len(c.entries) > maxCacheEntries {
		c.entries = c.entries[:maxCacheEntries]
	}
	snapshot := append([]cacheEntry(nil), c.entries...)
	c.mu.Unlock()

	if c.path == "" {
		return
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		c.logger.Warn("cache marshal failed", "error", err)
		return
	}
	if err := config.AtomicWrite(c.path, data); err != nil {
		c.logger.Warn("cache write failed", "error", err)
	}
}

// Replay simulates streaming of a cached message: thinking then text are
// re-emitted as chunk events in fixed windows with a fixed delay.
// Cancellation stops the emission early but still returns the full message.
func (c *Cache) Replay(ctx context.Context, req *Request, msg *models.Message) *models.Message {
	if req.Stream && c.events != nil {
		c.replayChannel(ctx, bus.MessageThinkingChunk, msg.ThinkingContent())
		c.replayChannel(ctx, bus.MessageTextChunk, msg.TextContent())
	}

	clone := *msg
	clone.UUID = uuid.NewString()
	return &clone
}

func (c *Cache) replayChannel(ctx context.Context, topic, text string) {
	if text == "" {
		return
	}
	runes := []rune(text)
	for i := 0; i < len(runes); i += replayWindow {
		select {
		case <-ctx.Done():
			return
		default:
		}
		end := i + replayWindow
		if end > len(runes) {
			end = len(runes)
		}
		c.events.Emit(topic, map[string]any{
			"content": string(runes[:end]),
			"delta":   string(runes[i:end]),
		})
		if end < len(runes) {
			time.Sleep(replayDelay)
		}
	}
}
