package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/codeloom-ai/codeloom/internal/agent"
)

// ServerStatus reports one server's connection state.
type ServerStatus struct {
	Name      string
	Status    string // "connected" or "error"
	Error     string
	ToolCount int
}

// serverInfo is the per-server cache entry: the server's remote tool
// definitions plus its effective config.
type serverInfo struct {
	config *ServerConfig
	tools  []mcp.Tool
}

// Manager owns the MCP client pool and the tool caches.
type Manager struct {
	userPath    string
	projectPath string
	logger      *slog.Logger

	mu      sync.Mutex
	clients map[string]*client.Client
	infos   map[string]*serverInfo
	status  map[string]*ServerStatus

	// Tools cache key: both config files' mtimes at load time. Any change
	// invalidates the whole pool.
	cacheUserMtime int64
	cacheProjMtime int64
	started        bool
}

// NewManager creates an MCP manager over the two scoped config files. Either
// path may be empty.
func NewManager(userPath, projectPath string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		userPath:    userPath,
		projectPath: projectPath,
		logger:      logger.With("component", "mcp"),
		clients:     make(map[string]*client.Client),
		infos:       make(map[string]*serverInfo),
		status:      make(map[string]*ServerStatus),
	}
}

// Start loads both scopes, merges them (project wins, disabled excluded),
// and connects to every server in parallel. Connection failures mark the
// server status error but never fail the engine.
func (m *Manager) Start(ctx context.Context) error {
	userCfgs, userMtime, err := loadConfigFile(m.userPath)
	if err != nil {
		m.logger.Warn("user mcp config unreadable", "error", err)
		userCfgs = map[string]*ServerConfig{}
	}
	projCfgs, projMtime, err := loadConfigFile(m.projectPath)
	if err != nil {
		m.logger.Warn("project mcp config unreadable", "error", err)
		projCfgs = map[string]*ServerConfig{}
	}
	merged := mergeConfigs(userCfgs, projCfgs)

	m.mu.Lock()
	m.cacheUserMtime = userMtime
	m.cacheProjMtime = projMtime
	m.started = true
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, cfg := range merged {
		wg.Add(1)
		go func(cfg *ServerConfig) {
			defer wg.Done()
			m.connect(ctx, cfg)
		}(cfg)
	}
	wg.Wait()
	return nil
}

// connect dials one server, enumerates its tools, and installs its info
// cache entry.
func (m *Manager) connect(ctx context.Context, cfg *ServerConfig) {
	c, err := m.dial(ctx, cfg)
	if err != nil {
		m.logger.Warn("mcp server connection failed", "server", cfg.Name, "error", err)
		m.setStatus(cfg.Name, &ServerStatus{Name: cfg.Name, Status: "error", Error: err.Error()})
		return
	}

	tools, err := listTools(ctx, c)
	if err != nil {
		m.logger.Warn("mcp tool enumeration failed", "server", cfg.Name, "error", err)
		m.setStatus(cfg.Name, &ServerStatus{Name: cfg.Name, Status: "error", Error: err.Error()})
		_ = c.Close()
		return
	}

	m.mu.Lock()
	m.clients[cfg.Name] = c
	m.infos[cfg.Name] = &serverInfo{config: cfg, tools: tools}
	m.status[cfg.Name] = &ServerStatus{Name: cfg.Name, Status: "connected", ToolCount: len(tools)}
	m.mu.Unlock()

	m.logger.Info("mcp server connected", "server", cfg.Name, "tools", len(tools))
}

func (m *Manager) dial(ctx context.Context, cfg *ServerConfig) (*client.Client, error) {
	switch cfg.effectiveTransport() {
	case TransportStdio:
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		c, err := client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
		if err != nil {
			return nil, err
		}
		return initialize(ctx, c)
	case TransportSSE:
		c, err := client.NewSSEMCPClient(cfg.URL, transport.WithHeaders(cfg.Headers))
		if err != nil {
			return nil, err
		}
		if err := c.Start(ctx); err != nil {
			return nil, err
		}
		return initialize(ctx, c)
	case TransportHTTP:
		c, err := client.NewStreamableHttpClient(cfg.URL, transport.WithHTTPHeaders(cfg.Headers))
		if err != nil {
			return nil, err
		}
		if err := c.Start(ctx); err != nil {
			return nil, err
		}
		return initialize(ctx, c)
	default:
		return nil, fmt.Errorf("mcp: unsupported transport %q", cfg.Transport)
	}
}

func initialize(ctx context.Context, c *client.Client) (*client.Client, error) {
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "codeloom", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func listTools(ctx context.Context, c *client.Client) ([]mcp.Tool, error) {
	res, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	return res.Tools, nil
}

func (m *Manager) setStatus(name string, st *ServerStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[name] = st
}

// Tools returns the adapted tool pool. If either config file's mtime changed
// since the last load, the whole cache is invalidated and the pool is
// rebuilt.
func (m *Manager) Tools(ctx context.Context) []agent.Tool {
	m.mu.Lock()
	started := m.started
	userMtime, projMtime := configMtimes(m.userPath, m.projectPath)
	stale := started && (userMtime != m.cacheUserMtime || projMtime != m.cacheProjMtime)
	m.mu.Unlock()

	if stale {
		m.logger.Info("mcp config changed, reloading pool")
		m.Close()
		_ = m.Start(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var names []string
	for name := range m.infos {
		names = append(names, name)
	}
	sort.Strings(names)

	var tools []agent.Tool
	for _, name := range names {
		info := m.infos[name]
		for _, def := range info.tools {
			if !toolSelected(info.config.UseTools, def.Name) {
				continue
			}
			tools = append(tools, newBridgedTool(m, name, def))
		}
	}
	return tools
}

// toolSelected applies a server's useTools filter; nil selects all.
func toolSelected(useTools []string, name string) bool {
	if useTools == nil {
		return true
	}
	for _, t := range useTools {
		if t == name {
			return true
		}
	}
	return false
}

// CallTool invokes a remote tool and flattens its content to text.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]any) (string, bool, error) {
	m.mu.Lock()
	c, ok := m.clients[server]
	m.mu.Unlock()
	if !ok {
		return "", false, fmt.Errorf("mcp: server %q is not connected", server)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args
	res, err := c.CallTool(ctx, req)
	if err != nil {
		return "", false, err
	}
	return flattenContent(res.Content), res.IsError, nil
}

func flattenContent(content []mcp.Content) string {
	var sb strings.Builder
	for _, c := range content {
		switch v := c.(type) {
		case mcp.TextContent:
			sb.WriteString(v.Text)
			sb.WriteByte('\n')
		case mcp.ImageContent:
			fmt.Fprintf(&sb, "[image: %s, %d bytes base64]\n", v.MIMEType, len(v.Data))
		case mcp.EmbeddedResource:
			sb.WriteString("[embedded resource]\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// UpdateServer reconnects a single server and rebuilds only its cache entry;
// the rest of the pool is untouched.
func (m *Manager) UpdateServer(ctx context.Context, cfg *ServerConfig) {
	m.Disconnect(cfg.Name)
	if cfg.enabled() {
		m.connect(ctx, cfg)
	}
}

// RemoveServer disconnects and drops a server.
func (m *Manager) RemoveServer(name string) {
	m.Disconnect(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.status, name)
}

// Disconnect closes one server's client, best-effort: failures are logged,
// and the client always leaves the table.
func (m *Manager) Disconnect(name string) {
	m.mu.Lock()
	c, ok := m.clients[name]
	delete(m.clients, name)
	delete(m.infos, name)
	m.mu.Unlock()

	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		m.logger.Warn("mcp disconnect failed", "server", name, "error", err)
	}
}

// Status reports every known server's state, sorted by name.
func (m *Manager) Status() []ServerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ServerStatus, 0, len(m.status))
	for _, st := range m.status {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close disconnects every server.
func (m *Manager) Close() {
	m.mu.Lock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	m.mu.Unlock()
	for _, name := range names {
		m.Disconnect(name)
	}
}
