// Package mcp manages external tool servers speaking the Model Context
// Protocol: config merging across user and project scopes, a multi-transport
// client pool, and adaptation of remote tools to the engine's tool contract.
package mcp

import (
	"encoding/json"
	"fmt"
	"os"
)

// Transports supported by server configs.
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
	TransportHTTP  = "http"
)

// ServerConfig describes one MCP server.
type ServerConfig struct {
	Name string `json:"-"`

	// Transport is stdio, sse, or http. Defaults to stdio when a command is
	// set, http otherwise.
	Transport string `json:"transport,omitempty"`

	// Stdio transport.
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// HTTP transports.
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// UseTools filters the server's tools after fetch; nil means all.
	UseTools []string `json:"useTools,omitempty"`

	// Enabled=false excludes the server from the merge.
	Enabled *bool `json:"enabled,omitempty"`
}

// enabled reports the effective enabled flag (default true).
func (c *ServerConfig) enabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// effectiveTransport resolves the transport default.
func (c *ServerConfig) effectiveTransport() string {
	if c.Transport != "" {
		return c.Transport
	}
	if c.Command != "" {
		return TransportStdio
	}
	return TransportHTTP
}

type configFile struct {
	MCPServers map[string]*ServerConfig `json:"mcpServers"`
}

// loadConfigFile reads one scope's config. A missing file yields an empty
// map; mtime is 0 in that case.
func loadConfigFile(path string) (map[string]*ServerConfig, int64, error) {
	if path == "" {
		return map[string]*ServerConfig{}, 0, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*ServerConfig{}, 0, nil
		}
		return nil, 0, fmt.Errorf("mcp: stat %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("mcp: read %s: %w", path, err)
	}
	var file configFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, 0, fmt.Errorf("mcp: parse %s: %w", path, err)
	}
	if file.MCPServers == nil {
		file.MCPServers = map[string]*ServerConfig{}
	}
	for name, cfg := range file.MCPServers {
		cfg.Name = name
	}
	return file.MCPServers, info.ModTime().UnixMilli(), nil
}

// mergeConfigs merges user- and project-scope servers. Project wins on name
// collisions; disabled servers are excluded entirely.
func mergeConfigs(user, project map[string]*ServerConfig) map[string]*ServerConfig {
	merged := make(map[string]*ServerConfig, len(user)+len(project))
	for name, cfg := range user {
		if cfg.enabled() {
			merged[name] = cfg
		}
	}
	for name, cfg := range project {
		if cfg.enabled() {
			merged[name] = cfg
		} else {
			delete(merged, name)
		}
	}
	return merged
}

// configMtimes returns the modification times keying the tools cache.
func configMtimes(userPath, projectPath string) (int64, int64) {
	var userMtime, projMtime int64
	if info, err := os.Stat(userPath); err == nil {
		userMtime = info.ModTime().UnixMilli()
	}
	if info, err := os.Stat(projectPath); err == nil {
		projMtime = info.ModTime().UnixMilli()
	}
	return userMtime, projMtime
}
