// Package mcp connects to configured Model Context Protocol servers and
// exposes their tools to the chat runtime.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ffinly/chatcore/internal/config"
)

const (
	clientName    = "chatcore"
	clientVersion = "1.0.0"
)

// ToolInfo describes one tool offered by a connected server.
type ToolInfo struct {
	Server      string
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Manager holds connections to all configured MCP servers. Safe for
// concurrent use.
type Manager struct {
	logger *slog.Logger

	mu      sync.RWMutex
	servers map[string]*serverConn
}

type serverConn struct {
	mu      sync.Mutex
	name    string
	cfg     config.MCPServerConfig
	client  *mcp.Client
	session *mcp.ClientSession
	tools   []*mcp.Tool
}

// NewManager builds a Manager from the mcp_servers config section. It does
// not connect; call ConnectAll first.
func NewManager(logger *slog.Logger, servers map[string]config.MCPServerConfig) *Manager {
	m := &Manager{
		logger:  logger,
		servers: make(map[string]*serverConn, len(servers)),
	}
	for name, cfg := range servers {
		m.servers[name] = &serverConn{
			name:   name,
			cfg:    cfg,
			client: newClient(),
		}
	}
	return m
}

func newClient() *mcp.Client {
	return mcp.NewClient(&mcp.Implementation{Name: clientName, Version: clientVersion}, nil)
}

// ConnectAll connects every configured server. Failures are logged and do
// not block the others; the turn simply runs without that server's tools.
func (m *Manager) ConnectAll(ctx context.Context) {
	m.mu.RLock()
	conns := make([]*serverConn, 0, len(m.servers))
	for _, conn := range m.servers {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.connect(ctx); err != nil {
			m.logger.Warn("mcp server connect failed", "server", conn.name, "error", err.Error())
			continue
		}
		m.logger.Info("mcp server connected", "server", conn.name, "tools", conn.toolCount())
	}
}

// Tools returns all tools of all connected servers, sorted by server name
// then tool name so callers see a stable order.
func (m *Manager) Tools() []ToolInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ToolInfo, 0)
	for name, conn := range m.servers {
		conn.mu.Lock()
		for _, tool := range conn.tools {
			schema := json.RawMessage(nil)
			if tool.InputSchema != nil {
				if raw, err := json.Marshal(tool.InputSchema); err == nil {
					schema = raw
				}
			}
			out = append(out, ToolInfo{
				Server:      name,
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: schema,
			})
		}
		conn.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Server != out[j].Server {
			return out[i].Server < out[j].Server
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// CallTool invokes toolName on serverName. It reconnects once on a
// transport failure. isError reports a tool-level error result.
func (m *Manager) CallTool(ctx context.Context, serverName string, toolName string, args map[string]any) (output string, isError bool, err error) {
	m.mu.RLock()
	conn, ok := m.servers[serverName]
	m.mu.RUnlock()
	if !ok {
		return "", false, fmt.Errorf("unknown mcp server %q", serverName)
	}

	result, err := conn.callTool(ctx, toolName, args)
	if err != nil {
		if reconnErr := conn.reconnect(ctx); reconnErr != nil {
			return "", false, fmt.Errorf("call %s on %s: %w", toolName, serverName, err)
		}
		result, err = conn.callTool(ctx, toolName, args)
		if err != nil {
			return "", false, fmt.Errorf("call %s on %s: %w", toolName, serverName, err)
		}
	}
	return textContent(result), result.IsError, nil
}

// Close shuts down every connection.
func (m *Manager) Close() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, conn := range m.servers {
		conn.mu.Lock()
		conn.disconnect()
		conn.mu.Unlock()
	}
}

func (conn *serverConn) connect(ctx context.Context) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.session != nil {
		return nil
	}

	transport, err := conn.transport()
	if err != nil {
		return err
	}
	session, err := conn.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	conn.session = session

	listed, err := session.ListTools(ctx, nil)
	if err != nil {
		conn.tools = nil
		return nil
	}
	conn.tools = listed.Tools
	return nil
}

func (conn *serverConn) reconnect(ctx context.Context) error {
	conn.mu.Lock()
	conn.disconnect()
	// Connect is one-shot per client instance.
	conn.client = newClient()
	conn.mu.Unlock()
	return conn.connect(ctx)
}

func (conn *serverConn) disconnect() {
	if conn.session != nil {
		_ = conn.session.Close()
		conn.session = nil
	}
	conn.tools = nil
}

func (conn *serverConn) toolCount() int {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return len(conn.tools)
}

func (conn *serverConn) callTool(ctx context.Context, toolName string, args map[string]any) (*mcp.CallToolResult, error) {
	conn.mu.Lock()
	session := conn.session
	conn.mu.Unlock()
	if session == nil {
		return nil, fmt.Errorf("not connected")
	}
	return session.CallTool(ctx, &mcp.CallToolParams{Name: toolName, Arguments: args})
}

func (conn *serverConn) transport() (mcp.Transport, error) {
	switch {
	case strings.TrimSpace(conn.cfg.Command) != "":
		cmd := exec.Command(conn.cfg.Command, conn.cfg.Args...)
		if len(conn.cfg.Env) > 0 {
			cmd.Env = append(os.Environ(), conn.cfg.Env...)
		}
		return &mcp.CommandTransport{Command: cmd}, nil
	case strings.TrimSpace(conn.cfg.URL) != "":
		return &mcp.StreamableClientTransport{Endpoint: conn.cfg.URL}, nil
	default:
		return nil, fmt.Errorf("mcp server %q has neither command nor url", conn.name)
	}
}

func textContent(result *mcp.CallToolResult) string {
	if result == nil {
		return ""
	}
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
