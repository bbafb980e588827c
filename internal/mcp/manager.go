package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/basket/skillgate/internal/policy"
	"github.com/basket/skillgate/internal/shared"
)

const (
	clientName    = "skillgate"
	clientVersion = "dev"

	connectTimeout = 10 * time.Second
	listTimeout    = 5 * time.Second
	maxReconnect   = 3
)

// ToolInfo describes one remote tool.
type ToolInfo struct {
	Server        string `json:"server"`
	Name          string `json:"name"`
	QualifiedName string `json:"qualified_name"`
	Description   string `json:"description,omitempty"`
	InputSchema   any    `json:"input_schema,omitempty"`
}

type serverHealth struct {
	healthy   bool
	lastCheck time.Time
	lastError string
}

// Manager owns the client sessions to the configured MCP servers.
type Manager struct {
	configs    map[string]ServerConfig
	order      []string
	coreServer string
	client     *mcpsdk.Client
	logger     *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*mcpsdk.ClientSession
	tools    map[string][]ToolInfo
	health   map[string]*serverHealth

	reconnectMu sync.Mutex
	backoff     time.Duration
}

func NewManager(configs []ServerConfig, coreServer string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if coreServer == "" {
		coreServer = policy.DefaultCoreServer
	}
	m := &Manager{
		configs:    make(map[string]ServerConfig, len(configs)),
		coreServer: coreServer,
		client:     mcpsdk.NewClient(&mcpsdk.Implementation{Name: clientName, Version: clientVersion}, nil),
		logger:     logger,
		sessions:   make(map[string]*mcpsdk.ClientSession),
		tools:      make(map[string][]ToolInfo),
		health:     make(map[string]*serverHealth),
		backoff:    time.Second,
	}
	for _, cfg := range configs {
		if _, dup := m.configs[cfg.Name]; dup {
			logger.Warn("duplicate mcp server config ignored", "name", cfg.Name)
			continue
		}
		m.configs[cfg.Name] = cfg
		m.order = append(m.order, cfg.Name)
	}
	return m
}

// CoreServer returns the server that bare tool names resolve against.
func (m *Manager) CoreServer() string { return m.coreServer }

// Start connects every enabled server. A server that fails to connect is
// logged and marked unhealthy; it does not fail the others.
func (m *Manager) Start(ctx context.Context) error {
	for _, name := range m.order {
		cfg := m.configs[name]
		if !cfg.Enabled {
			continue
		}
		if err := m.connectConfigured(ctx, cfg); err != nil {
			m.logger.Error("failed to start mcp server", "name", name, "error", err)
			m.markHealth(name, err)
		}
	}
	return nil
}

func (m *Manager) connectConfigured(ctx context.Context, cfg ServerConfig) error {
	transport, err := newTransport(cfg)
	if err != nil {
		return err
	}
	m.logger.Info("starting mcp server", "name", cfg.Name, "transport", cfg.Kind())
	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	return m.Connect(connCtx, cfg.Name, transport)
}

// Connect attaches a session over transport under name and caches its
// tool list. An existing session with the same name is replaced.
func (m *Manager) Connect(ctx context.Context, name string, transport mcpsdk.Transport) error {
	session, err := m.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("connect mcp server %s: %w", name, err)
	}
	tools, err := listTools(ctx, name, session)
	if err != nil {
		_ = session.Close()
		return fmt.Errorf("list tools on %s: %w", name, err)
	}

	m.mu.Lock()
	old := m.sessions[name]
	m.sessions[name] = session
	m.tools[name] = tools
	m.health[name] = &serverHealth{healthy: true, lastCheck: time.Now()}
	m.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	m.logger.Info("mcp server initialized", "name", name, "tools", len(tools))
	return nil
}

func listTools(ctx context.Context, server string, session *mcpsdk.ClientSession) ([]ToolInfo, error) {
	listCtx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()
	var out []ToolInfo
	for tool, err := range session.Tools(listCtx, nil) {
		if err != nil {
			return nil, err
		}
		if tool == nil {
			continue
		}
		out = append(out, ToolInfo{
			Server:        server,
			Name:          tool.Name,
			QualifiedName: policy.QualifiedToolName(server, tool.Name),
			Description:   tool.Description,
			InputSchema:   tool.InputSchema,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Tools returns every cached remote tool, sorted by qualified name.
func (m *Manager) Tools() []ToolInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ToolInfo
	for _, tools := range m.tools {
		out = append(out, tools...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QualifiedName < out[j].QualifiedName })
	return out
}

// Connected reports whether a session for name is open.
func (m *Manager) Connected(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[name]
	return ok
}

// Health returns the last known health per server.
func (m *Manager) Health() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.health))
	for name, h := range m.health {
		out[name] = h.healthy
	}
	return out
}

func (m *Manager) markHealth(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := &serverHealth{healthy: err == nil, lastCheck: time.Now()}
	if err != nil {
		h.lastError = err.Error()
	}
	m.health[name] = h
}

// Descriptors returns the servers a session should see: the core server
// first, then the named servers in order. Duplicates are dropped and
// unknown names are skipped with a warning.
func (m *Manager) Descriptors(names []string) []ServerDescriptor {
	seen := make(map[string]struct{}, len(names)+1)
	var out []ServerDescriptor
	for _, name := range append([]string{m.coreServer}, names...) {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		cfg, ok := m.configs[name]
		if !ok {
			m.logger.Warn("unknown mcp server requested", "name", name)
			continue
		}
		out = append(out, DescriptorFor(cfg))
	}
	return out
}

// Resolve maps a tool reference to (server, tool). Qualified names and
// "server:tool" are taken literally; a bare name is looked up on the core
// server first, then on any server exposing exactly that tool.
func (m *Manager) Resolve(name string) (server, tool string, err error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", shared.Errorf(shared.KindInvalidInput, "tool name is empty")
	}
	if s, t, ok := policy.SplitQualified(name); ok {
		return s, t, nil
	}
	if i := strings.IndexAny(name, ":/"); i > 0 && i < len(name)-1 {
		return name[:i], name[i+1:], nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if hasTool(m.tools[m.coreServer], name) {
		return m.coreServer, name, nil
	}
	var matches []string
	for srv, tools := range m.tools {
		if hasTool(tools, name) {
			matches = append(matches, srv)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], name, nil
	case 0:
		// Let the core server answer; it may expose tools lazily.
		return m.coreServer, name, nil
	default:
		sort.Strings(matches)
		return "", "", shared.Errorf(shared.KindRemoteToolError, "tool %q is ambiguous across servers %s", name, strings.Join(matches, ", "))
	}
}

func hasTool(tools []ToolInfo, name string) bool {
	for _, t := range tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// ExecuteTool calls a remote tool and returns its text content. Tool-level
// errors (IsError results) are returned as RemoteToolError.
func (m *Manager) ExecuteTool(ctx context.Context, name string, args map[string]any) (string, error) {
	server, tool, err := m.Resolve(name)
	if err != nil {
		return "", err
	}
	if args == nil {
		args = map[string]any{}
	}

	res, err := m.callTool(ctx, server, tool, args)
	if err != nil {
		return "", err
	}
	text := resultText(res)
	if res.IsError {
		if text == "" {
			text = "remote tool reported an error"
		}
		return "", shared.Errorf(shared.KindRemoteToolError, "%s: %s", policy.QualifiedToolName(server, tool), text)
	}
	return text, nil
}

func (m *Manager) callTool(ctx context.Context, server, tool string, args map[string]any) (*mcpsdk.CallToolResult, error) {
	m.mu.RLock()
	session, ok := m.sessions[server]
	m.mu.RUnlock()
	if !ok {
		return nil, shared.Errorf(shared.KindRemoteToolError, "mcp server %q is not connected", server)
	}

	params := &mcpsdk.CallToolParams{Name: tool, Arguments: args}
	res, err := session.CallTool(ctx, params)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return nil, shared.Wrap(shared.KindRemoteToolError, fmt.Sprintf("call %s on %s", tool, server), ctx.Err())
	}
	// Only a dead session is worth reconnecting; tool errors are returned as is.
	if pingErr := session.Ping(ctx, nil); pingErr == nil {
		return nil, shared.Wrap(shared.KindRemoteToolError, fmt.Sprintf("call %s on %s", tool, server), err)
	}
	m.markHealth(server, err)
	if rerr := m.reconnect(ctx, server, session); rerr != nil {
		return nil, shared.Wrap(shared.KindRemoteToolError, fmt.Sprintf("call %s on %s", tool, server), fmt.Errorf("%w (reconnect: %v)", err, rerr))
	}

	m.mu.RLock()
	session = m.sessions[server]
	m.mu.RUnlock()
	res, err = session.CallTool(ctx, params)
	if err != nil {
		return nil, shared.Wrap(shared.KindRemoteToolError, fmt.Sprintf("call %s on %s", tool, server), err)
	}
	return res, nil
}

// reconnect replaces a dead session using the server's config, with
// exponential backoff. Concurrent callers share one attempt.
func (m *Manager) reconnect(ctx context.Context, server string, dead *mcpsdk.ClientSession) error {
	m.reconnectMu.Lock()
	defer m.reconnectMu.Unlock()

	m.mu.RLock()
	current := m.sessions[server]
	m.mu.RUnlock()
	if current != dead {
		return nil
	}
	cfg, ok := m.configs[server]
	if !ok {
		return fmt.Errorf("no config to reconnect %s", server)
	}

	backoff := m.backoff
	var lastErr error
	for attempt := 0; attempt < maxReconnect; attempt++ {
		m.logger.Info("mcp: reconnecting", "server", server, "attempt", attempt+1, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if lastErr = m.connectConfigured(ctx, cfg); lastErr == nil {
			m.logger.Info("mcp: reconnected successfully", "server", server)
			return nil
		}
		backoff *= 2
	}
	m.markHealth(server, lastErr)
	return fmt.Errorf("reconnect failed after %d attempts: %w", maxReconnect, lastErr)
}

// resultText joins text content; other content kinds and structured
// content are rendered as JSON.
func resultText(res *mcpsdk.CallToolResult) string {
	if res == nil {
		return ""
	}
	var parts []string
	for _, c := range res.Content {
		if txt, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, txt.Text)
			continue
		}
		if raw, err := json.Marshal(c); err == nil {
			parts = append(parts, string(raw))
		}
	}
	if len(parts) == 0 && res.StructuredContent != nil {
		if raw, err := json.Marshal(res.StructuredContent); err == nil {
			parts = append(parts, string(raw))
		}
	}
	return strings.Join(parts, "\n")
}

// Stop closes every session.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, session := range m.sessions {
		if err := session.Close(); err != nil {
			m.logger.Warn("error stopping mcp client", "server", name, "error", err)
		}
	}
	m.sessions = make(map[string]*mcpsdk.ClientSession)
	m.tools = make(map[string][]ToolInfo)
	return nil
}
