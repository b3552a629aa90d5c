// Package upstream maintains the registry of MCP client connections the
// bridge multiplexes. Each configured server is connected over stdio,
// streamable HTTP, or SSE using the official MCP Go SDK; failures are retried
// in the background with exponential backoff unless they classify as a
// pending OAuth authorization, which requires user action and suspends
// retries. Connected servers contribute their tools as [tool.Descriptor]
// values whose Execute proxies back through the owning client.
//
// Registry changes are pushed to an optional observer so the sandbox
// registry and the search index never hold a back-pointer into this package.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codemode/bridge/internal/resilience"
	"github.com/codemode/bridge/internal/tool"
)

// ConnState is the lifecycle state of one tracked server.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateAwaitingAuth ConnState = "awaiting-auth"
	StateConnected    ConnState = "connected"
	StateFailed       ConnState = "failed"
)

// defaultMaxAttempts is used when a server config does not set max_retries.
const defaultMaxAttempts = 5

// oauthPattern classifies connection failures that require user-driven OAuth
// authorization. Treated as a policy knob, not a contract.
var oauthPattern = regexp.MustCompile(`(?i)authorization timeout|oauth`)

// ServerConfig describes how to reach one upstream server.
type ServerConfig struct {
	// Type selects the transport: "stdio", "http", or "sse".
	Type string `yaml:"type"`

	// Command is the executable spawned for stdio transports.
	Command string `yaml:"command"`

	// Args are additional arguments for Command.
	Args []string `yaml:"args"`

	// URL is the endpoint for http/sse transports.
	URL string `yaml:"url"`

	// Env holds extra environment variables for stdio subprocesses.
	Env map[string]string `yaml:"env"`

	// OAuth marks the server as OAuth-enabled, which switches matching
	// connection failures into the awaiting-auth state.
	OAuth bool `yaml:"oauth"`

	// MaxRetries overrides the background-connect attempt budget.
	MaxRetries *int `yaml:"max_retries"`
}

// Validate checks transport-specific required fields.
func (c ServerConfig) Validate() error {
	switch c.Type {
	case "stdio":
		if c.Command == "" {
			return fmt.Errorf("stdio transport requires a command")
		}
	case "http", "sse":
		if c.URL == "" {
			return fmt.Errorf("%s transport requires a url", c.Type)
		}
	default:
		return fmt.Errorf("unknown transport %q (valid: stdio, http, sse)", c.Type)
	}
	return nil
}

func (c ServerConfig) maxAttempts() int {
	if c.MaxRetries != nil && *c.MaxRetries > 0 {
		return *c.MaxRetries
	}
	return defaultMaxAttempts
}

// ConnectionInfo is the point-in-time view of one server's connection.
type ConnectionInfo struct {
	State       ConnState  `json:"state"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"maxAttempts"`
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// ToolRow is one entry of the flat tool listing.
type ToolRow struct {
	Server        string `json:"server"`
	QualifiedName string `json:"name"`
	Description   string `json:"description"`
}

// session is the slice of the SDK client session the manager needs; tests
// substitute fakes through [WithDialer].
type session interface {
	CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error)
	Close() error
}

// Dialer establishes a connection and lists the server's tools.
type Dialer func(ctx context.Context, name string, cfg ServerConfig) (session, []*mcpsdk.Tool, error)

// Observer receives registry updates. tools is nil when the namespace is
// removed.
type Observer func(namespace string, tools map[string]*tool.Descriptor)

type serverEntry struct {
	name    string
	cfg     ServerConfig
	sess    session // nil for virtual servers
	tools   map[string]*tool.Descriptor
	info    ConnectionInfo
	virtual bool

	retryTimer *time.Timer
	retryGen   int // invalidates pending retries on cancel
}

// Manager is the upstream connection registry. All methods are safe for
// concurrent use; the manager is the registry's single writer.
type Manager struct {
	logger  *slog.Logger
	dial    Dialer
	backoff resilience.Backoff

	mu       sync.Mutex
	servers  map[string]*serverEntry
	observer Observer
	closed   bool
}

// Option configures a [Manager].
type Option func(*Manager)

// WithDialer replaces the SDK dialer, used by tests.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dial = d }
}

// WithBackoff overrides the retry schedule.
func WithBackoff(b resilience.Backoff) Option {
	return func(m *Manager) { m.backoff = b }
}

// WithObserver registers the registry-change observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// NewManager creates an empty manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		logger:  slog.Default().With("component", "upstream"),
		dial:    sdkDial,
		backoff: resilience.Backoff{Initial: time.Second, Max: 30 * time.Second, Jitter: time.Second},
		servers: make(map[string]*serverEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// sdkDial is the production dialer: connect with the official SDK and list
// the server's tools.
func sdkDial(ctx context.Context, name string, cfg ServerConfig) (session, []*mcpsdk.Tool, error) {
	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "codemode-bridge", Version: "1.0.0"}, nil)

	var transport mcpsdk.Transport
	switch cfg.Type {
	case "stdio":
		cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case "http":
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	case "sse":
		transport = &mcpsdk.SSEClientTransport{Endpoint: cfg.URL}
	default:
		return nil, nil, fmt.Errorf("upstream: server %q has unknown transport %q", name, cfg.Type)
	}

	sess, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("upstream: connect to %q: %w", name, err)
	}

	var tools []*mcpsdk.Tool
	for t, err := range sess.Tools(ctx, nil) {
		if err != nil {
			_ = sess.Close()
			return nil, nil, fmt.Errorf("upstream: list tools of %q: %w", name, err)
		}
		tools = append(tools, t)
	}
	return sess, tools, nil
}

// ConnectServer connects synchronously. It registers the server's tools on
// success and returns false (never an error) on failure, leaving the entry in
// the failed state.
func (m *Manager) ConnectServer(ctx context.Context, name string, cfg ServerConfig) bool {
	if err := cfg.Validate(); err != nil {
		m.logger.Error("invalid server config", "server", name, "err", err)
		m.setFailure(name, cfg, 1, err)
		return false
	}
	m.setState(name, cfg, ConnectionInfo{State: StateConnecting, Attempt: 1, MaxAttempts: cfg.maxAttempts()})

	sess, tools, err := m.dial(ctx, name, cfg)
	if err != nil {
		m.logger.Warn("connect failed", "server", name, "err", err)
		m.setFailure(name, cfg, 1, err)
		return false
	}
	m.install(name, cfg, sess, tools)
	return true
}

// ConnectServerInBackground starts a connect-with-retry loop and returns
// immediately. A pending retry for the same name is cancelled first. The
// optional onConnected callback runs after a successful connect; its own
// failure is logged, never re-thrown.
func (m *Manager) ConnectServerInBackground(ctx context.Context, name string, cfg ServerConfig, onConnected func()) {
	m.cancelRetry(name)
	go m.attempt(ctx, name, cfg, 0, onConnected)
}

// attempt performs one background connect attempt and schedules the next one
// on a retryable failure.
func (m *Manager) attempt(ctx context.Context, name string, cfg ServerConfig, attempt int, onConnected func()) {
	if err := cfg.Validate(); err != nil {
		m.setFailure(name, cfg, attempt+1, err)
		return
	}
	maxAttempts := cfg.maxAttempts()
	m.setState(name, cfg, ConnectionInfo{State: StateConnecting, Attempt: attempt + 1, MaxAttempts: maxAttempts})

	sess, tools, err := m.dial(ctx, name, cfg)
	if err == nil {
		m.install(name, cfg, sess, tools)
		if onConnected != nil {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("onConnected callback panicked", "server", name, "panic", r)
				}
			}()
			onConnected()
		}
		return
	}

	if cfg.OAuth && oauthPattern.MatchString(err.Error()) {
		m.logger.Info("server requires OAuth authorization", "server", name)
		m.setState(name, cfg, ConnectionInfo{
			State:       StateAwaitingAuth,
			Attempt:     attempt + 1,
			MaxAttempts: maxAttempts,
			LastError:   "OAuth authorization required",
		})
		return
	}

	if attempt+1 >= maxAttempts {
		m.logger.Warn("giving up on server", "server", name, "attempts", attempt+1, "err", err)
		m.setFailure(name, cfg, attempt+1, fmt.Errorf("failed after %d attempts: %w", attempt+1, err))
		return
	}

	delay := m.backoff.Delay(attempt)
	next := time.Now().Add(delay)
	m.logger.Info("scheduling reconnect", "server", name, "attempt", attempt+1, "delay", delay)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	entry := m.ensureEntry(name, cfg)
	entry.info = ConnectionInfo{
		State:       StateDisconnected,
		Attempt:     attempt + 1,
		MaxAttempts: maxAttempts,
		NextRetryAt: &next,
		LastError:   err.Error(),
	}
	entry.retryGen++
	gen := entry.retryGen
	entry.retryTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		current, ok := m.servers[name]
		stale := !ok || current.retryGen != gen || m.closed
		m.mu.Unlock()
		if stale {
			return
		}
		m.attempt(ctx, name, cfg, attempt+1, onConnected)
	})
	m.mu.Unlock()
}

// install atomically replaces the entry for name with a connected one and
// notifies the observer.
func (m *Manager) install(name string, cfg ServerConfig, sess session, sdkTools []*mcpsdk.Tool) {
	descriptors := m.wrapTools(name, sess, sdkTools)

	m.mu.Lock()
	old := m.servers[name]
	entry := &serverEntry{
		name:  name,
		cfg:   cfg,
		sess:  sess,
		tools: descriptors,
		info:  ConnectionInfo{State: StateConnected, MaxAttempts: cfg.maxAttempts()},
	}
	if old != nil && old.retryTimer != nil {
		old.retryTimer.Stop()
	}
	m.servers[name] = entry
	observer := m.observer
	m.mu.Unlock()

	if old != nil && old.sess != nil {
		_ = old.sess.Close()
	}
	m.logger.Info("server connected", "server", name, "tools", len(descriptors))
	if observer != nil {
		observer(name, descriptors)
	}
}

// wrapTools converts SDK tool definitions into descriptors whose Execute
// proxies through the live session. Names colliding after sanitization are
// skipped with a warning.
func (m *Manager) wrapTools(serverName string, sess session, sdkTools []*mcpsdk.Tool) map[string]*tool.Descriptor {
	descriptors := make(map[string]*tool.Descriptor, len(sdkTools))
	for _, t := range sdkTools {
		name := tool.SanitizeName(t.Name)
		if _, exists := descriptors[name]; exists {
			m.logger.Warn("skipping tool with colliding sanitized name", "server", serverName, "tool", t.Name)
			continue
		}
		rawSchema := schemaToMap(t.InputSchema)
		var outSchema map[string]any
		if t.OutputSchema != nil {
			outSchema = schemaToMap(t.OutputSchema)
		}
		upstreamName := t.Name
		descriptors[name] = &tool.Descriptor{
			Name:         name,
			Description:  t.Description,
			RawSchema:    rawSchema,
			InputSchema:  rawSchema,
			OutputSchema: outSchema,
			Execute:      m.makeProxy(serverName, upstreamName, sess),
		}
	}
	return descriptors
}

// makeProxy builds the Execute callable for one upstream tool.
func (m *Manager) makeProxy(serverName, toolName string, sess session) tool.Callable {
	return func(ctx context.Context, args any) (any, error) {
		argsMap, err := toArgsMap(args)
		if err != nil {
			return nil, fmt.Errorf("upstream: tool %s/%s: %w", serverName, toolName, err)
		}
		argSize := jsonSize(argsMap)
		m.logger.Debug("calling upstream tool", "server", serverName, "tool", toolName, "argBytes", argSize)

		result, err := sess.CallTool(ctx, &mcpsdk.CallToolParams{Name: toolName, Arguments: argsMap})
		if err != nil {
			return nil, fmt.Errorf("upstream: tool %s/%s failed: %w", serverName, toolName, err)
		}
		value := resultValue(result)
		m.logger.Debug("upstream tool returned", "server", serverName, "tool", toolName, "resultBytes", jsonSize(value))
		if result.IsError {
			return nil, fmt.Errorf("upstream: tool %s/%s returned an error: %v", serverName, toolName, value)
		}
		return value, nil
	}
}

// RegisterServer installs a virtual server with pre-built descriptors and no
// upstream client. Used for the built-in utility tools.
func (m *Manager) RegisterServer(name string, descriptors map[string]*tool.Descriptor) {
	m.mu.Lock()
	old := m.servers[name]
	if old != nil && old.retryTimer != nil {
		old.retryTimer.Stop()
	}
	m.servers[name] = &serverEntry{
		name:    name,
		tools:   descriptors,
		info:    ConnectionInfo{State: StateConnected},
		virtual: true,
	}
	observer := m.observer
	m.mu.Unlock()

	if old != nil && old.sess != nil {
		_ = old.sess.Close()
	}
	if observer != nil {
		observer(name, descriptors)
	}
}

// DisconnectServer cancels any pending retry, closes the client, and removes
// the entry.
func (m *Manager) DisconnectServer(name string) {
	m.mu.Lock()
	entry, ok := m.servers[name]
	if ok {
		if entry.retryTimer != nil {
			entry.retryTimer.Stop()
		}
		entry.retryGen++
		delete(m.servers, name)
	}
	observer := m.observer
	m.mu.Unlock()

	if !ok {
		return
	}
	if entry.sess != nil {
		_ = entry.sess.Close()
	}
	m.logger.Info("server disconnected", "server", name)
	if observer != nil {
		observer(name, nil)
	}
}

// DisconnectAll cancels all timers and disconnects every server. The manager
// refuses new background retries afterwards.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	m.closed = true
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.DisconnectServer(name)
	}
}

// GetAllToolDescriptors returns a namespace → descriptors snapshot.
func (m *Manager) GetAllToolDescriptors() map[string]map[string]*tool.Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]map[string]*tool.Descriptor, len(m.servers))
	for name, entry := range m.servers {
		if len(entry.tools) == 0 {
			continue
		}
		tools := make(map[string]*tool.Descriptor, len(entry.tools))
		for n, d := range entry.tools {
			tools[n] = d
		}
		out[name] = tools
	}
	return out
}

// GetConnectionStates returns a point-in-time copy of every tracked server's
// connection info.
func (m *Manager) GetConnectionStates() map[string]ConnectionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]ConnectionInfo, len(m.servers))
	for name, entry := range m.servers {
		out[name] = entry.info
	}
	return out
}

// GetToolList returns the flat listing, optionally filtered by server.
func (m *Manager) GetToolList(serverFilter string) []ToolRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []ToolRow
	for name, entry := range m.servers {
		if serverFilter != "" && name != serverFilter {
			continue
		}
		for n, d := range entry.tools {
			rows = append(rows, ToolRow{Server: name, QualifiedName: tool.Qualify(name, n), Description: d.Description})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].QualifiedName < rows[j].QualifiedName })
	return rows
}

// GetToolByName looks up a descriptor by qualified name.
func (m *Manager) GetToolByName(qualified string) (*tool.Descriptor, bool) {
	namespace, name, ok := tool.SplitQualified(qualified)
	if !ok {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.servers[namespace]
	if !ok {
		return nil, false
	}
	d, ok := entry.tools[name]
	return d, ok
}

// cancelRetry invalidates a pending retry timer for name, if any.
func (m *Manager) cancelRetry(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.servers[name]; ok {
		if entry.retryTimer != nil {
			entry.retryTimer.Stop()
			entry.retryTimer = nil
		}
		entry.retryGen++
	}
}

// ensureEntry returns the tracked entry for name, creating a bare one if
// needed. Caller holds m.mu.
func (m *Manager) ensureEntry(name string, cfg ServerConfig) *serverEntry {
	entry, ok := m.servers[name]
	if !ok {
		entry = &serverEntry{name: name, cfg: cfg}
		m.servers[name] = entry
	}
	entry.cfg = cfg
	return entry
}

func (m *Manager) setState(name string, cfg ServerConfig, info ConnectionInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.ensureEntry(name, cfg)
	entry.info = info
}

func (m *Manager) setFailure(name string, cfg ServerConfig, attempt int, err error) {
	m.setState(name, cfg, ConnectionInfo{
		State:       StateFailed,
		Attempt:     attempt,
		MaxAttempts: cfg.maxAttempts(),
		LastError:   err.Error(),
	})
}

// toArgsMap coerces the sandbox-provided argument into the map the MCP
// protocol requires. Nil arguments become an empty object.
func toArgsMap(args any) (map[string]any, error) {
	switch v := args.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("arguments are not JSON-encodable: %w", err)
		}
		var out map[string]any
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("arguments must be an object, got %T", args)
		}
		return out, nil
	}
}

// resultValue flattens an MCP call result for the sandbox: structured content
// wins, otherwise text blocks are concatenated.
func resultValue(result *mcpsdk.CallToolResult) any {
	if result == nil {
		return nil
	}
	if result.StructuredContent != nil {
		return result.StructuredContent
	}
	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	text := sb.String()
	// Tool output is frequently JSON-in-text; surface it structurally when so.
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return text
}

// schemaToMap converts any schema value to a plain map via a JSON round-trip.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

func jsonSize(v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}
