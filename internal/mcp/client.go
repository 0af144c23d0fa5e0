package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cascade-ai/cascade/internal/proclife"
)

// Client owns one worker connection: handshake, cached tool definitions,
// and tool invocation.
type Client struct {
	cfg       *WorkerConfig
	transport Transport
	logger    *slog.Logger

	mu         sync.RWMutex
	tools      []*ToolDefinition
	serverInfo ServerInfo
}

// NewClient creates a client for the worker. Connect must be called before use.
func NewClient(cfg *WorkerConfig, super *proclife.Supervisor, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("worker", cfg.Name)
	if super == nil {
		super = proclife.New(logger)
	}
	return &Client{
		cfg:       cfg,
		transport: newTransport(cfg, super, logger),
		logger:    logger,
	}
}

// Connect establishes the transport, performs the initialize handshake, and
// caches the worker's tool list. The cache is invalidated only by
// reconnection (a fresh Client).
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return &InitError{Server: c.cfg.Name, Cause: err}
	}

	result, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{"tools": map[string]any{}},
		"clientInfo": map[string]any{
			"name":    ClientName,
			"version": ClientVersion,
		},
	})
	if err != nil {
		_ = c.transport.Close(ctx)
		return &InitError{Server: c.cfg.Name, Cause: err}
	}

	var init InitializeResult
	if err := json.Unmarshal(result, &init); err != nil {
		_ = c.transport.Close(ctx)
		return &InitError{Server: c.cfg.Name, Cause: fmt.Errorf("parse initialize result: %w", err)}
	}
	if init.ProtocolVersion != ProtocolVersion {
		_ = c.transport.Close(ctx)
		return &InitError{
			Server: c.cfg.Name,
			Cause:  fmt.Errorf("protocol version mismatch: worker %q, client %q", init.ProtocolVersion, ProtocolVersion),
		}
	}

	c.mu.Lock()
	c.serverInfo = init.ServerInfo
	c.mu.Unlock()

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}

	if err := c.refreshTools(ctx); err != nil {
		c.logger.Warn("tool discovery failed", "error", err)
	}

	c.logger.Info("connected to worker",
		"server", c.serverInfo.Name,
		"version", c.serverInfo.Version,
		"tools", len(c.ListTools()))
	return nil
}

// Close tears down the connection.
func (c *Client) Close(ctx context.Context) error {
	return c.transport.Close(ctx)
}

// Healthy reports connection liveness without blocking.
func (c *Client) Healthy() bool {
	return c.transport.Healthy()
}

// Config returns the original worker configuration, used for reconnection.
func (c *Client) Config() *WorkerConfig {
	return c.cfg
}

// ServerInfo returns the identity the worker reported at handshake.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// refreshTools caches the worker's tool list. An empty tools array is a
// valid response, not an error.
func (c *Client) refreshTools(ctx context.Context) error {
	result, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return err
	}
	var list listToolsResult
	if err := json.Unmarshal(result, &list); err != nil {
		return fmt.Errorf("parse tools/list result: %w", err)
	}
	for _, tool := range list.Tools {
		tool.Server = c.cfg.Name
		tool.ParseParameters()
	}

	c.mu.Lock()
	c.tools = list.Tools
	c.mu.Unlock()
	return nil
}

// ListTools returns the cached tool definitions.
func (c *Client) ListTools() []*ToolDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// Tool returns the cached definition for name.
func (c *Client) Tool(name string) (*ToolDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.tools {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// CallTool invokes a tool on this worker and parses the result payload.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolResult, error) {
	raw, err := c.transport.Call(ctx, "tools/call", callToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, &ToolCallError{Name: name, Cause: err}
	}
	var result ToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &ToolCallError{Name: name, Cause: fmt.Errorf("parse result: %w", err)}
	}
	return &result, nil
}
