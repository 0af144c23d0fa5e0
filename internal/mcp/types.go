// Package mcp implements the client side of the JSON-RPC tool protocol used
// to talk to external worker processes.
package mcp

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ProtocolVersion is the protocol revision this client speaks. A worker
// answering the initialize handshake with a different version is rejected.
const ProtocolVersion = "2024-11-05"

// ClientName and ClientVersion identify this client in the handshake.
const (
	ClientName    = "cascade"
	ClientVersion = "0.3.0"
)

// TransportKind selects how a worker is reached.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportTCP   TransportKind = "tcp"
)

// WorkerConfig describes one tool worker and how to launch or reach it.
type WorkerConfig struct {
	Name string        `yaml:"name" json:"name"`
	Kind TransportKind `yaml:"transport" json:"transport"`

	// Stdio transport: the worker is spawned as a child process speaking
	// line-delimited JSON-RPC on stdin/stdout.
	Command string            `yaml:"command" json:"command,omitempty"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`
	WorkDir string            `yaml:"workdir" json:"workdir,omitempty"`

	// TCP transport: the worker listens on a socket.
	Address string `yaml:"address" json:"address,omitempty"`

	// CallTimeout bounds one send+await cycle. Zero means 30s.
	CallTimeout time.Duration `yaml:"call_timeout" json:"call_timeout,omitempty"`

	// GracePeriod bounds the graceful half of shutdown before the process
	// tree is killed. Zero means the proclife default.
	GracePeriod time.Duration `yaml:"grace_period" json:"grace_period,omitempty"`
}

// DefaultCallTimeout is applied when a worker config does not set one.
const DefaultCallTimeout = 30 * time.Second

// Validate checks the worker configuration, including basic command-injection
// hygiene for stdio workers.
func (c *WorkerConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("worker name is required")
	}
	switch c.Kind {
	case TransportStdio, "":
		if c.Command == "" {
			return fmt.Errorf("worker %s: command is required for stdio transport", c.Name)
		}
		if err := validatePath(c.Command, "command"); err != nil {
			return fmt.Errorf("worker %s: %w", c.Name, err)
		}
		if c.WorkDir != "" {
			if err := validatePath(c.WorkDir, "workdir"); err != nil {
				return fmt.Errorf("worker %s: %w", c.Name, err)
			}
		}
		for i, arg := range c.Args {
			if containsShellMetachars(arg) {
				return fmt.Errorf("worker %s: arg[%d] contains shell metacharacters: %q", c.Name, i, arg)
			}
		}
	case TransportTCP:
		if c.Address == "" {
			return fmt.Errorf("worker %s: address is required for tcp transport", c.Name)
		}
	default:
		return fmt.Errorf("worker %s: unknown transport %q", c.Name, c.Kind)
	}
	return nil
}

func (c *WorkerConfig) callTimeout() time.Duration {
	if c.CallTimeout > 0 {
		return c.CallTimeout
	}
	return DefaultCallTimeout
}

func validatePath(path, field string) error {
	if strings.Contains(filepath.Clean(path), "..") {
		return fmt.Errorf("%s contains path traversal: %q", field, path)
	}
	return nil
}

func containsShellMetachars(s string) bool {
	for _, pattern := range []string{"$(", "${", "`", "&&", "||", ";", "|", ">", "<", "\n", "\r"} {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

// ParameterSpec describes one tool parameter extracted from the worker's
// input schema, used by the parameter-generation phase.
type ParameterSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// ToolDefinition is a tool advertised by a worker. Definitions are cached at
// connect time and invalidated only by reconnection.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`

	// Server is the worker advertising the tool, filled in by the manager.
	Server string `json:"-"`

	// Parameters is derived from InputSchema for convenience.
	Parameters []ParameterSpec `json:"-"`
}

// ParseParameters flattens the top level of a JSON schema object into
// parameter specs. Nested structure stays available via InputSchema.
func (t *ToolDefinition) ParseParameters() {
	if len(t.InputSchema) == 0 {
		return
	}
	var schema struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
			Default     any    `json:"default"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
		return
	}
	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
	}
	t.Parameters = t.Parameters[:0]
	for name, prop := range schema.Properties {
		t.Parameters = append(t.Parameters, ParameterSpec{
			Name:        name,
			Type:        prop.Type,
			Description: prop.Description,
			Required:    required[name],
			Default:     prop.Default,
		})
	}
}

// RequiredParameters returns the names of required parameters, sorted per
// the schema's required list order.
func (t *ToolDefinition) RequiredParameters() []string {
	var out []string
	for _, p := range t.Parameters {
		if p.Required {
			out = append(out, p.Name)
		}
	}
	return out
}

// Content is one piece of tool result content.
type Content struct {
	Type     string `json:"type"` // text | image | resource
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// ToolResult is the payload of a successful tools/call round trip.
type ToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Text concatenates all textual content blocks.
func (r *ToolResult) Text() string {
	var sb strings.Builder
	for _, c := range r.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	return sb.String()
}

// JSON-RPC 2.0 envelopes.

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object. It implements error so protocol
// failures propagate through normal error chains.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ServerInfo identifies a connected worker.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the worker's half of the handshake.
type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ServerInfo      ServerInfo      `json:"serverInfo"`
}

type listToolsResult struct {
	Tools []*ToolDefinition `json:"tools"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}
