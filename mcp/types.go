// Package mcp implements MCP (Model Context Protocol) client sessions over
// stdio and HTTP transports, and a session manager that aggregates their
// tools and routes calls with health-driven reconnection.
package mcp

import (
	"encoding/json"
	"time"

	"github.com/strandhq/agent/toolformat"
)

// TransportKind distinguishes the two supported MCP transports.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
)

// ServerConfig configures one MCP server connection. A config with a
// non-empty URL is an HTTP server; otherwise it is a stdio server launched
// via Command/Args/Env.
type ServerConfig struct {
	// Stdio transport options.
	Command string            `yaml:"command" json:"command,omitempty"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`

	// HTTP transport options.
	URL          string `yaml:"url" json:"url,omitempty"`
	AuthToken    string `yaml:"auth_token" json:"auth_token,omitempty"`
	ExecutionID  string `yaml:"execution_id" json:"execution_id,omitempty"`

	// Timeout, when non-zero, replaces the default connect, tools/list and
	// tools/call timeouts. On stdio the initialize exchange stays bounded by
	// its 10s default as well.
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`
}

// Transport returns which transport this config selects: HTTP if the
// config has a url attribute, stdio otherwise.
func (c ServerConfig) Transport() TransportKind {
	if c.URL != "" {
		return TransportHTTP
	}
	return TransportStdio
}

// Status is the connectivity state of a session.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// SessionInfo is the per-session summary returned by ListSessions.
type SessionInfo struct {
	ID              string    `json:"id"`
	Status          Status    `json:"status"`
	ToolCount       int       `json:"tool_count"`
	LastHealthCheck time.Time `json:"last_health_check"`
}

// JSON-RPC 2.0 envelope types shared by both transports.

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// listToolsResult is the result payload of a tools/list call.
type listToolsResult struct {
	Tools []mcpToolWire `json:"tools"`
}

// mcpToolWire is the wire shape of one entry in tools/list's result.
type mcpToolWire struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

func (w mcpToolWire) toTool() toolformat.MCPTool {
	var schema toolformat.JSONSchema
	if len(w.InputSchema) > 0 {
		_ = json.Unmarshal(w.InputSchema, &schema)
	}
	if schema.Type == "" {
		schema.Type = "object"
	}
	return toolformat.MCPTool{
		Name:        w.Name,
		Description: w.Description,
		InputSchema: schema,
	}
}

// callToolResult is the result payload of a tools/call call.
type callToolResult struct {
	Content json.RawMessage `json:"content,omitempty"`
	IsError bool            `json:"isError,omitempty"`
}

// firstTextContent extracts the first text content item, if any, from a
// tools/call result's content array; used to build the isError message.
func firstTextContent(content json.RawMessage) string {
	var items []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &items); err != nil {
		return ""
	}
	for _, item := range items {
		if item.Text != "" {
			return item.Text
		}
	}
	return ""
}
