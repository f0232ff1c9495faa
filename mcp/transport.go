package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/strandhq/agent/toolformat"
)

// Default timeouts for each transport operation.
const (
	stdioConnectTimeout   = 10 * time.Second
	stdioListToolsTimeout = 30 * time.Second
	stdioCallToolTimeout  = 5 * time.Minute

	httpConnectTimeout   = 30 * time.Second
	httpListToolsTimeout = 30 * time.Second
	httpCallToolTimeout  = 5 * time.Minute
)

const (
	stdioProtocolVersion = "2024-11-05"
	httpProtocolVersion  = "2025-03-26"
	clientName           = "strand-agent"
	clientVersion        = "0.1.0"
)

// ToolCallError is the application-level error produced when an MCP server
// answers a tools/call with result.isError === true. It is distinct from
// TransportError: the transport itself is healthy, the tool just failed.
type ToolCallError struct {
	Message string
}

func (e *ToolCallError) Error() string {
	return e.Message
}

// Transport is one live connection to an MCP server, over stdio or HTTP.
// Implementations are safe to call concurrently. The stdio transport
// serializes its request/response exchanges through an internal mutex; the
// HTTP transport guards only its session state, so its requests are not
// serialized and may be in flight at the same time.
type Transport interface {
	// Connect performs the initialize/initialized handshake.
	Connect(ctx context.Context) error
	// ListTools returns the server's current tool set.
	ListTools(ctx context.Context) ([]toolformat.MCPTool, error)
	// CallTool invokes one tool. On a server-reported tool failure
	// (isError), it returns a *ToolCallError. On a transport-level fault it
	// returns a *TransportError with the appropriate Kind.
	CallTool(ctx context.Context, name string, arguments map[string]any) (json.RawMessage, error)
	// Close releases the transport's resources (child process, connections).
	Close() error
}

// NewTransport builds the appropriate transport for cfg: HTTP if the
// config carries a url, stdio otherwise.
func NewTransport(cfg ServerConfig) Transport {
	if cfg.Transport() == TransportHTTP {
		return NewHTTPSession(cfg)
	}
	return NewStdioSession(cfg)
}

func callTimeout(cfg ServerConfig, fallback time.Duration) time.Duration {
	if cfg.Timeout > 0 {
		return cfg.Timeout
	}
	return fallback
}
