package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/strandhq/agent/toolformat"
)

// HTTPSession is an MCP session actor over HTTP with a session-id header
// and SSE-framed replies.
type HTTPSession struct {
	cfg    ServerConfig
	logger *slog.Logger
	client *http.Client

	mu        sync.Mutex
	sessionID string
	connected atomic.Bool
}

// NewHTTPSession constructs an HTTP transport for cfg. Connect must be
// called before use.
func NewHTTPSession(cfg ServerConfig) *HTTPSession {
	return &HTTPSession{
		cfg:    cfg,
		logger: slog.Default().With("component", "mcp.http", "url", cfg.URL),
		client: &http.Client{},
	}
}

// Connect performs the initialize/initialized handshake.
func (s *HTTPSession) Connect(ctx context.Context) error {
	if s.cfg.URL == "" {
		return fmt.Errorf("mcp http: URL is required")
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout(s.cfg, httpConnectTimeout))
	defer cancel()

	resp, err := s.post(ctx, "initialize", map[string]any{
		"protocolVersion": httpProtocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
	}, false)
	if err != nil {
		return fmt.Errorf("mcp http: initialize: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mcp http: initialize: %w", statusError(resp))
	}

	sessionID := firstHeaderValue(resp.Header, "Mcp-Session-Id")
	if sessionID == "" {
		return ErrNoSessionID
	}

	s.mu.Lock()
	s.sessionID = sessionID
	s.mu.Unlock()
	s.connected.Store(true)

	if _, err := decodeBody(resp.Body); err != nil {
		s.logger.Warn("failed to parse initialize body", "error", err)
	}

	notifyResp, err := s.post(ctx, "notifications/initialized", nil, false)
	if err != nil {
		s.logger.Warn("failed to send initialized notification", "error", err)
	} else {
		notifyResp.Body.Close()
		if notifyResp.StatusCode != http.StatusOK && notifyResp.StatusCode != http.StatusAccepted {
			s.logger.Warn("unexpected status for initialized notification", "status", notifyResp.StatusCode)
		}
	}

	s.logger.Info("connected to MCP server", "session_id", sessionID)
	return nil
}

// ListTools queries tools/list.
func (s *HTTPSession) ListTools(ctx context.Context) ([]toolformat.MCPTool, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout(s.cfg, httpListToolsTimeout))
	defer cancel()

	result, err := s.call(ctx, "tools/list", map[string]any{}, false)
	if err != nil {
		return nil, err
	}

	var parsed listToolsResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("mcp http: parse tools/list result: %w", err)
	}
	tools := make([]toolformat.MCPTool, len(parsed.Tools))
	for i, w := range parsed.Tools {
		tools[i] = w.toTool()
	}
	return tools, nil
}

// CallTool invokes tools/call. Execution-Id is attached iff configured.
func (s *HTTPSession) CallTool(ctx context.Context, name string, arguments map[string]any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout(s.cfg, httpCallToolTimeout))
	defer cancel()

	if arguments == nil {
		arguments = map[string]any{}
	}
	result, err := s.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": arguments,
	}, true)
	if err != nil {
		return nil, err
	}

	var parsed callToolResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("mcp http: parse tools/call result: %w", err)
	}
	if parsed.IsError {
		message := firstTextContent(parsed.Content)
		if message == "" {
			message = "Tool execution failed"
		}
		return nil, &ToolCallError{Message: message}
	}
	return result, nil
}

// Close releases the session. HTTP sessions hold no persistent connection,
// so this only clears local state.
func (s *HTTPSession) Close() error {
	s.connected.Store(false)
	return nil
}

// Connected reports whether the transport believes itself live.
func (s *HTTPSession) Connected() bool {
	return s.connected.Load()
}

// call performs one request/response round trip and returns the decoded
// result, translating HTTP status codes into the appropriate error kind.
func (s *HTTPSession) call(ctx context.Context, method string, params any, withExecutionID bool) (json.RawMessage, error) {
	if !s.connected.Load() {
		return nil, ErrNotConnected
	}

	resp, err := s.post(ctx, method, params, withExecutionID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewTransportError(KindOperationTimeout, ctx.Err().Error())
		}
		return nil, NewTransportError(KindServerCrashed, err.Error())
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		envelope, err := decodeBody(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("mcp http: decode response: %w", err)
		}
		if envelope.Error != nil {
			return nil, fmt.Errorf("mcp http: %s", envelope.Error.Message)
		}
		return envelope.Result, nil
	case http.StatusAccepted:
		return json.RawMessage(`{}`), nil
	case http.StatusNotFound:
		s.mu.Lock()
		s.sessionID = ""
		s.mu.Unlock()
		s.connected.Store(false)
		return nil, NewTransportError(KindSessionExpired, "session_expired")
	default:
		return nil, statusError(resp)
	}
}

func (s *HTTPSession) post(ctx context.Context, method string, params any, withExecutionID bool) (*http.Response, error) {
	req := rpcRequest{JSONRPC: "2.0", ID: uuid.New().String(), Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if s.cfg.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.cfg.AuthToken)
	}

	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()
	if sessionID != "" {
		httpReq.Header.Set("Mcp-Session-Id", sessionID)
	}
	if withExecutionID && s.cfg.ExecutionID != "" {
		httpReq.Header.Set("Execution-Id", s.cfg.ExecutionID)
	}

	return s.client.Do(httpReq)
}

// rpcEnvelope is the decoded JSON-RPC response, whether it arrived as a
// plain JSON body or an SSE-framed one.
type rpcEnvelope struct {
	Result json.RawMessage
	Error  *rpcError
}

// decodeBody parses either a direct JSON body or an SSE-framed one (spec
// §4.4 "Response parsing"). A data: line that fails to parse, or SSE with
// no data line, yields an empty envelope.
func decodeBody(body io.Reader) (rpcEnvelope, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return rpcEnvelope{}, err
	}

	text := string(raw)
	if strings.HasPrefix(text, "event: ") {
		return decodeSSE(text), nil
	}

	var resp rpcResponse
	if len(strings.TrimSpace(text)) == 0 {
		return rpcEnvelope{}, nil
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return rpcEnvelope{}, err
	}
	return rpcEnvelope{Result: resp.Result, Error: resp.Error}, nil
}

func decodeSSE(text string) rpcEnvelope {
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		var resp rpcResponse
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			return rpcEnvelope{}
		}
		return rpcEnvelope{Result: resp.Result, Error: resp.Error}
	}
	return rpcEnvelope{}
}

// firstHeaderValue returns a header's value, accepting both a scalar value
// and the first element of a repeated header.
func firstHeaderValue(header http.Header, key string) string {
	values := header.Values(key)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("mcp http: status %d: %s", resp.StatusCode, string(body))
}
