package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/strandhq/agent/toolformat"
)

// StdioSession is an MCP session actor wrapping one spawned child process,
// framed as newline-delimited JSON-RPC 2.0.
type StdioSession struct {
	cfg    ServerConfig
	logger *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr io.ReadCloser

	lines    chan string
	stopChan chan struct{}
	wg       sync.WaitGroup

	// callMu serializes request/response exchanges: the actor has one
	// mailbox, so only one call is ever in flight on the wire at a time.
	callMu sync.Mutex

	connected atomic.Bool
	sessionID string
}

// NewStdioSession constructs a stdio transport for cfg. Connect must be
// called before use.
func NewStdioSession(cfg ServerConfig) *StdioSession {
	return &StdioSession{
		cfg:      cfg,
		logger:   slog.Default().With("component", "mcp.stdio", "command", cfg.Command),
		lines:    make(chan string, 64),
		stopChan: make(chan struct{}),
	}
}

// Connect spawns the child process and performs the initialize handshake.
func (s *StdioSession) Connect(ctx context.Context) error {
	if s.cfg.Command == "" {
		return fmt.Errorf("mcp stdio: command is required")
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout(s.cfg, stdioConnectTimeout))
	defer cancel()

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range s.cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("mcp stdio: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("mcp stdio: stdout pipe: %w", err)
	}
	stderr, _ := cmd.StderrPipe()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("mcp stdio: start process: %w", err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.stderr = stderr
	s.connected.Store(true)

	s.wg.Add(1)
	go s.readLoop(stdout)
	if stderr != nil {
		s.wg.Add(1)
		go s.logStderr()
	}

	result, err := s.call(ctx, "initialize", map[string]any{
		"protocolVersion": stdioProtocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
	}, stdioConnectTimeout)
	if err != nil {
		_ = s.Close()
		return fmt.Errorf("mcp stdio: initialize: %w", err)
	}

	var initResult struct {
		SessionID string `json:"sessionId"`
	}
	_ = json.Unmarshal(result, &initResult)

	if err := s.notify("notifications/initialized", nil); err != nil {
		s.logger.Warn("failed to send initialized notification", "error", err)
	}
	time.Sleep(100 * time.Millisecond)

	if initResult.SessionID != "" {
		s.sessionID = initResult.SessionID
	} else {
		s.sessionID = uuid.New().String()
	}

	s.logger.Info("connected to MCP server", "session_id", s.sessionID)
	return nil
}

// ListTools queries tools/list.
func (s *StdioSession) ListTools(ctx context.Context) ([]toolformat.MCPTool, error) {
	result, err := s.call(ctx, "tools/list", map[string]any{}, callTimeout(s.cfg, stdioListToolsTimeout))
	if err != nil {
		return nil, err
	}

	var parsed listToolsResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("mcp stdio: parse tools/list result: %w", err)
	}

	tools := make([]toolformat.MCPTool, len(parsed.Tools))
	for i, w := range parsed.Tools {
		tools[i] = w.toTool()
	}
	return tools, nil
}

// CallTool invokes tools/call.
func (s *StdioSession) CallTool(ctx context.Context, name string, arguments map[string]any) (json.RawMessage, error) {
	if arguments == nil {
		arguments = map[string]any{}
	}
	result, err := s.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": arguments,
	}, callTimeout(s.cfg, stdioCallToolTimeout))
	if err != nil {
		return nil, err
	}

	var parsed callToolResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("mcp stdio: parse tools/call result: %w", err)
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

// Close stops the child process and releases the transport. It is safe to
// call more than once and safe to call after an abrupt child exit.
func (s *StdioSession) Close() error {
	wasConnected := s.connected.CompareAndSwap(true, false)

	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if wasConnected && s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	s.wg.Wait()
	return nil
}

// Connected reports whether the transport believes itself live.
func (s *StdioSession) Connected() bool {
	return s.connected.Load()
}

// call serializes one request/response exchange: write one line, then
// block reading until a parseable JSON object arrives or the deadline
// elapses.
func (s *StdioSession) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	s.callMu.Lock()
	defer s.callMu.Unlock()

	if !s.connected.Load() && method != "initialize" {
		return nil, ErrNotConnected
	}

	id := uuid.New().String()
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("mcp stdio: marshal params: %w", err)
	}
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: paramsJSON}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("mcp stdio: marshal request: %w", err)
	}
	if _, err := s.stdin.Write(append(data, '\n')); err != nil {
		return nil, NewTransportError(KindServerCrashed, fmt.Sprintf("write request: %v", err))
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case line, ok := <-s.lines:
			if !ok {
				return nil, NewTransportError(KindServerCrashed, "stdout closed")
			}
			trimmed := strings.TrimSpace(line)
			if !strings.HasPrefix(trimmed, "{") {
				// Server log output, not a protocol frame; discard.
				continue
			}
			var resp rpcResponse
			if err := json.Unmarshal([]byte(trimmed), &resp); err != nil {
				return nil, NewTransportError(KindServerCrashed, "invalid_json")
			}
			if resp.Error != nil {
				return nil, fmt.Errorf("mcp stdio: %s", resp.Error.Message)
			}
			return resp.Result, nil
		case <-ctx.Done():
			return nil, NewTransportError(KindOperationTimeout, ctx.Err().Error())
		case <-deadline.C:
			return nil, NewTransportError(KindOperationTimeout, fmt.Sprintf("operation_timeout after %v", timeout))
		case <-s.stopChan:
			return nil, NewTransportError(KindServerCrashed, "transport closed")
		}
	}
}

func (s *StdioSession) notify(method string, params any) error {
	notif := rpcNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return err
		}
		notif.Params = paramsJSON
	}
	data, err := json.Marshal(notif)
	if err != nil {
		return err
	}
	_, err = s.stdin.Write(append(data, '\n'))
	return err
}

// readLoop scans stdout line by line with a buffer large enough for
// oversized tool results and forwards every non-empty line to s.lines.
func (s *StdioSession) readLoop(stdout io.Reader) {
	defer s.wg.Done()
	defer s.connected.Store(false)
	defer close(s.lines)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 8*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		select {
		case s.lines <- line:
		case <-s.stopChan:
			return
		}
	}
}

func (s *StdioSession) logStderr() {
	defer s.wg.Done()
	scanner := bufio.NewScanner(s.stderr)
	for scanner.Scan() {
		select {
		case <-s.stopChan:
			return
		default:
		}
		if line := scanner.Text(); line != "" {
			s.logger.Debug("server stderr", "message", line)
		}
	}
}
