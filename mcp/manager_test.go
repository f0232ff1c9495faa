package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/strandhq/agent/toolformat"
)

// fakeTransport is an in-memory Transport double for exercising Manager
// routing and recovery logic without spawning real processes or servers.
type fakeTransport struct {
	mu sync.Mutex

	connectErr error
	listErr    error
	tools      []toolformat.MCPTool

	callResults map[string]json.RawMessage
	callErr     error
	callCount   int

	closed bool
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	return f.connectErr
}

func (f *fakeTransport) ListTools(ctx context.Context) ([]toolformat.MCPTool, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tools, nil
}

func (f *fakeTransport) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	f.mu.Lock()
	f.callCount++
	f.mu.Unlock()

	if f.callErr != nil {
		return nil, f.callErr
	}
	if result, ok := f.callResults[name]; ok {
		return result, nil
	}
	return nil, NewTransportError(KindToolNotFound, "tool_not_found")
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func TestManagerCallTool_NotFoundWithNoSessions(t *testing.T) {
	m := NewManager(time.Hour, slog.Default())

	_, err := m.CallTool(context.Background(), "search", nil)
	if err == nil {
		t.Fatal("expected error for unknown tool")
	}
	want := "Tool not found: search"
	if err.Error() != want {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}
}

// injectSession bypasses AddServer to directly install a session record
// backed by a fakeTransport, for precise control in tests.
func injectSession(m *Manager, id string, ft *fakeTransport, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[id]; !exists {
		m.order = append(m.order, id)
	}
	m.sessions[id] = &session{
		id:        id,
		transport: ft,
		status:    status,
		tools:     ft.tools,
	}
}

func TestManagerCallTool_RoutesToAdvertisingSession(t *testing.T) {
	m := NewManager(time.Hour, slog.Default())
	ft := &fakeTransport{
		tools:       []toolformat.MCPTool{{Name: "search"}},
		callResults: map[string]json.RawMessage{"search": json.RawMessage(`{"ok":true}`)},
	}
	injectSession(m, "srv1", ft, StatusConnected)

	result, err := m.CallTool(context.Background(), "search", map[string]any{"q": "go"})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Errorf("result = %s", result)
	}
}

func TestManagerCallTool_SkipsDisconnectedSessions(t *testing.T) {
	m := NewManager(time.Hour, slog.Default())
	ft := &fakeTransport{tools: []toolformat.MCPTool{{Name: "search"}}}
	injectSession(m, "srv1", ft, StatusDisconnected)

	_, err := m.CallTool(context.Background(), "search", nil)
	if err == nil || err.Error() != "Tool not found: search" {
		t.Fatalf("expected tool-not-found for disconnected session, got %v", err)
	}
}

func TestManagerCallTool_OperationTimeoutStopsIteration(t *testing.T) {
	m := NewManager(time.Hour, slog.Default())
	ft1 := &fakeTransport{
		tools:   []toolformat.MCPTool{{Name: "search"}},
		callErr: NewTransportError(KindOperationTimeout, "operation_timeout"),
	}
	ft2 := &fakeTransport{
		tools:       []toolformat.MCPTool{{Name: "search"}},
		callResults: map[string]json.RawMessage{"search": json.RawMessage(`{}`)},
	}
	injectSession(m, "srv1", ft1, StatusConnected)
	injectSession(m, "srv2", ft2, StatusConnected)

	_, err := m.CallTool(context.Background(), "search", nil)
	if err == nil {
		t.Fatal("expected operation_timeout error to surface")
	}
	if ft2.callCount != 0 {
		t.Errorf("expected second session to never be tried, callCount = %d", ft2.callCount)
	}
	// session stays connected per spec.
	m.mu.Lock()
	status := m.sessions["srv1"].status
	m.mu.Unlock()
	if status != StatusConnected {
		t.Errorf("status = %v, want connected", status)
	}
}

func TestManagerCallTool_ToolCallErrorStopsIteration(t *testing.T) {
	m := NewManager(time.Hour, slog.Default())
	ft1 := &fakeTransport{
		tools:   []toolformat.MCPTool{{Name: "search"}},
		callErr: &ToolCallError{Message: "bad input"},
	}
	injectSession(m, "srv1", ft1, StatusConnected)

	_, err := m.CallTool(context.Background(), "search", nil)
	if err == nil {
		t.Fatal("expected tool call error to surface")
	}
	if err.Error() != "bad input" {
		t.Errorf("error = %q", err.Error())
	}
}

func TestManagerListSessionsAndGetAllTools(t *testing.T) {
	m := NewManager(time.Hour, slog.Default())
	ft1 := &fakeTransport{tools: []toolformat.MCPTool{{Name: "a"}}}
	ft2 := &fakeTransport{tools: []toolformat.MCPTool{{Name: "b"}}}
	injectSession(m, "srv1", ft1, StatusConnected)
	injectSession(m, "srv2", ft2, StatusDisconnected)

	infos := m.ListSessions()
	if len(infos) != 2 {
		t.Fatalf("len(infos) = %d, want 2", len(infos))
	}
	if infos[0].ID != "srv1" || infos[1].ID != "srv2" {
		t.Errorf("unexpected insertion order: %+v", infos)
	}

	tools := m.GetAllTools()
	if len(tools) != 1 || tools[0].Function.Name != "a" {
		t.Errorf("GetAllTools() should only include connected sessions, got %+v", tools)
	}
}

func TestManagerHealthCheck_MarksFailingSessionDisconnected(t *testing.T) {
	m := NewManager(time.Hour, slog.Default())
	ft := &fakeTransport{listErr: NewTransportError(KindServerCrashed, "boom")}
	injectSession(m, "srv1", ft, StatusConnected)

	m.HealthCheck(context.Background())

	m.mu.Lock()
	status := m.sessions["srv1"].status
	m.mu.Unlock()
	if status != StatusDisconnected {
		t.Errorf("status = %v, want disconnected", status)
	}
}

func TestManagerHealthCheck_RefreshesToolsOnSuccess(t *testing.T) {
	m := NewManager(time.Hour, slog.Default())
	ft := &fakeTransport{tools: []toolformat.MCPTool{{Name: "a"}, {Name: "b"}}}
	injectSession(m, "srv1", ft, StatusConnected)

	m.HealthCheck(context.Background())

	m.mu.Lock()
	count := len(m.sessions["srv1"].tools)
	lastCheck := m.sessions["srv1"].lastHealthCheck
	m.mu.Unlock()
	if count != 2 {
		t.Errorf("tool count = %d, want 2", count)
	}
	if lastCheck.IsZero() {
		t.Error("lastHealthCheck was not updated")
	}
}

func TestManagerRemoveServer_ClosesTransport(t *testing.T) {
	m := NewManager(time.Hour, slog.Default())
	ft := &fakeTransport{}
	injectSession(m, "srv1", ft, StatusConnected)

	if err := m.RemoveServer("srv1"); err != nil {
		t.Fatalf("RemoveServer() error = %v", err)
	}
	if !ft.closed {
		t.Error("expected transport to be closed")
	}
	if len(m.ListSessions()) != 0 {
		t.Error("expected session to be removed")
	}
}

// TestManagerCallTool_ServerCrashedReconnectsAndRetries exercises crash
// recovery end-to-end over a real stdio transport: the server sends a
// malformed JSON frame on the first tools/call (server_crashed), the manager
// reconnects a fresh process, and the retried call succeeds transparently.
func TestManagerCallTool_ServerCrashedReconnectsAndRetries(t *testing.T) {
	marker := t.TempDir() + "/crashed-once"
	script := `
while IFS= read -r line; do
  case "$line" in
    *'"method":"initialize"'*)
      echo '{"jsonrpc":"2.0","id":"1","result":{"sessionId":"srv-session-1"}}'
      ;;
    *'"method":"tools/list"'*)
      echo '{"jsonrpc":"2.0","id":"2","result":{"tools":[{"name":"search","inputSchema":{"type":"object"}}]}}'
      ;;
    *'"method":"tools/call"'*)
      if [ -f "` + marker + `" ]; then
        echo '{"jsonrpc":"2.0","id":"3","result":{"content":[{"type":"text","text":"recovered"}]}}'
      else
        touch "` + marker + `"
        echo '{not valid json'
      fi
      ;;
  esac
done
`
	cfg := ServerConfig{Command: "sh", Args: []string{"-c", script}, Timeout: 5 * time.Second}

	m := NewManager(time.Hour, slog.Default())
	id, err := m.AddServer(context.Background(), cfg)
	if err != nil {
		t.Fatalf("AddServer() error = %v", err)
	}

	result, err := m.CallTool(context.Background(), "search", map[string]any{"q": "go"})
	if err != nil {
		t.Fatalf("CallTool() error = %v, want transparent recovery", err)
	}
	if string(result) != `{"content":[{"type":"text","text":"recovered"}]}` {
		t.Errorf("result = %s", result)
	}

	m.mu.Lock()
	status := m.sessions[id].status
	m.mu.Unlock()
	if status != StatusConnected {
		t.Errorf("status = %v, want connected after successful recovery", status)
	}
}

func TestManagerStop_ClosesAllTransports(t *testing.T) {
	m := NewManager(time.Hour, slog.Default())
	ft1 := &fakeTransport{}
	ft2 := &fakeTransport{}
	injectSession(m, "srv1", ft1, StatusConnected)
	injectSession(m, "srv2", ft2, StatusConnected)

	m.Start()
	m.Stop()

	if !ft1.closed || !ft2.closed {
		t.Error("expected all transports closed on Stop")
	}
}
