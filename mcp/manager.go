package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/strandhq/agent/toolformat"
)

// DefaultHealthInterval is the default health-check cadence.
const DefaultHealthInterval = 5 * time.Minute

// session is the manager's internal record for one MCP server connection.
type session struct {
	id              string
	cfg             ServerConfig
	transport       Transport
	status          Status
	tools           []toolformat.MCPTool
	lastHealthCheck time.Time
}

// Manager is the concurrent registry of MCP sessions: it aggregates tools,
// routes calls, and reconnects unhealthy sessions. Access to the session
// table is guarded by mu, which is released around every transport call:
// transport actors remain independent and may block on I/O without blocking
// the manager, and concurrent CallTool or HealthCheck invocations run side
// by side.
type Manager struct {
	mu             sync.Mutex
	sessions       map[string]*session
	order          []string // insertion order, for deterministic routing iteration
	healthInterval time.Duration
	logger         *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a session manager. A zero or negative healthInterval
// uses DefaultHealthInterval.
func NewManager(healthInterval time.Duration, logger *slog.Logger) *Manager {
	if healthInterval <= 0 {
		healthInterval = DefaultHealthInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions:       make(map[string]*session),
		healthInterval: healthInterval,
		logger:         logger.With("component", "mcp.manager"),
		stopCh:         make(chan struct{}),
	}
}

// Start launches the self-scheduled health-check timer.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.healthLoop()
}

// Stop halts the health-check timer and closes every session's transport.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		_ = s.transport.Close()
	}
}

// AddServer derives cfg's id, connects a fresh transport, and queries its
// tools. If the tool query fails the session is still kept, with empty
// tools refreshed at the next health check.
func (m *Manager) AddServer(ctx context.Context, cfg ServerConfig) (string, error) {
	id := DeriveID(cfg)
	transport := NewTransport(cfg)

	if err := transport.Connect(ctx); err != nil {
		return "", fmt.Errorf("mcp: connect server %s: %w", id, err)
	}

	tools, err := transport.ListTools(ctx)
	if err != nil {
		m.logger.Warn("initial tool query failed, keeping session with empty tools", "server", id, "error", err)
		tools = nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[id]; !exists {
		m.order = append(m.order, id)
	}
	m.sessions[id] = &session{
		id:              id,
		cfg:             cfg,
		transport:       transport,
		status:          StatusConnected,
		tools:           tools,
		lastHealthCheck: time.Now(),
	}
	return id, nil
}

// RemoveServer stops the transport actor and drops the record.
func (m *Manager) RemoveServer(id string) error {
	m.mu.Lock()
	s, exists := m.sessions[id]
	if exists {
		delete(m.sessions, id)
		for i, sid := range m.order {
			if sid == id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()

	if !exists {
		return nil
	}
	return s.transport.Close()
}

// ListSessions returns a summary per session: id, status, tool count, last
// health check.
func (m *Manager) ListSessions() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SessionInfo, 0, len(m.order))
	for _, id := range m.order {
		s := m.sessions[id]
		out = append(out, SessionInfo{
			ID:              s.id,
			Status:          s.status,
			ToolCount:       len(s.tools),
			LastHealthCheck: s.lastHealthCheck,
		})
	}
	return out
}

// GetAllTools aggregates tools from all connected sessions, converted to
// external (OpenAI function) form.
func (m *Manager) GetAllTools() []openai.Tool {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []openai.Tool
	for _, id := range m.order {
		s := m.sessions[id]
		if s.status != StatusConnected {
			continue
		}
		out = append(out, toolformat.ToExternalAll(s.tools)...)
	}
	return out
}

// ListRawTools aggregates MCP-form tools from connected sessions, for the
// chat loop's routing table build.
func (m *Manager) ListRawTools() []toolformat.MCPTool {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []toolformat.MCPTool
	for _, id := range m.order {
		s := m.sessions[id]
		if s.status != StatusConnected {
			continue
		}
		out = append(out, s.tools...)
	}
	return out
}

// CallTool routes name to each connected session that advertises it, in
// insertion order, recovering from a crashed server and retrying once
// before moving on to the next candidate.
func (m *Manager) CallTool(ctx context.Context, name string, args map[string]any) ([]byte, error) {
	candidates := m.sessionsAdvertising(name)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("Tool not found: %s", name)
	}

	for _, id := range candidates {
		m.mu.Lock()
		s, exists := m.sessions[id]
		m.mu.Unlock()
		if !exists {
			continue
		}

		result, err := s.transport.CallTool(ctx, name, args)
		if err == nil {
			return result, nil
		}

		kind, isTransport := KindOf(err)
		if !isTransport {
			// ToolCallError or any other non-transport error: stop iterating.
			return nil, err
		}

		switch kind {
		case KindToolNotFound:
			continue
		case KindServerCrashed:
			result, recovered := m.recoverAndRetry(ctx, s, name, args)
			if recovered {
				return result, nil
			}
			continue
		case KindOperationTimeout:
			return nil, err
		default:
			return nil, err
		}
	}

	return nil, fmt.Errorf("Tool not found: %s", name)
}

// recoverAndRetry marks s disconnected, attempts one reconnect on a fresh
// transport, and retries the call exactly once on success.
func (m *Manager) recoverAndRetry(ctx context.Context, s *session, name string, args map[string]any) ([]byte, bool) {
	m.mu.Lock()
	s.status = StatusDisconnected
	m.mu.Unlock()

	fresh := NewTransport(s.cfg)
	if err := fresh.Connect(ctx); err != nil {
		m.logger.Warn("reconnect failed after server_crashed", "server", s.id, "error", err)
		return nil, false
	}

	result, err := fresh.CallTool(ctx, name, args)

	m.mu.Lock()
	stale := s.transport
	s.transport = fresh
	if err == nil {
		s.status = StatusConnected
	}
	m.mu.Unlock()
	_ = stale.Close()

	if err != nil {
		return nil, false
	}
	return result, true
}

// sessionsAdvertising returns the ids of connected sessions that advertise
// name, in insertion order.
func (m *Manager) sessionsAdvertising(name string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for _, id := range m.order {
		s := m.sessions[id]
		if s.status != StatusConnected {
			continue
		}
		for _, t := range s.tools {
			if t.Name == name {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

// HealthCheck runs one immediate synchronous sweep over every session:
// connected sessions get their tool list refreshed, disconnected sessions
// get one reconnect attempt.
func (m *Manager) HealthCheck(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	m.mu.Unlock()

	for _, id := range ids {
		m.mu.Lock()
		s, exists := m.sessions[id]
		m.mu.Unlock()
		if !exists {
			continue
		}

		if s.status == StatusConnected {
			tools, err := s.transport.ListTools(ctx)
			m.mu.Lock()
			if err != nil {
				s.status = StatusDisconnected
				m.logger.Warn("health check failed, marking disconnected", "server", id, "error", err)
			} else {
				s.tools = tools
				s.lastHealthCheck = time.Now()
			}
			m.mu.Unlock()
			continue
		}

		// Disconnected: attempt a reconnect.
		fresh := NewTransport(s.cfg)
		if err := fresh.Connect(ctx); err != nil {
			continue
		}
		tools, _ := fresh.ListTools(ctx)

		m.mu.Lock()
		stale := s.transport
		s.transport = fresh
		s.status = StatusConnected
		s.tools = tools
		s.lastHealthCheck = time.Now()
		m.mu.Unlock()
		_ = stale.Close()
	}
}

func (m *Manager) healthLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.HealthCheck(context.Background())
		}
	}
}
