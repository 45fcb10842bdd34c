// ABOUTME: Proxy manager owning the stdio sessions and their HTTP fronts
// ABOUTME: One proxy per stdio server, with port allocation and shutdown

package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-mcp/internal/mcplog"
	"github.com/2389/coven-mcp/internal/protocol"
)

// Proxy pairs one stdio session with its HTTP front.
type Proxy struct {
	ServerID string
	Session  *Session
	Front    *Front
	Log      *mcplog.Writer
}

// Manager owns every running stdio proxy. It allocates ports, starts the
// child plus front together, and tears them down together.
type Manager struct {
	logDir string
	ports  *PortAllocator
	logger *slog.Logger

	requestTimeout time.Duration
	stopGrace      time.Duration

	mu      sync.RWMutex
	proxies map[string]*Proxy
}

// ManagerOptions configures a proxy manager.
type ManagerOptions struct {
	LogDir         string
	PortMin        int
	PortMax        int
	RequestTimeout time.Duration
	StopGrace      time.Duration
}

// NewManager creates a proxy manager with the given port range and log dir.
func NewManager(opts ManagerOptions) *Manager {
	return &Manager{
		logDir:         opts.LogDir,
		ports:          NewPortAllocator(opts.PortMin, opts.PortMax),
		logger:         slog.Default().With("component", "proxy-manager"),
		requestTimeout: opts.RequestTimeout,
		stopGrace:      opts.StopGrace,
		proxies:        map[string]*Proxy{},
	}
}

// StartProxy spawns the child process, performs the MCP handshake, and
// exposes it on a freshly allocated localhost port. On any failure the
// partial pieces are torn down and the per-server log keeps the evidence.
func (m *Manager) StartProxy(ctx context.Context, serverID, command string, args []string, env map[string]string) (*Proxy, error) {
	m.mu.Lock()
	if existing, ok := m.proxies[serverID]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	logWriter, err := mcplog.Open(m.logDir, serverID)
	if err != nil {
		return nil, err
	}

	session, err := StartSession(ctx, SessionOptions{
		Command:        command,
		Args:           args,
		Env:            env,
		Log:            logWriter,
		RequestTimeout: m.requestTimeout,
		StopGrace:      m.stopGrace,
	})
	if err != nil {
		logWriter.Line("exec", fmt.Sprintf("spawn failed: %v", err))
		logWriter.Close()
		return nil, err
	}

	if _, err := session.Handshake(ctx); err != nil {
		logWriter.Line("exec", fmt.Sprintf("handshake failed: %v", err))
		session.Stop()
		logWriter.Close()
		return nil, fmt.Errorf("mcp handshake: %w", err)
	}

	port, err := m.ports.Allocate()
	if err != nil {
		session.Stop()
		logWriter.Close()
		return nil, err
	}

	front := NewFront(session, port)
	if err := front.Serve(); err != nil {
		m.ports.Release(port)
		session.Stop()
		logWriter.Close()
		return nil, err
	}

	p := &Proxy{
		ServerID: serverID,
		Session:  session,
		Front:    front,
		Log:      logWriter,
	}

	m.mu.Lock()
	m.proxies[serverID] = p
	m.mu.Unlock()

	m.logger.Info("proxy started",
		"server_id", serverID, "pid", session.PID(), "port", port)
	return p, nil
}

// Get returns the proxy for a server id, if one is running.
func (m *Manager) Get(serverID string) (*Proxy, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proxies[serverID]
	return p, ok
}

// Send forwards one request through a running proxy's session.
func (m *Manager) Send(ctx context.Context, serverID string, req *protocol.Request) (*protocol.Response, error) {
	p, ok := m.Get(serverID)
	if !ok {
		return nil, fmt.Errorf("no proxy running for server %s", serverID)
	}
	return p.Session.Send(ctx, req)
}

// StopProxy tears down the front, the child process, and the log writer.
func (m *Manager) StopProxy(ctx context.Context, serverID string) error {
	m.mu.Lock()
	p, ok := m.proxies[serverID]
	delete(m.proxies, serverID)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if err := p.Front.Shutdown(ctx); err != nil {
		m.logger.Warn("front shutdown failed", "server_id", serverID, "error", err)
	}
	m.ports.Release(p.Front.Port())

	if err := p.Session.Stop(); err != nil {
		m.logger.Warn("session stop failed", "server_id", serverID, "error", err)
	}
	p.Log.Line("exec", "proxy stopped")
	p.Log.Close()

	m.logger.Info("proxy stopped", "server_id", serverID)
	return nil
}

// ShutdownAll stops every running proxy.
func (m *Manager) ShutdownAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.proxies))
	for id := range m.proxies {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.StopProxy(ctx, id); err != nil {
			m.logger.Warn("shutdown failed", "server_id", id, "error", err)
		}
	}
}
