// ABOUTME: Server lifecycle manager: start, stop, verify, reconcile, shutdown-all
// ABOUTME: All starts are serialized by a single global mutex to prevent duplicate spawns

package manager

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-mcp/internal/proxy"
	"github.com/2389/coven-mcp/internal/registry"
	"github.com/2389/coven-mcp/internal/store"
	"github.com/2389/coven-mcp/internal/transport"
)

// Outcome reports how a start request resolved.
type Outcome string

const (
	OutcomeStarted        Outcome = "started"
	OutcomeAlreadyRunning Outcome = "already_running"
)

// StartResult is the success shape of Start.
type StartResult struct {
	Outcome Outcome
	PID     *int
	Port    *int
	URL     string
}

// StartError wraps a start failure together with the per-server log path,
// which is computed deterministically even when nothing was spawned, so the
// caller can always point the user at it.
type StartError struct {
	Err     error
	LogPath string
}

func (e *StartError) Error() string {
	return fmt.Sprintf("starting server: %v (log: %s)", e.Err, e.LogPath)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// Manager orchestrates tool-server lifecycles across the store, the
// registry, and the stdio proxy subsystem.
type Manager struct {
	store    store.Store
	registry *registry.Registry
	proxies  *proxy.Manager
	topts    transport.Options
	logDir   string
	logger   *slog.Logger

	// startMu totally orders starts across all servers
	startMu sync.Mutex

	// injectable for tests
	newTransport func(*store.Server, transport.Options) (transport.Transport, error)
	markerProbe  func(pid int) bool
}

// Options configures a Manager.
type Options struct {
	Store     store.Store
	Registry  *registry.Registry
	Proxies   *proxy.Manager
	Transport transport.Options
	LogDir    string
}

// New creates a Manager.
func New(opts Options) *Manager {
	return &Manager{
		store:        opts.Store,
		registry:     opts.Registry,
		proxies:      opts.Proxies,
		topts:        opts.Transport,
		logDir:       opts.LogDir,
		logger:       slog.Default().With("component", "server-manager"),
		newTransport: transport.New,
		markerProbe:  probePIDMarker,
	}
}

// LogPath returns the deterministic per-server log file location.
func (m *Manager) LogPath(serverID string) string {
	return filepath.Join(m.logDir, serverID+".log")
}

// Start brings one server up. All starts system-wide are serialized by a
// single mutex. For stdio servers, a registry-independent liveness probe
// runs first so an already-running child is never re-spawned. On transport
// failure nothing is registered and the error carries the log path.
func (m *Manager) Start(ctx context.Context, serverID string) (*StartResult, error) {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	srv, err := m.store.GetServer(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("loading server: %w", err)
	}
	if !srv.Enabled {
		return nil, fmt.Errorf("server %s is disabled", srv.Name)
	}

	if srv.Transport == store.TransportStdio {
		if srv.ProcessID != nil && m.markerProbe(*srv.ProcessID) {
			m.logger.Info("server already running",
				"server_id", serverID, "pid", *srv.ProcessID)
			return &StartResult{
				Outcome: OutcomeAlreadyRunning,
				PID:     srv.ProcessID,
				Port:    srv.Port,
			}, nil
		}
	} else if h, ok := m.registry.Get(serverID); ok {
		if h.Transport.Healthy(ctx) {
			return &StartResult{
				Outcome: OutcomeAlreadyRunning,
				PID:     h.PID,
				Port:    h.Port,
				URL:     srv.URL,
			}, nil
		}
		// Stale handle, tear it down before restarting
		m.registry.Remove(serverID)
		h.Transport.Stop()
	}

	if err := m.store.UpdateServerRuntime(ctx, serverID, nil, nil, store.StatusStarting, false); err != nil {
		m.logger.Warn("persisting starting state failed", "server_id", serverID, "error", err)
	}

	tr, err := m.newTransport(srv, m.topts)
	if err != nil {
		m.persistFailed(ctx, serverID)
		return nil, &StartError{Err: err, LogPath: m.LogPath(serverID)}
	}

	info, err := tr.Start(ctx)
	if err != nil {
		m.persistFailed(ctx, serverID)
		return nil, &StartError{Err: err, LogPath: m.LogPath(serverID)}
	}

	handle := &registry.Handle{
		ServerID:  serverID,
		Kind:      srv.Transport,
		Transport: tr,
		PID:       info.PID,
		Port:      info.Port,
		LogPath:   m.LogPath(serverID),
		StartedAt: time.Now().UTC(),
	}
	if !m.registry.Register(handle) {
		// The global start mutex makes this unreachable in practice
		tr.Stop()
		existing, _ := m.registry.Get(serverID)
		return &StartResult{Outcome: OutcomeAlreadyRunning, PID: existing.PID, Port: existing.Port}, nil
	}

	if err := m.store.UpdateServerRuntime(ctx, serverID, info.PID, info.Port, store.StatusRunning, true); err != nil {
		m.logger.Warn("persisting running state failed", "server_id", serverID, "error", err)
	}
	if err := m.store.IncrementRestartCount(ctx, serverID); err != nil {
		m.logger.Warn("bumping restart count failed", "server_id", serverID, "error", err)
	}

	m.logger.Info("server started",
		"server_id", serverID, "transport", srv.Transport,
		"pid", info.PID, "port", info.Port)
	return &StartResult{Outcome: OutcomeStarted, PID: info.PID, Port: info.Port, URL: info.URL}, nil
}

func (m *Manager) persistFailed(ctx context.Context, serverID string) {
	if err := m.store.UpdateServerRuntime(ctx, serverID, nil, nil, store.StatusFailed, false); err != nil {
		m.logger.Warn("persisting failed state failed", "server_id", serverID, "error", err)
	}
}

// Stop brings one server down. The registry entry is removed first so
// concurrent health checks observe the transition before teardown begins.
// The stopped state is persisted even when teardown errors.
func (m *Manager) Stop(ctx context.Context, serverID string) error {
	handle, hadHandle := m.registry.Remove(serverID)

	var stopErr error
	if hadHandle {
		stopErr = handle.Transport.Stop()
	} else if _, ok := m.proxies.Get(serverID); ok {
		// A proxy can outlive its registry entry if registration raced a
		// crash; tear it down regardless.
		stopErr = m.proxies.StopProxy(ctx, serverID)
	}

	if err := m.store.UpdateServerRuntime(ctx, serverID, nil, nil, store.StatusStopped, false); err != nil {
		m.logger.Warn("persisting stopped state failed", "server_id", serverID, "error", err)
	}

	if stopErr != nil {
		return fmt.Errorf("stopping server: %w", stopErr)
	}
	m.logger.Info("server stopped", "server_id", serverID)
	return nil
}

// VerifyRunning reports whether a server is actually alive. For stdio
// servers this is an OS-level check that the pid exists and carries the
// marker environment variable; a dead or foreign process triggers registry
// and persisted cleanup as a side effect. For http/sse servers it is a
// protocol or connectivity probe.
func (m *Manager) VerifyRunning(ctx context.Context, srv *store.Server) bool {
	switch srv.Transport {
	case store.TransportStdio:
		if srv.ProcessID == nil {
			return false
		}
		if m.markerProbe(*srv.ProcessID) {
			return true
		}
		m.logger.Info("stdio server not alive, cleaning up",
			"server_id", srv.ID, "pid", *srv.ProcessID)
		m.cleanupDead(ctx, srv.ID)
		return false

	case store.TransportHTTP, store.TransportSSE:
		if h, ok := m.registry.Get(srv.ID); ok {
			return h.Transport.Healthy(ctx)
		}
		return probeEndpoint(ctx, srv.URL)

	default:
		return false
	}
}

func (m *Manager) cleanupDead(ctx context.Context, serverID string) {
	if h, ok := m.registry.Remove(serverID); ok {
		h.Transport.Stop()
	}
	if err := m.store.UpdateServerRuntime(ctx, serverID, nil, nil, store.StatusStopped, false); err != nil {
		m.logger.Warn("persisting cleanup failed", "server_id", serverID, "error", err)
	}
}

// Reconcile aligns persisted state with observed liveness. It runs once at
// startup: every enabled server is re-verified, and every enabled system
// server is started best-effort.
func (m *Manager) Reconcile(ctx context.Context) error {
	servers, err := m.store.ListServers(ctx, store.ServerFilter{EnabledOnly: true})
	if err != nil {
		return fmt.Errorf("listing servers: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			alive := m.VerifyRunning(gctx, srv)
			// A crash mid-start leaves status "starting" with is_active
			// still false, so the status is checked too.
			if !alive && (srv.IsActive || srv.Status != store.StatusStopped) {
				// cleanupDead is idempotent, so it does not matter whether
				// VerifyRunning already ran it for a dead stdio process.
				m.cleanupDead(gctx, srv.ID)
				m.logger.Info("corrected stale running state",
					"server_id", srv.ID, "status", srv.Status)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, srv := range servers {
		if !srv.IsSystem {
			continue
		}
		if h, ok := m.registry.Get(srv.ID); ok && h.Transport.Healthy(ctx) {
			continue
		}
		if _, err := m.Start(ctx, srv.ID); err != nil {
			m.logger.Warn("auto-starting system server failed",
				"server_id", srv.ID, "name", srv.Name, "error", err)
		}
	}
	return nil
}

// ShutdownAll stops every registered server and then instructs the proxy
// subsystem to shut down anything it still owns.
func (m *Manager) ShutdownAll(ctx context.Context) {
	for _, h := range m.registry.Snapshot() {
		m.logger.Info("shutting down server",
			"server_id", h.ServerID, "transport", h.Kind, "pid", h.PID)
		m.registry.Remove(h.ServerID)
		if err := h.Transport.Stop(); err != nil {
			m.logger.Warn("stop failed during shutdown", "server_id", h.ServerID, "error", err)
		}
		if err := m.store.UpdateServerRuntime(ctx, h.ServerID, nil, nil, store.StatusStopped, false); err != nil {
			m.logger.Warn("persisting stopped state failed", "server_id", h.ServerID, "error", err)
		}
	}

	m.proxies.ShutdownAll(ctx)
}

// probeEndpoint is a plain connectivity check for remote servers that have
// no handle in this process.
func probeEndpoint(ctx context.Context, url string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
