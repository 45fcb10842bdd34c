// ABOUTME: The serve command: wires the store, manager, orchestrator and admin API
// ABOUTME: Seeds system servers from config and reconciles state on startup and shutdown

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-mcp/internal/approval"
	"github.com/2389/coven-mcp/internal/catalog"
	"github.com/2389/coven-mcp/internal/config"
	"github.com/2389/coven-mcp/internal/executor"
	"github.com/2389/coven-mcp/internal/httpapi"
	"github.com/2389/coven-mcp/internal/manager"
	"github.com/2389/coven-mcp/internal/orchestrator"
	"github.com/2389/coven-mcp/internal/proxy"
	"github.com/2389/coven-mcp/internal/registry"
	"github.com/2389/coven-mcp/internal/store"
	"github.com/2389/coven-mcp/internal/stream"
	"github.com/2389/coven-mcp/internal/transport"
)

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Logs:     %s\n", cfg.MCP.LogDir)
	fmt.Println()

	logger.Info("starting coven-mcp",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"database", cfg.Database.Path,
	)

	for _, dir := range []string{filepath.Dir(cfg.Database.Path), cfg.MCP.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	reg := registry.New()
	proxies := proxy.NewManager(proxy.ManagerOptions{
		LogDir:         cfg.MCP.LogDir,
		PortMin:        cfg.MCP.ProxyPortMin,
		PortMax:        cfg.MCP.ProxyPortMax,
		RequestTimeout: cfg.MCP.RequestTimeout,
		StopGrace:      cfg.MCP.StopGracePeriod,
	})

	mgr := manager.New(manager.Options{
		Store:    st,
		Registry: reg,
		Proxies:  proxies,
		Transport: transport.Options{
			Proxies:          proxies,
			RequestTimeout:   cfg.MCP.RequestTimeout,
			HandshakeTimeout: cfg.MCP.HandshakeTimeout,
			ReconnectDelay:   cfg.MCP.SSEReconnectDelay,
		},
		LogDir: cfg.MCP.LogDir,
	})

	policy := approval.New(st)
	events := stream.NewBroadcaster(logger)
	defer events.Close()

	if err := seedSystemServers(ctx, st, cfg.MCP.SystemServersPath, logger); err != nil {
		return fmt.Errorf("seeding system servers: %w", err)
	}

	if _, err := policy.CleanExpired(ctx); err != nil {
		logger.Warn("cleaning expired approvals failed", "error", err)
	}
	if err := mgr.Reconcile(ctx); err != nil {
		logger.Warn("startup reconcile failed", "error", err)
	}

	api := httpapi.New(httpapi.Options{
		Addr:         cfg.Server.HTTPAddr,
		Store:        st,
		Manager:      mgr,
		Catalog:      catalog.New(st),
		Policy:       policy,
		Orchestrator: orchestrator.New(st, policy, reg, executor.New(st), events),
		Registry:     reg,
		Events:       events,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- api.Serve()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown failed", "error", err)
	}
	mgr.ShutdownAll(shutdownCtx)
	return nil
}

// runReconcile aligns persisted runtime state with actually-observed
// liveness without starting the hub. Useful after a crash left stale
// "running" rows behind.
func runReconcile(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	proxies := proxy.NewManager(proxy.ManagerOptions{
		LogDir:         cfg.MCP.LogDir,
		PortMin:        cfg.MCP.ProxyPortMin,
		PortMax:        cfg.MCP.ProxyPortMax,
		RequestTimeout: cfg.MCP.RequestTimeout,
		StopGrace:      cfg.MCP.StopGracePeriod,
	})
	mgr := manager.New(manager.Options{
		Store:    st,
		Registry: registry.New(),
		Proxies:  proxies,
		Transport: transport.Options{
			Proxies:          proxies,
			RequestTimeout:   cfg.MCP.RequestTimeout,
			HandshakeTimeout: cfg.MCP.HandshakeTimeout,
			ReconnectDelay:   cfg.MCP.SSEReconnectDelay,
		},
		LogDir: cfg.MCP.LogDir,
	})

	if err := mgr.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconciling: %w", err)
	}

	// Anything the reconcile auto-started belongs to this short-lived
	// process; shut it down again before exiting.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	mgr.ShutdownAll(shutdownCtx)

	fmt.Println("reconciled")
	return nil
}

// seedSystemServers upserts the TOML-declared system servers so they survive
// config edits across restarts. Missing file means no system servers.
func seedSystemServers(ctx context.Context, st store.Store, path string, logger *slog.Logger) error {
	declared, err := config.LoadSystemServers(path)
	if err != nil {
		return err
	}
	if len(declared) == 0 {
		return nil
	}

	existing, err := st.ListServers(ctx, store.ServerFilter{Owner: store.SystemOwner})
	if err != nil {
		return err
	}
	byName := make(map[string]*store.Server, len(existing))
	for _, s := range existing {
		byName[s.Name] = s
	}

	for _, d := range declared {
		srv := byName[d.Name]
		if srv == nil {
			srv = &store.Server{
				Owner:    store.SystemOwner,
				Name:     d.Name,
				IsSystem: true,
			}
		}
		srv.DisplayName = d.DisplayName
		srv.Description = d.Description
		srv.Transport = store.TransportKind(d.Transport)
		srv.Command = d.Command
		srv.Args = d.Args
		srv.Env = d.Env
		srv.URL = d.URL
		srv.Headers = d.Headers
		srv.Enabled = d.Enabled

		if srv.ID == "" {
			if err := st.CreateServer(ctx, srv); err != nil && !errors.Is(err, store.ErrDuplicateServer) {
				return fmt.Errorf("creating system server %s: %w", d.Name, err)
			}
			logger.Info("system server registered", "name", d.Name, "transport", d.Transport)
		} else {
			if err := st.UpdateServer(ctx, srv); err != nil {
				return fmt.Errorf("updating system server %s: %w", d.Name, err)
			}
		}
	}
	return nil
}
