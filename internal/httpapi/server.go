// ABOUTME: HTTP admin API over the hub: server CRUD, lifecycle, approvals, executions.
// ABOUTME: Also serves the per-conversation SSE event stream consumed by chat clients.

package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/2389/coven-mcp/internal/approval"
	"github.com/2389/coven-mcp/internal/catalog"
	"github.com/2389/coven-mcp/internal/manager"
	"github.com/2389/coven-mcp/internal/orchestrator"
	"github.com/2389/coven-mcp/internal/registry"
	"github.com/2389/coven-mcp/internal/store"
	"github.com/2389/coven-mcp/internal/stream"
)

// userHeader identifies the acting user. The hub is local-first; absent the
// header everything belongs to the default local user.
const (
	userHeader  = "X-Coven-User"
	defaultUser = "local"
)

// API is the admin HTTP surface.
type API struct {
	store        store.Store
	manager      *manager.Manager
	catalog      *catalog.Catalog
	policy       *approval.Policy
	orchestrator *orchestrator.Orchestrator
	registry     *registry.Registry
	events       *stream.Broadcaster
	logger       *slog.Logger

	server *http.Server
}

// Options wires the API's collaborators.
type Options struct {
	Addr         string
	Store        store.Store
	Manager      *manager.Manager
	Catalog      *catalog.Catalog
	Policy       *approval.Policy
	Orchestrator *orchestrator.Orchestrator
	Registry     *registry.Registry
	Events       *stream.Broadcaster
}

// New creates the API server. It does not start listening.
func New(opts Options) *API {
	a := &API{
		store:        opts.Store,
		manager:      opts.Manager,
		catalog:      opts.Catalog,
		policy:       opts.Policy,
		orchestrator: opts.Orchestrator,
		registry:     opts.Registry,
		events:       opts.Events,
		logger:       slog.Default().With("component", "httpapi"),
	}
	a.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a
}

func (a *API) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", a.handleHealth)

	mux.HandleFunc("GET /api/servers", a.handleListServers)
	mux.HandleFunc("POST /api/servers", a.handleCreateServer)
	mux.HandleFunc("GET /api/servers/{id}", a.handleGetServer)
	mux.HandleFunc("PUT /api/servers/{id}", a.handleUpdateServer)
	mux.HandleFunc("DELETE /api/servers/{id}", a.handleDeleteServer)
	mux.HandleFunc("POST /api/servers/{id}/start", a.handleStartServer)
	mux.HandleFunc("POST /api/servers/{id}/stop", a.handleStopServer)
	mux.HandleFunc("POST /api/servers/{id}/restart", a.handleRestartServer)
	mux.HandleFunc("POST /api/servers/{id}/discover", a.handleDiscoverTools)
	mux.HandleFunc("GET /api/servers/{id}/tools", a.handleListServerTools)

	mux.HandleFunc("GET /api/approvals", a.handleListApprovals)
	mux.HandleFunc("POST /api/approvals", a.handleSetApproval)
	mux.HandleFunc("DELETE /api/approvals", a.handleDeleteApproval)
	mux.HandleFunc("POST /api/approvals/pending/{contentID}", a.handlePendingDecision)

	mux.HandleFunc("GET /api/executions", a.handleListExecutions)

	mux.HandleFunc("GET /api/conversations/{id}/events", a.handleConversationEvents)
	mux.HandleFunc("POST /api/conversations/{id}/turn", a.handleRunTurn)

	return mux
}

// Serve binds the listener and serves until Shutdown or a listener error.
// The bind happens synchronously so callers see port conflicts immediately.
func (a *API) Serve() error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", a.server.Addr, err)
	}
	a.logger.Info("admin api listening", "addr", ln.Addr().String())
	if err := a.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (a *API) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (a *API) Handler() http.Handler {
	return a.server.Handler
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"running_servers": a.registry.Len(),
	})
}

// handleConversationEvents streams a conversation's live events as SSE.
func (a *API) handleConversationEvents(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		a.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch, subID := a.events.Subscribe(r.Context(), conversationID)
	defer a.events.Unsubscribe(conversationID, subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\n", ev.Type)
			fmt.Fprintf(w, "data: %s\n\n", ev.Payload)
			flusher.Flush()
		}
	}
}

// handleRunTurn re-runs the tool-call gate for a conversation, typically
// after a pending decision was recorded. The response says whether the
// conversation may continue or is still blocked.
func (a *API) handleRunTurn(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	out, err := a.orchestrator.RunTurn(r.Context(), a.userID(r), conversationID)
	if err != nil {
		a.logger.Error("turn failed", "conversation_id", conversationID, "error", err)
		a.sendError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]bool{
		"continue": out.Continue,
		"blocked":  out.Blocked,
	})
}

func (a *API) userID(r *http.Request) string {
	if u := r.Header.Get(userHeader); u != "" {
		return u
	}
	return defaultUser
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("encoding response failed", "error", err)
	}
}

func (a *API) sendError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
