// ABOUTME: Server descriptor CRUD and lifecycle endpoints
// ABOUTME: Start/stop/restart delegate to the server manager; discover to the catalog

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/2389/coven-mcp/internal/manager"
	"github.com/2389/coven-mcp/internal/store"
)

// ServerRequest is the JSON body for creating or updating a server.
type ServerRequest struct {
	Name        string            `json:"name"`
	DisplayName string            `json:"display_name,omitempty"`
	Description string            `json:"description,omitempty"`
	Transport   string            `json:"transport"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	URL         string            `json:"url,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"`
}

// ServerResponse is the JSON shape of one server.
type ServerResponse struct {
	ID          string    `json:"id"`
	Owner       string    `json:"owner"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name,omitempty"`
	Description string    `json:"description,omitempty"`
	Transport   string    `json:"transport"`
	Command     string    `json:"command,omitempty"`
	Args        []string  `json:"args,omitempty"`
	URL         string    `json:"url,omitempty"`
	Enabled     bool      `json:"enabled"`
	IsSystem    bool      `json:"is_system"`
	Status      string    `json:"status"`
	IsActive    bool      `json:"is_active"`
	ProcessID   *int      `json:"process_id,omitempty"`
	Port        *int      `json:"port,omitempty"`
	ToolCount   int       `json:"tool_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// StartResponse is the JSON response of the start and restart endpoints.
type StartResponse struct {
	Outcome string `json:"outcome"`
	PID     *int   `json:"pid,omitempty"`
	Port    *int   `json:"port,omitempty"`
	URL     string `json:"url,omitempty"`
}

// ToolResponse is the JSON shape of one cached tool.
type ToolResponse struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
	UsageCount  int             `json:"usage_count"`
}

func serverResponse(s *store.Server) ServerResponse {
	return ServerResponse{
		ID:          s.ID,
		Owner:       s.Owner,
		Name:        s.Name,
		DisplayName: s.DisplayName,
		Description: s.Description,
		Transport:   string(s.Transport),
		Command:     s.Command,
		Args:        s.Args,
		URL:         s.URL,
		Enabled:     s.Enabled,
		IsSystem:    s.IsSystem,
		Status:      s.Status,
		IsActive:    s.IsActive,
		ProcessID:   s.ProcessID,
		Port:        s.Port,
		ToolCount:   s.ToolCount,
		CreatedAt:   s.CreatedAt,
	}
}

func (a *API) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := a.store.ListServers(r.Context(), store.ServerFilter{
		Owner:         a.userID(r),
		IncludeSystem: true,
	})
	if err != nil {
		a.logger.Error("listing servers failed", "error", err)
		a.sendError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]ServerResponse, 0, len(servers))
	for _, s := range servers {
		out = append(out, serverResponse(s))
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *API) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var req ServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.sendError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		a.sendError(w, http.StatusBadRequest, "name is required")
		return
	}

	srv := &store.Server{
		Owner:       a.userID(r),
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Description: req.Description,
		Transport:   store.TransportKind(req.Transport),
		Command:     req.Command,
		Args:        req.Args,
		Env:         req.Env,
		URL:         req.URL,
		Headers:     req.Headers,
		Enabled:     req.Enabled == nil || *req.Enabled,
	}
	if err := validateDescriptor(srv); err != nil {
		a.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	err := a.store.CreateServer(r.Context(), srv)
	if errors.Is(err, store.ErrDuplicateServer) {
		a.sendError(w, http.StatusConflict, "a server with that name already exists")
		return
	}
	if err != nil {
		a.logger.Error("creating server failed", "error", err)
		a.sendError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	a.writeJSON(w, http.StatusCreated, serverResponse(srv))
}

func (a *API) handleGetServer(w http.ResponseWriter, r *http.Request) {
	srv, ok := a.loadOwnedServer(w, r)
	if !ok {
		return
	}
	a.writeJSON(w, http.StatusOK, serverResponse(srv))
}

func (a *API) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	srv, ok := a.loadOwnedServer(w, r)
	if !ok {
		return
	}

	var req ServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.sendError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Name != "" {
		srv.Name = req.Name
	}
	if req.DisplayName != "" {
		srv.DisplayName = req.DisplayName
	}
	if req.Description != "" {
		srv.Description = req.Description
	}
	if req.Transport != "" {
		srv.Transport = store.TransportKind(req.Transport)
	}
	if req.Command != "" {
		srv.Command = req.Command
	}
	if req.Args != nil {
		srv.Args = req.Args
	}
	if req.Env != nil {
		srv.Env = req.Env
	}
	if req.URL != "" {
		srv.URL = req.URL
	}
	if req.Headers != nil {
		srv.Headers = req.Headers
	}
	if req.Enabled != nil {
		srv.Enabled = *req.Enabled
	}
	if err := validateDescriptor(srv); err != nil {
		a.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.store.UpdateServer(r.Context(), srv); err != nil {
		a.logger.Error("updating server failed", "server_id", srv.ID, "error", err)
		a.sendError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	a.writeJSON(w, http.StatusOK, serverResponse(srv))
}

func (a *API) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	srv, ok := a.loadOwnedServer(w, r)
	if !ok {
		return
	}

	// Best effort: a running server should not outlive its descriptor.
	if _, registered := a.registry.Get(srv.ID); registered {
		if err := a.manager.Stop(r.Context(), srv.ID); err != nil {
			a.logger.Warn("stopping server before delete failed", "server_id", srv.ID, "error", err)
		}
	}

	if err := a.store.DeleteServer(r.Context(), srv.ID); err != nil {
		a.logger.Error("deleting server failed", "server_id", srv.ID, "error", err)
		a.sendError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleStartServer(w http.ResponseWriter, r *http.Request) {
	srv, ok := a.loadOwnedServer(w, r)
	if !ok {
		return
	}

	res, err := a.manager.Start(r.Context(), srv.ID)
	if err != nil {
		var startErr *manager.StartError
		if errors.As(err, &startErr) {
			a.writeJSON(w, http.StatusBadGateway, map[string]string{
				"error":    startErr.Err.Error(),
				"log_path": startErr.LogPath,
			})
			return
		}
		a.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, StartResponse{
		Outcome: string(res.Outcome),
		PID:     res.PID,
		Port:    res.Port,
		URL:     res.URL,
	})
}

func (a *API) handleStopServer(w http.ResponseWriter, r *http.Request) {
	srv, ok := a.loadOwnedServer(w, r)
	if !ok {
		return
	}
	if err := a.manager.Stop(r.Context(), srv.ID); err != nil {
		a.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (a *API) handleRestartServer(w http.ResponseWriter, r *http.Request) {
	srv, ok := a.loadOwnedServer(w, r)
	if !ok {
		return
	}
	if err := a.manager.Stop(r.Context(), srv.ID); err != nil {
		a.logger.Warn("stop during restart failed", "server_id", srv.ID, "error", err)
	}

	res, err := a.manager.Start(r.Context(), srv.ID)
	if err != nil {
		var startErr *manager.StartError
		if errors.As(err, &startErr) {
			a.writeJSON(w, http.StatusBadGateway, map[string]string{
				"error":    startErr.Err.Error(),
				"log_path": startErr.LogPath,
			})
			return
		}
		a.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, StartResponse{
		Outcome: string(res.Outcome),
		PID:     res.PID,
		Port:    res.Port,
		URL:     res.URL,
	})
}

func (a *API) handleDiscoverTools(w http.ResponseWriter, r *http.Request) {
	srv, ok := a.loadOwnedServer(w, r)
	if !ok {
		return
	}

	handle, registered := a.registry.Get(srv.ID)
	if !registered {
		a.sendError(w, http.StatusConflict, "server is not running")
		return
	}

	n, err := a.catalog.Discover(r.Context(), srv.ID, handle.Transport)
	if err != nil {
		a.logger.Error("tool discovery failed", "server_id", srv.ID, "error", err)
		a.sendError(w, http.StatusBadGateway, err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]int{"tool_count": n})
}

func (a *API) handleListServerTools(w http.ResponseWriter, r *http.Request) {
	srv, ok := a.loadOwnedServer(w, r)
	if !ok {
		return
	}

	tools, err := a.catalog.List(r.Context(), srv.ID)
	if err != nil {
		a.logger.Error("listing tools failed", "server_id", srv.ID, "error", err)
		a.sendError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]ToolResponse, 0, len(tools))
	for _, t := range tools {
		out = append(out, ToolResponse{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
			UsageCount:  t.UsageCount,
		})
	}
	a.writeJSON(w, http.StatusOK, out)
}

// loadOwnedServer resolves {id} and enforces that the caller owns the server
// or the server is a system one.
func (a *API) loadOwnedServer(w http.ResponseWriter, r *http.Request) (*store.Server, bool) {
	srv, err := a.store.GetServer(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		a.sendError(w, http.StatusNotFound, "server not found")
		return nil, false
	}
	if err != nil {
		a.logger.Error("loading server failed", "error", err)
		a.sendError(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}
	if !srv.IsSystem && srv.Owner != a.userID(r) {
		a.sendError(w, http.StatusNotFound, "server not found")
		return nil, false
	}
	return srv, true
}

func validateDescriptor(s *store.Server) error {
	switch s.Transport {
	case store.TransportStdio:
		if s.Command == "" {
			return errors.New("stdio servers require a command")
		}
	case store.TransportHTTP, store.TransportSSE:
		if s.URL == "" {
			return errors.New("http and sse servers require a url")
		}
	default:
		return errors.New("transport must be stdio, http or sse")
	}
	return nil
}
