// ABOUTME: HTTP front for a stdio session, exposing the child over localhost
// ABOUTME: Serves POST /mcp, GET /sse, POST /messages/{session} and GET /health

package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-mcp/internal/protocol"
)

// Front is the localhost HTTP server in front of one stdio session. HTTP
// and SSE clients talk to the front; the front talks line-framed JSON to
// the child.
type Front struct {
	session *Session
	server  *http.Server
	port    int
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]chan []byte // SSE session id -> outbound frames
}

// NewFront builds the HTTP front on the given port. Serve must be called
// to start accepting connections.
func NewFront(session *Session, port int) *Front {
	f := &Front{
		session:  session,
		port:     port,
		logger:   slog.Default().With("component", "proxy-front", "port", port),
		sessions: map[string]chan []byte{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /mcp", f.handleMCP)
	mux.HandleFunc("GET /sse", f.handleSSE)
	mux.HandleFunc("POST /messages/{session}", f.handleMessage)
	mux.HandleFunc("GET /health", f.handleHealth)

	f.server = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", port),
		Handler: mux,
	}
	return f
}

// Port returns the listener port.
func (f *Front) Port() int {
	return f.port
}

// URL returns the base URL clients use to reach the front.
func (f *Front) URL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", f.port)
}

// Serve binds and serves until Shutdown. It returns once the listener is
// bound, serving in the background.
func (f *Front) Serve() error {
	ln, err := net.Listen("tcp", f.server.Addr)
	if err != nil {
		return fmt.Errorf("binding proxy listener: %w", err)
	}
	go func() {
		if err := f.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			f.logger.Error("proxy server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown stops the HTTP listener.
func (f *Front) Shutdown(ctx context.Context) error {
	return f.server.Shutdown(ctx)
}

// handleMCP forwards one JSON-RPC request to the child and returns the
// response body.
func (f *Front) handleMCP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxLineBytes))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	var req protocol.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeRPCError(w, nil, protocol.CodeParseError, "parse error")
		return
	}

	if len(req.ID) == 0 {
		// Notification: forward without waiting
		if err := f.session.Notify(&req); err != nil {
			writeRPCError(w, nil, protocol.CodeInternalError, err.Error())
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	resp, err := f.session.Send(r.Context(), &req)
	if err != nil {
		writeRPCError(w, req.ID, protocol.CodeInternalError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleSSE opens a server-sent event stream. The first event names the
// session-scoped message endpoint; afterwards the stream carries responses
// to that session's requests and notifications from the child.
func (f *Front) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sessionID := uuid.New().String()
	out := make(chan []byte, 64)

	f.mu.Lock()
	f.sessions[sessionID] = out
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.sessions, sessionID)
		f.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	fmt.Fprintf(w, "event: endpoint\ndata: /messages/%s\n\n", sessionID)
	flusher.Flush()

	notifications := f.session.Subscribe()
	defer f.session.Unsubscribe(notifications)

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-out:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", frame)
			flusher.Flush()
		case n, ok := <-notifications:
			if !ok {
				return
			}
			data, err := json.Marshal(n)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// handleMessage accepts a JSON-RPC frame for an SSE session. Responses come
// back on the session's event stream, not on this request.
func (f *Front) handleMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")

	f.mu.Lock()
	out, ok := f.sessions[sessionID]
	f.mu.Unlock()
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxLineBytes))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	var req protocol.Request
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "parse error", http.StatusBadRequest)
		return
	}

	if len(req.ID) == 0 {
		if err := f.session.Notify(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	// Run the exchange in the background so the POST returns immediately,
	// matching how SSE-transport servers behave.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), f.session.requestTimeout)
		defer cancel()

		resp, err := f.session.Send(ctx, &req)
		if err != nil {
			resp = &protocol.Response{
				JSONRPC: "2.0",
				ID:      req.ID,
				Error:   &protocol.Error{Code: protocol.CodeInternalError, Message: err.Error()},
			}
		}
		data, err := json.Marshal(resp)
		if err != nil {
			return
		}
		select {
		case out <- data:
		case <-time.After(time.Second):
			f.logger.Warn("sse session not draining, dropping response", "session", sessionID)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

func (f *Front) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !f.session.Alive() {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "dead"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	resp := protocol.Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &protocol.Error{Code: code, Message: message},
	}
	json.NewEncoder(w).Encode(resp)
}
