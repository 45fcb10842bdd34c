// ABOUTME: HTTP transport posting JSON-RPC bodies directly to the server URL
// ABOUTME: Health is a protocol-level ping with a short deadline

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/2389/coven-mcp/internal/protocol"
	"github.com/2389/coven-mcp/internal/store"
)

type httpTransport struct {
	url     string
	headers map[string]string
	client  *http.Client

	requestTimeout   time.Duration
	handshakeTimeout time.Duration

	mu      sync.Mutex
	started bool
	notify  chan *protocol.Notification
}

func newHTTPTransport(srv *store.Server, opts Options) *httpTransport {
	return &httpTransport{
		url:              srv.URL,
		headers:          srv.Headers,
		client:           &http.Client{},
		requestTimeout:   opts.requestTimeout(),
		handshakeTimeout: opts.handshakeTimeout(),
	}
}

// Start validates the endpoint by running the MCP handshake against it.
func (t *httpTransport) Start(ctx context.Context) (ConnectionInfo, error) {
	hsCtx, cancel := context.WithTimeout(ctx, t.handshakeTimeout)
	defer cancel()

	resp, err := t.post(hsCtx, protocol.NewInitializeRequest())
	if err != nil {
		return ConnectionInfo{}, fmt.Errorf("initialize: %w", err)
	}
	if resp.Error != nil {
		return ConnectionInfo{}, fmt.Errorf("initialize: %w", resp.Error)
	}

	if err := t.postNotification(hsCtx, protocol.NewInitializedNotification()); err != nil {
		return ConnectionInfo{}, fmt.Errorf("notifications/initialized: %w", err)
	}

	t.mu.Lock()
	t.started = true
	t.mu.Unlock()
	return ConnectionInfo{URL: t.url}, nil
}

func (t *httpTransport) Send(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		return nil, ErrNotStarted
	}

	reqCtx, cancel := context.WithTimeout(ctx, t.requestTimeout)
	defer cancel()

	resp, err := t.post(reqCtx, req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		return nil, err
	}
	return resp, nil
}

func (t *httpTransport) post(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	t.applyHeaders(httpReq)

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("posting request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return nil, fmt.Errorf("server returned %s", httpResp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 16*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var resp protocol.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &resp, nil
}

func (t *httpTransport) postNotification(ctx context.Context, n *protocol.Request) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	t.applyHeaders(httpReq)

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("posting notification: %w", err)
	}
	httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", httpResp.Status)
	}
	return nil
}

func (t *httpTransport) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
}

// Notifications returns an empty stream; plain HTTP servers have no
// server-initiated channel.
func (t *httpTransport) Notifications() <-chan *protocol.Notification {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.notify == nil {
		t.notify = make(chan *protocol.Notification)
	}
	return t.notify
}

func (t *httpTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = false
	if t.notify != nil {
		close(t.notify)
		t.notify = nil
	}
	return nil
}

// Healthy pings the server with a short deadline.
func (t *httpTransport) Healthy(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := t.post(pingCtx, protocol.NewRequest(protocol.MethodPing, nil))
	if err != nil {
		return false
	}
	return resp.Error == nil
}
