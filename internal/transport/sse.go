// ABOUTME: SSE transport with a reconnecting event-stream listener
// ABOUTME: Responses arrive on the stream, not on the POST, via a correlation table

package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-mcp/internal/protocol"
	"github.com/2389/coven-mcp/internal/store"
)

type sseTransport struct {
	baseURL string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger

	requestTimeout   time.Duration
	handshakeTimeout time.Duration
	reconnectDelay   time.Duration

	mu          sync.Mutex
	pending     map[string]chan *protocol.Response
	subs        []chan *protocol.Notification
	messageURL  string
	initialized bool

	endpointReady chan struct{}
	readyOnce     sync.Once

	cancel   context.CancelFunc
	loopDone chan struct{}
	stopOnce sync.Once
}

func newSSETransport(srv *store.Server, opts Options) *sseTransport {
	return &sseTransport{
		baseURL:          srv.URL,
		headers:          srv.Headers,
		client:           &http.Client{},
		logger:           slog.Default().With("component", "sse-transport", "url", srv.URL),
		requestTimeout:   opts.requestTimeout(),
		handshakeTimeout: opts.handshakeTimeout(),
		reconnectDelay:   opts.reconnectDelay(),
		pending:          map[string]chan *protocol.Response{},
		endpointReady:    make(chan struct{}),
		loopDone:         make(chan struct{}),
	}
}

// Start opens the event stream, waits for the server to announce the
// session message endpoint, then runs the MCP handshake over it.
func (t *sseTransport) Start(ctx context.Context) (ConnectionInfo, error) {
	loopCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.listenLoop(loopCtx)

	select {
	case <-t.endpointReady:
	case <-time.After(t.handshakeTimeout):
		t.Stop()
		return ConnectionInfo{}, fmt.Errorf("no endpoint event within %s", t.handshakeTimeout)
	case <-ctx.Done():
		t.Stop()
		return ConnectionInfo{}, ctx.Err()
	}

	hsCtx, hsCancel := context.WithTimeout(ctx, t.handshakeTimeout)
	defer hsCancel()

	resp, err := t.Send(hsCtx, protocol.NewInitializeRequest())
	if err != nil {
		t.Stop()
		return ConnectionInfo{}, fmt.Errorf("initialize: %w", err)
	}
	if resp.Error != nil {
		t.Stop()
		return ConnectionInfo{}, fmt.Errorf("initialize: %w", resp.Error)
	}

	if err := t.postFrame(hsCtx, protocol.NewInitializedNotification()); err != nil {
		t.Stop()
		return ConnectionInfo{}, fmt.Errorf("notifications/initialized: %w", err)
	}

	t.mu.Lock()
	t.initialized = true
	t.mu.Unlock()
	return ConnectionInfo{URL: t.baseURL}, nil
}

// listenLoop keeps the event stream open, reconnecting with a fixed delay
// until the transport is stopped.
func (t *sseTransport) listenLoop(ctx context.Context) {
	defer close(t.loopDone)

	for {
		if err := t.readStream(ctx); err != nil && ctx.Err() == nil {
			t.logger.Warn("event stream disconnected", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(t.reconnectDelay):
		}
	}
}

func (t *sseTransport) readStream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("stream returned %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "":
			if data != "" {
				t.dispatch(event, data)
			}
			event, data = "", ""
		}
	}
	return scanner.Err()
}

// dispatch routes one event: "endpoint" carries the session message URL;
// everything else is a JSON-RPC frame classified by shape. A frame carrying
// an id resolves a pending request; a frame carrying a method fans out to
// notification subscribers. Unparseable frames are logged and skipped.
func (t *sseTransport) dispatch(event, data string) {
	if event == "endpoint" {
		resolved, err := t.resolveEndpoint(data)
		if err != nil {
			t.logger.Warn("bad endpoint event", "data", data, "error", err)
			return
		}
		t.mu.Lock()
		t.messageURL = resolved
		t.mu.Unlock()
		t.readyOnce.Do(func() { close(t.endpointReady) })
		return
	}

	frame, err := protocol.DecodeFrame([]byte(data))
	if err != nil {
		t.logger.Warn("dropping unparseable event", "error", err)
		return
	}

	switch {
	case frame.Response != nil:
		// Claim the correlation entry before sending so a duplicate id
		// can never park the stream reader on a full channel.
		key := protocol.CorrelationKey(frame.Response.ID)
		t.mu.Lock()
		ch, ok := t.pending[key]
		if ok {
			delete(t.pending, key)
		}
		t.mu.Unlock()
		if !ok {
			return
		}
		select {
		case ch <- frame.Response:
		default:
		}
	case frame.Notification != nil:
		t.mu.Lock()
		subs := make([]chan *protocol.Notification, len(t.subs))
		copy(subs, t.subs)
		t.mu.Unlock()
		for _, sub := range subs {
			select {
			case sub <- frame.Notification:
			default:
			}
		}
	}
}

func (t *sseTransport) resolveEndpoint(data string) (string, error) {
	base, err := url.Parse(t.baseURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(data)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// Send registers a correlation entry first, then POSTs the request to the
// session message URL. The response comes back on the event stream.
func (t *sseTransport) Send(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	t.mu.Lock()
	msgURL := t.messageURL
	t.mu.Unlock()
	if msgURL == "" {
		return nil, ErrNotStarted
	}

	key := req.CorrelationKey()
	if key == "" {
		return nil, fmt.Errorf("request has no id")
	}

	ch := make(chan *protocol.Response, 1)
	t.mu.Lock()
	t.pending[key] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, key)
		t.mu.Unlock()
	}()

	if err := t.postFrame(ctx, req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(t.requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *sseTransport) postFrame(ctx context.Context, frame *protocol.Request) error {
	t.mu.Lock()
	msgURL := t.messageURL
	t.mu.Unlock()
	if msgURL == "" {
		return ErrNotStarted
	}

	body, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msgURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting frame: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

func (t *sseTransport) Notifications() <-chan *protocol.Notification {
	ch := make(chan *protocol.Notification, 64)
	t.mu.Lock()
	t.subs = append(t.subs, ch)
	t.mu.Unlock()
	return ch
}

// Stop cancels the listener loop. Idempotent.
func (t *sseTransport) Stop() error {
	t.stopOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
	})
	return nil
}

// Healthy is two-tier: first a plain connectivity probe against the base
// endpoint; only once initialized does the listener-alive check matter.
func (t *sseTransport) Healthy(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, t.baseURL, nil)
	if err != nil {
		return false
	}
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return false
	}

	t.mu.Lock()
	initialized := t.initialized
	t.mu.Unlock()
	if !initialized {
		return true
	}

	select {
	case <-t.loopDone:
		return false
	default:
		return true
	}
}
