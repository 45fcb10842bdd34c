// ABOUTME: Transport interface and factory over stdio, http and sse tool servers
// ABOUTME: Every variant performs the MCP handshake in Start before other traffic

package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/coven-mcp/internal/protocol"
	"github.com/2389/coven-mcp/internal/proxy"
	"github.com/2389/coven-mcp/internal/store"
)

// ErrTimeout is returned when no matching response arrives within the
// request timeout. It is local to one request and says nothing about the
// transport's health.
var ErrTimeout = errors.New("request timed out")

// ErrNotStarted is returned when Send is called before Start succeeded.
var ErrNotStarted = errors.New("transport not started")

// ConnectionInfo reports what Start established. PID and Port are only set
// for stdio servers.
type ConnectionInfo struct {
	PID  *int
	Port *int
	URL  string
}

// Transport is one tool server's uniform request/response and notification
// channel.
type Transport interface {
	// Start establishes the channel and performs the MCP initialize
	// handshake. It must be called exactly once before Send.
	Start(ctx context.Context) (ConnectionInfo, error)

	// Send issues one request and waits for the matching response.
	Send(ctx context.Context, req *protocol.Request) (*protocol.Response, error)

	// Notifications returns a stream of server-initiated notifications.
	// Each call returns an independent subscription.
	Notifications() <-chan *protocol.Notification

	// Stop releases the channel and any spawned process. Idempotent.
	Stop() error

	// Healthy is a cheap reachability probe.
	Healthy(ctx context.Context) bool
}

// Options carries the shared dependencies transports need.
type Options struct {
	// Proxies is required for stdio servers.
	Proxies *proxy.Manager

	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	ReconnectDelay   time.Duration
}

func (o Options) requestTimeout() time.Duration {
	if o.RequestTimeout == 0 {
		return 30 * time.Second
	}
	return o.RequestTimeout
}

func (o Options) handshakeTimeout() time.Duration {
	if o.HandshakeTimeout == 0 {
		return 10 * time.Second
	}
	return o.HandshakeTimeout
}

func (o Options) reconnectDelay() time.Duration {
	if o.ReconnectDelay == 0 {
		return 5 * time.Second
	}
	return o.ReconnectDelay
}

// New constructs the transport matching a server descriptor. Configuration
// problems (missing URL, missing command) are reported here, before any
// connection attempt.
func New(srv *store.Server, opts Options) (Transport, error) {
	switch srv.Transport {
	case store.TransportStdio:
		if srv.Command == "" {
			return nil, fmt.Errorf("stdio server %s has no command", srv.ID)
		}
		if opts.Proxies == nil {
			return nil, fmt.Errorf("stdio transport requires a proxy manager")
		}
		return newStdioTransport(srv, opts), nil
	case store.TransportHTTP:
		if srv.URL == "" {
			return nil, fmt.Errorf("http server %s has no url", srv.ID)
		}
		return newHTTPTransport(srv, opts), nil
	case store.TransportSSE:
		if srv.URL == "" {
			return nil, fmt.Errorf("sse server %s has no url", srv.ID)
		}
		return newSSETransport(srv, opts), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", srv.Transport)
	}
}
