// ABOUTME: Stdio transport delegating process ownership to the proxy manager
// ABOUTME: The child is exposed over a localhost HTTP front; this wraps its session

package transport

import (
	"context"
	"time"

	"github.com/2389/coven-mcp/internal/protocol"
	"github.com/2389/coven-mcp/internal/proxy"
	"github.com/2389/coven-mcp/internal/store"
)

type stdioTransport struct {
	serverID string
	command  string
	args     []string
	env      map[string]string
	proxies  *proxy.Manager

	current *proxy.Proxy
}

func newStdioTransport(srv *store.Server, opts Options) *stdioTransport {
	return &stdioTransport{
		serverID: srv.ID,
		command:  srv.Command,
		args:     srv.Args,
		env:      srv.Env,
		proxies:  opts.Proxies,
	}
}

// Start spawns the child through the proxy manager, which performs the MCP
// handshake before handing the proxy back.
func (t *stdioTransport) Start(ctx context.Context) (ConnectionInfo, error) {
	p, err := t.proxies.StartProxy(ctx, t.serverID, t.command, t.args, t.env)
	if err != nil {
		return ConnectionInfo{}, err
	}
	t.current = p

	pid := p.Session.PID()
	port := p.Front.Port()
	return ConnectionInfo{PID: &pid, Port: &port, URL: p.Front.URL()}, nil
}

func (t *stdioTransport) Send(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if t.current == nil {
		return nil, ErrNotStarted
	}
	return t.current.Session.Send(ctx, req)
}

func (t *stdioTransport) Notifications() <-chan *protocol.Notification {
	if t.current == nil {
		ch := make(chan *protocol.Notification)
		close(ch)
		return ch
	}
	return t.current.Session.Subscribe()
}

func (t *stdioTransport) Stop() error {
	if t.current == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := t.proxies.StopProxy(ctx, t.serverID)
	t.current = nil
	return err
}

func (t *stdioTransport) Healthy(ctx context.Context) bool {
	p, ok := t.proxies.Get(t.serverID)
	if !ok {
		return false
	}
	return p.Session.Alive()
}
