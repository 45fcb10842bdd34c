// ABOUTME: Stdio session managing one child MCP server process
// ABOUTME: Line-framed JSON over stdin/stdout with a correlation table for responses

package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/2389/coven-mcp/internal/mcplog"
	"github.com/2389/coven-mcp/internal/protocol"
)

// MarkerEnv is injected into every child process environment so a pid can
// later be verified to belong to a server we launched rather than a
// recycled pid.
const MarkerEnv = "IS_COVEN_MCP"

// maxLineBytes bounds a single JSON-RPC frame on the child's stdout.
const maxLineBytes = 4 * 1024 * 1024

// Session is one running child process speaking line-framed JSON-RPC over
// stdin/stdout. Responses are matched to requests through a correlation
// table; notifications fan out to subscribers.
type Session struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	log    *mcplog.Writer
	logger *slog.Logger

	requestTimeout time.Duration
	stopGrace      time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *protocol.Response
	subs    []chan *protocol.Notification
	closed  bool

	done chan struct{} // closed when the read loop exits
}

// SessionOptions configures a child session.
type SessionOptions struct {
	Command        string
	Args           []string
	Env            map[string]string
	Log            *mcplog.Writer
	RequestTimeout time.Duration
	StopGrace      time.Duration
}

// StartSession spawns the child process and begins reading its stdout.
// The MCP handshake is not performed here; callers run Handshake once the
// session is up.
func StartSession(ctx context.Context, opts SessionOptions) (*Session, error) {
	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Env = append(os.Environ(), MarkerEnv+"=1")
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = opts.Log

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", opts.Command, err)
	}

	requestTimeout := opts.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = 30 * time.Second
	}
	stopGrace := opts.StopGrace
	if stopGrace == 0 {
		stopGrace = 5 * time.Second
	}

	s := &Session{
		cmd:            cmd,
		stdin:          stdin,
		log:            opts.Log,
		logger:         slog.Default().With("component", "proxy", "command", opts.Command),
		requestTimeout: requestTimeout,
		stopGrace:      stopGrace,
		pending:        map[string]chan *protocol.Response{},
		done:           make(chan struct{}),
	}

	go s.readLoop(stdout)
	return s, nil
}

// PID returns the child process id.
func (s *Session) PID() int {
	return s.cmd.Process.Pid
}

// Alive reports whether the child process is still running.
func (s *Session) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Handshake performs the MCP initialize exchange. The session is unusable
// for tool calls until this succeeds.
func (s *Session) Handshake(ctx context.Context) (*protocol.InitializeResult, error) {
	resp, err := s.Send(ctx, protocol.NewInitializeRequest())
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("initialize: %w", resp.Error)
	}

	var result protocol.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("decoding initialize result: %w", err)
	}

	if err := s.Notify(protocol.NewInitializedNotification()); err != nil {
		return nil, fmt.Errorf("notifications/initialized: %w", err)
	}
	return &result, nil
}

// Send writes a request to the child and waits for the matching response,
// subject to the context and the session request timeout.
func (s *Session) Send(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	key := req.CorrelationKey()
	if key == "" {
		return nil, fmt.Errorf("request has no id")
	}

	ch := make(chan *protocol.Response, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("session closed")
	}
	s.pending[key] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
	}()

	if err := s.writeFrame(req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(s.requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("request %s timed out after %s", req.Method, s.requestTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, fmt.Errorf("server process exited")
	}
}

// Notify writes a notification to the child without waiting.
func (s *Session) Notify(n *protocol.Request) error {
	return s.writeFrame(n)
}

func (s *Session) writeFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing to server stdin: %w", err)
	}
	s.log.Line("stdin", string(data))
	return nil
}

// Subscribe returns a channel receiving notifications from the child. Slow
// subscribers drop notifications rather than blocking the read loop. Callers
// must Unsubscribe when done or the channel lives as long as the session.
func (s *Session) Subscribe() <-chan *protocol.Notification {
	ch := make(chan *protocol.Notification, 64)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it. Unknown channels,
// including ones already closed during session shutdown, are ignored.
func (s *Session) Unsubscribe(ch <-chan *protocol.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub == ch {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			close(sub)
			return
		}
	}
}

func (s *Session) readLoop(stdout io.Reader) {
	defer s.shutdownPending()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.log.Line("stdout", string(line))

		frame, err := protocol.DecodeFrame(line)
		if err != nil {
			s.logger.Warn("dropping unparseable frame", "error", err)
			continue
		}

		switch {
		case frame.Response != nil:
			// Claim the correlation entry before sending so a duplicate id
			// can never park the read loop on a full channel.
			key := protocol.CorrelationKey(frame.Response.ID)
			s.mu.Lock()
			ch, ok := s.pending[key]
			if ok {
				delete(s.pending, key)
			}
			s.mu.Unlock()
			if !ok {
				s.logger.Debug("response with no pending request", "id", key)
				continue
			}
			select {
			case ch <- frame.Response:
			default:
			}
		case frame.Notification != nil:
			s.mu.Lock()
			subs := make([]chan *protocol.Notification, len(s.subs))
			copy(subs, s.subs)
			s.mu.Unlock()
			for _, sub := range subs {
				select {
				case sub <- frame.Notification:
				default:
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		s.logger.Warn("stdout read ended", "error", err)
	}
	close(s.done)
	s.cmd.Wait()
}

// shutdownPending wakes any waiters once the read loop is gone. Waiters see
// the closed done channel and return a process-exited error.
func (s *Session) shutdownPending() {
	s.mu.Lock()
	s.closed = true
	for _, sub := range s.subs {
		close(sub)
	}
	s.subs = nil
	s.mu.Unlock()
}

// Stop terminates the child: SIGTERM, then SIGKILL after the grace period.
func (s *Session) Stop() error {
	s.writeMu.Lock()
	s.stdin.Close()
	s.writeMu.Unlock()

	if s.cmd.Process != nil {
		s.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-s.done:
	case <-time.After(s.stopGrace):
		s.logger.Warn("server did not exit in time, killing", "pid", s.PID())
		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
		<-s.done
	}
	return nil
}
