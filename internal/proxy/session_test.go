// ABOUTME: Tests for the stdio session using cat as an echo child
// ABOUTME: Covers response correlation, notification fanout and shutdown

package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/2389/coven-mcp/internal/mcplog"
	"github.com/2389/coven-mcp/internal/protocol"
)

// echoSession starts a session whose child echoes every stdin line back on
// stdout. An echoed request comes back carrying its own id, so the session
// classifies it as the response.
func echoSession(t *testing.T) *Session {
	t.Helper()
	log, err := mcplog.Open(t.TempDir(), "test")
	if err != nil {
		t.Fatalf("opening log: %v", err)
	}
	s, err := StartSession(context.Background(), SessionOptions{
		Command:        "cat",
		Log:            log,
		RequestTimeout: 2 * time.Second,
		StopGrace:      time.Second,
	})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	t.Cleanup(func() {
		s.Stop()
		log.Close()
	})
	return s
}

func TestSession_CorrelatesResponses(t *testing.T) {
	s := echoSession(t)

	req := protocol.NewRequestWithID("req-1", protocol.MethodPing, nil)
	resp, err := s.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if protocol.CorrelationKey(resp.ID) != "req-1" {
		t.Errorf("response id mismatch: %s", resp.ID)
	}
}

func TestSession_NotificationFanout(t *testing.T) {
	s := echoSession(t)
	sub := s.Subscribe()

	if err := s.Notify(protocol.NewNotification(protocol.MethodNotifyMessage, nil)); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	select {
	case n := <-sub:
		if n.Method != protocol.MethodNotifyMessage {
			t.Errorf("method mismatch: %q", n.Method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestSession_UnsubscribeRemovesSubscriber(t *testing.T) {
	s := echoSession(t)

	a := s.Subscribe()
	b := s.Subscribe()
	s.Unsubscribe(a)

	s.mu.Lock()
	remaining := len(s.subs)
	s.mu.Unlock()
	if remaining != 1 {
		t.Fatalf("subscriber count after Unsubscribe: got %d, want 1", remaining)
	}
	if _, ok := <-a; ok {
		t.Error("unsubscribed channel should be closed")
	}

	if err := s.Notify(protocol.NewNotification(protocol.MethodNotifyMessage, nil)); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	select {
	case n := <-b:
		if n.Method != protocol.MethodNotifyMessage {
			t.Errorf("method mismatch: %q", n.Method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("remaining subscriber should still receive notifications")
	}

	// Unsubscribing after shutdown already closed the channel must not panic
	s.Stop()
	s.Unsubscribe(b)
}

func TestSession_DuplicateResponseDoesNotBlockReadLoop(t *testing.T) {
	s := echoSession(t)

	// A pending entry whose buffered slot is already full and has no reader.
	// Dispatching into it without first claiming the entry would park the
	// read loop forever.
	stuck := make(chan *protocol.Response, 1)
	stuck <- &protocol.Response{JSONRPC: "2.0"}
	s.mu.Lock()
	s.pending["dup-1"] = stuck
	s.mu.Unlock()

	if err := s.Notify(protocol.NewRequestWithID("dup-1", protocol.MethodPing, nil)); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	// The loop must still be answering fresh requests afterwards
	resp, err := s.Send(context.Background(), protocol.NewRequestWithID("req-2", protocol.MethodPing, nil))
	if err != nil {
		t.Fatalf("Send after duplicate response failed: %v", err)
	}
	if protocol.CorrelationKey(resp.ID) != "req-2" {
		t.Errorf("response id mismatch: %s", resp.ID)
	}
}

func TestSession_SendAfterExit(t *testing.T) {
	s := echoSession(t)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if s.Alive() {
		t.Error("session should not be alive after Stop")
	}

	_, err := s.Send(context.Background(), protocol.NewRequest(protocol.MethodPing, nil))
	if err == nil {
		t.Error("Send after exit should fail")
	}
}

func TestSession_RequestTimeout(t *testing.T) {
	log, err := mcplog.Open(t.TempDir(), "sleepy")
	if err != nil {
		t.Fatalf("opening log: %v", err)
	}
	// A child that never answers
	s, err := StartSession(context.Background(), SessionOptions{
		Command:        "sleep",
		Args:           []string{"30"},
		Log:            log,
		RequestTimeout: 100 * time.Millisecond,
		StopGrace:      time.Second,
	})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	defer func() {
		s.Stop()
		log.Close()
	}()

	start := time.Now()
	_, err = s.Send(context.Background(), protocol.NewRequest(protocol.MethodPing, nil))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("timeout took too long: %v", time.Since(start))
	}
}
