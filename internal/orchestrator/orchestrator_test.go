// ABOUTME: Tests for the chat-turn gate and execute-and-record pipeline
// ABOUTME: Verifies the pending-approval halt and the fixed event ordering

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/2389/coven-mcp/internal/approval"
	"github.com/2389/coven-mcp/internal/executor"
	"github.com/2389/coven-mcp/internal/protocol"
	"github.com/2389/coven-mcp/internal/registry"
	"github.com/2389/coven-mcp/internal/store"
	"github.com/2389/coven-mcp/internal/stream"
	"github.com/2389/coven-mcp/internal/transport"
)

type fakeTransport struct {
	result  protocol.CallToolResult
	sendErr error
	calls   int
}

func (f *fakeTransport) Start(ctx context.Context) (transport.ConnectionInfo, error) {
	return transport.ConnectionInfo{}, nil
}

func (f *fakeTransport) Send(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	f.calls++
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	raw, err := json.Marshal(f.result)
	if err != nil {
		return nil, err
	}
	return &protocol.Response{JSONRPC: "2.0", ID: req.ID, Result: raw}, nil
}

func (f *fakeTransport) Notifications() <-chan *protocol.Notification {
	ch := make(chan *protocol.Notification)
	close(ch)
	return ch
}

func (f *fakeTransport) Stop() error { return nil }

func (f *fakeTransport) Healthy(ctx context.Context) bool { return true }

type env struct {
	orch      *Orchestrator
	store     store.Store
	policy    *approval.Policy
	events    *stream.Broadcaster
	transport *fakeTransport
	serverID  string
}

func newEnv(t *testing.T) *env {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	srv := &store.Server{
		Name:      "files",
		Owner:     "u1",
		Transport: store.TransportStdio,
		Command:   "mcp-files",
		Enabled:   true,
	}
	if err := st.CreateServer(context.Background(), srv); err != nil {
		t.Fatalf("creating server: %v", err)
	}

	tr := &fakeTransport{result: protocol.CallToolResult{
		Content: []protocol.ToolContent{{Type: "text", Text: "ok"}},
	}}
	reg := registry.New()
	reg.Register(&registry.Handle{ServerID: srv.ID, Kind: store.TransportStdio, Transport: tr})

	policy := approval.New(st)
	events := stream.NewBroadcaster(nil)
	t.Cleanup(events.Close)

	return &env{
		orch:      New(st, policy, reg, executor.New(st), events),
		store:     st,
		policy:    policy,
		events:    events,
		transport: tr,
		serverID:  srv.ID,
	}
}

// seedPendingCall creates an assistant message whose last content item is a
// pending tool call, and returns the message id.
func (e *env) seedPendingCall(t *testing.T, conversationID string) string {
	t.Helper()

	data, _ := json.Marshal(store.PendingCallData{
		ToolName:  "read_file",
		ServerID:  e.serverID,
		Arguments: json.RawMessage(`{"path":"/tmp/x"}`),
	})
	msg := &store.Message{
		ConversationID: conversationID,
		UserID:         "u1",
		Role:           "assistant",
		Contents: []store.MessageContent{
			{Kind: store.ContentText, Content: json.RawMessage(`{"text":"let me read that"}`)},
			{Kind: store.ContentPendingApproval, Content: data},
		},
	}
	if err := e.store.CreateMessage(context.Background(), msg); err != nil {
		t.Fatalf("seeding message: %v", err)
	}
	return msg.ID
}

// drain collects everything currently buffered on the subscription.
func drain(ch <-chan *stream.Event) []*stream.Event {
	var out []*stream.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventTypes(events []*stream.Event) []string {
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestRunTurn_NothingPending(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// No messages at all.
	out, err := e.orch.RunTurn(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if !out.Continue || out.Blocked {
		t.Errorf("expected plain continue, got %+v", out)
	}

	// Latest assistant message ends in plain text.
	msg := &store.Message{
		ConversationID: "c1", UserID: "u1", Role: "assistant",
		Contents: []store.MessageContent{
			{Kind: store.ContentText, Content: json.RawMessage(`{"text":"hi"}`)},
		},
	}
	if err := e.store.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("creating message: %v", err)
	}
	out, err = e.orch.RunTurn(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if !out.Continue {
		t.Error("text-final messages must not gate")
	}
}

func TestRunTurn_PendingWithoutApprovalHalts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedPendingCall(t, "c1")

	ch, subID := e.events.Subscribe(ctx, "c1")
	defer e.events.Unsubscribe("c1", subID)

	out, err := e.orch.RunTurn(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if out.Continue || !out.Blocked {
		t.Errorf("expected a blocked halt, got %+v", out)
	}

	events := drain(ch)
	if len(events) != 1 || events[0].Type != stream.TypeToolCallPendingApproval {
		t.Fatalf("expected exactly one pending-approval event, got %v", eventTypes(events))
	}
	if e.transport.calls != 0 {
		t.Error("nothing may execute without approval")
	}
}

func TestRunTurn_ApprovedCallEmitsInOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	msgID := e.seedPendingCall(t, "c1")

	if _, err := e.policy.SetConversation(ctx, "u1", "c1", e.serverID, "read_file", true, nil, ""); err != nil {
		t.Fatalf("approving: %v", err)
	}

	ch, subID := e.events.Subscribe(ctx, "c1")
	defer e.events.Unsubscribe("c1", subID)

	out, err := e.orch.RunTurn(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if !out.Continue {
		t.Error("approved execution must signal continue")
	}

	events := drain(ch)
	want := []string{
		stream.TypeNewMessageContent,
		stream.TypeToolCall,
		stream.TypeNewMessageContent,
		stream.TypeToolResult,
	}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s (full order %v)", i, want[i], got[i], got)
		}
	}

	// The call id threads from the ToolCall event to the ToolResult event.
	var call stream.ToolCallPayload
	var result stream.ToolResultPayload
	if err := json.Unmarshal(events[1].Payload, &call); err != nil {
		t.Fatalf("decoding tool_call payload: %v", err)
	}
	if err := json.Unmarshal(events[3].Payload, &result); err != nil {
		t.Fatalf("decoding tool_result payload: %v", err)
	}
	if call.CallID == "" || call.CallID != result.CallID {
		t.Errorf("call id mismatch: %q vs %q", call.CallID, result.CallID)
	}
	if !result.Success {
		t.Error("expected a successful result")
	}

	// The trace is persisted too: pending, tool_call, tool_result.
	msg, err := e.store.LatestAssistantMessage(ctx, "c1")
	if err != nil {
		t.Fatalf("LatestAssistantMessage: %v", err)
	}
	if msg.ID != msgID {
		t.Fatalf("unexpected message: %s", msg.ID)
	}
	kinds := make([]string, len(msg.Contents))
	for i, c := range msg.Contents {
		kinds[i] = c.Kind
	}
	if len(kinds) != 4 ||
		kinds[1] != store.ContentPendingApproval ||
		kinds[2] != store.ContentToolCall ||
		kinds[3] != store.ContentToolResult {
		t.Errorf("unexpected persisted trace: %v", kinds)
	}
}

func TestRunTurn_ContentLevelDecisionUnblocks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	msgID := e.seedPendingCall(t, "c1")

	msg, err := e.store.LatestAssistantMessage(ctx, "c1")
	if err != nil || msg.ID != msgID {
		t.Fatalf("loading message: %v", err)
	}
	pendingContentID := msg.Contents[len(msg.Contents)-1].ID
	if err := e.store.SetPendingApprovalDecision(ctx, pendingContentID, true); err != nil {
		t.Fatalf("SetPendingApprovalDecision: %v", err)
	}

	out, err := e.orch.RunTurn(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if !out.Continue {
		t.Error("a one-shot content decision must unblock the turn")
	}
	if e.transport.calls != 1 {
		t.Errorf("expected one execution, got %d", e.transport.calls)
	}
}

func TestRunTurn_MalformedPendingContentHalts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	msg := &store.Message{
		ConversationID: "c1", UserID: "u1", Role: "assistant",
		Contents: []store.MessageContent{
			{Kind: store.ContentPendingApproval, Content: json.RawMessage(`{"tool_name":""}`)},
		},
	}
	if err := e.store.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("creating message: %v", err)
	}

	ch, subID := e.events.Subscribe(ctx, "c1")
	defer e.events.Unsubscribe("c1", subID)

	out, err := e.orch.RunTurn(ctx, "u1", "c1")
	if !errors.Is(err, ErrInvalidPendingCall) {
		t.Fatalf("expected ErrInvalidPendingCall, got %v", err)
	}
	if out.Continue {
		t.Error("malformed pending content must halt the loop")
	}

	events := drain(ch)
	if len(events) != 1 || events[0].Type != stream.TypeSystemInternalError {
		t.Errorf("expected one internal-error event, got %v", eventTypes(events))
	}
}

func TestRunTurn_ExecutionFailureBecomesInternalError(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedPendingCall(t, "c1")
	e.transport.sendErr = transport.ErrTimeout

	if _, err := e.policy.SetGlobal(ctx, "u1", e.serverID, "read_file", true, nil, ""); err != nil {
		t.Fatalf("approving: %v", err)
	}

	ch, subID := e.events.Subscribe(ctx, "c1")
	defer e.events.Unsubscribe("c1", subID)

	out, err := e.orch.RunTurn(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("execution failures must not propagate: %v", err)
	}
	if out.Continue {
		t.Error("execution failure must halt the loop")
	}

	got := eventTypes(drain(ch))
	want := []string{
		stream.TypeNewMessageContent,
		stream.TypeToolCall,
		stream.TypeSystemInternalError,
	}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestHandleToolRequest_PersistsAndNotifies(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	msg := &store.Message{
		ConversationID: "c1", UserID: "u1", Role: "assistant",
		Contents: []store.MessageContent{
			{Kind: store.ContentText, Content: json.RawMessage(`{"text":"on it"}`)},
		},
	}
	if err := e.store.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("creating message: %v", err)
	}

	ch, subID := e.events.Subscribe(ctx, "c1")
	defer e.events.Unsubscribe("c1", subID)

	err := e.orch.HandleToolRequest(ctx, "c1", msg.ID, ProposedCall{
		ToolName:  "read_file",
		ServerID:  e.serverID,
		Arguments: json.RawMessage(`{"path":"/tmp/x"}`),
	})
	if err != nil {
		t.Fatalf("HandleToolRequest: %v", err)
	}

	got := eventTypes(drain(ch))
	if len(got) != 2 || got[0] != stream.TypeNewMessageContent || got[1] != stream.TypeToolCallPendingApproval {
		t.Fatalf("expected announcement then prompt, got %v", got)
	}

	// The next gate run sees the pending call and blocks.
	out, err := e.orch.RunTurn(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if !out.Blocked {
		t.Error("expected the new proposal to block the next turn")
	}
}
