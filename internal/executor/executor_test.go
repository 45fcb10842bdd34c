// ABOUTME: Tests for the tool execution pipeline
// ABOUTME: Covers success, tool-reported failure, transport failure and audit rows

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/2389/coven-mcp/internal/protocol"
	"github.com/2389/coven-mcp/internal/store"
	"github.com/2389/coven-mcp/internal/transport"
)

type fakeTransport struct {
	result  protocol.CallToolResult
	sendErr error
	lastReq *protocol.Request
}

func (f *fakeTransport) Start(ctx context.Context) (transport.ConnectionInfo, error) {
	return transport.ConnectionInfo{}, nil
}

func (f *fakeTransport) Send(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	f.lastReq = req
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

func newTestExecutor(t *testing.T) (*Executor, store.Store, string) {
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
	if err := st.ReplaceServerTools(context.Background(), srv.ID, []store.Tool{
		{ServerID: srv.ID, Name: "read_file", InputSchema: json.RawMessage(`{}`)},
	}); err != nil {
		t.Fatalf("seeding tools: %v", err)
	}
	return New(st), st, srv.ID
}

func testRequest(serverID string) Request {
	return Request{
		UserID:         "u1",
		ConversationID: "conv-1",
		ServerID:       serverID,
		ToolName:       "read_file",
		Arguments:      json.RawMessage(`{"path":"/etc/hosts"}`),
	}
}

func TestNewCallID_Format(t *testing.T) {
	id := NewCallID()
	if !strings.HasPrefix(id, "tool-") {
		t.Errorf("expected tool- prefix, got %s", id)
	}
	if id == NewCallID() {
		t.Error("call ids must be unique per attempt")
	}
}

func TestExecute_Success(t *testing.T) {
	exec, st, serverID := newTestExecutor(t)
	ctx := context.Background()

	tr := &fakeTransport{result: protocol.CallToolResult{
		Content: []protocol.ToolContent{{Type: "text", Text: "127.0.0.1 localhost"}},
	}}

	res, err := exec.Execute(ctx, tr, "tool-abc", testRequest(serverID))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Error("expected success")
	}
	if res.CallID != "tool-abc" {
		t.Errorf("call id not threaded through: %s", res.CallID)
	}
	if tr.lastReq.Method != protocol.MethodCallTool {
		t.Errorf("expected tools/call, got %s", tr.lastReq.Method)
	}

	logs, err := st.ListExecutionLogs(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("ListExecutionLogs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected one execution log, got %d", len(logs))
	}
	if logs[0].Status != store.ExecutionCompleted {
		t.Errorf("expected completed, got %s", logs[0].Status)
	}
	if logs[0].CallID != "tool-abc" {
		t.Errorf("expected call id in log, got %s", logs[0].CallID)
	}
	if logs[0].DurationMs == nil {
		t.Error("expected duration to be recorded")
	}

	tools, err := st.ListServerTools(ctx, serverID)
	if err != nil {
		t.Fatalf("ListServerTools: %v", err)
	}
	if tools[0].UsageCount != 1 {
		t.Errorf("expected usage recorded, got %d", tools[0].UsageCount)
	}
}

func TestExecute_ToolReportedFailure(t *testing.T) {
	exec, st, serverID := newTestExecutor(t)
	ctx := context.Background()

	isErr := true
	tr := &fakeTransport{result: protocol.CallToolResult{
		IsError: &isErr,
		Content: []protocol.ToolContent{{Type: "text", Text: "permission denied"}},
	}}

	res, err := exec.Execute(ctx, tr, NewCallID(), testRequest(serverID))
	if err != nil {
		t.Fatalf("a tool-level failure is still a result: %v", err)
	}
	if res.Success {
		t.Error("expected success=false")
	}
	if res.ErrorMessage != "permission denied" {
		t.Errorf("expected tool error text, got %q", res.ErrorMessage)
	}

	logs, _ := st.ListExecutionLogs(ctx, "u1", 10)
	if logs[0].Status != store.ExecutionFailed {
		t.Errorf("expected failed, got %s", logs[0].Status)
	}

	tools, _ := st.ListServerTools(ctx, serverID)
	if tools[0].UsageCount != 0 {
		t.Error("failed calls must not count as usage")
	}
}

func TestExecute_TransportFailure(t *testing.T) {
	exec, st, serverID := newTestExecutor(t)
	ctx := context.Background()

	tr := &fakeTransport{sendErr: transport.ErrTimeout}

	_, err := exec.Execute(ctx, tr, NewCallID(), testRequest(serverID))
	if !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("expected timeout to propagate, got %v", err)
	}

	logs, _ := st.ListExecutionLogs(ctx, "u1", 10)
	if len(logs) != 1 {
		t.Fatalf("expected the attempt to be logged, got %d rows", len(logs))
	}
	if logs[0].Status != store.ExecutionFailed || logs[0].ErrorCode != "timeout" {
		t.Errorf("expected failed/timeout, got %s/%s", logs[0].Status, logs[0].ErrorCode)
	}
}
