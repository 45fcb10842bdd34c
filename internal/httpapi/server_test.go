// ABOUTME: Tests for the admin HTTP API
// ABOUTME: Exercises CRUD, approvals, pending decisions and the event stream end to end

package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/2389/coven-mcp/internal/approval"
	"github.com/2389/coven-mcp/internal/catalog"
	"github.com/2389/coven-mcp/internal/executor"
	"github.com/2389/coven-mcp/internal/manager"
	"github.com/2389/coven-mcp/internal/orchestrator"
	"github.com/2389/coven-mcp/internal/proxy"
	"github.com/2389/coven-mcp/internal/registry"
	"github.com/2389/coven-mcp/internal/store"
	"github.com/2389/coven-mcp/internal/stream"
	"github.com/2389/coven-mcp/internal/transport"
)

type testAPI struct {
	api    *API
	ts     *httptest.Server
	store  store.Store
	events *stream.Broadcaster
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logDir := t.TempDir()
	reg := registry.New()
	proxies := proxy.NewManager(proxy.ManagerOptions{
		LogDir:         logDir,
		PortMin:        19400,
		PortMax:        19420,
		RequestTimeout: 2 * time.Second,
		StopGrace:      time.Second,
	})
	t.Cleanup(func() { proxies.ShutdownAll(context.Background()) })

	mgr := manager.New(manager.Options{
		Store:    st,
		Registry: reg,
		Proxies:  proxies,
		Transport: transport.Options{
			Proxies:          proxies,
			RequestTimeout:   2 * time.Second,
			HandshakeTimeout: 2 * time.Second,
		},
		LogDir: logDir,
	})

	policy := approval.New(st)
	events := stream.NewBroadcaster(nil)
	t.Cleanup(events.Close)

	api := New(Options{
		Addr:         "127.0.0.1:0",
		Store:        st,
		Manager:      mgr,
		Catalog:      catalog.New(st),
		Policy:       policy,
		Orchestrator: orchestrator.New(st, policy, reg, executor.New(st), events),
		Registry:     reg,
		Events:       events,
	})

	ts := httptest.NewServer(api.Handler())
	t.Cleanup(ts.Close)

	return &testAPI{api: api, ts: ts, store: st, events: events}
}

func (ta *testAPI) do(t *testing.T, method, path, user string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ta.ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	resp, err := ta.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func TestCreateServer(t *testing.T) {
	ta := newTestAPI(t)

	resp := ta.do(t, http.MethodPost, "/api/servers", "u1", ServerRequest{
		Name:      "files",
		Transport: "stdio",
		Command:   "mcp-files",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	created := decode[ServerResponse](t, resp)
	if created.ID == "" || created.Owner != "u1" || created.Status != store.StatusStopped {
		t.Errorf("unexpected server: %+v", created)
	}

	// Same name for the same owner conflicts.
	resp = ta.do(t, http.MethodPost, "/api/servers", "u1", ServerRequest{
		Name: "files", Transport: "stdio", Command: "mcp-files",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409, got %d", resp.StatusCode)
	}

	// Missing transport config is rejected up front.
	resp = ta.do(t, http.MethodPost, "/api/servers", "u1", ServerRequest{
		Name: "broken", Transport: "stdio",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestServerOwnershipIsolation(t *testing.T) {
	ta := newTestAPI(t)

	resp := ta.do(t, http.MethodPost, "/api/servers", "u1", ServerRequest{
		Name: "files", Transport: "stdio", Command: "mcp-files",
	})
	created := decode[ServerResponse](t, resp)

	// Another user cannot see it.
	resp = ta.do(t, http.MethodGet, "/api/servers/"+created.ID, "u2", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for foreign server, got %d", resp.StatusCode)
	}

	// The owner can.
	resp = ta.do(t, http.MethodGet, "/api/servers/"+created.ID, "u1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 for owner, got %d", resp.StatusCode)
	}

	list := decode[[]ServerResponse](t, ta.do(t, http.MethodGet, "/api/servers", "u2", nil))
	if len(list) != 0 {
		t.Errorf("u2 should see no servers, got %d", len(list))
	}
}

func TestUpdateAndDeleteServer(t *testing.T) {
	ta := newTestAPI(t)

	created := decode[ServerResponse](t, ta.do(t, http.MethodPost, "/api/servers", "u1", ServerRequest{
		Name: "files", Transport: "stdio", Command: "mcp-files",
	}))

	resp := ta.do(t, http.MethodPut, "/api/servers/"+created.ID, "u1", ServerRequest{
		DisplayName: "File Tools",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	updated := decode[ServerResponse](t, resp)
	if updated.DisplayName != "File Tools" {
		t.Errorf("display name not updated: %+v", updated)
	}

	resp = ta.do(t, http.MethodDelete, "/api/servers/"+created.ID, "u1", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp = ta.do(t, http.MethodGet, "/api/servers/"+created.ID, "u1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestStartServer_FailureCarriesLogPath(t *testing.T) {
	ta := newTestAPI(t)

	// A command that exits immediately can never complete the handshake.
	created := decode[ServerResponse](t, ta.do(t, http.MethodPost, "/api/servers", "u1", ServerRequest{
		Name: "broken", Transport: "stdio", Command: "true",
	}))

	resp := ta.do(t, http.MethodPost, "/api/servers/"+created.ID+"/start", "u1", nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if body["log_path"] == "" {
		t.Error("start failures must point at the server log")
	}
}

func TestApprovalEndpoints(t *testing.T) {
	ta := newTestAPI(t)

	created := decode[ServerResponse](t, ta.do(t, http.MethodPost, "/api/servers", "u1", ServerRequest{
		Name: "files", Transport: "stdio", Command: "mcp-files",
	}))

	resp := ta.do(t, http.MethodPost, "/api/approvals", "u1", ApprovalRequest{
		ServerID: created.ID,
		ToolName: "read_file",
		Approved: true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	record := decode[ApprovalResponse](t, resp)
	if !record.IsGlobal || !record.AutoApprove {
		t.Errorf("global approval should auto-approve: %+v", record)
	}

	list := decode[[]ApprovalResponse](t, ta.do(t, http.MethodGet, "/api/approvals?conversation_id=c1", "u1", nil))
	if len(list) != 1 {
		t.Fatalf("expected 1 approval, got %d", len(list))
	}

	path := fmt.Sprintf("/api/approvals?server_id=%s&tool_name=read_file", created.ID)
	resp = ta.do(t, http.MethodDelete, path, "u1", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp = ta.do(t, http.MethodDelete, path, "u1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete should 404, got %d", resp.StatusCode)
	}
}

func TestPendingDecision(t *testing.T) {
	ta := newTestAPI(t)
	ctx := context.Background()

	created := decode[ServerResponse](t, ta.do(t, http.MethodPost, "/api/servers", "u1", ServerRequest{
		Name: "files", Transport: "stdio", Command: "mcp-files",
	}))

	data, _ := json.Marshal(store.PendingCallData{
		ToolName: "read_file", ServerID: created.ID, Arguments: json.RawMessage(`{}`),
	})
	msg := &store.Message{
		ConversationID: "c1", UserID: "u1", Role: "assistant",
		Contents: []store.MessageContent{{Kind: store.ContentPendingApproval, Content: data}},
	}
	if err := ta.store.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("seeding message: %v", err)
	}
	contentID := msg.Contents[0].ID
	if contentID == "" {
		loaded, err := ta.store.LatestAssistantMessage(ctx, "c1")
		if err != nil {
			t.Fatalf("loading message: %v", err)
		}
		contentID = loaded.Contents[0].ID
	}

	resp := ta.do(t, http.MethodPost, "/api/approvals/pending/"+contentID, "u1", PendingDecisionRequest{
		Approved:       true,
		Remember:       "conversation",
		ServerID:       created.ID,
		ToolName:       "read_file",
		ConversationID: "c1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	// The content row was patched.
	loaded, err := ta.store.LatestAssistantMessage(ctx, "c1")
	if err != nil {
		t.Fatalf("loading message: %v", err)
	}
	var pending store.PendingCallData
	if err := json.Unmarshal(loaded.Contents[0].Content, &pending); err != nil {
		t.Fatalf("decoding content: %v", err)
	}
	if pending.IsApproved == nil || !*pending.IsApproved {
		t.Error("decision not recorded on the content row")
	}

	// The remembered approval exists.
	list := decode[[]ApprovalResponse](t, ta.do(t, http.MethodGet, "/api/approvals?conversation_id=c1", "u1", nil))
	if len(list) != 1 || list[0].ToolName != "read_file" {
		t.Errorf("remembered approval missing: %+v", list)
	}

	// Unknown content rows 404.
	resp = ta.do(t, http.MethodPost, "/api/approvals/pending/nope", "u1", PendingDecisionRequest{Approved: true})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestRunTurn_BlockedUntilApproved(t *testing.T) {
	ta := newTestAPI(t)
	ctx := context.Background()

	created := decode[ServerResponse](t, ta.do(t, http.MethodPost, "/api/servers", "u1", ServerRequest{
		Name: "files", Transport: "stdio", Command: "mcp-files",
	}))

	data, _ := json.Marshal(store.PendingCallData{
		ToolName: "read_file", ServerID: created.ID, Arguments: json.RawMessage(`{}`),
	})
	msg := &store.Message{
		ConversationID: "c1", UserID: "u1", Role: "assistant",
		Contents: []store.MessageContent{{Kind: store.ContentPendingApproval, Content: data}},
	}
	if err := ta.store.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("seeding message: %v", err)
	}

	resp := ta.do(t, http.MethodPost, "/api/conversations/c1/turn", "u1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	out := decode[map[string]bool](t, resp)
	if out["continue"] || !out["blocked"] {
		t.Errorf("expected a blocked turn, got %v", out)
	}
}

func TestListExecutions_Empty(t *testing.T) {
	ta := newTestAPI(t)

	resp := ta.do(t, http.MethodGet, "/api/executions", "u1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	list := decode[[]ExecutionResponse](t, resp)
	if len(list) != 0 {
		t.Errorf("expected empty list, got %d", len(list))
	}
}

func TestConversationEventStream(t *testing.T) {
	ta := newTestAPI(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ta.ts.URL+"/api/conversations/c1/events", nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	resp, err := ta.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("opening stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %s", ct)
	}

	// Let the subscription land before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for ta.events.SubscriberCount("c1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ta.events.Publish(stream.NewMessageContent("c1", "m1", "mc1"))

	scanner := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = line
			break
		}
	}
	if eventLine != "event: "+stream.TypeNewMessageContent {
		t.Errorf("unexpected event line: %q", eventLine)
	}

	var payload stream.NewMessageContentPayload
	if err := json.Unmarshal([]byte(strings.TrimPrefix(dataLine, "data: ")), &payload); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if payload.MessageContentID != "mc1" {
		t.Errorf("unexpected payload: %+v", payload)
	}
}
