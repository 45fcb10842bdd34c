// ABOUTME: Executes approved tool calls over a server's transport
// ABOUTME: Every attempt gets a call id and an execution log row for audit

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/2389/coven-mcp/internal/protocol"
	"github.com/2389/coven-mcp/internal/store"
	"github.com/2389/coven-mcp/internal/transport"
)

// Request describes one tool invocation to perform.
type Request struct {
	UserID         string
	ConversationID string
	ServerID       string
	ToolName       string
	Arguments      json.RawMessage
}

// Result is the recorded outcome of one invocation. Success false with a
// populated ErrorMessage means the tool itself reported failure; transport
// and protocol breakdowns are returned as errors instead.
type Result struct {
	CallID       string
	Result       json.RawMessage
	Success      bool
	ErrorMessage string
	Duration     time.Duration
}

// Executor runs approved tool calls and records them.
type Executor struct {
	store  store.Store
	logger *slog.Logger
}

func New(st store.Store) *Executor {
	return &Executor{
		store:  st,
		logger: slog.Default().With("component", "executor"),
	}
}

// NewCallID mints the correlation id threaded through the ToolCall and
// ToolResult events of one execution attempt.
func NewCallID() string {
	return "tool-" + strings.ToLower(ulid.Make().String())
}

// Execute invokes the tool through the given transport and records the
// attempt. A non-nil error means no tool result exists at all (transport
// failure, timeout, malformed reply); the caller should surface it as an
// internal error rather than a tool result.
func (e *Executor) Execute(ctx context.Context, tr transport.Transport, callID string, req Request) (*Result, error) {
	logRow := &store.ExecutionLog{
		UserID:         req.UserID,
		ServerID:       req.ServerID,
		ConversationID: req.ConversationID,
		ToolName:       req.ToolName,
		Arguments:      req.Arguments,
		CallID:         callID,
	}
	if err := e.store.CreateExecutionLog(ctx, logRow); err != nil {
		return nil, fmt.Errorf("recording execution: %w", err)
	}

	start := time.Now()
	resp, err := tr.Send(ctx, protocol.NewRequest(protocol.MethodCallTool, protocol.CallToolParams{
		Name:      req.ToolName,
		Arguments: req.Arguments,
	}))
	elapsed := time.Since(start)

	if err != nil {
		code := "transport_error"
		if errors.Is(err, transport.ErrTimeout) {
			code = "timeout"
		}
		e.complete(ctx, logRow.ID, store.ExecutionFailed, nil, err.Error(), code, elapsed)
		return nil, fmt.Errorf("calling %s: %w", req.ToolName, err)
	}
	if resp.Error != nil {
		e.complete(ctx, logRow.ID, store.ExecutionFailed, nil, resp.Error.Message,
			fmt.Sprintf("rpc_%d", resp.Error.Code), elapsed)
		return nil, fmt.Errorf("calling %s: %w", req.ToolName, resp.Error)
	}

	var callResult protocol.CallToolResult
	if err := json.Unmarshal(resp.Result, &callResult); err != nil {
		e.complete(ctx, logRow.ID, store.ExecutionFailed, nil, err.Error(), "bad_result", elapsed)
		return nil, fmt.Errorf("decoding result of %s: %w", req.ToolName, err)
	}

	res := &Result{
		CallID:   callID,
		Result:   resp.Result,
		Success:  callResult.IsError == nil || !*callResult.IsError,
		Duration: elapsed,
	}
	if !res.Success {
		res.ErrorMessage = firstText(callResult.Content)
		e.complete(ctx, logRow.ID, store.ExecutionFailed, resp.Result, res.ErrorMessage, "tool_error", elapsed)
	} else {
		e.complete(ctx, logRow.ID, store.ExecutionCompleted, resp.Result, "", "", elapsed)
		if err := e.store.RecordToolUsage(ctx, req.ServerID, req.ToolName); err != nil {
			e.logger.Warn("recording tool usage failed",
				"server_id", req.ServerID, "tool", req.ToolName, "error", err)
		}
	}

	e.logger.Info("tool executed",
		"tool", req.ToolName, "server_id", req.ServerID,
		"call_id", callID, "success", res.Success, "duration_ms", elapsed.Milliseconds())
	return res, nil
}

func (e *Executor) complete(ctx context.Context, id, status string, result json.RawMessage, errMsg, errCode string, elapsed time.Duration) {
	if err := e.store.CompleteExecutionLog(ctx, id, status, result, errMsg, errCode, elapsed.Milliseconds()); err != nil {
		e.logger.Warn("completing execution log failed", "execution_id", id, "error", err)
	}
}

// firstText pulls the first text content item out of a failed result so the
// error message carries something human-readable.
func firstText(items []protocol.ToolContent) string {
	for _, item := range items {
		if item.Type == "text" && item.Text != "" {
			return item.Text
		}
	}
	return "tool reported an error"
}
