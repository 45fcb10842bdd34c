// ABOUTME: Chat-turn state machine gating tool calls behind approval
// ABOUTME: Approved calls execute and record in a fixed event order; pending calls halt the turn

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/coven-mcp/internal/approval"
	"github.com/2389/coven-mcp/internal/executor"
	"github.com/2389/coven-mcp/internal/registry"
	"github.com/2389/coven-mcp/internal/store"
	"github.com/2389/coven-mcp/internal/stream"
)

// ErrInvalidPendingCall marks a pending-approval content row whose payload
// cannot be parsed. The turn halts with a visible error instead of silently
// dropping the conversation.
var ErrInvalidPendingCall = errors.New("pending tool call content is malformed")

// TurnOutcome tells the chat loop what to do after the gate ran.
type TurnOutcome struct {
	// Continue is true when the loop should give the model another pass
	// (either nothing was pending, or the call executed and its result is
	// now in context).
	Continue bool
	// Blocked is true when the turn is waiting on an approval decision.
	Blocked bool
}

// ProposedCall is a brand-new tool request from the model.
type ProposedCall struct {
	ToolName  string
	ServerID  string
	Arguments json.RawMessage
}

// Orchestrator runs the per-turn pending-call gate and the
// execute-and-record pipeline.
type Orchestrator struct {
	store    store.Store
	policy   *approval.Policy
	registry *registry.Registry
	executor *executor.Executor
	events   *stream.Broadcaster
	logger   *slog.Logger
}

func New(st store.Store, policy *approval.Policy, reg *registry.Registry, exec *executor.Executor, events *stream.Broadcaster) *Orchestrator {
	return &Orchestrator{
		store:    st,
		policy:   policy,
		registry: reg,
		executor: exec,
		events:   events,
		logger:   slog.Default().With("component", "orchestrator"),
	}
}

// HandleToolRequest records a new tool proposal as a pending-approval
// content row and notifies the stream. The caller must stop generating
// further content for this turn.
func (o *Orchestrator) HandleToolRequest(ctx context.Context, conversationID, messageID string, call ProposedCall) error {
	data := store.PendingCallData{
		ToolName:  call.ToolName,
		ServerID:  call.ServerID,
		Arguments: call.Arguments,
	}
	contentID, err := o.store.AppendMessageContent(ctx, messageID, store.ContentPendingApproval, data)
	if err != nil {
		return fmt.Errorf("persisting pending call: %w", err)
	}

	o.events.Publish(stream.NewMessageContent(conversationID, messageID, contentID))
	o.events.Publish(stream.PendingApproval(conversationID, stream.ToolCallPendingApprovalPayload{
		MessageContentID: contentID,
		MessageID:        messageID,
		ToolName:         call.ToolName,
		ServerID:         call.ServerID,
		Arguments:        call.Arguments,
	}))

	o.logger.Info("tool call awaiting approval",
		"conversation_id", conversationID, "tool", call.ToolName, "server_id", call.ServerID)
	return nil
}

// RunTurn checks the conversation's latest assistant message for a pending
// tool call and advances the state machine. When nothing is pending the
// loop proceeds normally. A pending call either blocks the turn (not
// approved), or executes and records, after which the loop continues with
// the result in context.
func (o *Orchestrator) RunTurn(ctx context.Context, userID, conversationID string) (TurnOutcome, error) {
	msg, err := o.store.LatestAssistantMessage(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return TurnOutcome{Continue: true}, nil
	}
	if err != nil {
		return TurnOutcome{}, fmt.Errorf("loading latest assistant message: %w", err)
	}
	if len(msg.Contents) == 0 {
		return TurnOutcome{Continue: true}, nil
	}

	last := msg.Contents[len(msg.Contents)-1]
	if last.Kind != store.ContentPendingApproval {
		return TurnOutcome{Continue: true}, nil
	}

	var pending store.PendingCallData
	if err := json.Unmarshal(last.Content, &pending); err != nil || pending.ToolName == "" {
		o.events.Publish(stream.InternalError(conversationID, "pending tool call could not be read"))
		if err == nil {
			err = errors.New("missing tool name")
		}
		return TurnOutcome{}, fmt.Errorf("%w: %v", ErrInvalidPendingCall, err)
	}

	approved, err := o.isApproved(ctx, userID, conversationID, &pending)
	if err != nil {
		o.events.Publish(stream.InternalError(conversationID, "approval check failed"))
		return TurnOutcome{}, err
	}
	if !approved {
		// Re-emit the prompt so a freshly connected client can render it.
		// The conversation stays blocked until an external approval call
		// patches the content row and the turn is retried.
		o.events.Publish(stream.PendingApproval(conversationID, stream.ToolCallPendingApprovalPayload{
			MessageContentID: last.ID,
			MessageID:        msg.ID,
			ToolName:         pending.ToolName,
			ServerID:         pending.ServerID,
			Arguments:        pending.Arguments,
		}))
		return TurnOutcome{Blocked: true}, nil
	}

	return o.executeAndRecord(ctx, userID, conversationID, msg.ID, &pending)
}

// isApproved consults the approval policy first (global precedence, then
// conversation scope), falling back to the one-shot decision patched onto
// the content row itself.
func (o *Orchestrator) isApproved(ctx context.Context, userID, conversationID string, pending *store.PendingCallData) (bool, error) {
	decision, err := o.policy.Check(ctx, userID, conversationID, pending.ServerID, pending.ToolName)
	if err != nil {
		return false, err
	}
	if decision != nil && decision.Approved {
		return true, nil
	}
	return pending.IsApproved != nil && *pending.IsApproved, nil
}

// executeAndRecord runs the approved call and persists/streams the trace.
// The event order within one cycle is fixed: NewMessageContent, ToolCall,
// NewMessageContent, ToolResult. Execution failures become a
// SystemInternalError event and halt the loop; they never propagate to the
// HTTP caller.
func (o *Orchestrator) executeAndRecord(ctx context.Context, userID, conversationID, messageID string, pending *store.PendingCallData) (TurnOutcome, error) {
	callID := executor.NewCallID()

	callContentID, err := o.store.AppendMessageContent(ctx, messageID, store.ContentToolCall, store.ToolCallData{
		ToolName:  pending.ToolName,
		ServerID:  pending.ServerID,
		Arguments: pending.Arguments,
		CallID:    callID,
	})
	if err != nil {
		o.events.Publish(stream.InternalError(conversationID, "recording tool call failed"))
		return TurnOutcome{}, fmt.Errorf("persisting tool call: %w", err)
	}

	o.events.Publish(stream.NewMessageContent(conversationID, messageID, callContentID))
	o.events.Publish(stream.ToolCall(conversationID, stream.ToolCallPayload{
		MessageContentID: callContentID,
		MessageID:        messageID,
		ToolName:         pending.ToolName,
		ServerID:         pending.ServerID,
		Arguments:        pending.Arguments,
		CallID:           callID,
	}))

	handle, ok := o.registry.Get(pending.ServerID)
	if !ok {
		o.events.Publish(stream.InternalError(conversationID,
			fmt.Sprintf("server for tool %s is not running", pending.ToolName)))
		return TurnOutcome{}, nil
	}

	res, err := o.executor.Execute(ctx, handle.Transport, callID, executor.Request{
		UserID:         userID,
		ConversationID: conversationID,
		ServerID:       pending.ServerID,
		ToolName:       pending.ToolName,
		Arguments:      pending.Arguments,
	})
	if err != nil {
		o.logger.Error("tool execution failed",
			"conversation_id", conversationID, "tool", pending.ToolName, "error", err)
		o.events.Publish(stream.InternalError(conversationID,
			fmt.Sprintf("executing %s failed", pending.ToolName)))
		return TurnOutcome{}, nil
	}

	resultContentID, err := o.store.AppendMessageContent(ctx, messageID, store.ContentToolResult, store.ToolResultData{
		CallID:       res.CallID,
		Result:       res.Result,
		Success:      res.Success,
		ErrorMessage: res.ErrorMessage,
	})
	if err != nil {
		o.events.Publish(stream.InternalError(conversationID, "recording tool result failed"))
		return TurnOutcome{}, fmt.Errorf("persisting tool result: %w", err)
	}

	o.events.Publish(stream.NewMessageContent(conversationID, messageID, resultContentID))
	o.events.Publish(stream.ToolResult(conversationID, stream.ToolResultPayload{
		MessageContentID: resultContentID,
		MessageID:        messageID,
		CallID:           res.CallID,
		Result:           res.Result,
		Success:          res.Success,
		ErrorMessage:     res.ErrorMessage,
	}))

	return TurnOutcome{Continue: true}, nil
}
