// ABOUTME: Stream event types delivered to chat clients during a tool-call cycle
// ABOUTME: A NewMessageContent event always immediately precedes its meaning event

package stream

import "encoding/json"

// Event type names on the wire
const (
	TypeNewMessageContent       = "new_message_content"
	TypeToolCallPendingApproval = "tool_call_pending_approval"
	TypeToolCall                = "tool_call"
	TypeToolResult              = "tool_result"
	TypeSystemInternalError     = "system_internal_error"
)

// Event is one item on a conversation's live stream.
type Event struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id"`
	Payload        json.RawMessage `json:"payload"`
}

// NewMessageContentPayload announces that a content row was appended. It is
// always immediately followed by the event describing what that content
// means.
type NewMessageContentPayload struct {
	MessageContentID string `json:"message_content_id"`
	MessageID        string `json:"message_id"`
}

// ToolCallPendingApprovalPayload asks the client to render an approval
// prompt for a proposed tool call.
type ToolCallPendingApprovalPayload struct {
	MessageContentID string          `json:"message_content_id"`
	MessageID        string          `json:"message_id"`
	ToolName         string          `json:"tool_name"`
	ServerID         string          `json:"server_id"`
	Arguments        json.RawMessage `json:"arguments"`
}

// ToolCallPayload announces that an approved call is executing.
type ToolCallPayload struct {
	MessageContentID string          `json:"message_content_id"`
	MessageID        string          `json:"message_id"`
	ToolName         string          `json:"tool_name"`
	ServerID         string          `json:"server_id"`
	Arguments        json.RawMessage `json:"arguments"`
	CallID           string          `json:"call_id"`
}

// ToolResultPayload carries the outcome of an executed call, correlated by
// call id.
type ToolResultPayload struct {
	MessageContentID string          `json:"message_content_id"`
	MessageID        string          `json:"message_id"`
	CallID           string          `json:"call_id"`
	Result           json.RawMessage `json:"result"`
	Success          bool            `json:"success"`
	ErrorMessage     string          `json:"error_message,omitempty"`
}

// SystemInternalErrorPayload surfaces an execution failure to the client
// without crashing the chat request.
type SystemInternalErrorPayload struct {
	Message string `json:"message"`
}

func newEvent(conversationID, eventType string, payload any) *Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("{}")
	}
	return &Event{Type: eventType, ConversationID: conversationID, Payload: raw}
}

// NewMessageContent builds the announcement event for a content row.
func NewMessageContent(conversationID, messageID, contentID string) *Event {
	return newEvent(conversationID, TypeNewMessageContent, NewMessageContentPayload{
		MessageContentID: contentID,
		MessageID:        messageID,
	})
}

// PendingApproval builds the approval-prompt event.
func PendingApproval(conversationID string, p ToolCallPendingApprovalPayload) *Event {
	return newEvent(conversationID, TypeToolCallPendingApproval, p)
}

// ToolCall builds the executing-call event.
func ToolCall(conversationID string, p ToolCallPayload) *Event {
	return newEvent(conversationID, TypeToolCall, p)
}

// ToolResult builds the call-outcome event.
func ToolResult(conversationID string, p ToolResultPayload) *Event {
	return newEvent(conversationID, TypeToolResult, p)
}

// InternalError builds the failure event.
func InternalError(conversationID, message string) *Event {
	return newEvent(conversationID, TypeSystemInternalError, SystemInternalErrorPayload{Message: message})
}
