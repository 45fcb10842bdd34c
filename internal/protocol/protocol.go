// ABOUTME: JSON-RPC 2.0 envelopes and MCP method/error constants for talking to tool servers.
// ABOUTME: Defines Request, Response, Notification and the initialize handshake payloads.

package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Version is the MCP protocol version this client speaks during the
// initialize handshake.
const Version = "2024-11-05"

// ClientName and ClientVersion identify this hub in clientInfo.
const (
	ClientName    = "coven-mcp"
	ClientVersion = "1.0.0"
)

// MCP method names.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodListTools   = "tools/list"
	MethodCallTool    = "tools/call"
	MethodPing        = "ping"

	MethodNotifyMessage   = "notifications/message"
	MethodNotifyProgress  = "notifications/progress"
	MethodNotifyCancelled = "notifications/cancelled"
)

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is a JSON-RPC 2.0 request. A request without an ID is a
// notification and expects no response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  any             `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response. Exactly one of Result or Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Notification is a server-initiated message with no ID.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface so protocol errors can be wrapped.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request with a fresh UUID id.
func NewRequest(method string, params any) *Request {
	id, _ := json.Marshal(uuid.New().String())
	return &Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// NewRequestWithID builds a request with a caller-chosen string id.
func NewRequestWithID(id, method string, params any) *Request {
	raw, _ := json.Marshal(id)
	return &Request{
		JSONRPC: "2.0",
		ID:      raw,
		Method:  method,
		Params:  params,
	}
}

// NewNotification builds a request without an id.
func NewNotification(method string, params any) *Request {
	return &Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	}
}

// CorrelationKey normalizes a raw JSON id to a string usable as a map key.
// String ids keep their value, numeric ids keep their decimal form.
func CorrelationKey(id json.RawMessage) string {
	if len(id) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(id, &s); err == nil {
		return s
	}
	return string(id)
}

// CorrelationKeyOf returns the correlation key for a request, or "" for
// notifications.
func (r *Request) CorrelationKey() string {
	return CorrelationKey(r.ID)
}

// Frame is a decoded inbound message: either a response or a notification.
type Frame struct {
	Response     *Response
	Notification *Notification
}

// DecodeFrame classifies a raw JSON body by shape: a frame carrying an "id"
// field is a response to an in-flight request, a frame carrying a "method"
// field is a server-initiated notification. Anything else is an error.
func DecodeFrame(data []byte) (*Frame, error) {
	var probe struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}

	if len(probe.ID) > 0 {
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("decoding response frame: %w", err)
		}
		return &Frame{Response: &resp}, nil
	}

	if probe.Method != "" {
		var notif Notification
		if err := json.Unmarshal(data, &notif); err != nil {
			return nil, fmt.Errorf("decoding notification frame: %w", err)
		}
		return &Frame{Notification: &notif}, nil
	}

	return nil, fmt.Errorf("frame has neither id nor method")
}
