// ABOUTME: MCP initialize handshake payloads and tool-call request/result types.
// ABOUTME: Mirrors the subset of the MCP surface this hub exercises.

package protocol

import "encoding/json"

// InitializeParams is the params payload of the initialize request.
type InitializeParams struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ClientInfo      ClientInfo   `json:"clientInfo"`
}

// Capabilities advertises what this client supports.
type Capabilities struct {
	Roots    *RootsCapability `json:"roots,omitempty"`
	Sampling map[string]any   `json:"sampling,omitempty"`
}

// RootsCapability signals filesystem-root support.
type RootsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ClientInfo identifies the connecting client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the result payload of a successful initialize.
type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ServerInfo      ServerInfo      `json:"serverInfo"`
	Instructions    string          `json:"instructions,omitempty"`
}

// ServerInfo identifies the remote tool server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// NewInitializeRequest builds the standard handshake request.
func NewInitializeRequest() *Request {
	return NewRequestWithID("init", MethodInitialize, InitializeParams{
		ProtocolVersion: Version,
		Capabilities: Capabilities{
			Roots:    &RootsCapability{ListChanged: true},
			Sampling: map[string]any{},
		},
		ClientInfo: ClientInfo{Name: ClientName, Version: ClientVersion},
	})
}

// NewInitializedNotification completes the handshake. No response is expected.
func NewInitializedNotification() *Request {
	return NewNotification(MethodInitialized, nil)
}

// Tool describes one tool offered by a server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ListToolsResult is the result payload of tools/list.
type ListToolsResult struct {
	Tools      []Tool  `json:"tools"`
	NextCursor *string `json:"nextCursor,omitempty"`
}

// CallToolParams is the params payload of tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult is the result payload of tools/call.
type CallToolResult struct {
	Content []ToolContent `json:"content"`
	IsError *bool         `json:"isError,omitempty"`
}

// ToolContent is one content item in a tool result. Type is "text",
// "image", or "resource"; only the fields for that type are populated.
type ToolContent struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Data     string          `json:"data,omitempty"`
	MimeType string          `json:"mimeType,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}
