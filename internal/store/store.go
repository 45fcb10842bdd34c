// ABOUTME: Store interface and data types for coven-mcp persistence
// ABOUTME: Defines Server, Tool, Approval, Message and ExecutionLog plus the Store interface

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateServer is returned when creating a server whose (owner, name) already exists
var ErrDuplicateServer = errors.New("server already exists")

// TransportKind selects how the hub talks to a tool server
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
	TransportSSE   TransportKind = "sse"
)

// ServerStatus values persisted in the status column
const (
	StatusStopped  = "stopped"
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusFailed   = "failed"
)

// SystemOwner is the owner value for servers provisioned by the hub itself
// rather than by a user.
const SystemOwner = "system"

// Server is the descriptor plus persisted runtime state for one tool server.
// Descriptor fields are written by the admin API; runtime fields are written
// by the server manager.
type Server struct {
	ID          string
	Owner       string // user id, or SystemOwner
	Name        string
	DisplayName string
	Description string
	Enabled     bool
	IsSystem    bool

	Transport TransportKind

	// Stdio config
	Command string
	Args    []string
	Env     map[string]string

	// Http/Sse config
	URL     string
	Headers map[string]string

	TimeoutSeconds     int
	MaxRestartAttempts int

	// Runtime state (source of truth across hub restarts)
	Status          string
	IsActive        bool
	LastHealthCheck *time.Time
	RestartCount    int
	LastRestartAt   *time.Time
	ProcessID       *int
	Port            *int

	ToolsDiscoveredAt *time.Time
	ToolCount         int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Tool is one cached entry of a server's discovered tool set. The set for a
// server is replaced wholesale on every discovery cycle.
type Tool struct {
	ID           string
	ServerID     string
	Name         string
	Description  string
	InputSchema  json.RawMessage
	DiscoveredAt time.Time
	LastUsedAt   *time.Time
	UsageCount   int
}

// ToolWithServer joins a cached tool with identifying fields of its server,
// used when resolving a tool by name across servers.
type ToolWithServer struct {
	Tool
	ServerName        string
	ServerDisplayName string
	IsSystem          bool
	Transport         TransportKind
}

// Approval is a trust decision for (user, server, tool), either global
// (conversation-independent, auto-approving) or scoped to one conversation.
// IsGlobal determines which unique key applies.
type Approval struct {
	ID             string
	UserID         string
	ConversationID string // empty for global records
	ServerID       string
	ToolName       string
	Approved       bool
	AutoApprove    bool
	IsGlobal       bool
	ApprovedAt     *time.Time
	ExpiresAt      *time.Time
	Notes          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Expired reports whether the approval's expiry, if any, has passed.
func (a *Approval) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}

// Content kinds for message content rows
const (
	ContentText            = "text"
	ContentPendingApproval = "tool_call_pending_approval"
	ContentToolCall        = "tool_call"
	ContentToolResult      = "tool_result"
)

// Message is one conversational turn. Contents are ordered by SequenceOrder.
type Message struct {
	ID             string
	ConversationID string
	UserID         string
	Role           string // "user" | "assistant"
	Contents       []MessageContent
	CreatedAt      time.Time
}

// MessageContent is one content item within a message. Content holds the
// kind-specific JSON payload (see PendingCallData, ToolCallData,
// ToolResultData in this package).
type MessageContent struct {
	ID            string
	MessageID     string
	Kind          string
	Content       json.RawMessage
	SequenceOrder int
	CreatedAt     time.Time
}

// PendingCallData is the payload of a tool_call_pending_approval content row.
// IsApproved is nil while the decision is outstanding; the row is patched in
// place once a decision is made.
type PendingCallData struct {
	ToolName   string          `json:"tool_name"`
	ServerID   string          `json:"server_id"`
	Arguments  json.RawMessage `json:"arguments"`
	IsApproved *bool           `json:"is_approved"`
}

// ToolCallData is the payload of a tool_call content row.
type ToolCallData struct {
	ToolName  string          `json:"tool_name"`
	ServerID  string          `json:"server_id"`
	Arguments json.RawMessage `json:"arguments"`
	CallID    string          `json:"call_id"`
}

// ToolResultData is the payload of a tool_result content row.
type ToolResultData struct {
	CallID       string          `json:"call_id"`
	Result       json.RawMessage `json:"result"`
	Success      bool            `json:"success"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// Execution statuses for execution log rows
const (
	ExecutionPending   = "pending"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
)

// ExecutionLog records one attempted tool execution for audit and debugging.
type ExecutionLog struct {
	ID             string
	UserID         string
	ServerID       string
	ConversationID string
	ToolName       string
	Arguments      json.RawMessage
	CallID         string
	Status         string
	Result         json.RawMessage
	ErrorMessage   string
	ErrorCode      string
	DurationMs     *int64
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// ServerFilter narrows ListServers.
type ServerFilter struct {
	Owner         string // match owner exactly when non-empty
	IncludeSystem bool   // also include system servers when filtering by owner
	EnabledOnly   bool
}

// Store defines the persistence operations the hub core depends on
type Store interface {
	// Servers (descriptor + persisted runtime state)
	CreateServer(ctx context.Context, s *Server) error
	GetServer(ctx context.Context, id string) (*Server, error)
	ListServers(ctx context.Context, filter ServerFilter) ([]*Server, error)
	UpdateServer(ctx context.Context, s *Server) error
	DeleteServer(ctx context.Context, id string) error
	UpdateServerRuntime(ctx context.Context, id string, pid, port *int, status string, active bool) error
	IncrementRestartCount(ctx context.Context, id string) error
	UpdateServerToolInfo(ctx context.Context, id string, toolCount int, discoveredAt time.Time) error

	// Tool cache (replaced wholesale per discovery)
	ReplaceServerTools(ctx context.Context, serverID string, tools []Tool) error
	ListServerTools(ctx context.Context, serverID string) ([]*Tool, error)
	FindToolByName(ctx context.Context, userID, toolName string, serverID string) (*ToolWithServer, error)
	RecordToolUsage(ctx context.Context, serverID, toolName string) error

	// Approvals
	UpsertGlobalApproval(ctx context.Context, a *Approval) (*Approval, error)
	UpsertConversationApproval(ctx context.Context, a *Approval) (*Approval, error)
	GetGlobalApproval(ctx context.Context, userID, serverID, toolName string) (*Approval, error)
	GetConversationApproval(ctx context.Context, userID, conversationID, serverID, toolName string) (*Approval, error)
	ListConversationApprovals(ctx context.Context, userID, conversationID string, includeExpired bool) ([]*Approval, error)
	DeleteGlobalApproval(ctx context.Context, userID, serverID, toolName string) (bool, error)
	DeleteConversationApproval(ctx context.Context, userID, conversationID, serverID, toolName string) (bool, error)
	DeleteExpiredApprovals(ctx context.Context) (int, error)

	// Messages (conversational trace)
	CreateMessage(ctx context.Context, m *Message) error
	AppendMessageContent(ctx context.Context, messageID, kind string, content any) (string, error)
	LatestAssistantMessage(ctx context.Context, conversationID string) (*Message, error)
	SetPendingApprovalDecision(ctx context.Context, contentID string, approved bool) error

	// Execution logs
	CreateExecutionLog(ctx context.Context, l *ExecutionLog) error
	CompleteExecutionLog(ctx context.Context, id, status string, result json.RawMessage, errMsg, errCode string, durationMs int64) error
	ListExecutionLogs(ctx context.Context, userID string, limit int) ([]*ExecutionLog, error)

	// Close releases any resources held by the store
	Close() error
}
