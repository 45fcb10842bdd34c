// ABOUTME: Approval CRUD endpoints and the pending-call decision endpoint
// ABOUTME: Approving a pending call can also persist an ongoing trust record

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/coven-mcp/internal/store"
)

// ApprovalRequest is the JSON body for POST /api/approvals.
type ApprovalRequest struct {
	ServerID       string     `json:"server_id"`
	ToolName       string     `json:"tool_name"`
	ConversationID string     `json:"conversation_id,omitempty"` // empty means global
	Approved       bool       `json:"approved"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Notes          string     `json:"notes,omitempty"`
}

// ApprovalResponse is the JSON shape of one approval record.
type ApprovalResponse struct {
	ID             string     `json:"id"`
	ServerID       string     `json:"server_id"`
	ToolName       string     `json:"tool_name"`
	ConversationID string     `json:"conversation_id,omitempty"`
	IsGlobal       bool       `json:"is_global"`
	Approved       bool       `json:"approved"`
	AutoApprove    bool       `json:"auto_approve"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Notes          string     `json:"notes,omitempty"`
}

// PendingDecisionRequest is the JSON body for deciding a pending call.
// Remember controls whether the decision also becomes a standing approval:
// "" (one-shot), "conversation", or "global".
type PendingDecisionRequest struct {
	Approved       bool   `json:"approved"`
	Remember       string `json:"remember,omitempty"`
	ServerID       string `json:"server_id,omitempty"`
	ToolName       string `json:"tool_name,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

func approvalResponse(a *store.Approval) ApprovalResponse {
	return ApprovalResponse{
		ID:             a.ID,
		ServerID:       a.ServerID,
		ToolName:       a.ToolName,
		ConversationID: a.ConversationID,
		IsGlobal:       a.IsGlobal,
		Approved:       a.Approved,
		AutoApprove:    a.AutoApprove,
		ExpiresAt:      a.ExpiresAt,
		Notes:          a.Notes,
	}
}

func (a *API) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")
	includeExpired := r.URL.Query().Get("include_expired") == "true"

	approvals, err := a.policy.List(r.Context(), a.userID(r), conversationID, includeExpired)
	if err != nil {
		a.logger.Error("listing approvals failed", "error", err)
		a.sendError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]ApprovalResponse, 0, len(approvals))
	for _, ap := range approvals {
		out = append(out, approvalResponse(ap))
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *API) handleSetApproval(w http.ResponseWriter, r *http.Request) {
	var req ApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.sendError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ServerID == "" || req.ToolName == "" {
		a.sendError(w, http.StatusBadRequest, "server_id and tool_name are required")
		return
	}

	var (
		record *store.Approval
		err    error
	)
	if req.ConversationID == "" {
		record, err = a.policy.SetGlobal(r.Context(), a.userID(r), req.ServerID, req.ToolName,
			req.Approved, req.ExpiresAt, req.Notes)
	} else {
		record, err = a.policy.SetConversation(r.Context(), a.userID(r), req.ConversationID,
			req.ServerID, req.ToolName, req.Approved, req.ExpiresAt, req.Notes)
	}
	if err != nil {
		a.logger.Error("setting approval failed", "error", err)
		a.sendError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	a.writeJSON(w, http.StatusOK, approvalResponse(record))
}

func (a *API) handleDeleteApproval(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	serverID, toolName := q.Get("server_id"), q.Get("tool_name")
	if serverID == "" || toolName == "" {
		a.sendError(w, http.StatusBadRequest, "server_id and tool_name are required")
		return
	}

	var (
		deleted bool
		err     error
	)
	if conversationID := q.Get("conversation_id"); conversationID == "" {
		deleted, err = a.policy.RevokeGlobal(r.Context(), a.userID(r), serverID, toolName)
	} else {
		deleted, err = a.policy.RevokeConversation(r.Context(), a.userID(r), conversationID, serverID, toolName)
	}
	if err != nil {
		a.logger.Error("revoking approval failed", "error", err)
		a.sendError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !deleted {
		a.sendError(w, http.StatusNotFound, "approval not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePendingDecision patches a pending-approval content row so a retried
// chat turn can proceed (or stay blocked on denial). When Remember is set
// the decision also becomes a standing approval record.
func (a *API) handlePendingDecision(w http.ResponseWriter, r *http.Request) {
	contentID := r.PathValue("contentID")

	var req PendingDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.sendError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := a.store.SetPendingApprovalDecision(r.Context(), contentID, req.Approved); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.sendError(w, http.StatusNotFound, "pending call not found")
			return
		}
		a.logger.Error("recording pending decision failed", "content_id", contentID, "error", err)
		a.sendError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if req.Approved && req.Remember != "" {
		if req.ServerID == "" || req.ToolName == "" {
			a.sendError(w, http.StatusBadRequest, "remembering requires server_id and tool_name")
			return
		}
		var err error
		switch req.Remember {
		case "global":
			_, err = a.policy.SetGlobal(r.Context(), a.userID(r), req.ServerID, req.ToolName, true, nil, "")
		case "conversation":
			if req.ConversationID == "" {
				a.sendError(w, http.StatusBadRequest, "remembering per conversation requires conversation_id")
				return
			}
			_, err = a.policy.SetConversation(r.Context(), a.userID(r), req.ConversationID,
				req.ServerID, req.ToolName, true, nil, "")
		default:
			a.sendError(w, http.StatusBadRequest, "remember must be global or conversation")
			return
		}
		if err != nil {
			a.logger.Error("persisting remembered approval failed", "error", err)
			a.sendError(w, http.StatusInternalServerError, "internal server error")
			return
		}
	}

	a.writeJSON(w, http.StatusOK, map[string]bool{"approved": req.Approved})
}

// ExecutionResponse is the JSON shape of one execution log row.
type ExecutionResponse struct {
	ID             string          `json:"id"`
	ServerID       string          `json:"server_id"`
	ConversationID string          `json:"conversation_id,omitempty"`
	ToolName       string          `json:"tool_name"`
	CallID         string          `json:"call_id"`
	Status         string          `json:"status"`
	Result         json.RawMessage `json:"result,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	ErrorCode      string          `json:"error_code,omitempty"`
	DurationMs     *int64          `json:"duration_ms,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (a *API) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			a.sendError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	logs, err := a.store.ListExecutionLogs(r.Context(), a.userID(r), limit)
	if err != nil {
		a.logger.Error("listing executions failed", "error", err)
		a.sendError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]ExecutionResponse, 0, len(logs))
	for _, l := range logs {
		out = append(out, ExecutionResponse{
			ID:             l.ID,
			ServerID:       l.ServerID,
			ConversationID: l.ConversationID,
			ToolName:       l.ToolName,
			CallID:         l.CallID,
			Status:         l.Status,
			Result:         l.Result,
			ErrorMessage:   l.ErrorMessage,
			ErrorCode:      l.ErrorCode,
			DurationMs:     l.DurationMs,
			CreatedAt:      l.CreatedAt,
		})
	}
	a.writeJSON(w, http.StatusOK, out)
}
