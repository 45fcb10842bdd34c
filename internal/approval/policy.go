// ABOUTME: Two-tier tool approval policy: global records outrank conversation records
// ABOUTME: Every check is a fresh lookup; expiry is evaluated at read time

package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-mcp/internal/store"
)

// Source names which tier produced an approval.
type Source string

const (
	SourceGlobal       Source = "global"
	SourceConversation Source = "conversation"
)

// Decision is the outcome of a policy check. A nil Decision means no
// applicable record exists: the caller must treat that as "not approved,"
// not as a denial.
type Decision struct {
	Approved bool
	Source   Source
}

// Policy evaluates and records tool-approval decisions.
type Policy struct {
	store  store.Store
	logger *slog.Logger
}

// New creates a Policy backed by the given store.
func New(st store.Store) *Policy {
	return &Policy{
		store:  st,
		logger: slog.Default().With("component", "approval"),
	}
}

// Check resolves whether (user, conversation, server, tool) is approved.
// Global precedence is absolute: a live global auto-approve short-circuits
// before the conversation record is even consulted. Records with
// approved=false fall through exactly like missing records.
func (p *Policy) Check(ctx context.Context, userID, conversationID, serverID, toolName string) (*Decision, error) {
	global, err := p.store.GetGlobalApproval(ctx, userID, serverID, toolName)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("checking global approval: %w", err)
	}
	if global != nil && global.Approved && global.AutoApprove {
		return &Decision{Approved: true, Source: SourceGlobal}, nil
	}

	conv, err := p.store.GetConversationApproval(ctx, userID, conversationID, serverID, toolName)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("checking conversation approval: %w", err)
	}
	if conv != nil && conv.Approved {
		return &Decision{Approved: true, Source: SourceConversation}, nil
	}

	return nil, nil
}

// SetGlobal upserts a user-wide auto-approve record. An approval is global
// only if it auto-approves, so the two flags are kept equal.
func (p *Policy) SetGlobal(ctx context.Context, userID, serverID, toolName string, approved bool, expiresAt *time.Time, notes string) (*store.Approval, error) {
	a, err := p.store.UpsertGlobalApproval(ctx, &store.Approval{
		UserID:      userID,
		ServerID:    serverID,
		ToolName:    toolName,
		Approved:    approved,
		AutoApprove: approved,
		IsGlobal:    true,
		ExpiresAt:   expiresAt,
		Notes:       notes,
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info("global approval set",
		"user_id", userID, "server_id", serverID, "tool", toolName, "approved", approved)
	return a, nil
}

// SetConversation upserts a single-conversation decision.
func (p *Policy) SetConversation(ctx context.Context, userID, conversationID, serverID, toolName string, approved bool, expiresAt *time.Time, notes string) (*store.Approval, error) {
	a, err := p.store.UpsertConversationApproval(ctx, &store.Approval{
		UserID:         userID,
		ConversationID: conversationID,
		ServerID:       serverID,
		ToolName:       toolName,
		Approved:       approved,
		IsGlobal:       false,
		ExpiresAt:      expiresAt,
		Notes:          notes,
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info("conversation approval set",
		"user_id", userID, "conversation_id", conversationID,
		"server_id", serverID, "tool", toolName, "approved", approved)
	return a, nil
}

// RevokeGlobal removes a user-wide record.
func (p *Policy) RevokeGlobal(ctx context.Context, userID, serverID, toolName string) (bool, error) {
	return p.store.DeleteGlobalApproval(ctx, userID, serverID, toolName)
}

// RevokeConversation removes a conversation-scoped record.
func (p *Policy) RevokeConversation(ctx context.Context, userID, conversationID, serverID, toolName string) (bool, error) {
	return p.store.DeleteConversationApproval(ctx, userID, conversationID, serverID, toolName)
}

// List returns the approvals visible to a conversation, optionally keeping
// expired rows for inspection.
func (p *Policy) List(ctx context.Context, userID, conversationID string, includeExpired bool) ([]*store.Approval, error) {
	return p.store.ListConversationApprovals(ctx, userID, conversationID, includeExpired)
}

// CleanExpired opportunistically deletes expired rows. Expired records are
// already invisible to Check; this just reclaims the space.
func (p *Policy) CleanExpired(ctx context.Context) (int, error) {
	n, err := p.store.DeleteExpiredApprovals(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.logger.Info("expired approvals removed", "count", n)
	}
	return n, nil
}
