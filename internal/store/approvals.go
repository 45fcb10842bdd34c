// ABOUTME: Tool approval persistence with two scopes, global and per-conversation
// ABOUTME: Upserts are update-then-insert; expiry is evaluated at read time

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const approvalColumns = `
	id, user_id, conversation_id, server_id, tool_name,
	approved, auto_approve, is_global, approved_at, expires_at, notes,
	created_at, updated_at`

func scanApproval(row interface{ Scan(...any) error }) (*Approval, error) {
	var a Approval
	var convID sql.NullString
	var approvedAt, expires sql.NullTime
	err := row.Scan(&a.ID, &a.UserID, &convID, &a.ServerID, &a.ToolName,
		&a.Approved, &a.AutoApprove, &a.IsGlobal, &approvedAt, &expires,
		&a.Notes, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if convID.Valid {
		a.ConversationID = convID.String
	}
	if approvedAt.Valid {
		a.ApprovedAt = &approvedAt.Time
	}
	if expires.Valid {
		a.ExpiresAt = &expires.Time
	}
	return &a, nil
}

// UpsertGlobalApproval records a user-wide decision for a tool. An existing
// record for the same (user, server, tool) is updated in place. The stored
// record is returned.
func (s *SQLiteStore) UpsertGlobalApproval(ctx context.Context, a *Approval) (*Approval, error) {
	now := time.Now().UTC()
	var approvedAt sql.NullTime
	if a.Approved {
		approvedAt = sql.NullTime{Time: now, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE mcp_tool_approvals SET
			approved = ?, auto_approve = ?, approved_at = ?, expires_at = ?,
			notes = ?, updated_at = ?
		WHERE user_id = ? AND server_id = ? AND tool_name = ? AND is_global = 1`,
		a.Approved, a.AutoApprove, approvedAt, nullableTime(a.ExpiresAt),
		a.Notes, now,
		a.UserID, a.ServerID, a.ToolName,
	)
	if err != nil {
		return nil, fmt.Errorf("updating global approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO mcp_tool_approvals (
				id, user_id, conversation_id, server_id, tool_name,
				approved, auto_approve, is_global, approved_at, expires_at,
				notes, created_at, updated_at
			) VALUES (?, ?, NULL, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?)`,
			uuid.New().String(), a.UserID, a.ServerID, a.ToolName,
			a.Approved, a.AutoApprove, approvedAt, nullableTime(a.ExpiresAt),
			a.Notes, now, now,
		)
		if err != nil {
			return nil, fmt.Errorf("inserting global approval: %w", err)
		}
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+approvalColumns+`
		FROM mcp_tool_approvals
		WHERE user_id = ? AND server_id = ? AND tool_name = ? AND is_global = 1`,
		a.UserID, a.ServerID, a.ToolName)
	stored, err := scanApproval(row)
	if err != nil {
		return nil, fmt.Errorf("reading back global approval: %w", err)
	}
	return stored, nil
}

// UpsertConversationApproval records a decision scoped to one conversation.
func (s *SQLiteStore) UpsertConversationApproval(ctx context.Context, a *Approval) (*Approval, error) {
	if a.ConversationID == "" {
		return nil, fmt.Errorf("conversation approval requires a conversation id")
	}
	now := time.Now().UTC()
	var approvedAt sql.NullTime
	if a.Approved {
		approvedAt = sql.NullTime{Time: now, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE mcp_tool_approvals SET
			approved = ?, auto_approve = ?, approved_at = ?, expires_at = ?,
			notes = ?, updated_at = ?
		WHERE user_id = ? AND conversation_id = ? AND server_id = ? AND tool_name = ?
		  AND is_global = 0`,
		a.Approved, a.AutoApprove, approvedAt, nullableTime(a.ExpiresAt),
		a.Notes, now,
		a.UserID, a.ConversationID, a.ServerID, a.ToolName,
	)
	if err != nil {
		return nil, fmt.Errorf("updating conversation approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO mcp_tool_approvals (
				id, user_id, conversation_id, server_id, tool_name,
				approved, auto_approve, is_global, approved_at, expires_at,
				notes, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
			uuid.New().String(), a.UserID, a.ConversationID, a.ServerID, a.ToolName,
			a.Approved, a.AutoApprove, approvedAt, nullableTime(a.ExpiresAt),
			a.Notes, now, now,
		)
		if err != nil {
			return nil, fmt.Errorf("inserting conversation approval: %w", err)
		}
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+approvalColumns+`
		FROM mcp_tool_approvals
		WHERE user_id = ? AND conversation_id = ? AND server_id = ? AND tool_name = ?
		  AND is_global = 0`,
		a.UserID, a.ConversationID, a.ServerID, a.ToolName)
	stored, err := scanApproval(row)
	if err != nil {
		return nil, fmt.Errorf("reading back conversation approval: %w", err)
	}
	return stored, nil
}

// GetGlobalApproval returns the unexpired global record for the tool, or
// ErrNotFound. Expired rows are invisible to this lookup but remain in the
// table until DeleteExpiredApprovals runs.
func (s *SQLiteStore) GetGlobalApproval(ctx context.Context, userID, serverID, toolName string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+approvalColumns+`
		FROM mcp_tool_approvals
		WHERE user_id = ? AND server_id = ? AND tool_name = ? AND is_global = 1
		  AND (expires_at IS NULL OR expires_at > ?)`,
		userID, serverID, toolName, time.Now().UTC())
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying global approval: %w", err)
	}
	return a, nil
}

// GetConversationApproval returns the unexpired conversation-scoped record
// for the tool, or ErrNotFound.
func (s *SQLiteStore) GetConversationApproval(ctx context.Context, userID, conversationID, serverID, toolName string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+approvalColumns+`
		FROM mcp_tool_approvals
		WHERE user_id = ? AND conversation_id = ? AND server_id = ? AND tool_name = ?
		  AND is_global = 0
		  AND (expires_at IS NULL OR expires_at > ?)`,
		userID, conversationID, serverID, toolName, time.Now().UTC())
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation approval: %w", err)
	}
	return a, nil
}

// ListConversationApprovals returns the approvals visible to a conversation,
// global records included. Expired records are filtered out unless
// includeExpired is set.
func (s *SQLiteStore) ListConversationApprovals(ctx context.Context, userID, conversationID string, includeExpired bool) ([]*Approval, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM mcp_tool_approvals
		WHERE user_id = ? AND (conversation_id = ? OR is_global = 1)`
	params := []any{userID, conversationID}
	if !includeExpired {
		query += ` AND (expires_at IS NULL OR expires_at > ?)`
		params = append(params, time.Now().UTC())
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("listing approvals: %w", err)
	}
	defer rows.Close()

	var approvals []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning approval: %w", err)
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

// DeleteGlobalApproval removes the user-wide record for a tool and reports
// whether one existed.
func (s *SQLiteStore) DeleteGlobalApproval(ctx context.Context, userID, serverID, toolName string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM mcp_tool_approvals
		WHERE user_id = ? AND server_id = ? AND tool_name = ? AND is_global = 1`,
		userID, serverID, toolName)
	if err != nil {
		return false, fmt.Errorf("deleting global approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteConversationApproval removes a conversation-scoped record and
// reports whether one existed.
func (s *SQLiteStore) DeleteConversationApproval(ctx context.Context, userID, conversationID, serverID, toolName string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM mcp_tool_approvals
		WHERE user_id = ? AND conversation_id = ? AND server_id = ? AND tool_name = ?
		  AND is_global = 0`,
		userID, conversationID, serverID, toolName)
	if err != nil {
		return false, fmt.Errorf("deleting conversation approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteExpiredApprovals purges rows whose expiry has passed and reports
// how many were removed.
func (s *SQLiteStore) DeleteExpiredApprovals(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM mcp_tool_approvals
		WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting expired approvals: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
