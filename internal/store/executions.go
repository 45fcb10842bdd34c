// ABOUTME: Execution log queries recording every attempted tool call
// ABOUTME: Rows start pending and are completed with status, result and duration

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateExecutionLog inserts a pending execution record.
func (s *SQLiteStore) CreateExecutionLog(ctx context.Context, l *ExecutionLog) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	if l.Status == "" {
		l.Status = ExecutionPending
	}

	var args, result sql.NullString
	if len(l.Arguments) > 0 {
		args = sql.NullString{String: string(l.Arguments), Valid: true}
	}
	if len(l.Result) > 0 {
		result = sql.NullString{String: string(l.Result), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mcp_execution_logs (
			id, user_id, server_id, conversation_id, tool_name,
			arguments, call_id, status, result,
			error_message, error_code, duration_ms, created_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, NULL)`,
		l.ID, l.UserID, l.ServerID, l.ConversationID, l.ToolName,
		args, l.CallID, l.Status, result,
		l.ErrorMessage, l.ErrorCode, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution log: %w", err)
	}
	return nil
}

// CompleteExecutionLog finalizes a pending execution record.
func (s *SQLiteStore) CompleteExecutionLog(ctx context.Context, id, status string, result json.RawMessage, errMsg, errCode string, durationMs int64) error {
	var resultVal sql.NullString
	if len(result) > 0 {
		resultVal = sql.NullString{String: string(result), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE mcp_execution_logs SET
			status = ?, result = ?, error_message = ?, error_code = ?,
			duration_ms = ?, completed_at = ?
		WHERE id = ?`,
		status, resultVal, errMsg, errCode, durationMs, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("completing execution log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListExecutionLogs returns a user's most recent executions, newest first.
func (s *SQLiteStore) ListExecutionLogs(ctx context.Context, userID string, limit int) ([]*ExecutionLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, server_id, conversation_id, tool_name,
		       arguments, call_id, status, result,
		       error_message, error_code, duration_ms, created_at, completed_at
		FROM mcp_execution_logs
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing execution logs: %w", err)
	}
	defer rows.Close()

	var logs []*ExecutionLog
	for rows.Next() {
		var l ExecutionLog
		var args, result sql.NullString
		var duration sql.NullInt64
		var completed sql.NullTime
		err := rows.Scan(&l.ID, &l.UserID, &l.ServerID, &l.ConversationID, &l.ToolName,
			&args, &l.CallID, &l.Status, &result,
			&l.ErrorMessage, &l.ErrorCode, &duration, &l.CreatedAt, &completed)
		if err != nil {
			return nil, fmt.Errorf("scanning execution log: %w", err)
		}
		if args.Valid {
			l.Arguments = []byte(args.String)
		}
		if result.Valid {
			l.Result = []byte(result.String)
		}
		if duration.Valid {
			l.DurationMs = &duration.Int64
		}
		if completed.Valid {
			l.CompletedAt = &completed.Time
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}
