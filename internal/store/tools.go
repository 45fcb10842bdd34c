// ABOUTME: Tool catalog queries backing discovery and name-based lookup
// ABOUTME: ReplaceServerTools swaps a server's cached tool set atomically

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ReplaceServerTools deletes the server's cached tools and inserts the new
// set in a single transaction, so readers never see a partial catalog.
func (s *SQLiteStore) ReplaceServerTools(ctx context.Context, serverID string, tools []Tool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM mcp_tools_cache WHERE server_id = ?`, serverID); err != nil {
		return fmt.Errorf("clearing tool cache: %w", err)
	}

	now := time.Now().UTC()
	for _, t := range tools {
		id := t.ID
		if id == "" {
			id = uuid.New().String()
		}
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = []byte("{}")
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO mcp_tools_cache (
				id, server_id, tool_name, tool_description, input_schema,
				discovered_at, last_used_at, usage_count
			) VALUES (?, ?, ?, ?, ?, ?, NULL, 0)`,
			id, serverID, t.Name, t.Description, string(schema), now,
		)
		if err != nil {
			return fmt.Errorf("inserting tool %q: %w", t.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing tool cache: %w", err)
	}
	return nil
}

func scanToolInto(row interface{ Scan(...any) error }, t *Tool) error {
	var schema string
	var lastUsed sql.NullTime
	err := row.Scan(&t.ID, &t.ServerID, &t.Name, &t.Description,
		&schema, &t.DiscoveredAt, &lastUsed, &t.UsageCount)
	if err != nil {
		return err
	}
	t.InputSchema = []byte(schema)
	if lastUsed.Valid {
		t.LastUsedAt = &lastUsed.Time
	}
	return nil
}

// ListServerTools returns the cached tools for a server, ordered by name.
func (s *SQLiteStore) ListServerTools(ctx context.Context, serverID string) ([]*Tool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, server_id, tool_name, tool_description, input_schema,
		       discovered_at, last_used_at, usage_count
		FROM mcp_tools_cache
		WHERE server_id = ?
		ORDER BY tool_name ASC`, serverID)
	if err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}
	defer rows.Close()

	var tools []*Tool
	for rows.Next() {
		var t Tool
		if err := scanToolInto(rows, &t); err != nil {
			return nil, fmt.Errorf("scanning tool: %w", err)
		}
		tools = append(tools, &t)
	}
	return tools, rows.Err()
}

// FindToolByName resolves a tool name to the serving server. When serverID
// is empty the search spans the user's servers plus the system servers,
// preferring a user server when the same name exists on both.
func (s *SQLiteStore) FindToolByName(ctx context.Context, userID, toolName string, serverID string) (*ToolWithServer, error) {
	query := `
		SELECT t.id, t.server_id, t.tool_name, t.tool_description, t.input_schema,
		       t.discovered_at, t.last_used_at, t.usage_count,
		       s.name, s.display_name, s.is_system, s.transport
		FROM mcp_tools_cache t
		JOIN mcp_servers s ON s.id = t.server_id
		WHERE t.tool_name = ? AND s.enabled = 1
		  AND (s.owner = ? OR s.is_system = 1)`
	params := []any{toolName, userID}

	if serverID != "" {
		query += ` AND t.server_id = ?`
		params = append(params, serverID)
	}
	query += ` ORDER BY s.is_system ASC LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, params...)

	var res ToolWithServer
	var schema string
	var lastUsed sql.NullTime
	err := row.Scan(&res.ID, &res.ServerID, &res.Name, &res.Description,
		&schema, &res.DiscoveredAt, &lastUsed, &res.UsageCount,
		&res.ServerName, &res.ServerDisplayName, &res.IsSystem, &res.Transport)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding tool: %w", err)
	}
	res.InputSchema = []byte(schema)
	if lastUsed.Valid {
		res.LastUsedAt = &lastUsed.Time
	}
	return &res, nil
}

// RecordToolUsage bumps the usage counter after a successful execution.
func (s *SQLiteStore) RecordToolUsage(ctx context.Context, serverID, toolName string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE mcp_tools_cache SET
			usage_count = usage_count + 1, last_used_at = ?
		WHERE server_id = ? AND tool_name = ?`,
		time.Now().UTC(), serverID, toolName,
	)
	if err != nil {
		return fmt.Errorf("recording tool usage: %w", err)
	}
	return nil
}
