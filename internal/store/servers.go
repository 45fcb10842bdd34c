// ABOUTME: Server descriptor and runtime-state queries for the SQLite store
// ABOUTME: Covers CRUD plus the runtime updates written by the server manager

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateServer inserts a new server descriptor. The (owner, name) pair must
// be unique. A missing id and timestamps are filled in place.
func (s *SQLiteStore) CreateServer(ctx context.Context, srv *Server) error {
	if srv.ID == "" {
		srv.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if srv.CreatedAt.IsZero() {
		srv.CreatedAt = now
	}
	if srv.UpdatedAt.IsZero() {
		srv.UpdatedAt = now
	}
	if srv.Status == "" {
		srv.Status = StatusStopped
	}

	args, err := json.Marshal(srv.Args)
	if err != nil {
		return fmt.Errorf("encoding args: %w", err)
	}
	env, err := json.Marshal(srv.Env)
	if err != nil {
		return fmt.Errorf("encoding env: %w", err)
	}
	headers, err := json.Marshal(srv.Headers)
	if err != nil {
		return fmt.Errorf("encoding headers: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mcp_servers (
			id, owner, name, display_name, description, enabled, is_system,
			transport, command, args, env, url, headers,
			timeout_seconds, max_restart_attempts, status, is_active,
			restart_count, tool_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?, ?)`,
		srv.ID, srv.Owner, srv.Name, srv.DisplayName, srv.Description,
		srv.Enabled, srv.IsSystem, string(srv.Transport), srv.Command,
		string(args), string(env), srv.URL, string(headers),
		srv.TimeoutSeconds, srv.MaxRestartAttempts, srv.Status,
		srv.CreatedAt, srv.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateServer
		}
		return fmt.Errorf("inserting server: %w", err)
	}
	return nil
}

const serverColumns = `
	id, owner, name, display_name, description, enabled, is_system,
	transport, command, args, env, url, headers,
	timeout_seconds, max_restart_attempts, status, is_active,
	last_health_check, restart_count, last_restart_at,
	process_id, port, tools_discovered_at, tool_count,
	created_at, updated_at`

func scanServer(row interface{ Scan(...any) error }) (*Server, error) {
	var srv Server
	var args, env, headers string
	var lastHealth, lastRestart, discovered sql.NullTime
	var pid, port sql.NullInt64

	err := row.Scan(
		&srv.ID, &srv.Owner, &srv.Name, &srv.DisplayName, &srv.Description,
		&srv.Enabled, &srv.IsSystem, &srv.Transport, &srv.Command,
		&args, &env, &srv.URL, &headers,
		&srv.TimeoutSeconds, &srv.MaxRestartAttempts, &srv.Status, &srv.IsActive,
		&lastHealth, &srv.RestartCount, &lastRestart,
		&pid, &port, &discovered, &srv.ToolCount,
		&srv.CreatedAt, &srv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(args), &srv.Args); err != nil {
		return nil, fmt.Errorf("decoding args: %w", err)
	}
	if err := json.Unmarshal([]byte(env), &srv.Env); err != nil {
		return nil, fmt.Errorf("decoding env: %w", err)
	}
	if err := json.Unmarshal([]byte(headers), &srv.Headers); err != nil {
		return nil, fmt.Errorf("decoding headers: %w", err)
	}

	if lastHealth.Valid {
		srv.LastHealthCheck = &lastHealth.Time
	}
	if lastRestart.Valid {
		srv.LastRestartAt = &lastRestart.Time
	}
	if discovered.Valid {
		srv.ToolsDiscoveredAt = &discovered.Time
	}
	if pid.Valid {
		p := int(pid.Int64)
		srv.ProcessID = &p
	}
	if port.Valid {
		p := int(port.Int64)
		srv.Port = &p
	}
	return &srv, nil
}

// GetServer returns the server with the given id, or ErrNotFound.
func (s *SQLiteStore) GetServer(ctx context.Context, id string) (*Server, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+serverColumns+` FROM mcp_servers WHERE id = ?`, id)
	srv, err := scanServer(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying server: %w", err)
	}
	return srv, nil
}

// ListServers returns servers matching the filter, ordered by display name.
func (s *SQLiteStore) ListServers(ctx context.Context, filter ServerFilter) ([]*Server, error) {
	query := `SELECT ` + serverColumns + ` FROM mcp_servers WHERE 1=1`
	var params []any

	if filter.Owner != "" {
		if filter.IncludeSystem {
			query += ` AND (owner = ? OR is_system = 1)`
		} else {
			query += ` AND owner = ?`
		}
		params = append(params, filter.Owner)
	}
	if filter.EnabledOnly {
		query += ` AND enabled = 1`
	}
	query += ` ORDER BY display_name ASC`

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("listing servers: %w", err)
	}
	defer rows.Close()

	var servers []*Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning server: %w", err)
		}
		servers = append(servers, srv)
	}
	return servers, rows.Err()
}

// UpdateServer rewrites the descriptor fields of an existing server.
// Runtime fields are not touched; use UpdateServerRuntime for those.
func (s *SQLiteStore) UpdateServer(ctx context.Context, srv *Server) error {
	args, err := json.Marshal(srv.Args)
	if err != nil {
		return fmt.Errorf("encoding args: %w", err)
	}
	env, err := json.Marshal(srv.Env)
	if err != nil {
		return fmt.Errorf("encoding env: %w", err)
	}
	headers, err := json.Marshal(srv.Headers)
	if err != nil {
		return fmt.Errorf("encoding headers: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE mcp_servers SET
			display_name = ?, description = ?, enabled = ?,
			command = ?, args = ?, env = ?, url = ?, headers = ?,
			timeout_seconds = ?, max_restart_attempts = ?, updated_at = ?
		WHERE id = ?`,
		srv.DisplayName, srv.Description, srv.Enabled,
		srv.Command, string(args), string(env), srv.URL, string(headers),
		srv.TimeoutSeconds, srv.MaxRestartAttempts, time.Now().UTC(),
		srv.ID,
	)
	if err != nil {
		return fmt.Errorf("updating server: %w", err)
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

// DeleteServer removes a server and, via cascade, its cached tools and
// approvals.
func (s *SQLiteStore) DeleteServer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mcp_servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting server: %w", err)
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

// UpdateServerRuntime persists the runtime facts owned by the server
// manager: pid, port, status and active flag. Nil pid/port clear the
// columns.
func (s *SQLiteStore) UpdateServerRuntime(ctx context.Context, id string, pid, port *int, status string, active bool) error {
	var pidVal, portVal sql.NullInt64
	if pid != nil {
		pidVal = sql.NullInt64{Int64: int64(*pid), Valid: true}
	}
	if port != nil {
		portVal = sql.NullInt64{Int64: int64(*port), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE mcp_servers SET
			process_id = ?, port = ?, status = ?, is_active = ?,
			last_health_check = ?, updated_at = ?
		WHERE id = ?`,
		pidVal, portVal, status, active, time.Now().UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating server runtime: %w", err)
	}
	return nil
}

// IncrementRestartCount bumps the restart counter and stamps the restart time.
func (s *SQLiteStore) IncrementRestartCount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE mcp_servers SET
			restart_count = restart_count + 1,
			last_restart_at = ?, updated_at = ?
		WHERE id = ?`,
		time.Now().UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("incrementing restart count: %w", err)
	}
	return nil
}

// UpdateServerToolInfo records the outcome of a discovery cycle on the
// server row.
func (s *SQLiteStore) UpdateServerToolInfo(ctx context.Context, id string, toolCount int, discoveredAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE mcp_servers SET
			tool_count = ?, tools_discovered_at = ?, updated_at = ?
		WHERE id = ?`,
		toolCount, discoveredAt, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating server tool info: %w", err)
	}
	return nil
}
