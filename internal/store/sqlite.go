// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Opens the database, enables WAL, and creates the schema on first use

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS mcp_servers (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			name TEXT NOT NULL,
			display_name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			is_system INTEGER NOT NULL DEFAULT 0,
			transport TEXT NOT NULL,
			command TEXT NOT NULL DEFAULT '',
			args TEXT NOT NULL DEFAULT '[]',
			env TEXT NOT NULL DEFAULT '{}',
			url TEXT NOT NULL DEFAULT '',
			headers TEXT NOT NULL DEFAULT '{}',
			timeout_seconds INTEGER NOT NULL DEFAULT 30,
			max_restart_attempts INTEGER NOT NULL DEFAULT 3,
			status TEXT NOT NULL DEFAULT 'stopped',
			is_active INTEGER NOT NULL DEFAULT 0,
			last_health_check DATETIME,
			restart_count INTEGER NOT NULL DEFAULT 0,
			last_restart_at DATETIME,
			process_id INTEGER,
			port INTEGER,
			tools_discovered_at DATETIME,
			tool_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_servers_owner_name
			ON mcp_servers(owner, name);

		CREATE TABLE IF NOT EXISTS mcp_tools_cache (
			id TEXT PRIMARY KEY,
			server_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			tool_description TEXT NOT NULL DEFAULT '',
			input_schema TEXT NOT NULL DEFAULT '{}',
			discovered_at DATETIME NOT NULL,
			last_used_at DATETIME,
			usage_count INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (server_id) REFERENCES mcp_servers(id) ON DELETE CASCADE
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_tools_server_name
			ON mcp_tools_cache(server_id, tool_name);

		CREATE TABLE IF NOT EXISTS mcp_tool_approvals (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			conversation_id TEXT,
			server_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			approved INTEGER NOT NULL DEFAULT 0,
			auto_approve INTEGER NOT NULL DEFAULT 0,
			is_global INTEGER NOT NULL DEFAULT 0,
			approved_at DATETIME,
			expires_at DATETIME,
			notes TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY (server_id) REFERENCES mcp_servers(id) ON DELETE CASCADE
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_approvals_global
			ON mcp_tool_approvals(user_id, server_id, tool_name)
			WHERE is_global = 1;

		CREATE UNIQUE INDEX IF NOT EXISTS idx_approvals_conversation
			ON mcp_tool_approvals(user_id, conversation_id, server_id, tool_name)
			WHERE is_global = 0;

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS message_contents (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			sequence_order INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_contents_message
			ON message_contents(message_id, sequence_order);

		CREATE TABLE IF NOT EXISTS mcp_execution_logs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			server_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL,
			arguments TEXT,
			call_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			result TEXT,
			error_message TEXT NOT NULL DEFAULT '',
			error_code TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER,
			created_at DATETIME NOT NULL,
			completed_at DATETIME
		);

		CREATE INDEX IF NOT EXISTS idx_executions_user
			ON mcp_execution_logs(user_id, created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
