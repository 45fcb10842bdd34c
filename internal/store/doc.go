// Package store provides persistent storage for the hub using SQLite.
//
// # Architecture
//
// A single Store interface covers all entities; SQLiteStore implements it.
// Queries live in per-entity files (servers.go, tools.go, approvals.go,
// messages.go, executions.go).
//
// # Data Models
//
//   - Server: descriptor plus persisted runtime state for one tool server
//   - Tool: one cached entry from a server's tools/list
//   - Approval: a global or conversation-scoped trust record with optional expiry
//   - Message/MessageContent: the conversational trace, including pending
//     tool calls, executed calls and their results
//   - ExecutionLog: audit row for one attempted tool execution
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// The schema is created on open. Use NewSQLiteStore(":memory:") in tests.
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateServer: (owner, name) already taken
//
// All methods accept context.Context for cancellation support.
package store
