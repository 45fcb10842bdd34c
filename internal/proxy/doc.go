// Package proxy runs stdio MCP servers behind a localhost HTTP front.
//
// # Overview
//
// A stdio tool server speaks line-framed JSON-RPC over its stdin/stdout.
// The proxy owns that child process (Session) and exposes it over HTTP
// (Front) so that everything upstream can treat every server as an HTTP
// endpoint regardless of its native transport.
//
// # Endpoints
//
// Each front serves:
//
//   - POST /mcp - JSON-RPC request/response
//   - GET /sse - SSE stream; the first event names the session's message URL
//   - POST /messages/{session} - requests whose responses arrive on the stream
//   - GET /health - liveness of the child process
//
// # Process Marker
//
// Every child is spawned with IS_COVEN_MCP=1 in its environment. The marker
// has no runtime effect; it exists so a liveness probe can tell "our server"
// apart from an unrelated process that reused the pid.
//
// # Correlation
//
// Outbound requests register a completion channel keyed by request id before
// the frame is written. Responses resolve the channel; notifications fan out
// to subscribers. Entries are removed on success, timeout and shutdown, so
// the table never leaks.
package proxy
