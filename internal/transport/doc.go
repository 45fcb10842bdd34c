// Package transport abstracts the channel to one MCP server.
//
// Three implementations exist behind the Transport interface, selected by a
// factory keyed on the server descriptor's transport kind:
//
//   - stdio: delegates to the proxy subsystem, which owns the child process
//   - http: plain JSON-RPC POSTs to the server's URL
//   - sse: long-lived event stream for responses and notifications, with a
//     background listener that reconnects on a fixed 5s backoff
//
// Start performs the MCP initialize handshake; Send is bounded by the
// configured request timeout (30s default). A timeout is local to one
// request and does not affect the transport's health.
package transport
