// Package orchestrator gates tool calls behind approval inside a chat turn.
//
// The state machine per turn:
//
//	NoPendingCall -> PendingApproval -> Approved -> Executing -> ResultRecorded
//	                               \-> StillPending (loop halts)
//
// A proposed call is persisted as a pending-approval content row on the
// assistant message. The next turn either blocks on it (emitting the
// approval prompt to the live stream) or, once approved, executes it and
// records the trace. Within one executed cycle the stream sees exactly
// NewMessageContent, ToolCall, NewMessageContent, ToolResult, in that order.
//
// Execution failures surface as a SystemInternalError event and halt the
// loop; they never propagate as a hard failure to the HTTP caller.
package orchestrator
