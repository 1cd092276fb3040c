// Package acp serves the agent to editors over the Agent Client Protocol:
// newline-delimited JSON-RPC 2.0 on stdio.
//
// Supported client requests are initialize, session/new, session/load
// (which replays the saved history) and session/prompt; session/cancel
// aborts the running prompt, which then answers with stopReason
// "cancelled". Tool executions are reported as tool_call and
// tool_call_update session updates, and tools that need approval are
// put to the client with session/request_permission.
package acp
