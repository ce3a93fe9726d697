// Package sessions couples transports with protocol-server instances and
// owns the id → session registry shared by every HTTP request. A Session is
// the unit of continuity across POST/SSE/DELETE calls; it owns exactly one
// Transport and one ProtocolServer, and closing it tears both down exactly
// once regardless of which side triggered the close.
package sessions
