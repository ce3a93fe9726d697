// Package transport implements the per-session protocol engine of the
// streamable HTTP transport. A Transport accepts inbound JSON-RPC messages,
// correlates request ids to responses for the synchronous POST path, and
// buffers everything else as replayable events fanned out to any attached
// SSE connections.
//
// MCP is logically request/response for tool invocations but allows
// server-initiated pushes interleaved with, or instead of, a direct answer.
// Plain HTTP POST can deliver only one response per request, so the
// transport separates the answer to what was just asked (delivered inline)
// from everything else (delivered out of band via the replayable SSE
// channel).
package transport
