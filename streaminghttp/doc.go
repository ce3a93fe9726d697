// Package streaminghttp maps the streamable HTTP wire protocol onto the
// session manager and per-session transports: POST carries inbound JSON-RPC
// messages (creating a session when no Mcp-Session-Id header is present),
// GET opens a resumable Server-Sent-Events stream for out-of-band messages,
// and DELETE terminates a session. The bridge owns all HTTP status-code
// mapping; transports never write HTTP responses.
package streaminghttp
