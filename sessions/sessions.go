package sessions

import (
	"context"
	"errors"
	"sync"

	"github.com/waypost/mcp-streamhttp/jsonrpc"
	"github.com/waypost/mcp-streamhttp/transport"
)

// ErrSessionNotFound indicates an unknown or already-terminated session id.
// Clients observing it must negotiate a new session.
var ErrSessionNotFound = errors.New("session not found")

// MessageSink is the outbound half of the wire handed to a protocol server
// at connect time. *transport.Transport satisfies it.
type MessageSink interface {
	Send(ctx context.Context, msg jsonrpc.Message) error
}

// ProtocolServer is one stateful protocol-server instance. The session
// manager constructs exactly one per session via a ServerFactory and never
// reuses an instance across sessions.
type ProtocolServer interface {
	// Connect hands the server its outbound sink. Called once, before any
	// message is dispatched.
	Connect(ctx context.Context, sink MessageSink) error
	// HandleMessage is the inbound dispatch entry point. It may suspend
	// arbitrarily; responses travel back through the sink.
	HandleMessage(ctx context.Context, msg *jsonrpc.AnyMessage) error
	// OnClose registers a callback the server fires when it decides to end
	// the session from its own side.
	OnClose(fn func())
	// Close releases the server instance. Called exactly once.
	Close() error
}

// ServerFactory produces a fresh ProtocolServer for a new session. The
// principal is whatever identity the HTTP layer already attributed to the
// caller; factories that do not care may ignore it.
type ServerFactory interface {
	NewServer(ctx context.Context, principal string) (ProtocolServer, error)
}

// ServerFactoryFunc adapts a function to the ServerFactory interface.
type ServerFactoryFunc func(ctx context.Context, principal string) (ProtocolServer, error)

func (f ServerFactoryFunc) NewServer(ctx context.Context, principal string) (ProtocolServer, error) {
	return f(ctx, principal)
}

// Session couples one Transport with one ProtocolServer under an opaque id.
type Session struct {
	id        string
	principal string
	transport *transport.Transport
	server    ProtocolServer

	closeOnce sync.Once
	closeErr  error
}

// ID returns the session's opaque identifier.
func (s *Session) ID() string { return s.id }

// Principal returns the identity the session was created for.
func (s *Session) Principal() string { return s.principal }

// Transport returns the session's transport.
func (s *Session) Transport() *transport.Transport { return s.transport }

// Close destroys the session, cascading to both the transport and the
// protocol server exactly once. Safe for concurrent use.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = errors.Join(s.transport.Close(), s.server.Close())
	})
	return s.closeErr
}
