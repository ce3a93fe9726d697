package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/waypost/mcp-streamhttp/transport"
)

// Manager owns the session registry. It is safe for concurrent use from
// many simultaneous HTTP requests across many sessions; sessions never
// share state with one another.
type Manager struct {
	log         *slog.Logger
	factory     ServerFactory
	tropts      []transport.Option
	eventLogFor func(sessionID string) transport.EventLog

	mu       sync.RWMutex
	sessions map[string]*Session
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the slog logger passed down to transports.
func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// WithTransportOptions appends options applied to every transport the
// manager constructs (timeout, event log, retention cap).
func WithTransportOptions(opts ...transport.Option) ManagerOption {
	return func(m *Manager) { m.tropts = append(m.tropts, opts...) }
}

// WithEventLogFactory installs a per-session event log provider, e.g.
// redislog.Store.ForSession. Without one, transports use the in-memory log.
func WithEventLogFactory(fn func(sessionID string) transport.EventLog) ManagerOption {
	return func(m *Manager) { m.eventLogFor = fn }
}

// NewManager constructs a Manager that builds one ProtocolServer per
// session from factory.
func NewManager(factory ServerFactory, opts ...ManagerOption) *Manager {
	m := &Manager{
		log:      slog.Default(),
		factory:  factory,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateSession allocates a session id, constructs a Transport and a fresh
// protocol-server instance, wires outbound emission to the transport and
// inbound delivery to the server's dispatch entry point, registers mutual
// close callbacks, and stores the session in the registry.
func (m *Manager) CreateSession(ctx context.Context, principal string) (*Session, error) {
	id := uuid.NewString()

	opts := make([]transport.Option, 0, len(m.tropts)+2)
	opts = append(opts, transport.WithLogger(m.log))
	opts = append(opts, m.tropts...)
	if m.eventLogFor != nil {
		opts = append(opts, transport.WithEventLog(m.eventLogFor(id)))
	}
	tr := transport.New(opts...)

	srv, err := m.factory.NewServer(ctx, principal)
	if err != nil {
		_ = tr.Close()
		return nil, fmt.Errorf("server factory failed: %w", err)
	}

	sess := &Session{id: id, principal: principal, transport: tr, server: srv}

	tr.Connect(srv.HandleMessage)
	tr.OnClose(func() { m.CloseSession(id) })
	srv.OnClose(func() { m.CloseSession(id) })

	if err := srv.Connect(ctx, tr); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("failed to connect protocol server: %w", err)
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	// Either side may have closed during wiring, before the registry entry
	// existed; its callback would have found nothing to remove.
	if tr.Closed() {
		m.CloseSession(id)
		return nil, ErrSessionNotFound
	}

	m.log.InfoContext(ctx, "session.create.ok", slog.String("session_id", id))
	return sess, nil
}

// GetSession looks up a live session by id.
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	return sess, ok
}

// CloseSession removes the session from the registry and closes it. The
// return value reports whether a session existed; repeated or concurrent
// calls for the same id observe a single removal.
func (m *Manager) CloseSession(id string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	_ = sess.Close()
	m.log.Info("session.close.ok", slog.String("session_id", id))
	return true
}

// SessionCount reports the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close terminates every live session. Used on process shutdown; sessions
// are in-memory and ephemeral, so nothing survives it.
func (m *Manager) Close() error {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		all = append(all, sess)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var err error
	for _, sess := range all {
		if cerr := sess.Close(); cerr != nil {
			err = cerr
		}
	}
	return err
}
