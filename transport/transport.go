package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/waypost/mcp-streamhttp/jsonrpc"
)

// DefaultProcessTimeout bounds how long ProcessMessage waits for the
// response correlated to an inbound request.
const DefaultProcessTimeout = 30 * time.Second

// Dispatcher delivers an inbound message to the protocol server bound to
// this transport. It may suspend arbitrarily; the transport makes no
// assumption about its latency.
type Dispatcher func(ctx context.Context, msg *jsonrpc.AnyMessage) error

// Connection is one attached SSE sink. WriteEvent must frame and flush a
// single event; an error permanently evicts the connection.
type Connection interface {
	WriteEvent(ev Event) error
}

// sseConn is the transport-side registration of an attached Connection.
// Events are enqueued to ch under the transport mutex (preserving id
// order); the AttachSSE goroutine is the sole writer to the underlying
// connection. done is closed on forced detach.
type sseConn struct {
	conn Connection
	ch   chan Event
	done chan struct{}
}

// pending is a single-assignment promise for one in-flight request id.
// Fulfillment sends on ch (capacity 1) with the map entry already removed
// under the mutex, so a promise resolves at most once. Cancellation closes
// ch.
type pending struct {
	ch chan *jsonrpc.Response
}

// Transport is the per-session protocol engine. All mutable state is
// guarded by a single mutex; critical sections are pure state mutation.
type Transport struct {
	log     *slog.Logger
	timeout time.Duration
	logSize int

	mu          sync.Mutex
	closed      bool
	dispatch    Dispatcher
	nextEventID int64
	events      EventLog
	conns       map[*sseConn]struct{}
	pending     map[string]*pending
	onClose     func()
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the slog logger used for delivery-failure reporting.
func WithLogger(log *slog.Logger) Option {
	return func(t *Transport) { t.log = log }
}

// WithTimeout overrides the default bounded wait for correlated responses.
func WithTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithEventLog substitutes the event buffer implementation, e.g. a Redis
// Streams log for resumability shared across nodes.
func WithEventLog(log EventLog) Option {
	return func(t *Transport) { t.events = log }
}

// WithEventLogSize sets the retention cap of the default in-memory log.
func WithEventLogSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.logSize = n
		}
	}
}

// New constructs a Transport. It accepts no messages until Connect binds a
// protocol server's dispatch entry point.
func New(opts ...Option) *Transport {
	t := &Transport{
		log:     slog.Default(),
		timeout: DefaultProcessTimeout,
		logSize: DefaultEventLogSize,
		conns:   make(map[*sseConn]struct{}),
		pending: make(map[string]*pending),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.events == nil {
		t.events = newMemoryLog(t.logSize)
	}
	return t
}

// Connect binds the protocol server's dispatch entry point for inbound
// delivery. It must be called exactly once, before the transport serves
// traffic.
func (t *Transport) Connect(d Dispatcher) {
	t.mu.Lock()
	t.dispatch = d
	t.mu.Unlock()
}

// OnClose registers the session-level callback fired exactly once when the
// transport closes, regardless of how many times or from how many
// goroutines Close is called.
func (t *Transport) OnClose(fn func()) {
	t.mu.Lock()
	t.onClose = fn
	t.mu.Unlock()
}

// Send emits an outbound message from the protocol server.
//
// A Response whose id matches a pending request completes that request's
// promise directly; such responses are the synchronous POST fast path and
// are not buffered as events. Everything else (notifications,
// server-initiated requests, unmatched or late responses) is assigned the
// next event id, appended to the bounded event log, and fanned out to every
// attached connection.
func (t *Transport) Send(ctx context.Context, msg jsonrpc.Message) error {
	if res, ok := msg.(*jsonrpc.Response); ok && !res.ID.IsNil() {
		key := res.ID.String()
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return ErrClosed
		}
		if p, exists := t.pending[key]; exists {
			delete(t.pending, key)
			p.ch <- res
			t.mu.Unlock()
			return nil
		}
		t.mu.Unlock()
		// No waiter: a late or unmatched response is forwarded out of band
		// so the client still observes it on the SSE channel.
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal outbound message: %w", err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.nextEventID++
	ev := Event{ID: t.nextEventID, Data: data}
	if err := t.events.Append(ctx, ev); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("failed to append event %d: %w", ev.ID, err)
	}
	var evicted []*sseConn
	for c := range t.conns {
		select {
		case c.ch <- ev:
		default:
			// Queue overflow means the consumer stopped draining. Evict the
			// one connection rather than stall the transport.
			delete(t.conns, c)
			evicted = append(evicted, c)
		}
	}
	t.mu.Unlock()

	for _, c := range evicted {
		close(c.done)
		t.log.Warn("sse.conn.evict", slog.Int64("event_id", ev.ID))
	}
	return nil
}

// ProcessMessage handles one inbound message from the synchronous POST
// path.
//
// For a request, a promise is registered under the request id before
// dispatching, so a handler that answers faster than the caller can start
// waiting still correlates. The call then awaits the correlated response up
// to the configured timeout; on timeout the promise is deregistered and
// ErrTimeout returned. For a notification (or a client response to a
// server-initiated request) the message is dispatched and a nil response
// returned immediately.
func (t *Transport) ProcessMessage(ctx context.Context, msg *jsonrpc.AnyMessage) (*jsonrpc.Response, error) {
	t.mu.Lock()
	closed, dispatch := t.closed, t.dispatch
	t.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if dispatch == nil {
		return nil, ErrNotConnected
	}

	req := msg.AsRequest()
	if req == nil {
		if err := dispatch(ctx, msg); err != nil {
			return nil, fmt.Errorf("dispatch failed: %w", err)
		}
		return nil, nil
	}

	key := req.ID.String()
	p := &pending{ch: make(chan *jsonrpc.Response, 1)}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if _, exists := t.pending[key]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("request id %q already in flight", key)
	}
	t.pending[key] = p
	t.mu.Unlock()

	if err := dispatch(ctx, msg); err != nil {
		t.deregister(key)
		return nil, fmt.Errorf("dispatch failed: %w", err)
	}

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case res, ok := <-p.ch:
		if !ok {
			return nil, ErrClosed
		}
		return res, nil
	case <-ctx.Done():
		t.deregister(key)
		return nil, ctx.Err()
	case <-timer.C:
		if t.deregister(key) {
			return nil, ErrTimeout
		}
		// The promise was fulfilled (or the transport closed) between the
		// timer firing and deregistration; the channel settles immediately.
		res, ok := <-p.ch
		if !ok {
			return nil, ErrClosed
		}
		return res, nil
	}
}

// deregister removes a pending promise if it is still registered, reporting
// whether this caller removed it.
func (t *Transport) deregister(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[key]; ok {
		delete(t.pending, key)
		return true
	}
	return false
}

// AttachSSE registers conn, replays buffered events with id greater than
// lastEventID in ascending order, then blocks delivering live events until
// the connection's lifetime ends: ctx cancellation (client disconnect),
// transport close, or a write failure. This is what keeps the SSE HTTP
// response open. A replay write failure detaches the connection and is
// returned to the caller.
func (t *Transport) AttachSSE(ctx context.Context, conn Connection, lastEventID int64) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	replay, err := t.events.After(ctx, lastEventID)
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("failed to read replay window: %w", err)
	}
	// The queue must absorb the full replay window plus a live window
	// without blocking, since enqueues happen under the transport mutex.
	c := &sseConn{
		conn: conn,
		ch:   make(chan Event, len(replay)+t.logSize),
		done: make(chan struct{}),
	}
	// Registration and replay enqueue happen under the same lock hold, so a
	// concurrent Send cannot interleave a live event ahead of the replay.
	t.conns[c] = struct{}{}
	for _, ev := range replay {
		c.ch <- ev
	}
	t.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			t.detach(c)
			return ctx.Err()
		case <-c.done:
			return ErrClosed
		case ev := <-c.ch:
			if err := c.conn.WriteEvent(ev); err != nil {
				t.detach(c)
				return fmt.Errorf("failed to write event %d: %w", ev.ID, err)
			}
		}
	}
}

// detach removes a connection registration if still present.
func (t *Transport) detach(c *sseConn) {
	t.mu.Lock()
	_, ok := t.conns[c]
	if ok {
		delete(t.conns, c)
	}
	t.mu.Unlock()
	if ok {
		close(c.done)
	}
}

// Closed reports whether the transport has been closed.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// ConnectionCount reports the number of attached SSE connections.
func (t *Transport) ConnectionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Close tears the transport down: no new connections are accepted and no
// further sends are performed. Every pending promise is cancelled (any POST
// still waiting observes ErrClosed) and every attached connection is
// forcibly ended. Close is idempotent and safe to call concurrently; the
// registered close callback fires exactly once.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]*sseConn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.conns = make(map[*sseConn]struct{})
	waiters := make([]*pending, 0, len(t.pending))
	for _, p := range t.pending {
		waiters = append(waiters, p)
	}
	t.pending = make(map[string]*pending)
	cb := t.onClose
	t.onClose = nil
	t.mu.Unlock()

	for _, p := range waiters {
		close(p.ch)
	}
	for _, c := range conns {
		close(c.done)
	}
	var err error
	if closer, ok := t.events.(io.Closer); ok {
		err = closer.Close()
	}
	if cb != nil {
		cb()
	}
	return err
}
