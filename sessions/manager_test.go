package sessions_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/waypost/mcp-streamhttp/jsonrpc"
	"github.com/waypost/mcp-streamhttp/sessions"
)

// fakeServer is a minimal ProtocolServer that records lifecycle calls.
type fakeServer struct {
	mu        sync.Mutex
	sink      sessions.MessageSink
	onClose   func()
	closed    int
	connectFn func(ctx context.Context, sink sessions.MessageSink) error
}

func (s *fakeServer) Connect(ctx context.Context, sink sessions.MessageSink) error {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
	if s.connectFn != nil {
		return s.connectFn(ctx, sink)
	}
	return nil
}

func (s *fakeServer) HandleMessage(ctx context.Context, msg *jsonrpc.AnyMessage) error {
	req := msg.AsRequest()
	if req == nil {
		return nil
	}
	res, err := jsonrpc.NewResultResponse(req.ID, "ok")
	if err != nil {
		return err
	}
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	return sink.Send(ctx, res)
}

func (s *fakeServer) OnClose(fn func()) {
	s.mu.Lock()
	s.onClose = fn
	s.mu.Unlock()
}

func (s *fakeServer) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

func (s *fakeServer) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func newFakeFactory(created *[]*fakeServer, mu *sync.Mutex) sessions.ServerFactory {
	return sessions.ServerFactoryFunc(func(ctx context.Context, principal string) (sessions.ProtocolServer, error) {
		srv := &fakeServer{}
		mu.Lock()
		*created = append(*created, srv)
		mu.Unlock()
		return srv, nil
	})
}

func TestCreateGetCloseSession(t *testing.T) {
	var created []*fakeServer
	var mu sync.Mutex
	m := sessions.NewManager(newFakeFactory(&created, &mu))

	sess, err := m.CreateSession(context.Background(), "alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.ID() == "" {
		t.Fatal("session id must not be empty")
	}
	if sess.Principal() != "alice" {
		t.Fatalf("principal = %q, want alice", sess.Principal())
	}

	got, ok := m.GetSession(sess.ID())
	if !ok || got != sess {
		t.Fatal("GetSession did not return the created session")
	}

	if !m.CloseSession(sess.ID()) {
		t.Fatal("CloseSession should report an existing session")
	}
	if m.CloseSession(sess.ID()) {
		t.Fatal("second CloseSession should report no session")
	}
	if _, ok := m.GetSession(sess.ID()); ok {
		t.Fatal("closed session still resolvable")
	}

	mu.Lock()
	srv := created[0]
	mu.Unlock()
	if n := srv.closeCount(); n != 1 {
		t.Fatalf("protocol server closed %d times, want 1", n)
	}
	if !sess.Transport().Closed() {
		t.Fatal("transport not closed with the session")
	}
}

func TestServerFactoryFailure(t *testing.T) {
	m := sessions.NewManager(sessions.ServerFactoryFunc(func(ctx context.Context, principal string) (sessions.ProtocolServer, error) {
		return nil, errors.New("no capacity")
	}))
	if _, err := m.CreateSession(context.Background(), ""); err == nil {
		t.Fatal("expected factory error")
	}
	if n := m.SessionCount(); n != 0 {
		t.Fatalf("sessions registered after failed create: %d", n)
	}
}

func TestTransportCloseDeregistersSession(t *testing.T) {
	var created []*fakeServer
	var mu sync.Mutex
	m := sessions.NewManager(newFakeFactory(&created, &mu))

	sess, err := m.CreateSession(context.Background(), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// A transport-initiated close (internal failure path) must remove the
	// session and close the server side too.
	_ = sess.Transport().Close()

	if _, ok := m.GetSession(sess.ID()); ok {
		t.Fatal("session still registered after transport close")
	}
	mu.Lock()
	srv := created[0]
	mu.Unlock()
	if n := srv.closeCount(); n != 1 {
		t.Fatalf("protocol server closed %d times, want 1", n)
	}
}

func TestServerInitiatedCloseDeregistersSession(t *testing.T) {
	var created []*fakeServer
	var mu sync.Mutex
	m := sessions.NewManager(newFakeFactory(&created, &mu))

	sess, err := m.CreateSession(context.Background(), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	mu.Lock()
	srv := created[0]
	mu.Unlock()
	srv.mu.Lock()
	fire := srv.onClose
	srv.mu.Unlock()
	if fire == nil {
		t.Fatal("manager did not register a server close callback")
	}
	fire()

	if _, ok := m.GetSession(sess.ID()); ok {
		t.Fatal("session still registered after server-initiated close")
	}
	if !sess.Transport().Closed() {
		t.Fatal("transport not closed after server-initiated close")
	}
}

func TestConcurrentSessionLifecycle(t *testing.T) {
	var created []*fakeServer
	var mu sync.Mutex
	m := sessions.NewManager(newFakeFactory(&created, &mu))

	const n = 50
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := m.CreateSession(context.Background(), fmt.Sprintf("p%d", i))
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			ids[i] = sess.ID()
		}(i)
	}
	wg.Wait()

	if got := m.SessionCount(); got != n {
		t.Fatalf("session count = %d, want %d", got, n)
	}

	// Concurrent close from multiple paths: the registry removal happens
	// exactly once per session.
	var removed atomic.Int64
	for _, id := range ids {
		wg.Add(2)
		for k := 0; k < 2; k++ {
			go func(id string) {
				defer wg.Done()
				if m.CloseSession(id) {
					removed.Add(1)
				}
			}(id)
		}
	}
	wg.Wait()

	if got := removed.Load(); got != n {
		t.Fatalf("removals = %d, want %d (exactly once per session)", got, n)
	}
	if got := m.SessionCount(); got != 0 {
		t.Fatalf("session count after close = %d, want 0", got)
	}
}

func TestManagerCloseTerminatesAllSessions(t *testing.T) {
	var created []*fakeServer
	var mu sync.Mutex
	m := sessions.NewManager(newFakeFactory(&created, &mu))

	var ids []string
	for i := 0; i < 5; i++ {
		sess, err := m.CreateSession(context.Background(), "")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, sess.ID())
	}
	if err := m.Close(); err != nil {
		t.Fatalf("manager close: %v", err)
	}
	for _, id := range ids {
		if _, ok := m.GetSession(id); ok {
			t.Fatalf("session %s survived manager close", id)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for i, srv := range created {
		if n := srv.closeCount(); n != 1 {
			t.Fatalf("server %d closed %d times, want 1", i, n)
		}
	}
}
