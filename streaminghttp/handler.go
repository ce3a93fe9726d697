package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/waypost/mcp-streamhttp/internal/logctx"
	"github.com/waypost/mcp-streamhttp/jsonrpc"
	"github.com/waypost/mcp-streamhttp/sessions"
	"github.com/waypost/mcp-streamhttp/transport"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Use canonical header names for clarity; Go matches headers case-insensitively.
	lastEventIDHeader  = "Last-Event-ID"
	mcpSessionIDHeader = "Mcp-Session-Id"

	defaultEndpointPath      = "/mcp"
	defaultKeepAliveInterval = 30 * time.Second
)

// PrincipalResolver attributes an HTTP request to a principal. The caller
// is assumed to be already authenticated by an outer layer; resolution
// failures are answered with 401.
type PrincipalResolver func(r *http.Request) (string, error)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before
// a JSON-RPC exchange is possible. This is transport-level, not JSON-RPC
// framing. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger    *slog.Logger
	path      string
	keepAlive time.Duration
	principal PrincipalResolver
}

// WithLogger sets the slog logger used by the handler.
func WithLogger(log *slog.Logger) Option {
	return func(c *newConfig) { c.logger = log }
}

// WithEndpointPath changes the mount path (default "/mcp").
func WithEndpointPath(path string) Option {
	return func(c *newConfig) { c.path = path }
}

// WithKeepAliveInterval sets the interval between SSE comment frames on
// idle streams. Zero or negative disables keep-alives.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(c *newConfig) { c.keepAlive = d }
}

// WithPrincipalResolver installs the principal attribution hook. Without
// one, every caller is the anonymous principal.
func WithPrincipalResolver(fn PrincipalResolver) Option {
	return func(c *newConfig) { c.principal = fn }
}

// Handler bridges POST/GET(SSE)/DELETE onto the session manager.
type Handler struct {
	mux       *http.ServeMux
	log       *slog.Logger
	manager   *sessions.Manager
	keepAlive time.Duration
	principal PrincipalResolver
}

// New constructs a Handler serving the streamable HTTP endpoints for the
// given session manager.
func New(manager *sessions.Manager, opts ...Option) (*Handler, error) {
	if manager == nil {
		return nil, fmt.Errorf("session manager is required")
	}

	cfg := &newConfig{
		logger:    slog.Default(),
		path:      defaultEndpointPath,
		keepAlive: defaultKeepAliveInterval,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if !strings.HasPrefix(cfg.path, "/") {
		return nil, fmt.Errorf("endpoint path must start with /, got %q", cfg.path)
	}

	h := &Handler{
		log:       slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		manager:   manager,
		keepAlive: cfg.keepAlive,
		principal: cfg.principal,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", cfg.path), h.handlePost)
	mux.HandleFunc(fmt.Sprintf("GET %s", cfg.path), h.handleGet)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", cfg.path), h.handleDelete)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// resolvePrincipal runs the configured resolver, writing a 401 on failure.
// The bool reports whether the request may proceed.
func (h *Handler) resolvePrincipal(ctx context.Context, r *http.Request, w http.ResponseWriter) (string, bool) {
	if h.principal == nil {
		return "", true
	}
	principal, err := h.principal(r)
	if err != nil {
		h.log.InfoContext(ctx, "principal.resolve.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return principal, true
}

// handlePost handles POST: one inbound JSON-RPC message, creating a session
// when no session header is present.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	principal, ok := h.resolvePrincipal(ctx, r, w)
	if !ok {
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are forbidden on streamable HTTP transport")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Kind().String(),
	})

	sessID := r.Header.Get(mcpSessionIDHeader)

	var sess *sessions.Session
	if sessID == "" {
		// Opening a new session requires a request; there is nothing to
		// correlate a bare notification or response to.
		if msg.Kind() != jsonrpc.KindRequest {
			writeJSONError(w, http.StatusBadRequest, "opening a session requires a request message")
			h.log.InfoContext(ctx, "session.open.invalid")
			return
		}
		sess, err = h.manager.CreateSession(ctx, principal)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to create session")
			h.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
			return
		}
	} else {
		sess, ok = h.manager.GetSession(sessID)
		if !ok {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.load.miss")
			return
		}
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), Principal: sess.Principal()})
	w.Header().Set(mcpSessionIDHeader, sess.ID())

	res, err := sess.Transport().ProcessMessage(ctx, &msg)
	if err != nil {
		switch {
		case errors.Is(err, transport.ErrTimeout):
			writeJSONError(w, http.StatusRequestTimeout, "timed out waiting for response")
			h.log.WarnContext(ctx, "rpc.inbound.timeout", slog.Duration("dur", time.Since(start)))
		case errors.Is(err, transport.ErrClosed):
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "rpc.inbound.closed")
		case errors.Is(err, context.Canceled):
			// Client went away; nothing useful to write.
			h.log.InfoContext(ctx, "rpc.inbound.canceled")
		default:
			writeJSONError(w, http.StatusInternalServerError, "internal server error")
			h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
		}
		return
	}

	if res == nil {
		// Notification (or client response): accepted, nothing to return.
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		h.log.ErrorContext(ctx, "rpc.response.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
}

// handleGet handles the SSE endpoint: replay of buffered events past the
// Last-Event-ID cursor, then live delivery until the client disconnects.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusNotAcceptable)
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	if _, ok := h.resolvePrincipal(ctx, r, w); !ok {
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing mcp-session-id header")
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}

	var lastEventID int64
	if v := r.Header.Get(lastEventIDHeader); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid last-event-id header")
			h.log.WarnContext(ctx, "sse.last_event_id.invalid", slog.String("value", v))
			return
		}
		lastEventID = id
	}

	sess, ok := h.manager.GetSession(sessID)
	if !ok {
		writeJSONError(w, http.StatusGone, "session not found")
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), Principal: sess.Principal()})

	wf := &lockedWriteFlusher{w: w, f: f, ctx: ctx}

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(mcpSessionIDHeader, sess.ID())
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start", slog.Int64("last_event_id", lastEventID))

	if h.keepAlive > 0 {
		stop := startKeepAlive(ctx, wf, h.keepAlive)
		defer stop()
	}

	// From here on the stream is committed; failures end it and are logged,
	// never surfaced as an HTTP error body.
	err := sess.Transport().AttachSSE(ctx, &sseConnection{wf: wf}, lastEventID)
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, transport.ErrClosed):
		h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
	default:
		h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
	}
}

// handleDelete handles explicit session termination.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	if _, ok := h.resolvePrincipal(ctx, r, w); !ok {
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing mcp-session-id header")
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})
	w.Header().Set(mcpSessionIDHeader, sessID)

	if !h.manager.CloseSession(sessID) {
		writeJSONError(w, http.StatusGone, "session not found")
		h.log.InfoContext(ctx, "session.delete.miss")
		return
	}

	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

// lockedWriteFlusher serializes concurrent writes/flushes to the SSE
// response and refuses to write after ctx is canceled.
type lockedWriteFlusher struct {
	w   io.Writer
	f   http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.w.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return
	}
	l.f.Flush()
}

// sseConnection adapts the locked writer to the transport's Connection.
type sseConnection struct {
	wf *lockedWriteFlusher
}

func (c *sseConnection) WriteEvent(ev transport.Event) error {
	if _, err := fmt.Fprintf(c.wf, "id: %d\n", ev.ID); err != nil {
		return fmt.Errorf("failed to write SSE event id: %w", err)
	}
	if _, err := c.wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := c.wf.Write(ev.Data); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := c.wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	c.wf.Flush()
	return nil
}

// startKeepAlive emits comment frames on an interval so intermediaries keep
// idle streams open. The returned func stops the ticker.
func startKeepAlive(ctx context.Context, wf *lockedWriteFlusher, interval time.Duration) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if _, err := wf.Write([]byte(": ping\n\n")); err != nil {
					return
				}
				wf.Flush()
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
