package streaminghttp

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/brokergate/brokergate/gateway"
	"github.com/brokergate/brokergate/internal/jsonrpc"
)

var _ http.Handler = (*Handler)(nil)

var (
	ErrSessionHeaderMissing = errors.New("missing mcp-session-id header")
	ErrSessionHeaderInvalid = errors.New("invalid mcp-session-id header")
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	mcpSessionIDHeader    = "Mcp-Session-Id"
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"

	maxBodyBytes      = 4 * 1024 * 1024
	keepaliveInterval = 30 * time.Second
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections made
// before a JSON-RPC exchange is possible.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the logger used by the handler.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithBearerToken requires every request to carry the given static bearer
// token. An empty token leaves the endpoint unauthenticated.
func WithBearerToken(token string) Option {
	return func(h *Handler) { h.authToken = token }
}

// WithSessionIdleTimeout reaps sessions that have had no request and no live
// event stream for d. Zero disables reaping.
func WithSessionIdleTimeout(d time.Duration) Option {
	return func(h *Handler) { h.idleTimeout = d }
}

type sessionEntry struct {
	sess       *gateway.ProtocolSession
	streaming  atomic.Bool
	lastActive atomic.Int64
}

func (e *sessionEntry) touch() {
	e.lastActive.Store(time.Now().UnixNano())
}

// Handler serves the MCP endpoint over streamable HTTP. It owns the mapping
// from Mcp-Session-Id values to live protocol sessions.
type Handler struct {
	srv         *gateway.Server
	log         *slog.Logger
	authToken   string
	idleTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*sessionEntry
	closed   bool

	done     chan struct{}
	doneOnce sync.Once
}

// New constructs a Handler around the session core.
func New(srv *gateway.Server, opts ...Option) *Handler {
	h := &Handler{
		srv:      srv,
		log:      slog.Default(),
		sessions: make(map[string]*sessionEntry),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.idleTimeout > 0 {
		go h.reapIdleSessions()
	}
	return h
}

// reapIdleSessions closes sessions whose client vanished without a DELETE. A
// live event stream counts as activity regardless of request traffic.
func (h *Handler) reapIdleSessions() {
	interval := h.idleTimeout / 4
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-h.done:
			return
		}

		cutoff := time.Now().Add(-h.idleTimeout).UnixNano()
		h.mu.Lock()
		var stale []*sessionEntry
		for id, e := range h.sessions {
			if e.streaming.Load() || e.lastActive.Load() > cutoff {
				continue
			}
			stale = append(stale, e)
			delete(h.sessions, id)
		}
		h.mu.Unlock()

		for _, e := range stale {
			h.srv.Close(e.sess)
			h.log.Info("http.session.reap", slog.String("session_id", e.sess.ID()))
		}
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.authToken != "" && !h.authorized(r) {
		w.Header().Set(wwwAuthenticateHeader, "Bearer")
		writeJSONError(w, http.StatusUnauthorized, "missing or invalid bearer token")
		return
	}

	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) authorized(r *http.Request) bool {
	auth := r.Header.Get(authorizationHeader)
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.authToken)) == 1
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxBodyBytes {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		h.writeResponse(w, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "parse error", nil))
		return
	}
	req := msg.AsRequest()
	if req == nil {
		writeJSONError(w, http.StatusBadRequest, "expected a request or notification")
		return
	}

	var entry *sessionEntry
	if req.Method == "initialize" {
		entry = h.openSession(w, r)
		if entry == nil {
			return
		}
	} else {
		entry = h.lookupSession(w, r)
		if entry == nil {
			return
		}
	}

	resp := h.srv.Handle(r.Context(), entry.sess, req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	h.writeResponse(w, resp)
}

func (h *Handler) openSession(w http.ResponseWriter, r *http.Request) *sessionEntry {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		writeJSONError(w, http.StatusServiceUnavailable, "shutting down")
		return nil
	}
	sess := h.srv.Open()
	entry := &sessionEntry{sess: sess}
	entry.touch()
	h.sessions[sess.ID()] = entry
	h.mu.Unlock()

	w.Header().Set(mcpSessionIDHeader, sess.ID())
	return entry
}

func (h *Handler) lookupSession(w http.ResponseWriter, r *http.Request) *sessionEntry {
	id := r.Header.Get(mcpSessionIDHeader)
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, ErrSessionHeaderMissing.Error())
		return nil
	}
	if err := uuid.Validate(id); err != nil {
		writeJSONError(w, http.StatusBadRequest, ErrSessionHeaderInvalid.Error())
		return nil
	}
	h.mu.Lock()
	entry := h.sessions[id]
	h.mu.Unlock()
	if entry == nil {
		writeJSONError(w, http.StatusNotFound, "unknown session")
		return nil
	}
	entry.touch()
	return entry
}

func (h *Handler) writeResponse(w http.ResponseWriter, resp *jsonrpc.Response) {
	b, err := json.Marshal(resp)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	_, _ = w.Write(b)
}

// handleGet opens the session's push stream as Server-Sent Events. One
// stream per session; a second GET while one is live is rejected.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must include text/event-stream")
		return
	}
	entry := h.lookupSession(w, r)
	if entry == nil {
		return
	}
	if !entry.streaming.CompareAndSwap(false, true) {
		writeJSONError(w, http.StatusConflict, "session already has a live event stream")
		return
	}
	defer func() {
		// The idle clock restarts when the stream ends, so a client that
		// drops its stream gets a full timeout to come back.
		entry.touch()
		entry.streaming.Store(false)
	}()

	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	f.Flush()

	h.log.Info("http.sse.open", slog.String("session_id", entry.sess.ID()))
	defer h.log.Info("http.sse.close", slog.String("session_id", entry.sess.ID()))

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: r.Context()}
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case note, ok := <-entry.sess.Notifications():
			if !ok {
				return
			}
			b, err := json.Marshal(note)
			if err != nil {
				h.log.Warn("sse.encode.fail", slog.String("err", err.Error()))
				continue
			}
			if err := writeSSEEvent(wf, "", b); err != nil {
				return
			}
		case <-keepalive.C:
			if _, err := wf.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			wf.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	entry := h.lookupSession(w, r)
	if entry == nil {
		return
	}
	h.mu.Lock()
	delete(h.sessions, entry.sess.ID())
	h.mu.Unlock()
	h.srv.Close(entry.sess)
	h.log.Info("http.session.delete", slog.String("session_id", entry.sess.ID()))
	w.WriteHeader(http.StatusNoContent)
}

// Shutdown closes every live session. New initialize requests are rejected
// afterwards.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.doneOnce.Do(func() { close(h.done) })
	h.mu.Lock()
	h.closed = true
	entries := make([]*sessionEntry, 0, len(h.sessions))
	for id, e := range h.sessions {
		entries = append(entries, e)
		delete(h.sessions, id)
	}
	h.mu.Unlock()

	for _, e := range entries {
		h.srv.Close(e.sess)
	}
	return ctx.Err()
}

// lockedWriteFlusher serializes concurrent writes and flushes, and refuses
// to write after the request context ends.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeSSEEvent writes one Server-Sent Event and flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}
