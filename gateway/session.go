package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/brokergate/brokergate/hub"
	"github.com/brokergate/brokergate/internal/jsonrpc"
	"github.com/brokergate/brokergate/mcp"
	"github.com/brokergate/brokergate/toolset"
	"github.com/brokergate/brokergate/watchlist"
)

// ProtocolSession is one connected MCP client. It implements
// toolset.Session so tools can manage the session's event channel
// membership.
type ProtocolSession struct {
	id  string
	srv *Server

	ctx    context.Context
	cancel context.CancelFunc

	hubSession  *hub.Session
	out         chan *jsonrpc.Request
	watchTicks  <-chan struct{}
	watchCancel func()

	initialized atomic.Bool

	mu              sync.Mutex
	protocolVersion string
	logLevel        mcp.LoggingLevel
	inflight        map[string]context.CancelFunc

	closeOnce sync.Once
}

var _ toolset.Session = (*ProtocolSession)(nil)

// Open creates a session, attaches it to the hub, and starts its
// notification pump.
func (s *Server) Open() *ProtocolSession {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	sess := &ProtocolSession{
		id:         id,
		srv:        s,
		ctx:        ctx,
		cancel:     cancel,
		hubSession: s.events.Attach(id),
		out:        make(chan *jsonrpc.Request),
		inflight:   make(map[string]context.CancelFunc),
		logLevel:   mcp.LoggingLevelInfo,
	}

	if s.watch != nil {
		sess.watchTicks, sess.watchCancel = s.watch.Subscribe()
	}

	go sess.pump()
	s.log.Info("session.open", slog.String("session_id", id))
	return sess
}

// Close tears the session down: pending invocations are canceled, the
// session's channel interests are released, and the notification pump
// stops. Safe to call more than once.
func (s *Server) Close(sess *ProtocolSession) {
	sess.closeOnce.Do(func() {
		sess.cancel()
		s.registry.RemoveSession(sess.id)
		s.events.Detach(sess.id)
		if sess.watchCancel != nil {
			sess.watchCancel()
		}

		sess.mu.Lock()
		for _, cancel := range sess.inflight {
			cancel()
		}
		sess.inflight = map[string]context.CancelFunc{}
		sess.mu.Unlock()

		s.log.Info("session.close", slog.String("session_id", sess.id))
	})
}

// pump converts hub envelopes and watchlist ticks into JSON-RPC
// notifications on the session's outbound queue. It exits when the hub
// queue closes (detach) or the session context ends, closing Notifications.
func (sess *ProtocolSession) pump() {
	defer close(sess.out)
	for {
		select {
		case env, ok := <-sess.hubSession.Events():
			if !ok {
				return
			}
			note := jsonrpc.NewNotification(string(env.Method), env.Event)
			select {
			case sess.out <- note:
			case <-sess.ctx.Done():
				return
			}
		case <-sess.watchTicks:
			note := jsonrpc.NewNotification(string(mcp.ResourcesUpdatedNotificationMethod),
				mcp.ResourceUpdatedNotification{URI: watchlist.URI})
			select {
			case sess.out <- note:
			case <-sess.ctx.Done():
				return
			}
		case <-sess.ctx.Done():
			return
		}
	}
}

// ID returns the session identifier.
func (sess *ProtocolSession) ID() string { return sess.id }

// Notifications delivers server-initiated notifications for this session.
// The channel closes when the session closes.
func (sess *ProtocolSession) Notifications() <-chan *jsonrpc.Request {
	return sess.out
}

// ProtocolVersion reports the negotiated protocol version, empty before
// initialize.
func (sess *ProtocolSession) ProtocolVersion() string {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.protocolVersion
}

func (sess *ProtocolSession) setProtocolVersion(v string) {
	sess.mu.Lock()
	sess.protocolVersion = v
	sess.mu.Unlock()
}

// LogLevel reports the client-requested logging level.
func (sess *ProtocolSession) LogLevel() mcp.LoggingLevel {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.logLevel
}

func (sess *ProtocolSession) setLogLevel(level mcp.LoggingLevel) {
	sess.mu.Lock()
	sess.logLevel = level
	sess.mu.Unlock()
}

// Subscribe adds the session to a channel. Hub interest is set before the
// registry add so no event published immediately after activation is
// missed; it is rolled back if the backend subscription fails.
func (sess *ProtocolSession) Subscribe(ctx context.Context, ch string) error {
	sess.hubSession.Subscribe(ch)
	if err := sess.srv.registry.Add(ctx, sess.id, ch); err != nil {
		sess.hubSession.Unsubscribe(ch)
		return err
	}
	return nil
}

// Unsubscribe removes the session from a channel.
func (sess *ProtocolSession) Unsubscribe(ch string) {
	sess.hubSession.Unsubscribe(ch)
	sess.srv.registry.Remove(sess.id, ch)
}

func (sess *ProtocolSession) trackInvocation(id string, cancel context.CancelFunc) {
	if id == "" {
		return
	}
	sess.mu.Lock()
	sess.inflight[id] = cancel
	sess.mu.Unlock()
}

func (sess *ProtocolSession) untrackInvocation(id string) {
	if id == "" {
		return
	}
	sess.mu.Lock()
	delete(sess.inflight, id)
	sess.mu.Unlock()
}

// cancelInvocation cancels a tracked invocation, reporting whether one was
// found.
func (sess *ProtocolSession) cancelInvocation(id string) bool {
	sess.mu.Lock()
	cancel, ok := sess.inflight[id]
	sess.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}
