// Package hub fans backend push events out to protocol sessions. Each
// session owns a bounded queue; when a slow consumer falls behind, the
// oldest queued event is dropped and counted rather than ever blocking the
// publisher or other sessions.
package hub

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brokergate/brokergate/backend"
	"github.com/brokergate/brokergate/mcp"
)

// ChannelOrders is the account-level order event channel. Order events are
// broadcast to every attached session; quote channels are delivered only to
// sessions that subscribed.
const ChannelOrders = "order"

// QuoteChannel returns the channel name for a symbol's quote stream.
func QuoteChannel(symbol string) string {
	return "quote:" + symbol
}

// QuoteChannelSymbol extracts the symbol from a quote channel name. The
// second result is false for non-quote channels.
func QuoteChannelSymbol(ch string) (string, bool) {
	sym, ok := strings.CutPrefix(ch, "quote:")
	return sym, ok
}

// Envelope is one event addressed to a session, ready to become a
// JSON-RPC notification.
type Envelope struct {
	Method mcp.Method
	Event  mcp.EventNotification
}

// Session is one attached consumer. Events are received from Events();
// Dropped reports how many events were discarded because the queue was full.
type Session struct {
	id  string
	hub *Hub

	mu       sync.Mutex
	interest map[string]struct{}

	queue   chan Envelope
	dropped atomic.Uint64
}

// Hub is the fan-out point. Publish never blocks on consumers.
type Hub struct {
	log       *slog.Logger
	queueSize int

	mu       sync.Mutex
	sessions map[string]*Session
	seq      map[string]uint64
}

// New builds a Hub whose per-session queues hold queueSize events.
func New(queueSize int, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Hub{
		log:       log,
		queueSize: queueSize,
		sessions:  make(map[string]*Session),
		seq:       make(map[string]uint64),
	}
}

// Attach registers a session and returns its handle. Attaching an existing
// id replaces the old handle; the old queue is closed.
func (h *Hub) Attach(id string) *Session {
	s := &Session{
		id:       id,
		hub:      h,
		interest: make(map[string]struct{}),
		queue:    make(chan Envelope, h.queueSize),
	}
	h.mu.Lock()
	if old, ok := h.sessions[id]; ok {
		close(old.queue)
	}
	h.sessions[id] = s
	h.mu.Unlock()
	h.log.Debug("hub.session.attach", slog.String("session_id", id))
	return s
}

// Detach removes a session and closes its queue.
func (h *Hub) Detach(id string) {
	h.mu.Lock()
	s, ok := h.sessions[id]
	if ok {
		delete(h.sessions, id)
	}
	h.mu.Unlock()
	if ok {
		close(s.queue)
		h.log.Debug("hub.session.detach",
			slog.String("session_id", id),
			slog.Uint64("dropped", s.dropped.Load()),
		)
	}
}

// Publish delivers ev to every interested session. The per-channel sequence
// number is assigned under the hub lock, which also guarantees per-channel
// FIFO into every session queue.
func (h *Hub) Publish(ev backend.Event) {
	method := mcp.QuoteNotificationMethod
	if ev.Channel == ChannelOrders {
		method = mcp.OrderNotificationMethod
	}

	payload := ev.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}

	h.mu.Lock()
	h.seq[ev.Channel]++
	note := mcp.EventNotification{
		Channel:   ev.Channel,
		Sequence:  h.seq[ev.Channel],
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	}
	for _, s := range h.sessions {
		if ev.Channel != ChannelOrders && !s.wants(ev.Channel) {
			continue
		}
		s.push(Envelope{Method: method, Event: note})
	}
	h.mu.Unlock()
}

// push enqueues one envelope, dropping the oldest queued event when full.
// Only called with h.mu held, so there is a single producer per queue.
func (s *Session) push(env Envelope) {
	for {
		select {
		case s.queue <- env:
			return
		default:
		}
		select {
		case <-s.queue:
			s.dropped.Add(1)
		default:
		}
	}
}

func (s *Session) wants(ch string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.interest[ch]
	return ok
}

// Subscribe begins delivery of ch to this session.
func (s *Session) Subscribe(ch string) {
	s.mu.Lock()
	s.interest[ch] = struct{}{}
	s.mu.Unlock()
}

// Unsubscribe stops delivery of ch to this session. Events already queued
// are not withdrawn.
func (s *Session) Unsubscribe(ch string) {
	s.mu.Lock()
	delete(s.interest, ch)
	s.mu.Unlock()
}

// Events is the session's delivery queue. It is closed on Detach.
func (s *Session) Events() <-chan Envelope {
	return s.queue
}

// Dropped reports how many events were discarded for this session.
func (s *Session) Dropped() uint64 {
	return s.dropped.Load()
}

// ID returns the session id the handle was attached under.
func (s *Session) ID() string {
	return s.id
}
