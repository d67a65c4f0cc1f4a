package longport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/brokergate/brokergate/backend"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPongTimeout  = 60 * time.Second
	streamPingInterval = 15 * time.Second
	streamAckTimeout   = 10 * time.Second
)

// ErrStreamClosed indicates the push stream was closed before or during a
// command.
var ErrStreamClosed = errors.New("stream closed")

// streamCommand is a control frame sent to the backend.
type streamCommand struct {
	ID       uint64   `json:"id"`
	Cmd      string   `json:"cmd"`
	Channels []string `json:"channels,omitempty"`
}

// streamFrame is any frame received from the backend. Frames carrying an ID
// acknowledge a command; frames carrying a channel are push events.
type streamFrame struct {
	ID        uint64          `json:"id,omitempty"`
	Code      int             `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Stream is one live websocket connection delivering quote and order push
// events. Commands are correlated with acks by ID; unmatched acks are
// ignored.
type Stream struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan streamFrame
	nextID  uint64

	events chan backend.Event
	done   chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

var _ backend.Stream = (*Stream)(nil)

// DialStream fetches a one-time socket token and opens the push connection.
func (c *Client) DialStream(ctx context.Context) (backend.Stream, error) {
	otp, err := c.socketToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch socket token: %w", err)
	}

	u, err := url.Parse(c.quoteWSURL)
	if err != nil {
		return nil, fmt.Errorf("parse stream url: %w", err)
	}
	q := u.Query()
	q.Set("token", otp)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), http.Header{
		"User-Agent": {userAgent},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &backend.AuthError{Code: resp.StatusCode, Message: "stream handshake rejected"}
		}
		return nil, &backend.CallError{Op: "dial stream", Message: "websocket dial", Transient: true, Err: err}
	}

	s := &Stream{
		conn:    conn,
		pending: make(map[uint64]chan streamFrame),
		events:  make(chan backend.Event, 64),
		done:    make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(streamPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongTimeout))
	})

	go s.readLoop()
	go s.pingLoop()

	return s, nil
}

// Subscribe issues a subscribe command and waits for its ack.
func (s *Stream) Subscribe(ctx context.Context, channels []string) error {
	return s.command(ctx, "subscribe", channels)
}

// Unsubscribe issues an unsubscribe command and waits for its ack.
func (s *Stream) Unsubscribe(ctx context.Context, channels []string) error {
	return s.command(ctx, "unsubscribe", channels)
}

func (s *Stream) command(ctx context.Context, cmd string, channels []string) error {
	id := atomic.AddUint64(&s.nextID, 1)
	ackCh := make(chan streamFrame, 1)

	s.mu.Lock()
	s.pending[id] = ackCh
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.writeJSON(streamCommand{ID: id, Cmd: cmd, Channels: channels}); err != nil {
		return &backend.CallError{Op: cmd, Message: "stream write", Transient: true, Err: err}
	}

	timer := time.NewTimer(streamAckTimeout)
	defer timer.Stop()

	select {
	case ack := <-ackCh:
		if ack.Code != 0 {
			return &backend.CallError{Op: cmd, Code: ack.Code, Message: ack.Message}
		}
		return nil
	case <-timer.C:
		return &backend.CallError{Op: cmd, Message: "ack timeout", Transient: true}
	case <-s.done:
		return &backend.CallError{Op: cmd, Message: "stream closed", Transient: true, Err: s.Err()}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Stream) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return s.conn.WriteJSON(v)
}

// Events delivers push events in arrival order until the stream ends.
func (s *Stream) Events() <-chan backend.Event {
	return s.events
}

// Err reports why the stream ended. It is nil before the stream ends and
// after a clean Close.
func (s *Stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close tears down the connection. Pending commands fail with ErrStreamClosed.
func (s *Stream) Close() error {
	s.shutdown(nil)
	return nil
}

func (s *Stream) shutdown(err error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()

		close(s.done)
		s.conn.Close()
	})
}

// readLoop owns the events channel: it is the only sender and closes it on
// exit, so shutdown never races a send.
func (s *Stream) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				// Closed locally; not a stream failure.
			default:
				s.shutdown(fmt.Errorf("stream read: %w", err))
			}
			return
		}

		var frame streamFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		if frame.ID != 0 {
			s.mu.Lock()
			ackCh, ok := s.pending[frame.ID]
			s.mu.Unlock()
			if ok {
				ackCh <- frame
			}
			continue
		}

		if frame.Channel == "" {
			continue
		}

		ev := backend.Event{
			Channel:   frame.Channel,
			Timestamp: time.UnixMilli(frame.Timestamp).UTC(),
			Payload:   frame.Data,
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *Stream) pingLoop() {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				s.shutdown(fmt.Errorf("stream ping: %w", err))
				return
			}
		case <-s.done:
			return
		}
	}
}
