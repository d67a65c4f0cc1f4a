// Package adapter owns the gateway's single backend session. It multiplexes
// every protocol session onto one authenticated identity, maintains the push
// stream across disconnects with bounded exponential backoff, and applies
// the call retry policy: reads get one transparent retry on transient
// failure, order-mutating calls are never reissued.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brokergate/brokergate/backend"
	"github.com/brokergate/brokergate/hub"
)

// State is the backend session lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticated
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrClosed indicates the adapter was shut down.
var ErrClosed = errors.New("backend adapter closed")

// Registry is the slice of the subscription registry the adapter drives
// during reconnect replay.
type Registry interface {
	Invalidate()
	Resync()
}

// Adapter wraps a backend.Client with stream lifecycle management. It also
// implements subs.Transport so the registry can issue channel commands
// without knowing about connections.
type Adapter struct {
	client backend.Client
	events *hub.Hub
	log    *slog.Logger

	minDelay    time.Duration
	maxDelay    time.Duration
	maxAttempts int

	mu         sync.Mutex
	state      State
	stream     backend.Stream
	connecting chan struct{}
	registry   Registry

	done      chan struct{}
	closeOnce sync.Once

	fatalOnce sync.Once
	fatal     chan error
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter's logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *Adapter) { a.log = log }
}

// WithBackoff bounds the reconnect delay.
func WithBackoff(min, max time.Duration) Option {
	return func(a *Adapter) {
		a.minDelay = min
		a.maxDelay = max
	}
}

// WithMaxAttempts bounds how many consecutive reconnect dials may fail
// before the adapter gives up and reports a fatal error.
func WithMaxAttempts(n int) Option {
	return func(a *Adapter) { a.maxAttempts = n }
}

// New builds an Adapter publishing stream events into events. No backend
// call is made until the first operation needs one.
func New(client backend.Client, events *hub.Hub, opts ...Option) *Adapter {
	a := &Adapter{
		client:      client,
		events:      events,
		log:         slog.Default(),
		minDelay:    500 * time.Millisecond,
		maxDelay:    30 * time.Second,
		maxAttempts: 20,
		state:       StateDisconnected,
		done:        make(chan struct{}),
		fatal:       make(chan error, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// BindRegistry wires the registry used for resubscription replay. Must be
// called before the first reconnect; the circular dependency between the
// registry (which needs the adapter as transport) and the adapter (which
// replays the registry) is resolved here.
func (a *Adapter) BindRegistry(r Registry) {
	a.mu.Lock()
	a.registry = r
	a.mu.Unlock()
}

// State reports the current backend session state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Fatal delivers at most one unrecoverable error (credential rejection).
// The process is expected to exit when it fires.
func (a *Adapter) Fatal() <-chan error {
	return a.fatal
}

// Close tears down the stream and stops reconnecting.
func (a *Adapter) Close() {
	a.closeOnce.Do(func() {
		close(a.done)
		a.mu.Lock()
		a.state = StateClosed
		st := a.stream
		a.stream = nil
		a.mu.Unlock()
		if st != nil {
			st.Close()
		}
	})
}

func (a *Adapter) giveUp(err error) {
	a.fatalOnce.Do(func() {
		a.fatal <- err
	})
	a.Close()
}

// noteErr routes credential failures from any call to the fatal path.
func (a *Adapter) noteErr(err error) {
	if err != nil && backend.IsAuth(err) {
		a.log.Error("backend.auth.fail", slog.String("err", err.Error()))
		a.giveUp(err)
	}
}

// ensureStream returns the live stream, dialing lazily on first use. A
// concurrent dial is shared: later callers wait for the first to settle.
func (a *Adapter) ensureStream(ctx context.Context) (backend.Stream, error) {
	for {
		a.mu.Lock()
		switch a.state {
		case StateClosed:
			a.mu.Unlock()
			return nil, ErrClosed
		case StateAuthenticated:
			st := a.stream
			a.mu.Unlock()
			return st, nil
		case StateConnecting:
			wait := a.connecting
			a.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		case StateDegraded:
			// The reconnect loop owns recovery; callers fail fast.
			a.mu.Unlock()
			return nil, &backend.CallError{Op: "stream", Message: "backend degraded", Transient: true}
		default:
			a.state = StateConnecting
			a.connecting = make(chan struct{})
			a.mu.Unlock()

			st, err := a.client.DialStream(ctx)

			a.mu.Lock()
			close(a.connecting)
			a.connecting = nil
			if a.state == StateClosed {
				a.mu.Unlock()
				if st != nil {
					st.Close()
				}
				return nil, ErrClosed
			}
			if err != nil {
				// Recovery moves to the reconnect loop, which carries the
				// backoff and the bounded attempt count; concurrent callers
				// fail fast on the Degraded state meanwhile.
				a.state = StateDegraded
				a.mu.Unlock()
				if backend.IsAuth(err) {
					a.noteErr(err)
				} else {
					a.log.Warn("backend.dial.fail", slog.String("err", err.Error()))
					go a.reconnect()
				}
				return nil, err
			}
			a.state = StateAuthenticated
			a.stream = st
			a.mu.Unlock()

			a.log.Info("backend.stream.connect")
			go a.pump(st)
			return st, nil
		}
	}
}

// pump forwards stream events into the hub until the stream ends, then
// hands off to the reconnect loop.
func (a *Adapter) pump(st backend.Stream) {
	for ev := range st.Events() {
		a.events.Publish(ev)
	}

	select {
	case <-a.done:
		return
	default:
	}

	err := st.Err()
	a.mu.Lock()
	if a.state == StateClosed || a.stream != st {
		a.mu.Unlock()
		return
	}
	a.state = StateDegraded
	a.stream = nil
	a.mu.Unlock()

	if err != nil {
		a.log.Warn("backend.stream.lost", slog.String("err", err.Error()))
	} else {
		a.log.Warn("backend.stream.lost")
	}
	a.reconnect()
}

// reconnect re-dials with exponential backoff until it succeeds, the
// adapter closes, the backend rejects credentials, or the attempt bound is
// exhausted. Giving up is fatal: a gateway that cannot reach its backend
// must exit rather than serve dead subscriptions. On success the registry's
// wanted channels are replayed before new commands flow.
func (a *Adapter) reconnect() {
	var lastErr error
	delay := a.minDelay
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		select {
		case <-time.After(delay):
		case <-a.done:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), a.maxDelay)
		st, err := a.client.DialStream(ctx)
		cancel()

		if err != nil {
			if backend.IsAuth(err) {
				a.log.Error("backend.reconnect.auth_fail", slog.Int("attempt", attempt))
				a.giveUp(err)
				return
			}
			lastErr = err
			a.log.Warn("backend.reconnect.fail",
				slog.Int("attempt", attempt),
				slog.Duration("next_delay", delay),
				slog.String("err", err.Error()),
			)
			delay *= 2
			if delay > a.maxDelay {
				delay = a.maxDelay
			}
			continue
		}

		a.mu.Lock()
		if a.state == StateClosed {
			a.mu.Unlock()
			st.Close()
			return
		}
		a.state = StateAuthenticated
		a.stream = st
		reg := a.registry
		a.mu.Unlock()

		a.log.Info("backend.reconnect.ok", slog.Int("attempt", attempt))

		// Replay: every channel a session still wants gets resubscribed on
		// the fresh stream.
		if reg != nil {
			reg.Invalidate()
			reg.Resync()
		}
		go a.pump(st)
		return
	}

	a.log.Error("backend.reconnect.give_up", slog.Int("attempts", a.maxAttempts))
	a.giveUp(fmt.Errorf("backend unreachable after %d attempts: %w", a.maxAttempts, lastErr))
}

// SubscribeChannel implements subs.Transport.
func (a *Adapter) SubscribeChannel(ctx context.Context, ch string) error {
	st, err := a.ensureStream(ctx)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", ch, err)
	}
	err = st.Subscribe(ctx, []string{ch})
	a.noteErr(err)
	return err
}

// UnsubscribeChannel implements subs.Transport. Without a live stream there
// is nothing to unsubscribe from: the backend side died with the stream.
func (a *Adapter) UnsubscribeChannel(ctx context.Context, ch string) error {
	a.mu.Lock()
	st := a.stream
	ok := a.state == StateAuthenticated
	a.mu.Unlock()
	if !ok || st == nil {
		return nil
	}
	return st.Unsubscribe(ctx, []string{ch})
}
