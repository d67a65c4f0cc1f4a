// Package subs tracks which protocol sessions want which backend channels
// and keeps exactly one backend subscription alive per wanted channel.
//
// All state transitions for a channel are serialized through a single
// reconcile loop, so backend subscribe and unsubscribe commands for one
// channel never overlap. Reference counts are exact: the backend
// subscription exists if and only if at least one session wants the channel.
package subs

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is the lifecycle of one channel's backend subscription.
type State int

const (
	StateUnsubscribed State = iota
	StateSubscribing
	StateActive
	StateUnsubscribing
)

func (s State) String() string {
	switch s {
	case StateUnsubscribed:
		return "unsubscribed"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateUnsubscribing:
		return "unsubscribing"
	default:
		return "unknown"
	}
}

// Transport issues channel commands against the backend. Implementations
// may block; the registry never holds its lock across these calls.
type Transport interface {
	SubscribeChannel(ctx context.Context, channel string) error
	UnsubscribeChannel(ctx context.Context, channel string) error
}

// channel separates established refs (their Add already succeeded) from
// pending ones (their Add is still waiting on the current attempt). A failed
// subscribe fails only the pending cohort; established refs keep their claim
// so reconnect replay can restore them.
type channel struct {
	name        string
	state       State
	refs        map[string]struct{}
	pending     map[string]struct{}
	reconciling bool
	waiters     []chan error
	retryDelay  time.Duration
}

// Registry is the subscription bookkeeper. The zero value is not usable;
// construct with New.
type Registry struct {
	transport Transport
	log       *slog.Logger

	// base bounds the lifetime of backend commands issued by reconcile
	// loops; caller contexts only bound the wait for an outcome.
	base context.Context

	retryMin time.Duration
	retryMax time.Duration

	mu       sync.Mutex
	channels map[string]*channel
}

// Option customizes a Registry.
type Option func(*Registry)

// WithRetryBackoff bounds the delay between subscribe retries for channels
// that still have established subscribers after a failed attempt.
func WithRetryBackoff(min, max time.Duration) Option {
	return func(r *Registry) {
		r.retryMin = min
		r.retryMax = max
	}
}

// New builds a Registry. Backend commands issued internally are bound to
// base, not to the contexts of individual Add or Remove callers.
func New(base context.Context, transport Transport, log *slog.Logger, opts ...Option) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		transport: transport,
		log:       log,
		base:      base,
		retryMin:  500 * time.Millisecond,
		retryMax:  10 * time.Second,
		channels:  make(map[string]*channel),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add records that sessionID wants ch and blocks until the backend
// subscription is established or fails. A session arriving while the channel
// is being unsubscribed keeps the channel alive: the in-flight unsubscribe
// is followed by a fresh subscribe rather than being surfaced as a failure.
func (r *Registry) Add(ctx context.Context, sessionID, ch string) error {
	r.mu.Lock()
	c, ok := r.channels[ch]
	if !ok {
		c = &channel{
			name:    ch,
			refs:    make(map[string]struct{}),
			pending: make(map[string]struct{}),
		}
		r.channels[ch] = c
	}

	if c.state == StateActive {
		c.refs[sessionID] = struct{}{}
		r.mu.Unlock()
		return nil
	}

	c.pending[sessionID] = struct{}{}
	w := make(chan error, 1)
	c.waiters = append(c.waiters, w)
	r.kickLocked(c)
	r.mu.Unlock()

	select {
	case err := <-w:
		return err
	case <-ctx.Done():
		r.Remove(sessionID, ch)
		return ctx.Err()
	}
}

// Remove drops sessionID's interest in ch. The backend unsubscribe happens
// asynchronously once no session wants the channel.
func (r *Registry) Remove(sessionID, ch string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[ch]
	if !ok {
		return
	}
	delete(c.refs, sessionID)
	delete(c.pending, sessionID)
	r.kickLocked(c)
}

// RemoveSession drops sessionID from every channel. Safe to call
// concurrently with Add and Remove for the same session; each membership is
// removed exactly once.
func (r *Registry) RemoveSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.channels {
		_, established := c.refs[sessionID]
		_, pending := c.pending[sessionID]
		if established || pending {
			delete(c.refs, sessionID)
			delete(c.pending, sessionID)
			r.kickLocked(c)
		}
	}
}

// WantedChannels returns the channels at least one session wants. The
// adapter replays this set after a reconnect.
func (r *Registry) WantedChannels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.channels))
	for name, c := range r.channels {
		if len(c.refs) > 0 || len(c.pending) > 0 {
			out = append(out, name)
		}
	}
	return out
}

// Invalidate marks every channel's backend subscription as gone without
// touching session interest. Called when the push stream drops: the wanted
// set survives so Resync can replay it on the new connection.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.channels {
		if c.state == StateActive {
			c.state = StateUnsubscribed
		}
	}
}

// Resync kicks reconciliation for every channel. Called after a reconnect
// so wanted channels are resubscribed on the fresh stream.
func (r *Registry) Resync() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.channels {
		c.retryDelay = 0
		r.kickLocked(c)
	}
}

// State reports the current subscription state of ch.
func (r *Registry) State(ch string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[ch]
	if !ok {
		return StateUnsubscribed
	}
	return c.state
}

// kickLocked starts the reconcile loop for c unless one is already running.
// Caller holds r.mu.
func (r *Registry) kickLocked(c *channel) {
	if c.reconciling {
		return
	}
	c.reconciling = true
	go r.reconcile(c)
}

// reconcile drives c toward its desired state until they agree. It is the
// only goroutine that mutates c.state while running, which serializes the
// per-channel state machine.
func (r *Registry) reconcile(c *channel) {
	for {
		r.mu.Lock()
		desired := len(c.refs) > 0 || len(c.pending) > 0
		switch {
		case desired && c.state != StateActive:
			c.state = StateSubscribing
			r.mu.Unlock()

			err := r.transport.SubscribeChannel(r.base, c.name)

			r.mu.Lock()
			if err != nil {
				// The pending cohort arrived before this attempt settled and
				// shares the failure. Established refs already succeeded once;
				// they keep their claim so replay can restore them.
				c.state = StateUnsubscribed
				clear(c.pending)
				r.settleLocked(c, err)
				r.log.Warn("subs.subscribe.fail", slog.String("channel", c.name), slog.String("err", err.Error()))

				if len(c.refs) > 0 {
					delay := c.retryDelay
					if delay == 0 {
						delay = r.retryMin
					}
					c.retryDelay = min(delay*2, r.retryMax)
					r.mu.Unlock()
					select {
					case <-time.After(delay):
						continue
					case <-r.base.Done():
						r.mu.Lock()
						c.reconciling = false
						r.mu.Unlock()
						return
					}
				}
			} else {
				for id := range c.pending {
					c.refs[id] = struct{}{}
				}
				clear(c.pending)
				c.state = StateActive
				c.retryDelay = 0
				r.settleLocked(c, nil)
				r.log.Debug("subs.subscribe.ok", slog.String("channel", c.name))
			}
			r.mu.Unlock()

		case !desired && c.state == StateActive:
			c.state = StateUnsubscribing
			r.mu.Unlock()

			err := r.transport.UnsubscribeChannel(r.base, c.name)

			r.mu.Lock()
			// Either way the backend side is treated as gone; a failed
			// unsubscribe leaves at worst a stale backend subscription that
			// the next reconnect replay corrects.
			c.state = StateUnsubscribed
			if err != nil {
				r.log.Warn("subs.unsubscribe.fail", slog.String("channel", c.name), slog.String("err", err.Error()))
			} else {
				r.log.Debug("subs.unsubscribe.ok", slog.String("channel", c.name))
			}
			r.mu.Unlock()

		default:
			// Converged.
			if c.state == StateActive {
				r.settleLocked(c, nil)
			}
			c.reconciling = false
			if len(c.refs) == 0 && len(c.pending) == 0 && c.state == StateUnsubscribed && len(c.waiters) == 0 {
				delete(r.channels, c.name)
			}
			r.mu.Unlock()
			return
		}
	}
}

// settleLocked delivers the outcome of a subscribe attempt to all waiters.
// Caller holds r.mu.
func (r *Registry) settleLocked(c *channel, err error) {
	for _, w := range c.waiters {
		w <- err
	}
	c.waiters = nil
}
