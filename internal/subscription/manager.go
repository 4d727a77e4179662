package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/animeboard/internal/bus"
)

// ErrInvalidTopic is returned for topics the system never publishes on.
var ErrInvalidTopic = errors.New("invalid topic")

// ErrManagerClosed is returned by Subscribe after CloseAll.
var ErrManagerClosed = errors.New("subscription manager closed")

// State is a handle's lifecycle state.
type State int

const (
	StateOpen State = iota + 1
	StateRetrying
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateRetrying:
		return "retrying"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Delivery is one event forwarded from a handle.
type Delivery struct {
	SubID string
	Topic string
	Event bus.Event
}

// ChannelError reports a dropped stream or a failed resubscribe.
// Final is set when the handle gave up and entered StateFailed.
type ChannelError struct {
	SubID   string
	Topic   string
	Attempt int // 0 for the drop itself, then 1..Backoff.Attempts
	Final   bool
	Err     error
}

func (e *ChannelError) Error() string {
	if e.Final {
		return fmt.Sprintf("channel %s: gave up after %d attempts: %v", e.Topic, e.Attempt, e.Err)
	}
	if e.Attempt == 0 {
		return fmt.Sprintf("channel %s dropped: %v", e.Topic, e.Err)
	}
	return fmt.Sprintf("channel %s: resubscribe attempt %d: %v", e.Topic, e.Attempt, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// IDGenerator mints subscription ids.
type IDGenerator interface {
	Generate() string
}

// Manager owns every Handle of one scope.
//
// Thread-safety: all methods are safe for concurrent use. The deliver
// and report callbacks run on pump goroutines and must not block for
// long (the scope enqueues and returns).
type Manager struct {
	sub     bus.Subscriber
	ids     IDGenerator
	deliver func(Delivery)
	report  func(*ChannelError)
	backoff Backoff

	base   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	handles map[string]*Handle // by topic
	opening map[string]*opening
	closed  bool
	wg      sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithBackoff overrides the resubscribe policy.
func WithBackoff(b Backoff) Option {
	return func(m *Manager) { m.backoff = b }
}

// WithReporter sets the channel-failure callback.
func WithReporter(fn func(*ChannelError)) Option {
	return func(m *Manager) { m.report = fn }
}

// New creates a Manager that forwards events to deliver.
func New(sub bus.Subscriber, ids IDGenerator, deliver func(Delivery), opts ...Option) *Manager {
	base, cancel := context.WithCancel(context.Background())
	m := &Manager{
		sub:     sub,
		ids:     ids,
		deliver: deliver,
		report:  func(*ChannelError) {},
		backoff: DefaultBackoff,
		base:    base,
		cancel:  cancel,
		handles: make(map[string]*Handle),
		opening: make(map[string]*opening),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// opening reserves a topic while its first stream is dialed.
type opening struct {
	done   chan struct{}
	closed bool // Close ran during the dial
}

// Subscribe opens topic, or returns the live handle already open on it.
// The dial runs without the manager lock; concurrent opens of one topic
// wait for the first and share its handle.
func (m *Manager) Subscribe(ctx context.Context, topic string) (*Handle, error) {
	if !bus.ValidTopic(topic) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}

	m.mu.Lock()
	for {
		if m.closed {
			m.mu.Unlock()
			return nil, ErrManagerClosed
		}
		if h, ok := m.handles[topic]; ok {
			switch h.State() {
			case StateOpen, StateRetrying:
				m.mu.Unlock()
				return h, nil
			}
		}
		op, ok := m.opening[topic]
		if !ok {
			break
		}
		m.mu.Unlock()
		select {
		case <-op.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		m.mu.Lock()
	}
	op := &opening{done: make(chan struct{})}
	m.opening[topic] = op
	m.mu.Unlock()

	stream, err := m.sub.Subscribe(ctx, topic)

	m.mu.Lock()
	delete(m.opening, topic)
	close(op.done)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	if m.closed {
		m.mu.Unlock()
		_ = stream.Close()
		return nil, ErrManagerClosed
	}

	hctx, cancel := context.WithCancel(m.base)
	h := &Handle{
		id:     m.ids.Generate(),
		topic:  topic,
		m:      m,
		ctx:    hctx,
		cancel: cancel,
		state:  StateOpen,
		stream: stream,
		done:   make(chan struct{}),
	}
	m.handles[topic] = h
	m.wg.Add(1)
	go h.pump(stream)
	closed := op.closed
	m.mu.Unlock()

	slog.Debug("subscription opened", "topic", topic, "sub_id", h.id)
	if closed {
		h.Close()
	}
	return h, nil
}

// Handle returns the handle registered on topic, if any.
func (m *Manager) Handle(topic string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[topic]
	return h, ok
}

// Live reports whether subID belongs to a handle that is not closed.
// The scope uses it to drop late deliveries.
func (m *Manager) Live(subID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.handles {
		if h.id == subID {
			return h.State() != StateClosed
		}
	}
	return false
}

// Open lists topics with a handle that is open or retrying, sorted.
func (m *Manager) Open() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.handles))
	for topic, h := range m.handles {
		switch h.State() {
		case StateOpen, StateRetrying:
			out = append(out, topic)
		}
	}
	sort.Strings(out)
	return out
}

// Close closes the handle on topic. Closing an unknown topic is a no-op.
func (m *Manager) Close(topic string) {
	m.mu.Lock()
	h, ok := m.handles[topic]
	if op, dialing := m.opening[topic]; dialing {
		op.closed = true
	}
	m.mu.Unlock()
	if ok {
		h.Close()
	}
}

// CloseAll closes every handle and waits for the pumps to exit. The
// manager rejects further Subscribe calls.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
	m.cancel()
	m.wg.Wait()
}

// forget drops h from the registry if it is still the topic's handle.
func (m *Manager) forget(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.handles[h.topic]; ok && cur == h {
		delete(m.handles, h.topic)
	}
}

// Handle is one logical subscription. The underlying stream may be
// replaced by resubscribes; the subscription id never changes.
type Handle struct {
	id    string
	topic string
	m     *Manager

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex // guards state and stream; held while delivering
	state  State
	stream bus.Stream

	done chan struct{}
}

// ID is the subscription id carried by every Delivery.
func (h *Handle) ID() string { return h.id }

// Topic is the subscribed topic.
func (h *Handle) Topic() string { return h.topic }

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Done is closed when the pump goroutine exits.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Close stops the handle. After Close returns no further Delivery for
// this handle reaches the callback. Safe to call more than once.
func (h *Handle) Close() {
	h.mu.Lock()
	if h.state == StateClosed {
		h.mu.Unlock()
		return
	}
	h.state = StateClosed
	stream := h.stream
	h.stream = nil
	h.mu.Unlock()

	h.cancel()
	if stream != nil {
		if err := stream.Close(); err != nil {
			slog.Debug("closing stream", "topic", h.topic, "error", err)
		}
	}
	h.m.forget(h)
	slog.Debug("subscription closed", "topic", h.topic, "sub_id", h.id)
}

// pump forwards events until the handle closes or retries run out.
func (h *Handle) pump(stream bus.Stream) {
	defer h.m.wg.Done()
	defer close(h.done)

	for {
		for ev := range stream.Events() {
			if !h.forward(ev) {
				return
			}
		}

		err := stream.Err()
		if err == nil || h.State() == StateClosed {
			return
		}

		h.setState(StateRetrying)
		h.m.report(&ChannelError{SubID: h.id, Topic: h.topic, Err: err})
		slog.Warn("subscription dropped", "topic", h.topic, "sub_id", h.id, "error", err)

		next, ok := h.resubscribe(err)
		if !ok {
			return
		}
		stream = next
	}
}

// forward hands ev to the callback under h.mu so Close cannot return
// while a delivery is in progress.
func (h *Handle) forward(ev bus.Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateClosed {
		return false
	}
	h.m.deliver(Delivery{SubID: h.id, Topic: h.topic, Event: ev})
	return true
}

func (h *Handle) resubscribe(lastErr error) (bus.Stream, bool) {
	b := h.m.backoff
	for attempt := 1; attempt <= b.Attempts; attempt++ {
		select {
		case <-h.ctx.Done():
			return nil, false
		case <-time.After(b.Delay(attempt)):
		}

		stream, err := h.m.sub.Subscribe(h.ctx, h.topic)
		if err == nil {
			h.mu.Lock()
			if h.state == StateClosed {
				h.mu.Unlock()
				_ = stream.Close()
				return nil, false
			}
			h.state = StateOpen
			h.stream = stream
			h.mu.Unlock()
			slog.Info("subscription restored", "topic", h.topic, "sub_id", h.id, "attempt", attempt)
			return stream, true
		}

		lastErr = err
		if h.State() == StateClosed {
			return nil, false
		}
		h.m.report(&ChannelError{SubID: h.id, Topic: h.topic, Attempt: attempt, Err: err})
	}

	h.setState(StateFailed)
	h.m.report(&ChannelError{SubID: h.id, Topic: h.topic, Attempt: b.Attempts, Final: true, Err: lastErr})
	slog.Error("subscription failed", "topic", h.topic, "sub_id", h.id, "attempts", b.Attempts)
	return nil, false
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateClosed {
		h.state = s
	}
}
