package bus

import (
	"context"
	"log/slog"
	"sync"
)

// DefaultBuffer is the per-subscriber event buffer of the memory bus.
const DefaultBuffer = 64

// Memory is an in-process bus. Publish never blocks: a subscriber whose
// buffer is full is dropped with ErrDropped and must resubscribe.
//
// Thread-safety: all methods are safe for concurrent use.
type Memory struct {
	mu     sync.Mutex
	subs   map[string]map[*memStream]struct{}
	buffer int
	closed bool
}

// NewMemory creates a memory bus with the given per-subscriber buffer.
// buffer <= 0 uses DefaultBuffer.
func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Memory{subs: make(map[string]map[*memStream]struct{}), buffer: buffer}
}

// Subscribe opens a stream on topic.
func (m *Memory) Subscribe(ctx context.Context, topic string) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	s := &memStream{bus: m, topic: topic, ch: make(chan Event, m.buffer)}
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[*memStream]struct{})
	}
	m.subs[topic][s] = struct{}{}
	return s, nil
}

// Publish delivers ev to every stream on ev.Topic.
func (m *Memory) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	for s := range m.subs[ev.Topic] {
		select {
		case s.ch <- ev:
		default:
			slog.Warn("dropping slow subscriber", "topic", ev.Topic, "buffer", m.buffer)
			m.endLocked(s, ErrDropped)
		}
	}
	return nil
}

// Drop terminates every stream on topic with ErrDropped, as a broker
// disconnect would.
func (m *Memory) Drop(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for s := range m.subs[topic] {
		m.endLocked(s, ErrDropped)
	}
}

// Subscribers returns the number of live streams on topic.
func (m *Memory) Subscribers(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[topic])
}

// Close ends all streams. Further Subscribe and Publish calls fail.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, set := range m.subs {
		for s := range set {
			m.endLocked(s, ErrClosed)
		}
	}
	return nil
}

// endLocked removes s and closes its channel. Caller holds m.mu.
func (m *Memory) endLocked(s *memStream, err error) {
	set := m.subs[s.topic]
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(m.subs, s.topic)
	}
	s.err = err
	close(s.ch)
}

type memStream struct {
	bus   *Memory
	topic string
	ch    chan Event
	err   error // guarded by bus.mu
}

func (s *memStream) Events() <-chan Event { return s.ch }

func (s *memStream) Err() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return s.err
}

func (s *memStream) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.bus.endLocked(s, nil)
	return nil
}
