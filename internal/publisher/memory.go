package publisher

import (
	"context"
	"sync"

	"raydium-pair-stream/internal/domain"
)

// Message is one event delivered by Memory.
type Message struct {
	Topic string
	Event domain.Event
}

// Memory is an in-process bus. Slow subscribers miss messages rather than
// blocking publishers. It also keeps every published message for inspection.
type Memory struct {
	// MaxHistory caps the retained history. Zero keeps everything.
	MaxHistory int

	mu          sync.RWMutex
	subscribers map[chan Message]struct{}
	history     []Message
	closed      bool
}

// NewMemory creates an empty in-memory bus.
func NewMemory() *Memory {
	return &Memory{
		subscribers: make(map[chan Message]struct{}),
	}
}

// Publish delivers the event to every subscriber.
func (m *Memory) Publish(_ context.Context, topic string, ev domain.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	msg := Message{Topic: topic, Event: ev}
	m.history = append(m.history, msg)
	if m.MaxHistory > 0 && len(m.history) > m.MaxHistory {
		m.history = append(m.history[:0], m.history[len(m.history)-m.MaxHistory:]...)
	}
	for ch := range m.subscribers {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of messages and a function that removes it.
func (m *Memory) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, 32)
	m.mu.Lock()
	m.subscribers[ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			m.mu.Lock()
			if _, ok := m.subscribers[ch]; ok {
				delete(m.subscribers, ch)
				close(ch)
			}
			m.mu.Unlock()
		})
	}
	return ch, unsubscribe
}

// Messages returns a copy of everything published so far.
func (m *Memory) Messages() []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Message, len(m.history))
	copy(out, m.history)
	return out
}

// Ping always succeeds while the bus is open.
func (m *Memory) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close closes all subscriber channels.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for ch := range m.subscribers {
		delete(m.subscribers, ch)
		close(ch)
	}
	return nil
}
