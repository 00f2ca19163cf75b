package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/observability"
)

const defaultBuffer = 64

type subscription struct {
	channel string
	queue   chan Message
	once    sync.Once
	done    chan struct{}
}

// Memory is an in-process Bus. Each subscription owns a bounded queue
// drained by its own goroutine; a full queue drops the message for that
// subscriber only.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	buffer int
	closed bool
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewMemory(buffer int, logger *slog.Logger) *Memory {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Memory{
		subs:   make(map[string]map[*subscription]struct{}),
		buffer: buffer,
		logger: logging.OrDiscard(logger).With("component", "bus.memory"),
	}
}

func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	msg := Message{Channel: channel, Payload: payload}
	for sub := range m.subs[channel] {
		select {
		case sub.queue <- msg:
		default:
			observability.BusDropped.WithLabelValues(channel).Inc()
			m.logger.Warn("subscriber queue full, message dropped", "channel", channel)
		}
	}
	return nil
}

func (m *Memory) Subscribe(channel string, h Handler) (func(), error) {
	sub := &subscription{
		channel: channel,
		queue:   make(chan Message, m.buffer),
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[*subscription]struct{})
	}
	m.subs[channel][sub] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	go m.drain(sub, h)

	return func() { m.remove(sub) }, nil
}

func (m *Memory) drain(sub *subscription, h Handler) {
	defer m.wg.Done()
	defer close(sub.done)
	for msg := range sub.queue {
		m.deliver(h, msg)
	}
}

func (m *Memory) deliver(h Handler, msg Message) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("subscriber panicked", "channel", msg.Channel, "panic", rec)
		}
	}()
	h(context.Background(), msg)
}

func (m *Memory) remove(sub *subscription) {
	sub.once.Do(func() {
		m.mu.Lock()
		if set := m.subs[sub.channel]; set != nil {
			delete(set, sub)
			if len(set) == 0 {
				delete(m.subs, sub.channel)
			}
		}
		close(sub.queue)
		m.mu.Unlock()
	})
}

// Close stops every subscription and waits for in-flight handlers.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var all []*subscription
	for _, set := range m.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range all {
		sub.once.Do(func() {
			m.mu.Lock()
			delete(m.subs[sub.channel], sub)
			close(sub.queue)
			m.mu.Unlock()
		})
	}
	m.wg.Wait()
	return nil
}

// Subscribers reports how many subscriptions channel currently has.
func (m *Memory) Subscribers(channel string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[channel])
}
