package bus

import (
	"context"
	"sync"

	"kbengine/internal/domain"
)

// MemoryBus is an in-process bus used by tests and single-process setups.
type MemoryBus struct {
	mu     sync.Mutex
	queues map[string][]domain.EventMessage
	wake   map[string]chan struct{}
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		queues: make(map[string][]domain.EventMessage),
		wake:   make(map[string]chan struct{}),
	}
}

func (b *MemoryBus) Publish(_ context.Context, channel string, msg domain.EventMessage) error {
	b.mu.Lock()
	b.queues[channel] = append(b.queues[channel], msg)
	ch, ok := b.wake[channel]
	b.mu.Unlock()
	if ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Consume(ctx context.Context, channel string, h HandlerFunc) error {
	b.mu.Lock()
	wake, ok := b.wake[channel]
	if !ok {
		wake = make(chan struct{}, 1)
		b.wake[channel] = wake
	}
	b.mu.Unlock()

	for {
		msg, ok := b.pop(channel)
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-wake:
			}
			continue
		}
		if err := h(ctx, msg); err != nil {
			// Requeue at the tail; memory delivery has no attempt budget.
			_ = b.Publish(ctx, channel, msg)
		}
	}
}

func (b *MemoryBus) pop(channel string) (domain.EventMessage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[channel]
	if len(q) == 0 {
		return domain.EventMessage{}, false
	}
	msg := q[0]
	b.queues[channel] = q[1:]
	return msg, true
}

// Messages returns a copy of the channel's undelivered queue, in publish
// order. Test helper.
func (b *MemoryBus) Messages(channel string) []domain.EventMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.EventMessage, len(b.queues[channel]))
	copy(out, b.queues[channel])
	return out
}
