package bus

import (
	"context"
	"sync"
)

// MemoryHub simulates a broker inside one process. Each bus obtained from
// Join behaves like a separate gateway process attached to the same broker.
type MemoryHub struct {
	mu   sync.RWMutex
	subs map[*memoryBus]Handler
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[*memoryBus]Handler)}
}

// NewLoopback is the single-process bus: what is published is delivered
// straight back to the local subscriber.
func NewLoopback() Bus {
	return NewMemoryHub().Join()
}

func (h *MemoryHub) Join() Bus {
	return &memoryBus{hub: h}
}

type memoryBus struct {
	hub    *MemoryHub
	mu     sync.RWMutex
	closed bool
}

func (b *memoryBus) Name() string { return "memory" }

// Publish delivers synchronously, in publish order, to every subscriber.
func (b *memoryBus) Publish(ctx context.Context, data []byte) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.hub.mu.RLock()
	handlers := make([]Handler, 0, len(b.hub.subs))
	for _, h := range b.hub.subs {
		handlers = append(handlers, h)
	}
	b.hub.mu.RUnlock()

	for _, h := range handlers {
		msg := append([]byte(nil), data...)
		h(ctx, msg)
	}
	return nil
}

func (b *memoryBus) Subscribe(ctx context.Context, h Handler) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	b.hub.mu.Lock()
	b.hub.subs[b] = h
	b.hub.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.detach()
	}()
	return nil
}

func (b *memoryBus) detach() {
	b.hub.mu.Lock()
	delete(b.hub.subs, b)
	b.hub.mu.Unlock()
}

func (b *memoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	b.detach()
	return nil
}
