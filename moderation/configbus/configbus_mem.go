package configbus

import (
	"context"
	"sync"
)

// In-process bus. Handlers run synchronously on the publishing goroutine.
type MemBus struct {
	lk       sync.RWMutex
	handlers map[int]Handler
	next     int
}

var _ Bus = (*MemBus)(nil)

func NewMemBus() *MemBus {
	return &MemBus{handlers: make(map[int]Handler)}
}

func (b *MemBus) Publish(ctx context.Context, c Change) error {
	b.lk.RLock()
	hs := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		hs = append(hs, h)
	}
	b.lk.RUnlock()

	for _, h := range hs {
		h(ctx, c)
	}
	return nil
}

func (b *MemBus) Subscribe(ctx context.Context, h Handler) error {
	b.lk.Lock()
	id := b.next
	b.next++
	b.handlers[id] = h
	b.lk.Unlock()

	go func() {
		<-ctx.Done()
		b.lk.Lock()
		delete(b.handlers, id)
		b.lk.Unlock()
	}()
	return nil
}
