package bus

import (
	"context"
	"sync"
)

type subscription struct {
	patterns []string
	handler  Handler
	queue    chan message
	done     chan struct{}
}

type message struct {
	channel string
	payload []byte
}

// MemoryBus is an in-process Bus for single-binary deployments and tests.
// Each subscription has its own delivery goroutine so a slow handler does
// not hold up publishers.
type MemoryBus struct {
	mutex  sync.RWMutex
	subs   map[*subscription]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewMemoryBus creates an empty in-process bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[*subscription]struct{})}
}

// Publish implements Bus
func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mutex.RLock()
	if b.closed {
		b.mutex.RUnlock()
		return ErrClosed
	}
	var targets []*subscription
	for sub := range b.subs {
		if matchesAny(sub.patterns, channel) {
			targets = append(targets, sub)
		}
	}
	b.mutex.RUnlock()

	data := append([]byte(nil), payload...)
	for _, sub := range targets {
		select {
		case sub.queue <- message{channel: channel, payload: data}:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe implements Bus
func (b *MemoryBus) Subscribe(ctx context.Context, channels []string, handler Handler) error {
	sub := &subscription{
		patterns: append([]string(nil), channels...),
		handler:  handler,
		queue:    make(chan message, 64),
		done:     make(chan struct{}),
	}
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return ErrClosed
	}
	b.subs[sub] = struct{}{}
	b.mutex.Unlock()

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case msg := <-sub.queue:
				sub.handler(msg.channel, msg.payload)
			case <-sub.done:
				return
			}
		}
	}()
	go func() {
		defer b.wg.Done()
		select {
		case <-ctx.Done():
			b.unsubscribe(sub)
		case <-sub.done:
		}
	}()

	return nil
}

func (b *MemoryBus) unsubscribe(sub *subscription) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.done)
	}
}

// Close implements Bus
func (b *MemoryBus) Close() error {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.done)
	}
	b.mutex.Unlock()

	b.wg.Wait()
	return nil
}
