package events

import (
	"sync"
	"sync/atomic"
)

// Bus is a lightweight pub/sub broker using channels.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Event][]chan any
	dropped atomic.Uint64
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan any)}
}

// Subscribe registers a listener for an event and returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, buffer)
	b.subs[e] = append(b.subs[e], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[e]
			for i, c := range subs {
				if c == ch {
					close(c)
					b.subs[e] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
		})
	}

	return ch, unsub
}

// Publish fans the payload out to subscribers without blocking. A nil bus is a no-op.
func (b *Bus) Publish(e Event, payload any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e] {
		select {
		case ch <- payload:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
