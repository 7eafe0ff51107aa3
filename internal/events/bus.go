package events

import (
	"sync"
	"sync/atomic"
)

type subscriber struct {
	ch   chan any
	once sync.Once
}

// Bus fans events out to buffered subscriber channels. Publishing never
// blocks: a subscriber whose buffer is full misses the event and the drop is
// counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Event][]*subscriber
	dropped atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]*subscriber)}
}

// Subscribe returns a channel receiving every event of kind e and a function
// that closes it. The function may be called more than once.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	sub := &subscriber{ch: make(chan any, buffer)}

	b.mu.Lock()
	b.subs[e] = append(b.subs[e], sub)
	b.mu.Unlock()

	return sub.ch, func() {
		sub.once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[e]
			for i, s := range subs {
				if s == sub {
					b.subs[e] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			close(sub.ch)
		})
	}
}

func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[e] {
		select {
		case sub.ch <- payload:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
