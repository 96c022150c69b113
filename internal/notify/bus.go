// Package notify is a payload-free publish/subscribe bus. Publishers only
// say "something changed"; subscribers re-read whatever they display.
package notify

import "sync"

// Bus fans a change signal out to every registered callback.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func()
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]func())}
}

// Subscribe registers fn and returns a function that removes it again.
// Calling the returned function more than once is a no-op.
func (b *Bus) Subscribe(fn func()) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish invokes every subscriber synchronously. Callbacks run outside the
// bus lock so they may subscribe or unsubscribe.
func (b *Bus) Publish() {
	b.mu.RLock()
	callbacks := make([]func(), 0, len(b.subs))
	for _, fn := range b.subs {
		callbacks = append(callbacks, fn)
	}
	b.mu.RUnlock()

	for _, fn := range callbacks {
		fn()
	}
}

// Len reports the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
