package events

import (
	"sync"
)

// Message is what wildcard subscribers receive.
type Message struct {
	Topic   Event `json:"topic"`
	Payload any   `json:"payload"`
}

const wildcard Event = "*"

// Bus is a lightweight pub/sub broker using channels.
type Bus struct {
	mu   sync.RWMutex
	subs map[Event][]chan any
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
					b.subs[e] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}

	return ch, unsub
}

// SubscribeAll receives every topic wrapped in a Message.
func (b *Bus) SubscribeAll(buffer int) (<-chan any, func()) {
	return b.Subscribe(wildcard, buffer)
}

// Publish fan-outs the payload to subscribers without blocking. A nil Bus
// drops everything.
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
			// slow subscriber
		}
	}
	for _, ch := range b.subs[wildcard] {
		select {
		case ch <- Message{Topic: e, Payload: payload}:
		default:
		}
	}
}
