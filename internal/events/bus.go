// Package events provides a simple publish-subscribe event bus for SSE
// delivery of apply/disconnect results to local debug clients.
package events

import (
	"sync"

	"github.com/speakerhub/orchestrator/internal/models"
)

const subBufferSize = 8

// Bus is a non-blocking publish-subscribe event bus. Subscribers slow to
// consume results have updates dropped rather than blocking the orchestrator.
type Bus struct {
	mu   sync.Mutex
	subs map[string]chan models.Result
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]chan models.Result)}
}

// Subscribe creates a new subscription with the given ID. Call Unsubscribe
// when done to release it.
func (b *Bus) Subscribe(id string) <-chan models.Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan models.Result, subBufferSize)
	b.subs[id] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish sends a Result to all subscribers, dropping it for any subscriber
// whose channel is full.
func (b *Bus) Publish(result models.Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- result:
		default:
		}
	}
}

// SubscriberCount returns the current number of subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
