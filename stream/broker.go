package main

import (
	"sync"
)

// broker fans read-model-change notifications out to connected SSE clients.
// Each subscriber watches one aggregate, or every aggregate when the filter
// is empty. Notifications coalesce: a subscriber that has one pending wake
// does not queue more.
type broker struct {
	mu   sync.Mutex
	subs map[chan struct{}]string
}

func newBroker() *broker {
	return &broker{subs: make(map[chan struct{}]string)}
}

func (b *broker) subscribe(aggregateID string) chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[ch] = aggregateID
	b.mu.Unlock()
	return ch
}

func (b *broker) unsubscribe(ch chan struct{}) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

func (b *broker) notify(aggregateID string) {
	b.mu.Lock()
	for ch, filter := range b.subs {
		if filter != "" && filter != aggregateID {
			continue
		}
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	b.mu.Unlock()
}
