package bridge

import (
	"sync"
	"sync/atomic"
)

const subscriberBufSize = 16

// Broker fans out agent→consumer messages to all connected consumer
// surfaces. Usually there is zero or one, but nothing stops the user from
// opening the editor twice.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Message
	nextID      atomic.Int64
}

func NewBroker() *Broker {
	return &Broker{subscribers: make(map[int64]chan Message)}
}

// Subscribe registers a consumer connection. Returns the subscriber ID and
// the channel its messages arrive on. The channel is buffered; a stalled
// consumer has messages dropped rather than blocking the observer.
func (b *Broker) Subscribe() (int64, <-chan Message) {
	id := b.nextID.Add(1)
	ch := make(chan Message, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends a message to every subscriber without blocking.
func (b *Broker) Publish(msg Message) SendResult {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.subscribers) == 0 {
		return NoTarget
	}

	delivered := false
	for _, ch := range b.subscribers {
		select {
		case ch <- msg:
			delivered = true
		default:
		}
	}
	if !delivered {
		return Failed
	}
	return Delivered
}

// ClientCount returns the number of connected consumers.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
