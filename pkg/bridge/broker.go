package bridge

import (
	"sync"

	"aibridge/pkg/metrics"
	"aibridge/pkg/models"
)

// Subscription receives every message delivered to this process. Messages are
// dropped, not queued, when C is full.
type Subscription struct {
	C <-chan models.Message

	id     uint64
	broker *broker
}

// Cancel stops delivery and closes C.
func (s *Subscription) Cancel() {
	s.broker.cancel(s.id)
}

// broker fans incoming messages out to subscriptions without blocking the sender.
type broker struct {
	mu     sync.RWMutex
	subs   map[uint64]chan models.Message
	next   uint64
	closed bool
}

func newBroker() *broker {
	return &broker{subs: make(map[uint64]chan models.Message)}
}

func (b *broker) subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan models.Message, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return &Subscription{C: ch, broker: b}
	}
	b.next++
	b.subs[b.next] = ch
	return &Subscription{C: ch, id: b.next, broker: b}
}

func (b *broker) publish(msg models.Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- msg:
		default:
			metrics.SubscriberDrops.Inc()
		}
	}
}

func (b *broker) cancel(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *broker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
