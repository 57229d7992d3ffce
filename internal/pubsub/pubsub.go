// Package pubsub is a minimal in-process topic broker used as the local
// publish fan-out: handlers publish accepted/rejected/delta/documents
// messages here and on-box subscribers consume them. Topics are exact-match
// strings; there is no wildcard grammar.
package pubsub

import (
	"fmt"
	"log/slog"
	"sync"
)

// Message is one published payload.
type Message struct {
	Topic   string
	Payload []byte
}

// Broker fans published messages out to subscriber channels. Delivery is
// non-blocking: a subscriber that stops draining loses messages rather than
// stalling publishers (shadow notifications are latest-state signals, not a
// durable stream).
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[int]chan Message
	nextID int
	closed bool
	logger *slog.Logger
}

// New creates an empty broker.
func New(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}

	return &Broker{
		subs:   make(map[string]map[int]chan Message),
		logger: logger,
	}
}

// Subscribe registers a buffered channel for one topic and returns it with
// its cancel function. Cancel is idempotent and closes the channel.
func (b *Broker) Subscribe(topic string, buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	ch := make(chan Message, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)

		return ch, func() {}
	}

	id := b.nextID
	b.nextID++

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]chan Message)
	}
	b.subs[topic][id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if b.closed {
				// Close already closed every channel.
				b.mu.Unlock()
				return
			}

			if subs, ok := b.subs[topic]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(b.subs, topic)
				}
			}
			b.mu.Unlock()
			close(ch)
		})
	}

	return ch, cancel
}

// Publish delivers the payload to every subscriber of the topic. Subscribers
// with full buffers are skipped with a warning.
func (b *Broker) Publish(topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("pubsub: publish on closed broker")
	}

	for _, ch := range b.subs[topic] {
		select {
		case ch <- Message{Topic: topic, Payload: payload}:
		default:
			b.logger.Warn("dropping message for slow subscriber", "topic", topic)
		}
	}

	return nil
}

// Close shuts the broker down and closes all subscriber channels. Further
// publishes fail; further subscribes return closed channels.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	for _, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}
	}

	b.subs = make(map[string]map[int]chan Message)
}
