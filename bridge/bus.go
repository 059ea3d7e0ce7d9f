// Package bridge is an in-process latest-value pub/sub bus connecting the
// cyclic loop to external consumers such as a simulation or an MQTT gateway.
//
// Every topic keeps its latest message. Subscribers receive messages whose
// topic starts with their prefix; a subscriber that does not keep up loses
// new messages instead of blocking the publisher.
package bridge

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	ErrBusClosed          = errors.New("bridge: bus closed")
	ErrSubscriberExists   = errors.New("bridge: subscriber already exists")
	ErrSubscriberNotFound = errors.New("bridge: subscriber not found")
	ErrEmptyTopic         = errors.New("bridge: empty topic")
)

// Message is a payload published on a topic.
type Message struct {
	Topic   string
	Payload []byte
	// Seq is the bus-wide publication sequence number.
	Seq uint64
}

// SubscriberStats counts deliveries to one subscriber.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

type subscriber struct {
	id      string
	prefix  string
	ch      chan Message
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Bus is a latest-value pub/sub bus. It is safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	latest map[string]Message
	subs   map[string]*subscriber
	seq    atomic.Uint64
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		latest: make(map[string]Message),
		subs:   make(map[string]*subscriber),
	}
}

// Publish stores payload as the latest value of topic and offers it to
// every matching subscriber without blocking. The payload is copied.
func (b *Bus) Publish(topic string, payload []byte) error {
	if topic == "" {
		return ErrEmptyTopic
	}

	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	msg.Seq = b.seq.Add(1)
	b.latest[topic] = msg
	b.mu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- msg:
			sub.sent.Add(1)
		default:
			sub.dropped.Add(1)
		}
	}

	return nil
}

// Latest returns the latest message of topic.
func (b *Bus) Latest(topic string) (Message, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	msg, ok := b.latest[topic]

	return msg, ok
}

// Topics returns the topics that have a latest value.
func (b *Bus) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	topics := make([]string, 0, len(b.latest))
	for topic := range b.latest {
		topics = append(topics, topic)
	}

	return topics
}

// Subscribe registers a subscriber for topics starting with prefix. size is
// the channel buffer; messages published while it is full are dropped.
func (b *Bus) Subscribe(id string, prefix string, size int) (<-chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.subs[id]; exists {
		return nil, ErrSubscriberExists
	}

	sub := &subscriber{id: id, prefix: prefix, ch: make(chan Message, max(size, 1))}
	b.subs[id] = sub

	return sub.ch, nil
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, exists := b.subs[id]
	if !exists {
		return ErrSubscriberNotFound
	}

	delete(b.subs, id)
	close(sub.ch)

	return nil
}

// Stats returns the delivery counters of a subscriber.
func (b *Bus) Stats(id string) (SubscriberStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sub, exists := b.subs[id]
	if !exists {
		return SubscriberStats{}, ErrSubscriberNotFound
	}

	return SubscriberStats{Sent: sub.sent.Load(), Dropped: sub.dropped.Load()}, nil
}

// Close closes every subscriber channel. Further publications fail.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
