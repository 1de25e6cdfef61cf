// Package pubsub is an in-process publish/subscribe broker with ordered delivery per topic.
package pubsub

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrLagged closes a subscription whose buffer filled up; the consumer should
	// resubscribe and reload state.
	ErrLagged = errors.New("pubsub: subscriber lagged behind")
	ErrClosed = errors.New("pubsub: subscription closed")
)

// DefaultBuffer is the per-subscriber queue length used when Subscribe gets buffer <= 0.
const DefaultBuffer = 64

// Event is one published item. Seq increases by one per topic. A topic is dropped once
// its last subscriber leaves, so its sequence starts again from zero on the next subscribe.
type Event struct {
	Topic string      `json:"topic"`
	Seq   uint64      `json:"seq"`
	Type  string      `json:"type"`
	Data  interface{} `json:"data,omitempty"`
	At    time.Time   `json:"at"`
}

// StreamTopic is the channel feed of one stream.
func StreamTopic(streamID string) string { return "stream:" + streamID }

// UserTopic carries private conversation events addressed to one user.
func UserTopic(userID string) string { return "user:" + userID }

type topic struct {
	mu     sync.Mutex
	seq    uint64
	nextID uint64
	subs   map[uint64]*Subscription
	// dead is set under mu once the topic has left the broker map
	dead bool
}

type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
	now    func() time.Time
}

func NewBroker() *Broker {
	return &Broker{topics: make(map[string]*topic), now: time.Now}
}

// acquire returns the live topic locked, creating it when missing.
func (b *Broker) acquire(name string) *topic {
	for {
		b.mu.Lock()
		t, ok := b.topics[name]
		if !ok {
			t = &topic{subs: make(map[uint64]*Subscription)}
			b.topics[name] = t
		}
		b.mu.Unlock()

		t.mu.Lock()
		if !t.dead {
			return t
		}
		t.mu.Unlock()
	}
}

func (b *Broker) lookup(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.topics[name]
}

// release drops t from the broker when it has no subscribers. The caller holds t.mu.
func (b *Broker) release(name string, t *topic) {
	if len(t.subs) > 0 || t.dead {
		return
	}
	t.dead = true
	b.mu.Lock()
	if b.topics[name] == t {
		delete(b.topics, name)
	}
	b.mu.Unlock()
}

// Publish assigns the next sequence number and fans the event out without blocking.
// A subscriber whose buffer is full is closed with ErrLagged. Publishing to a topic
// nobody subscribes to delivers nothing and returns the event with Seq zero.
func (b *Broker) Publish(topicName, eventType string, data interface{}) Event {
	ev := Event{Topic: topicName, Type: eventType, Data: data, At: b.now().UTC()}
	t := b.lookup(topicName)
	if t == nil {
		return ev
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead {
		return ev
	}

	t.seq++
	ev.Seq = t.seq
	for id, sub := range t.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(t.subs, id)
			sub.finish(ErrLagged)
		}
	}
	b.release(topicName, t)
	return ev
}

// Subscribe registers a consumer for the topic. Events published after the call are
// delivered in sequence order.
func (b *Broker) Subscribe(topicName string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	t := b.acquire(topicName)
	defer t.mu.Unlock()

	t.nextID++
	sub := &Subscription{
		id:     t.nextID,
		broker: b,
		topic:  t,
		name:   topicName,
		ch:     make(chan Event, buffer),
		after:  t.seq,
	}
	t.subs[sub.id] = sub
	return sub
}

// Subscribers reports the number of live subscriptions on a topic.
func (b *Broker) Subscribers(topicName string) int {
	t := b.lookup(topicName)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Topics reports how many topics currently have subscribers.
func (b *Broker) Topics() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}

// Subscription is a single consumer's view of a topic.
type Subscription struct {
	id     uint64
	broker *Broker
	topic  *topic
	name   string
	ch     chan Event
	after  uint64

	errMu sync.Mutex
	err   error
}

// C yields events until the subscription ends; check Err once it is closed.
func (s *Subscription) C() <-chan Event { return s.ch }

// Topic returns the subscribed topic name.
func (s *Subscription) Topic() string { return s.name }

// StartSeq is the topic sequence at subscription time; the first event has StartSeq+1.
func (s *Subscription) StartSeq() uint64 { return s.after }

// Err reports why the subscription ended, or nil while it is live.
func (s *Subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.topic.mu.Lock()
	defer s.topic.mu.Unlock()
	if _, ok := s.topic.subs[s.id]; !ok {
		return
	}
	delete(s.topic.subs, s.id)
	s.finish(ErrClosed)
	s.broker.release(s.name, s.topic)
}

// finish must run with the topic lock held, after removal from the topic.
func (s *Subscription) finish(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
	close(s.ch)
}
