// Package bus fans task lifecycle notifications out to listeners in the same
// process. Cross-process delivery goes through the queue and the StreamBus;
// a listener that needs every event must read the store instead.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

// Event is one notification. Payload is one of the *Event structs in topics.go.
type Event struct {
	Topic   string
	Payload any
}

// Filter narrows a subscription beyond its topic prefix.
type Filter func(Event) bool

// Subscription receives matching events on a buffered channel. Events that
// arrive while the buffer is full are dropped and counted.
type Subscription struct {
	id      uint64
	prefix  string
	filters []Filter
	ch      chan Event
	dropped atomic.Int64
}

func (s *Subscription) Ch() <-chan Event { return s.ch }

// Dropped reports events lost to a full buffer.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) matches(ev Event) bool {
	if s.prefix != "" && !strings.HasPrefix(ev.Topic, s.prefix) {
		return false
	}
	for _, f := range s.filters {
		if !f(ev) {
			return false
		}
	}
	return true
}

type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	dropped atomic.Int64
}

func New() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscribe listens for topics starting with topicPrefix ("" for all) that
// pass every filter.
func (b *Bus) Subscribe(topicPrefix string, filters ...Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:      b.nextID,
		prefix:  topicPrefix,
		filters: filters,
		ch:      make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe closes the subscription's channel. Calling it twice is harmless.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish never blocks. A nil bus discards everything, so components can be
// built without one in tests.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	ev := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped is the total across all subscriptions, past and present.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
