// Package bus is the in-process event bus the decision core publishes its
// verdicts on. Subscribers match on topic prefix.
package bus

import (
	"strings"
	"sync"
)

// DefaultBufferSize is the per-subscriber queue length used by Subscribe.
const DefaultBufferSize = 100

type Event struct {
	Topic   string
	Payload any
}

// Publisher is the narrow interface components depend on.
type Publisher interface {
	Publish(topic string, payload any)
}

type Subscription struct {
	id       int
	prefixes []string
	ch       chan Event
}

// Ch returns the channel to receive events on. It is closed by Unsubscribe.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

func (s *Subscription) matches(topic string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

// Bus fans events out to subscribers without ever blocking the publisher.
// Deliveries to a full subscriber queue are dropped and counted per topic.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*Subscription
	nextID  int
	dropMu  sync.Mutex
	dropped map[string]int64
}

func New() *Bus {
	return &Bus{
		subs:    make(map[int]*Subscription),
		dropped: make(map[string]int64),
	}
}

// Subscribe receives every topic starting with one of the prefixes, or every
// topic when none is given, through a queue of DefaultBufferSize events.
func (b *Bus) Subscribe(prefixes ...string) *Subscription {
	return b.SubscribeBuffered(DefaultBufferSize, prefixes...)
}

// SubscribeBuffered is Subscribe with an explicit queue length.
func (b *Bus) SubscribeBuffered(size int, prefixes ...string) *Subscription {
	if size < 1 {
		size = 1
	}
	kept := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p == "" {
			// An empty prefix already matches everything.
			kept = nil
			break
		}
		kept = append(kept, p)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, prefixes: kept, ch: make(chan Event, size)}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Calling it
// twice is harmless.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if b == nil || sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers to all matching subscribers. A nil bus is a no-op so
// components can run without one.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	event := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.recordDrop(topic)
		}
	}
}

func (b *Bus) recordDrop(topic string) {
	b.dropMu.Lock()
	b.dropped[topic]++
	b.dropMu.Unlock()
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns the total number of skipped deliveries.
func (b *Bus) Dropped() int64 {
	b.dropMu.Lock()
	defer b.dropMu.Unlock()
	var n int64
	for _, c := range b.dropped {
		n += c
	}
	return n
}

// DroppedByTopic returns a copy of the skipped-delivery counts.
func (b *Bus) DroppedByTopic() map[string]int64 {
	b.dropMu.Lock()
	defer b.dropMu.Unlock()
	out := make(map[string]int64, len(b.dropped))
	for t, c := range b.dropped {
		out[t] = c
	}
	return out
}
