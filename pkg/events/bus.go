// Package events provides the in-process fan-out of appended events and the
// cross-replica notification bridge. Publication happens strictly after the
// storage transaction commits, so a delivered event is always durable.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/agentlens/agentlens/pkg/models"
)

// DefaultBuffer is the per-subscriber channel depth when none is configured.
const DefaultBuffer = 256

// Filter narrows which events a subscription receives. Tenant is mandatory;
// the zero value of every other field means "no constraint".
type Filter struct {
	Tenant    string
	SessionID string
	AgentID   string
	Types     []models.EventType
}

func (f Filter) matches(e *models.Event) bool {
	if e.TenantID != f.Tenant {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == e.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Subscription is one consumer's buffered view of the stream. A subscriber
// that stops draining loses events rather than stalling the publisher; the
// drop counter records how many.
type Subscription struct {
	id      uint64
	filter  Filter
	ch      chan *models.Event
	dropped atomic.Uint64
}

// Events is the subscriber's receive channel. Closed by Unsubscribe.
func (s *Subscription) Events() <-chan *models.Event { return s.ch }

// Dropped reports how many events were discarded because the subscriber's
// buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Bus fans appended events out to live subscribers. Publish never blocks.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int

	droppedTotal atomic.Uint64
}

// NewBus creates a bus whose subscriptions buffer up to buffer events each.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
	}
}

// Subscribe registers a consumer for events matching the filter.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		filter: filter,
		ch:     make(chan *models.Event, b.buffer),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Publish delivers e to every matching subscription without blocking. Full
// subscriber buffers drop the event and count it.
func (b *Bus) Publish(e *models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.filter.matches(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
			b.droppedTotal.Add(1)
		}
	}
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// DroppedTotal reports the lifetime count of dropped deliveries.
func (b *Bus) DroppedTotal() uint64 {
	return b.droppedTotal.Load()
}
