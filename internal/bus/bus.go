// Package bus is the per-job event broadcaster. Publish delivers an event
// synchronously to every handler attached to the job, in subscription order.
// Nothing is buffered: a handler attached after a publish never sees it.
package bus

import (
	"sync"
	"time"
)

// Event is the unit carried over the streaming boundary.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// NewEvent stamps an event with the current UTC time.
func NewEvent(eventType string, data any) Event {
	return Event{Type: eventType, Timestamp: time.Now().UTC(), Data: data}
}

// Handler receives events for one job. Handlers run on the publisher's
// goroutine and must not call back into the Bus for the same job.
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus fans events out per job id.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID uint64
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscribe attaches handler to jobID and returns the function that detaches
// it. The returned function is safe to call more than once.
func (b *Bus) Subscribe(jobID string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[jobID] = append(b.subs[jobID], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(jobID, id) })
	}
}

func (b *Bus) remove(jobID string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[jobID]
	for i, s := range subs {
		if s.id != id {
			continue
		}
		next := make([]subscription, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(b.subs, jobID)
		} else {
			b.subs[jobID] = next
		}
		return
	}
}

// Publish delivers ev to every handler currently attached to jobID and
// returns once all of them have run. Each job has a single publisher (its
// tracker), which keeps per-job delivery in publish order.
func (b *Bus) Publish(jobID string, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	// Snapshot so handlers may unsubscribe while being called.
	subs := append([]subscription(nil), b.subs[jobID]...)
	b.mu.RUnlock()

	for _, s := range subs {
		s.handler(ev)
	}
}

// Detach removes every handler attached to jobID.
func (b *Bus) Detach(jobID string) {
	b.mu.Lock()
	delete(b.subs, jobID)
	b.mu.Unlock()
}

// SubscriberCount returns the number of handlers attached to jobID.
func (b *Bus) SubscriberCount(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[jobID])
}
