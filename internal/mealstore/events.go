package mealstore

import (
	"sync"
	"time"
)

type EventType string

const (
	EventRecordAdded   EventType = "record.added"
	EventRecordUpdated EventType = "record.updated"
	EventRecordDeleted EventType = "record.deleted"
)

// Event describes one store mutation. The State field carries the record's
// post-mutation analysis state so UI consumers can render loading/error
// badges without a follow-up read.
type Event struct {
	Type      EventType     `json:"type"`
	RecordID  string        `json:"recordId"`
	State     AnalysisState `json:"state,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// EventBus fans store mutation events out to subscribers. Publish never
// blocks: a subscriber that falls behind its buffer misses events rather
// than stalling store operations.
type EventBus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
}

func NewEventBus() *EventBus {
	return &EventBus{subs: map[int]chan Event{}}
}

// Subscribe registers a listener. The returned cancel func must be called
// to release the subscription; the channel is closed on cancel.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *EventBus) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
