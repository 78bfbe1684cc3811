// Package events carries train activity to in-process subscribers and to the
// append-only audit log.
package events

import (
	"sync"
	"time"
)

type EventType string

const (
	// EventStep is published for every pipeline step a train emits.
	EventStep EventType = "train_step"
	// EventEntryFinished is published once per processed entry.
	EventEntryFinished EventType = "entry_finished"
	EventRunStarted    EventType = "run_started"
	EventRunFinished   EventType = "run_finished"
	// EventQueueChanged is published when an operator mutates the queue.
	EventQueueChanged EventType = "queue_changed"
)

// AllEventTypes lists every type the bus publishes.
var AllEventTypes = []EventType{
	EventRunStarted,
	EventStep,
	EventEntryFinished,
	EventRunFinished,
	EventQueueChanged,
}

type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

type Subscriber func(Event)

// Bus delivers events asynchronously through one buffered channel per
// subscriber. Publish never blocks: when a subscriber's buffer is full the
// event is dropped for that subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	closed      bool
	now         func() time.Time
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe calls fn from a dedicated goroutine for every event of type
// eventType. A panicking subscriber loses that event only. The returned
// function unsubscribes and is safe to call more than once.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return func() {}
	}
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() { _ = recover() }()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

func (b *Bus) Publish(eventType EventType, data map[string]interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: b.now(),
		Data:      data,
	}
	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close stops delivery to every subscriber. Later publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
