package orchestrator

import (
	"sync"

	"github.com/lprior-repo/nuoc/pkg/tasks"
)

// EventFeed fans committed events out to live subscribers and keeps a short
// history for late joiners. It is in-process only; the event log is the
// durable record.
type EventFeed struct {
	buffer      []tasks.Event
	maxSize     int
	subscribers map[chan tasks.Event]struct{}
	mu          sync.RWMutex
}

// NewEventFeed creates a feed retaining the last maxSize events.
func NewEventFeed(maxSize int) *EventFeed {
	return &EventFeed{
		buffer:      make([]tasks.Event, 0, maxSize),
		maxSize:     maxSize,
		subscribers: make(map[chan tasks.Event]struct{}),
	}
}

// Publish records e and broadcasts it. Slow subscribers miss events rather
// than block the publisher.
func (f *EventFeed) Publish(e tasks.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.maxSize > 0 {
		if len(f.buffer) >= f.maxSize {
			f.buffer = f.buffer[1:]
		}
		f.buffer = append(f.buffer, e)
	}

	for ch := range f.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel of new events, the current history and a
// cleanup function that must be called once the subscriber is done.
func (f *EventFeed) Subscribe() (<-chan tasks.Event, []tasks.Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan tasks.Event, 100)
	f.subscribers[ch] = struct{}{}

	history := make([]tasks.Event, len(f.buffer))
	copy(history, f.buffer)

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if _, ok := f.subscribers[ch]; ok {
				delete(f.subscribers, ch)
				close(ch)
			}
		})
	}

	return ch, history, cleanup
}

// Close ends every live subscription. The feed stays usable.
func (f *EventFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for ch := range f.subscribers {
		delete(f.subscribers, ch)
		close(ch)
	}
}

// Subscribers returns the number of live subscribers.
func (f *EventFeed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}
