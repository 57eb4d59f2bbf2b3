// Package bus is a small in-process pub/sub used for diagnostics feeds.
// Delivery is best-effort: slow subscribers drop events rather than stall
// publishers, so it must never carry the per-session delivery channel.
package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Task lifecycle topics.
const (
	TopicTaskFired       = "task.fired"
	TopicTaskRescheduled = "task.rescheduled"
	TopicTaskExpired     = "task.expired" // one-shot fired and disabled
)

// Dispatch topics.
const (
	TopicDispatchStarted  = "dispatch.started"
	TopicDispatchFinished = "dispatch.finished"
	TopicDispatchRejected = "dispatch.rejected"
)

// TaskFiredEvent is published when a job's deadline elapses.
type TaskFiredEvent struct {
	TaskID    string
	SessionID string
}

// TaskRescheduledEvent is published after a recurring task's next fire
// time has been recomputed and persisted.
type TaskRescheduledEvent struct {
	TaskID    string
	NextFire  string // RFC3339
	SessionID string
}

// TaskExpiredEvent is published when a one-shot task is disabled after
// its single fire.
type TaskExpiredEvent struct {
	TaskID    string
	SessionID string
}

// DispatchEvent is published around an execution run for a session.
type DispatchEvent struct {
	SessionID string
	RunID     string
	Error     string // set on dispatch.finished when the run failed
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics. The returned channel has a buffer of
// 100 events; slow consumers will miss events (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
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

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
