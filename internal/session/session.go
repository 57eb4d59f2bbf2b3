// Package session owns the per-session delivery channels and the busy
// flags that enforce at-most-one-concurrent-execution per session. The
// registry is an explicit injected object, not ambient package state.
package session

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	EventStatus      EventType = "status"
	EventChunk       EventType = "message_chunk"
	EventError       EventType = "error"
	EventToolConfirm EventType = "tool_confirm"
	EventEnd         EventType = "end"
)

// Event is one element of a session's delivery channel, serialized
// verbatim onto the SSE stream.
type Event struct {
	Type      EventType      `json:"type"`
	Content   string         `json:"content,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	SessionID string         `json:"session_id"`
}

// Queue is an unbounded ordered FIFO. Put never blocks, so a slow or
// absent stream reader can never stall an execution run. Events queue
// until a reader drains them.
type Queue struct {
	mu    sync.Mutex
	items []Event
	wake  chan struct{}
}

func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{})}
}

// Put appends an event and wakes any waiting reader.
func (q *Queue) Put(ev Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	close(q.wake)
	q.wake = make(chan struct{})
	q.mu.Unlock()
}

// Next pops the oldest event, waiting up to timeout for one to arrive.
// ok is false on timeout or context cancellation.
func (q *Queue) Next(ctx context.Context, timeout time.Duration) (Event, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return ev, true
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, false
		case <-deadline.C:
			return Event{}, false
		case <-wake:
		}
	}
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Session pairs a delivery queue with the busy flag for one session id.
// The queue persists across runs and client reconnects.
type Session struct {
	ID string

	queue *Queue

	mu   sync.Mutex
	busy bool
}

// Queue returns the session's delivery channel.
func (s *Session) Queue() *Queue {
	return s.queue
}

// TryAcquire atomically tests and sets the busy flag. It returns false
// when a run is already active; callers must treat that as a checked
// rejection, never a queued retry.
func (s *Session) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	return true
}

// Release clears the busy flag.
func (s *Session) Release() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// Busy reports whether a run is active.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Registry maps session ids to their sessions. Lookups are idempotent;
// a session is created lazily on first dispatch or first stream attach,
// whichever happens first.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) GetOrCreate(id string) *Session {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s
	}
	s = &Session{ID: id, queue: NewQueue()}
	r.sessions[id] = s
	return s
}

// Lookup returns the session if it has been contacted before.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of known sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
