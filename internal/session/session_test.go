package session

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestQueue_FIFOOrder(t *testing.T) {
	q := NewQueue()
	q.Put(Event{Type: EventStatus, Content: "one"})
	q.Put(Event{Type: EventChunk, Content: "two"})
	q.Put(Event{Type: EventEnd})

	ctx := context.Background()
	for i, want := range []string{"one", "two", ""} {
		ev, ok := q.Next(ctx, time.Second)
		if !ok {
			t.Fatalf("event %d: queue empty", i)
		}
		if ev.Content != want {
			t.Errorf("event %d content = %q, want %q", i, ev.Content, want)
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d after draining, want 0", q.Len())
	}
}

func TestQueue_NextTimesOut(t *testing.T) {
	q := NewQueue()
	start := time.Now()
	_, ok := q.Next(context.Background(), 50*time.Millisecond)
	if ok {
		t.Fatal("Next returned an event from an empty queue")
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("Next returned after %v, before the timeout", elapsed)
	}
}

func TestQueue_NextWakesOnPut(t *testing.T) {
	q := NewQueue()
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Put(Event{Type: EventStatus, Content: "late"})
	}()
	ev, ok := q.Next(context.Background(), 2*time.Second)
	if !ok || ev.Content != "late" {
		t.Fatalf("Next = %+v, %v; want the late event", ev, ok)
	}
}

func TestQueue_NextHonorsContext(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, ok := q.Next(ctx, time.Minute)
	if ok {
		t.Fatal("Next returned an event after cancellation")
	}
}

func TestQueue_PutNeverBlocks(t *testing.T) {
	q := NewQueue()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			q.Put(Event{Type: EventChunk})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Put blocked with no reader attached")
	}
	if q.Len() != 10000 {
		t.Errorf("Len = %d, want 10000", q.Len())
	}
}

func TestSession_TryAcquireSingleWinner(t *testing.T) {
	r := NewRegistry()
	sess := r.GetOrCreate("s1")

	const goroutines = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sess.TryAcquire() {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
	if !sess.Busy() {
		t.Error("session not busy after acquisition")
	}

	sess.Release()
	if sess.Busy() {
		t.Error("session busy after release")
	}
	if !sess.TryAcquire() {
		t.Error("session not reacquirable after release")
	}
}

func TestRegistry_GetOrCreateIsStable(t *testing.T) {
	r := NewRegistry()
	a := r.GetOrCreate("abc")
	b := r.GetOrCreate("abc")
	if a != b {
		t.Fatal("GetOrCreate returned different sessions for the same id")
	}
	if a.Queue() != b.Queue() {
		t.Fatal("queue not shared between lookups")
	}

	if _, ok := r.Lookup("missing"); ok {
		t.Error("Lookup invented a session")
	}
	if got, ok := r.Lookup("abc"); !ok || got != a {
		t.Error("Lookup did not find the created session")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestQueue_SurvivesReaderTurnover(t *testing.T) {
	r := NewRegistry()
	q := r.GetOrCreate("s2").Queue()

	q.Put(Event{Type: EventChunk, Content: "queued while detached"})

	// A fresh reader drains what accumulated before it attached.
	ev, ok := q.Next(context.Background(), time.Second)
	if !ok || ev.Content != "queued while detached" {
		t.Fatalf("Next = %+v, %v; want the buffered event", ev, ok)
	}
}
