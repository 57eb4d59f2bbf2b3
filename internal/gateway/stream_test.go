package gateway_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/basket/herald/internal/bus"
	"github.com/basket/herald/internal/gateway"
	"github.com/basket/herald/internal/session"
)

func newTestServer(t *testing.T, srv *gateway.Server) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(srv.Handler())
	t.Cleanup(server.Close)
	return server
}

func TestStream_DeliversEventsAndFinishes(t *testing.T) {
	f := newFixture(t)
	q := f.registry.GetOrCreate("s1").Queue()
	q.Put(session.Event{Type: session.EventStatus, Content: "Processing message...", SessionID: "s1"})
	q.Put(session.Event{Type: session.EventChunk, Content: "hello", SessionID: "s1"})
	q.Put(session.Event{Type: session.EventEnd, SessionID: "s1"})

	resp, err := http.Get(f.server.URL + "/stream/s1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	// The handler closes the stream after the end event, so the body is
	// finite and fully readable.
	var events []session.Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev session.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad data line %q: %v", line, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("read stream: %v", err)
	}

	if len(events) != 3 {
		t.Fatalf("got %d events: %+v", len(events), events)
	}
	if events[0].Content != "Processing message..." || events[1].Content != "hello" {
		t.Errorf("events = %+v", events)
	}
	last := events[2]
	if last.Type != session.EventStatus || last.Content != "Finished" {
		t.Errorf("terminal event = %+v, want Finished status", last)
	}
	if last.SessionID != "s1" {
		t.Errorf("terminal session = %q", last.SessionID)
	}
}

func TestStream_KeepAliveOnIdle(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/stream/idle", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read keepalive: %v", err)
	}
	if !strings.HasPrefix(line, ": keepalive") {
		t.Fatalf("first line = %q, want keepalive comment", line)
	}
}

func TestStream_EventsQueuedBeforeAttachAreDelivered(t *testing.T) {
	f := newFixture(t)

	// Events produced while nobody is listening wait on the channel.
	q := f.registry.GetOrCreate("s1").Queue()
	q.Put(session.Event{Type: session.EventChunk, Content: "buffered", SessionID: "s1"})
	q.Put(session.Event{Type: session.EventEnd, SessionID: "s1"})

	resp, err := http.Get(f.server.URL + "/stream/s1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	var contents []string
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "data: ") {
			var ev session.Event
			_ = json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev)
			contents = append(contents, ev.Content)
		}
	}
	if len(contents) != 2 || contents[0] != "buffered" {
		t.Errorf("contents = %v", contents)
	}
}

func TestStream_RequiresSessionID(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.server.URL + "/stream/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestActivityFeed(t *testing.T) {
	eventBus := bus.New()
	f := newFixture(t)
	srv := gateway.New(gateway.Config{
		Store:     f.store,
		Registry:  f.registry,
		Bus:       eventBus,
		KeepAlive: 100 * time.Millisecond,
	})
	server := newTestServer(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/activity?topic=task.", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	// Give the handler a moment to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	eventBus.Publish(bus.TopicTaskFired, bus.TaskFiredEvent{TaskID: "t1", SessionID: "s1"})
	eventBus.Publish(bus.TopicDispatchStarted, bus.DispatchEvent{SessionID: "s1"})

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read activity: %v", err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var got struct {
			Topic   string `json:"topic"`
			Payload struct {
				TaskID string `json:"TaskID"`
			} `json:"payload"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &got); err != nil {
			t.Fatalf("bad activity line %q: %v", line, err)
		}
		if got.Topic != bus.TopicTaskFired {
			t.Errorf("topic = %q, want %q (dispatch topics filtered out)", got.Topic, bus.TopicTaskFired)
		}
		if got.Payload.TaskID != "t1" {
			t.Errorf("payload = %+v", got.Payload)
		}
		return
	}
}
