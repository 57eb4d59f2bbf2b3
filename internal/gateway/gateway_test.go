package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/herald/internal/dispatch"
	"github.com/basket/herald/internal/gateway"
	"github.com/basket/herald/internal/persistence"
	"github.com/basket/herald/internal/session"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled []string
	cancelled []string
}

func (f *fakeScheduler) Schedule(task persistence.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, task.ID)
}

func (f *fakeScheduler) Cancel(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, taskID)
}

type fixture struct {
	server    *httptest.Server
	store     *persistence.Store
	registry  *session.Registry
	disp      *fakeDispatcher
	sched     *fakeScheduler
	keepAlive time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "herald.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		store:     store,
		registry:  session.NewRegistry(),
		disp:      &fakeDispatcher{},
		sched:     &fakeScheduler{},
		keepAlive: 100 * time.Millisecond,
	}
	srv := gateway.New(gateway.Config{
		Store:      store,
		Registry:   f.registry,
		Dispatcher: f.disp,
		Scheduler:  f.sched,
		KeepAlive:  f.keepAlive,
	})
	f.server = httptest.NewServer(srv.Handler())
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) postJSON(t *testing.T, path string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func decodeTask(t *testing.T, resp *http.Response) persistence.Task {
	t.Helper()
	defer resp.Body.Close()
	var task persistence.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	return task
}

func TestCreateTask(t *testing.T) {
	f := newFixture(t)

	resp := f.postJSON(t, "/api/tasks", `{"session_id":"s1","message":"water the plants","cron":"*/5 * * * *"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	task := decodeTask(t, resp)
	if task.Message != "water the plants" || task.TriggerSpec != "*/5 * * * *" {
		t.Errorf("task = %+v", task)
	}
	if !task.Enabled {
		t.Error("task not enabled by default")
	}
	if task.NextFireAt == nil {
		t.Error("next_run missing")
	}

	f.sched.mu.Lock()
	defer f.sched.mu.Unlock()
	if len(f.sched.scheduled) != 1 || f.sched.scheduled[0] != task.ID {
		t.Errorf("scheduled = %v, want [%s]", f.sched.scheduled, task.ID)
	}
}

func TestCreateTask_Validation(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		body string
	}{
		{"missing session", `{"message":"m","cron":"*/5 * * * *"}`},
		{"missing message", `{"session_id":"s1","cron":"*/5 * * * *"}`},
		{"missing cron", `{"session_id":"s1","message":"m"}`},
		{"invalid cron", `{"session_id":"s1","message":"m","cron":"whenever"}`},
		{"bad timezone", `{"session_id":"s1","message":"m","cron":"*/5 * * * *","timezone":"Nowhere/Void"}`},
		{"not json", `{{{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.postJSON(t, "/api/tasks", tc.body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}

	f.sched.mu.Lock()
	defer f.sched.mu.Unlock()
	if len(f.sched.scheduled) != 0 {
		t.Errorf("rejected requests scheduled timers: %v", f.sched.scheduled)
	}
}

func TestListTasks(t *testing.T) {
	f := newFixture(t)
	f.postJSON(t, "/api/tasks", `{"session_id":"s1","message":"a","cron":"*/5 * * * *"}`).Body.Close()
	f.postJSON(t, "/api/tasks", `{"session_id":"s1","message":"b","cron":"0 9 * * *"}`).Body.Close()
	f.postJSON(t, "/api/tasks", `{"session_id":"s2","message":"c","cron":"0 9 * * *"}`).Body.Close()

	resp, err := http.Get(f.server.URL + "/api/tasks?session_id=s1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var tasks []persistence.Task
	if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("len = %d, want 2", len(tasks))
	}

	// No session means no listing.
	resp, err = http.Get(f.server.URL + "/api/tasks")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status without session_id = %d, want 400", resp.StatusCode)
	}
}

func TestUpdateTask(t *testing.T) {
	f := newFixture(t)
	created := decodeTask(t, f.postJSON(t, "/api/tasks", `{"session_id":"s1","message":"before","cron":"*/5 * * * *"}`))

	req, _ := http.NewRequest(http.MethodPut, f.server.URL+"/api/tasks/"+created.ID,
		bytes.NewBufferString(`{"message":"after","enabled":false}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	updated := decodeTask(t, resp)
	if updated.Message != "after" || updated.Enabled {
		t.Errorf("updated = %+v", updated)
	}
	if updated.NextFireAt != nil {
		t.Errorf("disabled task kept next_run %v", updated.NextFireAt)
	}

	// The scheduler saw both the create and the update.
	f.sched.mu.Lock()
	defer f.sched.mu.Unlock()
	if len(f.sched.scheduled) != 2 {
		t.Errorf("scheduled = %v", f.sched.scheduled)
	}
}

func TestUpdateTask_NotFound(t *testing.T) {
	f := newFixture(t)
	req, _ := http.NewRequest(http.MethodPut, f.server.URL+"/api/tasks/ghost",
		bytes.NewBufferString(`{"message":"x"}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestDeleteTask_Idempotent(t *testing.T) {
	f := newFixture(t)
	created := decodeTask(t, f.postJSON(t, "/api/tasks", `{"session_id":"s1","message":"m","cron":"*/5 * * * *"}`))

	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodDelete, f.server.URL+"/api/tasks/"+created.ID, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("delete %d status = %d, want 204", i, resp.StatusCode)
		}
	}

	f.sched.mu.Lock()
	defer f.sched.mu.Unlock()
	if len(f.sched.cancelled) != 2 || f.sched.cancelled[0] != created.ID {
		t.Errorf("cancelled = %v", f.sched.cancelled)
	}
}

func TestPostMessage(t *testing.T) {
	f := newFixture(t)
	resp := f.postJSON(t, "/api/messages", `{"session_id":"s1","message":"hello"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "accepted" || body["session_id"] != "s1" {
		t.Errorf("body = %v", body)
	}
	if f.disp.calls != 1 {
		t.Errorf("dispatcher calls = %d", f.disp.calls)
	}
}

func TestPostMessage_Busy(t *testing.T) {
	f := newFixture(t)
	f.disp.err = fmt.Errorf("dispatch s1: %w", dispatch.ErrBusy)

	resp := f.postJSON(t, "/api/messages", `{"session_id":"s1","message":"hello"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestPostMessage_Validation(t *testing.T) {
	f := newFixture(t)
	for name, body := range map[string]string{
		"missing session": `{"message":"hello"}`,
		"missing message": `{"session_id":"s1"}`,
		"blank message":   `{"session_id":"s1","message":"   "}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp := f.postJSON(t, "/api/messages", body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
	if f.disp.calls != 0 {
		t.Errorf("invalid requests reached the dispatcher: %d", f.disp.calls)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.server.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}
