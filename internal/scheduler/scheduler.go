// Package scheduler keeps one in-memory timer per enabled task and fires
// tasks at their persisted next fire time. The database is the source of
// truth; timers are a cache of it and are rebuilt from it on startup.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/herald/internal/audit"
	"github.com/basket/herald/internal/bus"
	"github.com/basket/herald/internal/otel"
	"github.com/basket/herald/internal/persistence"
	"github.com/basket/herald/internal/shared"
	"github.com/basket/herald/internal/trigger"
)

// Dispatcher starts an execution run for a fired task. An error means
// the run was not started; the scheduler logs it and moves on.
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID, message string) error
}

// Config holds the engine's collaborators. Audit, Bus, Tracer and
// Metrics are optional. Now overrides the clock in tests.
type Config struct {
	Store      *persistence.Store
	Dispatcher Dispatcher
	Logger     *slog.Logger
	Audit      *audit.Log
	Bus        *bus.Bus
	Tracer     trace.Tracer
	Metrics    *otel.Metrics
	Now        func() time.Time
}

// job is one armed timer. The generation guards against a stale timer
// firing after the task was rescheduled or cancelled: only the job that
// still owns the current generation may act.
type job struct {
	taskID     string
	generation uint64
	fireAt     time.Time
	timer      *time.Timer
}

type Engine struct {
	store      *persistence.Store
	dispatcher Dispatcher
	logger     *slog.Logger
	audit      *audit.Log
	bus        *bus.Bus
	tracer     trace.Tracer
	metrics    *otel.Metrics
	now        func() time.Time

	mu      sync.Mutex
	jobs    map[string]*job
	gens    map[string]uint64
	stopped bool

	wg sync.WaitGroup
}

func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		logger:     logger,
		audit:      cfg.Audit,
		bus:        cfg.Bus,
		tracer:     tracer,
		metrics:    cfg.Metrics,
		now:        now,
		jobs:       make(map[string]*job),
		gens:       make(map[string]uint64),
	}
}

// Rehydrate rebuilds timers from the task store. Next fire times are
// recomputed from the current clock rather than trusted from disk, so a
// restart after downtime moves recurring tasks forward and fires overdue
// one-shots immediately.
func (e *Engine) Rehydrate(ctx context.Context) error {
	tasks, err := e.store.ListEnabledTasks(ctx)
	if err != nil {
		return err
	}

	armed := 0
	for _, task := range tasks {
		trig, err := trigger.Resolve(task.TriggerSpec, task.Timezone)
		if err != nil {
			e.logger.Error("skipping task with unresolvable trigger",
				"task_id", task.ID, "trigger", task.TriggerSpec, "error", err)
			continue
		}
		next, ok := trig.Next(e.now())
		if !ok {
			e.logger.Warn("task has no future fire, disabling", "task_id", task.ID)
			if err := e.store.DisableTask(ctx, task.ID); err != nil {
				e.logger.Error("disable task", "task_id", task.ID, "error", err)
			}
			continue
		}
		if err := e.store.SetNextFire(ctx, task.ID, next); err != nil {
			e.logger.Error("persist next fire", "task_id", task.ID, "error", err)
			continue
		}
		e.arm(task.ID, next)
		armed++
	}

	e.logger.Info("scheduler rehydrated", "tasks", len(tasks), "armed", armed)
	return nil
}

// Schedule arms (or re-arms) the timer for a task. An existing timer for
// the same task is replaced, never duplicated. Disabled tasks or tasks
// without a next fire time are cancelled instead.
func (e *Engine) Schedule(task persistence.Task) {
	if !task.Enabled || task.NextFireAt == nil {
		e.Cancel(task.ID)
		return
	}
	e.arm(task.ID, *task.NextFireAt)
}

// Cancel disarms the timer for a task, if any. A timer callback already
// in flight sees a bumped generation and becomes a no-op.
func (e *Engine) Cancel(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gens[taskID]++
	if j, ok := e.jobs[taskID]; ok {
		j.timer.Stop()
		delete(e.jobs, taskID)
	}
}

// Stop disarms every timer and waits for in-flight fire handlers to
// finish. The engine cannot be restarted.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	for id, j := range e.jobs {
		j.timer.Stop()
		e.gens[id]++
		delete(e.jobs, id)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// JobCount returns the number of armed timers.
func (e *Engine) JobCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}

func (e *Engine) arm(taskID string, fireAt time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}

	e.gens[taskID]++
	gen := e.gens[taskID]
	if prev, ok := e.jobs[taskID]; ok {
		prev.timer.Stop()
	}

	delay := fireAt.Sub(e.now())
	if delay < 0 {
		delay = 0
	}
	j := &job{taskID: taskID, generation: gen, fireAt: fireAt}
	j.timer = time.AfterFunc(delay, func() { e.onTimer(j) })
	e.jobs[taskID] = j

	e.logger.Debug("timer armed", "task_id", taskID, "fire_at", fireAt.Format(time.RFC3339), "delay", delay.String())
}

// onTimer runs on the timer's goroutine. It claims the fire under the
// lock, then does the slow work outside it.
func (e *Engine) onTimer(j *job) {
	e.mu.Lock()
	if e.stopped || e.gens[j.taskID] != j.generation {
		e.mu.Unlock()
		return
	}
	delete(e.jobs, j.taskID)
	e.wg.Add(1)
	e.mu.Unlock()

	defer e.wg.Done()
	e.handleFire(j.taskID, j.fireAt)
}

// handleFire is the single path a due task takes: reload from the store,
// dispatch, record the fire, then advance or retire the task. A failed
// dispatch still advances the schedule; a missing or disabled task is a
// no-op because the store, not the timer, decides whether a task fires.
func (e *Engine) handleFire(taskID string, firedAt time.Time) {
	ctx := shared.WithTraceID(context.Background(), shared.NewTraceID())
	ctx = shared.WithTaskID(ctx, taskID)
	ctx, span := otel.StartSpan(ctx, e.tracer, "scheduler.fire",
		otel.AttrTaskID.String(taskID),
	)
	defer span.End()

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, persistence.ErrTaskNotFound) {
			e.logger.Debug("fired task no longer exists", "task_id", taskID)
		} else {
			e.logger.Error("load fired task", "task_id", taskID, "error", err)
		}
		return
	}
	if !task.Enabled {
		e.logger.Debug("fired task is disabled", "task_id", taskID)
		return
	}

	e.logger.Info("task fired", "task_id", task.ID, "session_id", task.SessionID, "trigger", task.TriggerSpec)
	if e.metrics != nil {
		e.metrics.FiresTotal.Add(ctx, 1)
	}
	if e.audit != nil {
		if err := e.audit.RecordFire(task.ID, task.SessionID, firedAt); err != nil {
			e.logger.Error("record fire", "task_id", task.ID, "error", err)
		}
	}
	e.publish(bus.TopicTaskFired, bus.TaskFiredEvent{TaskID: task.ID, SessionID: task.SessionID})

	if err := e.dispatcher.Dispatch(ctx, task.SessionID, task.Message); err != nil {
		e.logger.Warn("dispatch fired task", "task_id", task.ID, "session_id", task.SessionID, "error", err)
		if e.metrics != nil {
			e.metrics.FireErrors.Add(ctx, 1)
		}
	}

	e.advance(ctx, task, firedAt)
}

// advance moves the task past the fire that just happened: recurring
// tasks get a new next fire persisted and a fresh timer, one-shots are
// disabled.
func (e *Engine) advance(ctx context.Context, task persistence.Task, firedAt time.Time) {
	trig, err := trigger.Resolve(task.TriggerSpec, task.Timezone)
	if err != nil {
		e.logger.Error("resolve trigger after fire", "task_id", task.ID, "error", err)
		return
	}

	if trig.Kind == trigger.OneShot {
		if err := e.store.DisableTask(ctx, task.ID); err != nil {
			e.logger.Error("disable one-shot task", "task_id", task.ID, "error", err)
			return
		}
		e.Cancel(task.ID)
		e.publish(bus.TopicTaskExpired, bus.TaskExpiredEvent{TaskID: task.ID, SessionID: task.SessionID})
		return
	}

	after := e.now()
	if firedAt.After(after) {
		after = firedAt
	}
	next, ok := trig.Next(after)
	if !ok {
		e.logger.Warn("recurring task has no next fire, disabling", "task_id", task.ID)
		if err := e.store.DisableTask(ctx, task.ID); err != nil {
			e.logger.Error("disable task", "task_id", task.ID, "error", err)
		}
		return
	}
	if err := e.store.SetNextFire(ctx, task.ID, next); err != nil {
		e.logger.Error("persist next fire", "task_id", task.ID, "error", err)
		return
	}
	e.arm(task.ID, next)
	e.publish(bus.TopicTaskRescheduled, bus.TaskRescheduledEvent{
		TaskID:    task.ID,
		NextFire:  next.UTC().Format(time.RFC3339),
		SessionID: task.SessionID,
	})
}

func (e *Engine) publish(topic string, payload any) {
	if e.bus != nil {
		e.bus.Publish(topic, payload)
	}
}
