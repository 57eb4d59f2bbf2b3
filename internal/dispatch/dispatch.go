// Package dispatch starts execution runs and fans their progress events
// into the session delivery channels. It enforces the one-run-per-session
// rule and guarantees every run terminates the channel with exactly one
// end event.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/herald/internal/bus"
	"github.com/basket/herald/internal/engine"
	"github.com/basket/herald/internal/otel"
	"github.com/basket/herald/internal/session"
	"github.com/basket/herald/internal/shared"
)

// ErrBusy reports that a run is already active for the session. The
// caller must retry later; the dispatcher never queues.
var ErrBusy = errors.New("session is already executing")

// Config holds the dispatcher's collaborators. Bus, Tracer and Metrics
// are optional.
type Config struct {
	Registry *session.Registry
	Engine   engine.Engine
	Logger   *slog.Logger
	Bus      *bus.Bus
	Tracer   trace.Tracer
	Metrics  *otel.Metrics
}

type Dispatcher struct {
	registry *session.Registry
	engine   engine.Engine
	logger   *slog.Logger
	bus      *bus.Bus
	tracer   trace.Tracer
	metrics  *otel.Metrics

	wg sync.WaitGroup
}

func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Dispatcher{
		registry: cfg.Registry,
		engine:   cfg.Engine,
		logger:   logger,
		bus:      cfg.Bus,
		tracer:   tracer,
		metrics:  cfg.Metrics,
	}
}

// Dispatch starts one execution run for (sessionID, message). It returns
// immediately: ErrBusy when a run is active, nil once the run has been
// accepted and started in the background. Output arrives asynchronously
// on the session's delivery channel.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID, message string) error {
	if sessionID == "" {
		return fmt.Errorf("session_id must be non-empty")
	}
	sess := d.registry.GetOrCreate(sessionID)
	if !sess.TryAcquire() {
		if d.metrics != nil {
			d.metrics.DispatchRejects.Add(ctx, 1)
		}
		d.publish(bus.TopicDispatchRejected, bus.DispatchEvent{SessionID: sessionID})
		return fmt.Errorf("dispatch %s: %w", sessionID, ErrBusy)
	}

	runID := shared.NewRunID()
	d.logger.Info("dispatch accepted", "session_id", sessionID, "run_id", runID)
	d.publish(bus.TopicDispatchStarted, bus.DispatchEvent{SessionID: sessionID, RunID: runID})

	d.wg.Add(1)
	go d.run(sess, message, runID)
	return nil
}

// Wait blocks until all in-flight runs have finished. Used on shutdown;
// runs are never cancelled from the outside.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// run executes the engine and finalizes the channel. The deferred block
// is the single exit route: error event on abnormal end, then exactly
// one end event, then the busy flag clears. Engine panics take the same
// route.
func (d *Dispatcher) run(sess *session.Session, message, runID string) {
	defer d.wg.Done()

	// The run deliberately detaches from the caller's request context:
	// closing the client connection never cancels an execution.
	ctx := shared.WithSessionID(context.Background(), sess.ID)
	ctx = shared.WithRunID(ctx, runID)
	ctx, span := otel.StartSpan(ctx, d.tracer, "dispatch.run",
		otel.AttrSessionID.String(sess.ID),
		otel.AttrRunID.String(runID),
	)

	if d.metrics != nil {
		d.metrics.ActiveRuns.Add(ctx, 1)
	}
	start := time.Now()
	q := sess.Queue()

	var runErr error
	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Errorf("execution panicked: %v", r)
		}
		if runErr != nil {
			d.logger.Error("execution failed", "session_id", sess.ID, "run_id", runID, "error", runErr)
			span.SetStatus(codes.Error, runErr.Error())
			q.Put(session.Event{Type: session.EventError, Content: runErr.Error(), SessionID: sess.ID})
		}
		q.Put(session.Event{Type: session.EventEnd, SessionID: sess.ID})
		sess.Release()

		if d.metrics != nil {
			d.metrics.ActiveRuns.Add(ctx, -1)
			d.metrics.DispatchDuration.Record(ctx, time.Since(start).Seconds())
		}
		errText := ""
		if runErr != nil {
			errText = runErr.Error()
		}
		d.publish(bus.TopicDispatchFinished, bus.DispatchEvent{SessionID: sess.ID, RunID: runID, Error: errText})
		span.End()
	}()

	runErr = d.engine.Run(ctx, sess.ID, message, func(p engine.Progress) {
		q.Put(progressEvent(p, sess.ID))
	})
}

func progressEvent(p engine.Progress, sessionID string) session.Event {
	switch p.Kind {
	case engine.ProgressChunk:
		return session.Event{Type: session.EventChunk, Content: p.Text, SessionID: sessionID}
	case engine.ProgressToolConfirm:
		return session.Event{Type: session.EventToolConfirm, ToolName: p.ToolName, Args: p.Args, SessionID: sessionID}
	default:
		return session.Event{Type: session.EventStatus, Content: p.Text, SessionID: sessionID}
	}
}

func (d *Dispatcher) publish(topic string, payload any) {
	if d.bus != nil {
		d.bus.Publish(topic, payload)
	}
}
