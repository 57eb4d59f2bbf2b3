// Package gateway exposes herald's HTTP surface: the task CRUD API, the
// message dispatch entry point and the SSE delivery stream.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/herald/internal/bus"
	"github.com/basket/herald/internal/dispatch"
	"github.com/basket/herald/internal/otel"
	"github.com/basket/herald/internal/persistence"
	"github.com/basket/herald/internal/session"
	"github.com/basket/herald/internal/trigger"
)

const defaultKeepAlive = 30 * time.Second

// Dispatcher starts an execution run for a session.
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID, message string) error
}

// Scheduler is the slice of the scheduler engine the gateway needs to
// keep timers in step with task mutations.
type Scheduler interface {
	Schedule(task persistence.Task)
	Cancel(taskID string)
}

type Config struct {
	Store      *persistence.Store
	Registry   *session.Registry
	Dispatcher Dispatcher
	Scheduler  Scheduler
	Logger     *slog.Logger
	Bus        *bus.Bus
	Tracer     trace.Tracer
	Metrics    *otel.Metrics

	// KeepAlive is the idle interval between SSE keep-alive comments.
	// Zero means 30s.
	KeepAlive time.Duration

	// DefaultTimezone applies to tasks created without an explicit zone.
	DefaultTimezone string

	// ConfigFingerprint is the hash of the active config exposed on /healthz.
	ConfigFingerprint string
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	start  time.Time
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	return &Server{cfg: cfg, logger: logger, tracer: tracer, start: time.Now()}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskByID)
	mux.HandleFunc("/api/messages", s.handleMessages)
	mux.HandleFunc("/stream/", s.handleStream)
	mux.HandleFunc("/api/activity", s.handleActivity)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"uptime":      time.Since(s.start).Round(time.Second).String(),
		"sessions":    s.cfg.Registry.Len(),
		"config_hash": s.cfg.ConfigFingerprint,
	})
}

// taskRequest is the create/update body. Pointer fields distinguish
// "absent" from zero on update. The trigger field is named cron for
// wire compatibility even though it also accepts one-shot timestamps.
type taskRequest struct {
	SessionID string  `json:"session_id"`
	Message   *string `json:"message"`
	Cron      *string `json:"cron"`
	Enabled   *bool   `json:"enabled"`
	Timezone  *string `json:"timezone"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listTasks(w, r)
	case http.MethodPost:
		s.createTask(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id query parameter is required")
		return
	}
	tasks, err := s.cfg.Store.ListTasks(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = r.URL.Query().Get("session_id")
	}
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if req.Message == nil || strings.TrimSpace(*req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.Cron == nil || strings.TrimSpace(*req.Cron) == "" {
		writeError(w, http.StatusBadRequest, "cron is required")
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	tz := s.cfg.DefaultTimezone
	if req.Timezone != nil {
		tz = *req.Timezone
	}

	ctx, span := otel.StartServerSpan(r.Context(), s.tracer, "gateway.task.create",
		otel.AttrSessionID.String(sessionID),
		otel.AttrTrigger.String(*req.Cron),
	)
	defer span.End()

	task, err := s.cfg.Store.CreateTask(ctx, sessionID, *req.Message, *req.Cron, enabled, tz)
	if err != nil {
		if errors.Is(err, trigger.ErrInvalidTriggerSpec) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Store first, then timers. A crash between the two loses only the
	// in-memory timer, which rehydration rebuilds.
	if s.cfg.Scheduler != nil {
		s.cfg.Scheduler.Schedule(task)
	}
	s.logger.Info("task created", "task_id", task.ID, "session_id", sessionID, "trigger", task.TriggerSpec)
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if taskID == "" || strings.Contains(taskID, "/") {
		writeError(w, http.StatusBadRequest, "task id required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		task, err := s.cfg.Store.GetTask(r.Context(), taskID)
		if err != nil {
			if errors.Is(err, persistence.ErrTaskNotFound) {
				writeError(w, http.StatusNotFound, "task not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, task)

	case http.MethodPut:
		s.updateTask(w, r, taskID)

	case http.MethodDelete:
		if err := s.cfg.Store.DeleteTask(r.Context(), taskID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if s.cfg.Scheduler != nil {
			s.cfg.Scheduler.Cancel(taskID)
		}
		s.logger.Info("task deleted", "task_id", taskID)
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request, taskID string) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	patch := persistence.TaskPatch{
		Message:     req.Message,
		TriggerSpec: req.Cron,
		Enabled:     req.Enabled,
	}
	tz := ""
	if req.Timezone != nil {
		tz = *req.Timezone
	}

	task, err := s.cfg.Store.UpdateTask(r.Context(), taskID, patch, tz)
	if err != nil {
		switch {
		case errors.Is(err, persistence.ErrTaskNotFound):
			writeError(w, http.StatusNotFound, "task not found")
		case errors.Is(err, trigger.ErrInvalidTriggerSpec):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	if s.cfg.Scheduler != nil {
		s.cfg.Scheduler.Schedule(task)
	}
	s.logger.Info("task updated", "task_id", task.ID)
	writeJSON(w, http.StatusOK, task)
}

type messageRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// handleMessages implements POST /api/messages: accept a message for a
// session and start an execution run. 409 when the session is busy.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	ctx, span := otel.StartServerSpan(r.Context(), s.tracer, "gateway.message",
		otel.AttrSessionID.String(req.SessionID),
	)
	defer span.End()

	if err := s.cfg.Dispatcher.Dispatch(ctx, req.SessionID, req.Message); err != nil {
		if errors.Is(err, dispatch.ErrBusy) {
			writeError(w, http.StatusConflict, "session is busy, try again later")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":     "accepted",
		"session_id": req.SessionID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
