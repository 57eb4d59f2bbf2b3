package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/basket/herald/internal/session"
)

// handleStream implements GET /stream/{session_id}: the SSE delivery
// stream for one session. Events drain in order; an idle wait emits a
// keep-alive comment so proxies don't cut the connection. The stream
// closes after the run's end event; the channel and any running
// execution survive the disconnect.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID := strings.TrimPrefix(r.URL.Path, "/stream/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		writeError(w, http.StatusBadRequest, "session_id required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sess := s.cfg.Registry.GetOrCreate(sessionID)
	q := sess.Queue()
	ctx := r.Context()

	s.logger.Debug("stream attached", "session_id", sessionID)
	defer s.logger.Debug("stream detached", "session_id", sessionID)

	for {
		ev, got := q.Next(ctx, s.cfg.KeepAlive)
		if ctx.Err() != nil {
			return
		}
		if !got {
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
			continue
		}

		if ev.Type == session.EventEnd {
			// The end sentinel surfaces to clients as a final status.
			ev = session.Event{Type: session.EventStatus, Content: "Finished", SessionID: sessionID}
			if err := s.writeSSE(w, flusher, ev); err == nil && s.cfg.Metrics != nil {
				s.cfg.Metrics.EventsDelivered.Add(ctx, 1)
			}
			return
		}

		if err := s.writeSSE(w, flusher, ev); err != nil {
			s.logger.Debug("stream write failed", "session_id", sessionID, "error", err)
			return
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.EventsDelivered.Add(ctx, 1)
		}
	}
}

func (s *Server) writeSSE(w http.ResponseWriter, flusher http.Flusher, ev session.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// activityEvent is one bus event on the diagnostics feed.
type activityEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// handleActivity implements GET /api/activity: an SSE feed of bus
// events, filtered by an optional topic prefix. Delivery is best-effort;
// slow readers miss events rather than stall the publishers.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "activity feed not available", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub := s.cfg.Bus.Subscribe(r.URL.Query().Get("topic"))
	defer s.cfg.Bus.Unsubscribe(sub)

	keepalive := time.NewTicker(s.cfg.KeepAlive)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			data, err := json.Marshal(activityEvent{Topic: event.Topic, Payload: event.Payload})
			if err != nil {
				s.logger.Error("activity marshal", "topic", event.Topic, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
