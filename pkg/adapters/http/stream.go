package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aretw0/stepgraph/pkg/domain"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

const writeTimeout = 5 * time.Second

// follow attaches to the live feed of runID. If the run already finished,
// the returned channel yields a single terminal event rebuilt from the record.
func (s *Server) follow(ctx context.Context, runID string) (<-chan domain.Event, func(), error) {
	if _, err := s.svc.Status(ctx, runID); err != nil {
		return nil, nil, err
	}

	events, cancel, err := s.svc.Subscribe(ctx, runID)
	if err != nil {
		return nil, nil, err
	}

	// Checked after subscribing so the terminal event cannot be missed.
	run, err := s.svc.Status(ctx, runID)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if !run.Status.IsTerminal() {
		return events, cancel, nil
	}

	cancel()
	done := make(chan domain.Event, 1)
	done <- terminalEvent(run)
	close(done)
	return done, func() {}, nil
}

func terminalEvent(run *domain.Run) domain.Event {
	if run.Status == domain.StatusFailed {
		return domain.Event{Kind: domain.EventTerminal, RunID: run.ID, Status: domain.StatusFailed, Error: run.Error}
	}
	return domain.NewCompletedEvent(run.ID, run.State)
}

// SubscribeEvents handles the GET /events request (SSE).
func (s *Server) SubscribeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		s.logger.Error("SubscribeEvents: streaming not supported")
		return
	}

	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}

	var watchList []string
	if watch := r.URL.Query().Get("watch"); watch != "" {
		for _, field := range strings.Split(watch, ",") {
			if field = strings.TrimSpace(field); field != "" {
				watchList = append(watchList, field)
			}
		}
	}

	events, cancel, err := s.follow(r.Context(), runID)
	if err != nil {
		s.writeLookupError(w, "SubscribeEvents", err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	s.logger.Info("SSE: subscribing to run", "run_id", runID, "watch", watchList)
	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("SSE client disconnected", "run_id", runID)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind == domain.EventStep && len(watchList) > 0 && !domain.Touches(ev.Changed, watchList) {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("SSE: encode failed", "run_id", runID, "error", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			if ev.IsTerminal() {
				return
			}
		}
	}
}

// StreamLogs handles the GET /ws/logs/{run_id} websocket. Each event is sent
// as one JSON text frame; the socket closes after the terminal event.
func (s *Server) StreamLogs(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")

	events, cancel, err := s.follow(r.Context(), runID)
	if err != nil {
		s.writeLookupError(w, "StreamLogs", err)
		return
	}
	defer cancel()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("StreamLogs: upgrade failed", "run_id", runID, "error", err)
		return
	}
	defer conn.CloseNow()

	// Client frames are not expected; CloseRead handles control frames and
	// cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("websocket client disconnected", "run_id", runID)
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "stream ended")
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("StreamLogs: encode failed", "run_id", runID, "error", err)
				continue
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			wcancel()
			if err != nil {
				s.logger.Warn("StreamLogs: write failed", "run_id", runID, "error", err)
				return
			}
			if ev.IsTerminal() {
				conn.Close(websocket.StatusNormalClosure, "run finished")
				return
			}
		}
	}
}
