package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/catalogsync/internal/syncjob"
)

// sseKeepAlive is how often an idle progress stream gets a comment line.
const sseKeepAlive = 15 * time.Second

type runResponse struct {
	OK      bool   `json:"ok"`
	RunID   string `json:"run_id"`
	Status  string `json:"status"`
	Upserts int64  `json:"upserts"`
	Errors  int64  `json:"errors"`
	Total   int64  `json:"total"`
	Skipped int64  `json:"skipped"`
	Issues  int64  `json:"issues"`
	Error   string `json:"error,omitempty"`
}

func (s *server) listJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "jobs": s.Runner.Registry().Names()})
}

func (s *server) knownJob(w http.ResponseWriter, name string) bool {
	if _, err := s.Runner.Registry().Get(name); err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown job %q", name))
		return false
	}
	return true
}

func (s *server) jobLock(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "job")
	if !s.knownJob(w, name) {
		return
	}
	l, err := s.Locks.Holder(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if l == nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "held": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "held": !l.Expired(time.Now()), "lock": l})
}

func (s *server) runJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "job")
	if !s.knownJob(w, name) {
		return
	}

	var opts syncjob.RunOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// The run outlives a dropped client; force-stop is how it ends early.
	res, err := s.Runner.Run(context.WithoutCancel(r.Context()), name, opts)
	switch {
	case errors.Is(err, syncjob.ErrBusy):
		writeError(w, http.StatusConflict, fmt.Sprintf("job %s is already running", name))
		return
	case errors.Is(err, syncjob.ErrTooSoon):
		writeError(w, http.StatusConflict, err.Error())
		return
	case res == nil && err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := runResponse{
		OK:      err == nil,
		RunID:   res.RunID,
		Status:  string(res.Status),
		Upserts: res.Upserts,
		Errors:  res.Errors,
		Total:   res.Total,
		Skipped: res.Skipped,
		Issues:  res.Issues,
		Error:   res.Error,
	}
	status := http.StatusOK
	switch {
	case errors.Is(err, syncjob.ErrCancelled):
		status = http.StatusConflict
	case err != nil:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, out)
}

func (s *server) latestProgress(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "job")
	if !s.knownJob(w, name) {
		return
	}
	p, err := s.Tracker.Latest(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "none found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// streamProgress sends the latest progress, then every event for the job,
// as server-sent events.
func (s *server) streamProgress(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "job")
	if !s.knownJob(w, name) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	events, cancel, ok := s.Tracker.Subscribe(name)
	if !ok {
		writeError(w, http.StatusNotImplemented, "progress notifications are not enabled")
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if p, err := s.Tracker.Latest(r.Context(), name); err == nil && p != nil {
		writeEvent(w, flusher, "snapshot", p)
	}

	tick := time.NewTicker(sseKeepAlive)
	defer tick.Stop()
	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			writeEvent(w, flusher, string(ev.Type), ev)
		case <-tick.C:
			_, _ = fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w io.Writer, flusher http.Flusher, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		zap.L().Warn("marshal sse event", zap.Error(err))
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}
