package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	sse "github.com/tmaxmax/go-sse"

	"breedscope.app/internal/core/domain"
	"breedscope.app/internal/core/logger"
	"breedscope.app/internal/core/metrics"
	"breedscope.app/internal/core/services"
)

func (s *Server) handleCreateLimeJob(w http.ResponseWriter, r *http.Request) {
	data, ok := readUpload(w, r)
	if !ok {
		return
	}

	job, err := s.deps.Explain.CreateJob(r.Context(), data)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrEmptyImage):
			writeError(w, http.StatusBadRequest, "No file provided")
		case errors.Is(err, services.ErrInvalidImage):
			writeError(w, http.StatusBadRequest, services.ErrInvalidImage.Error())
		default:
			logger.ErrorContext(r.Context(), "Failed to create explanation job", "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to create job")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

// handleLimeProgress streams a job's progress as server-sent events. The
// current snapshot is sent first; the stream ends after the terminal event.
// A comment line is written every heartbeat period so idle clients can tell
// a quiet job from a dead connection.
func (s *Server) handleLimeProgress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "job_id")

	snap, events, err := s.deps.Explain.Watch(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "Job not found")
			return
		}
		logger.ErrorContext(ctx, "Failed to watch job", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to open progress stream")
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to open progress stream", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to open progress stream")
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	metrics.SubscriberOpened()
	defer metrics.SubscriberClosed()

	send := func(ev domain.ProgressEvent) bool {
		data, err := json.Marshal(ev)
		if err != nil {
			return false
		}
		msg := &sse.Message{}
		msg.AppendData(string(data))
		if err := sess.Send(msg); err != nil {
			return false
		}
		return sess.Flush() == nil
	}

	first := snap.Event()
	if !send(first) || first.Terminal() {
		return
	}

	heartbeat := time.NewTicker(s.deps.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok || !send(ev) || ev.Terminal() {
				return
			}
		case <-heartbeat.C:
			msg := &sse.Message{}
			msg.AppendComment("heartbeat")
			if sess.Send(msg) != nil || sess.Flush() != nil {
				return
			}
		}
	}
}
