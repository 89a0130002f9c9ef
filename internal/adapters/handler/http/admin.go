package http

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"breedscope.app/internal/core/domain"
	"breedscope.app/internal/core/logger"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// requireToken admits requests carrying "Authorization: Bearer <token>".
func requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}

func (s *Server) handleListFailedJobs(w http.ResponseWriter, r *http.Request) {
	offset := queryInt(r, "offset", 0)
	limit := min(queryInt(r, "limit", defaultPageSize), maxPageSize)

	total, err := s.deps.FailedJobs.Count(r.Context())
	if err != nil {
		logger.ErrorContext(r.Context(), "Failed to count failed jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list failed jobs")
		return
	}
	jobs, err := s.deps.FailedJobs.List(r.Context(), int64(offset), int64(limit))
	if err != nil {
		logger.ErrorContext(r.Context(), "Failed to list failed jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list failed jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "jobs": jobs})
}

func (s *Server) handleDismissFailedJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job_id")
	if err := s.deps.FailedJobs.Remove(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "Job not found")
			return
		}
		logger.ErrorContext(r.Context(), "Failed to dismiss failed job", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to dismiss job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Failed job dismissed"})
}
