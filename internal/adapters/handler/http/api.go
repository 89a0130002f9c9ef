package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"breedscope.app/internal/core/circuitbreaker"
	"breedscope.app/internal/core/domain"
	"breedscope.app/internal/core/logger"
	"breedscope.app/internal/core/services"
)

type credentialsRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=128"`
}

type historyRequest struct {
	Username string `json:"username" validate:"required"`
}

type clearRequest struct {
	Username string `json:"username" validate:"required"`
	Filename string `json:"filename" validate:"required"`
}

// decodeBody decodes and validates a JSON body. A malformed body is treated
// like an empty one so that the caller's validation message is returned.
func (s *Server) decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return s.validate.Struct(v)
}

// readUpload returns the bytes of the multipart "file" field.
func readUpload(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	file, _, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "File too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "No file provided")
		return nil, false
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read file")
		return nil, false
	}
	uploadBytes.Observe(float64(len(data)))
	return data, true
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	data, ok := readUpload(w, r)
	if !ok {
		return
	}
	username := r.FormValue("username")
	if username == "" {
		writeError(w, http.StatusBadRequest, "Username not provided")
		return
	}

	pred, err := s.deps.Predictions.Predict(r.Context(), username, data)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrEmptyImage):
			writeError(w, http.StatusBadRequest, "No file provided")
		case errors.Is(err, services.ErrInvalidImage):
			writeError(w, http.StatusBadRequest, services.ErrInvalidImage.Error())
		case errors.Is(err, circuitbreaker.ErrCircuitOpen):
			writeError(w, http.StatusServiceUnavailable, "Model unavailable, try again later")
		default:
			logger.ErrorContext(r.Context(), "Prediction failed", "error", err)
			writeError(w, http.StatusInternalServerError, "Prediction failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, pred)
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	if err := s.deps.Auth.Signup(r.Context(), req.Username, req.Password); err != nil {
		if errors.Is(err, domain.ErrUserExists) {
			writeError(w, http.StatusConflict, "Username already exists")
			return
		}
		logger.ErrorContext(r.Context(), "Signup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Signup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "User registered successfully"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "Invalid credentials"})
		return
	}

	if err := s.deps.Auth.Login(r.Context(), req.Username, req.Password); err != nil {
		if errors.Is(err, services.ErrInvalidCredentials) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "Invalid credentials"})
			return
		}
		logger.ErrorContext(r.Context(), "Login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Login failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Login successful"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	var req historyRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Username not provided")
		return
	}

	entries, err := s.deps.History.List(r.Context(), req.Username)
	if err != nil {
		logger.ErrorContext(r.Context(), "Failed to list history", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Missing data")
		return
	}

	if err := s.deps.History.Clear(r.Context(), req.Username, req.Filename); err != nil {
		logger.ErrorContext(r.Context(), "Failed to clear history entry", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to clear entry")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Entry cleared"})
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	var req historyRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Missing username")
		return
	}

	if err := s.deps.History.ClearAll(r.Context(), req.Username); err != nil {
		logger.ErrorContext(r.Context(), "Failed to clear history", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to clear history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "All history cleared"})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")
	data, err := s.deps.Artifacts.Get(r.Context(), filename)
	if err != nil {
		if errors.Is(err, domain.ErrArtifactNotFound) {
			writeError(w, http.StatusNotFound, "Image not found")
			return
		}
		logger.ErrorContext(r.Context(), "Failed to load artifact", "filename", filename, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load image")
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.Write(data)
}
