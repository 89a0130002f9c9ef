package http

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"breedscope.app/internal/core/logger"
	"breedscope.app/internal/core/ports"
	"breedscope.app/internal/core/services"
)

const maxUploadSize = 16 << 20

// Deps are the services behind the HTTP API.
type Deps struct {
	Predictions *services.PredictionService
	Explain     *services.ExplainService
	Auth        *services.AuthService
	History     *services.HistoryService
	Health      *services.HealthService
	Artifacts   ports.ArtifactStore

	// Limiter throttles explanation submissions per client; nil disables it.
	Limiter Limiter

	// FailedJobs backs the operator endpoints, served only when AdminToken is set.
	FailedJobs ports.FailedJobLog
	AdminToken string

	Heartbeat     time.Duration
	StaticDir     string
	EnableMetrics bool
}

type Server struct {
	router   *chi.Mux
	deps     Deps
	validate *validator.Validate
}

func NewServer(deps Deps) *Server {
	if deps.Heartbeat <= 0 {
		deps.Heartbeat = 15 * time.Second
	}
	s := &Server{
		router:   chi.NewRouter(),
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	if s.deps.EnableMetrics {
		s.router.Use(MetricsMiddleware)
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if s.deps.EnableMetrics {
		s.router.Handle("/metrics", MetricsHandler())
	}

	// Kubernetes liveness and readiness
	s.router.Get("/health/live", s.handleLiveness)
	s.router.Get("/health/ready", s.handleReadiness)
	s.router.Get("/api/health/detailed", s.handleDetailedHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/predict", s.handlePredict)
		r.Post("/signup", s.handleSignup)
		r.Post("/login", s.handleLogin)
		r.Post("/history", s.handleHistory)
		r.Post("/clear", s.handleClear)
		r.Post("/clear-all", s.handleClearAll)

		if s.deps.FailedJobs != nil && s.deps.AdminToken != "" {
			r.Route("/admin/failed-jobs", func(r chi.Router) {
				r.Use(requireToken(s.deps.AdminToken))
				r.Get("/", s.handleListFailedJobs)
				r.Delete("/{job_id}", s.handleDismissFailedJob)
			})
		}
	})

	s.router.Group(func(r chi.Router) {
		if s.deps.Limiter != nil {
			r.Use(RateLimit(s.deps.Limiter))
		}
		r.Post("/lime-job", s.handleCreateLimeJob)
	})
	s.router.Get("/lime-progress/{job_id}", s.handleLimeProgress)
	s.router.Get("/ws/lime-progress/{job_id}", s.handleLimeSocket)
	s.router.Get("/uploads/{filename}", s.handleUpload)

	if s.deps.StaticDir != "" {
		s.router.Handle("/*", spaHandler(s.deps.StaticDir))
	}
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "breedscope.http",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return !strings.HasPrefix(r.URL.Path, "/health/") && r.URL.Path != "/metrics"
		}),
	)
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Progress streams end with ctx; Shutdown alone would wait on them.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("Shutting down HTTP server")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	status, code := s.deps.Health.SimpleHealthCheck(r.Context())
	w.WriteHeader(code)
	w.Write([]byte(status))
}

func (s *Server) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	report := s.deps.Health.CheckHealth(r.Context())

	statusCode := http.StatusOK
	if report.Status == services.HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, report)
}

// requestLogger tags the request context with chi's request id.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(logger.WithRequestID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// spaHandler serves files from dir and falls back to index.html for unknown paths.
func spaHandler(dir string) http.Handler {
	fs := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			writeError(w, http.StatusNotFound, "Not found")
			return
		}
		path := filepath.Join(dir, filepath.FromSlash(filepath.Clean("/"+r.URL.Path)))
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			fs.ServeHTTP(w, r)
			return
		}
		http.ServeFile(w, r, filepath.Join(dir, "index.html"))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
