// Package mockapi is a development stand-in for the study planner backend.
// It speaks the same HTTP protocol as the real server and replays scripted
// NDJSON responses.
package mockapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/studyplanner/internal/plan"
)

// Config holds mock server configuration.
type Config struct {
	Listen string
	// TokenDelay is the pause between stream lines.
	TokenDelay time.Duration
}

// sessionData is what the mock remembers per session.
type sessionData struct {
	tasks         []plan.Task
	feedback      []plan.Feedback
	professorType string
	textbook      *textbookInfo
}

type textbookInfo struct {
	Filename  string `json:"filename"`
	PageCount int    `json:"page_count"`
}

// Server represents the mock HTTP server.
type Server struct {
	config    Config
	library   *Library
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time

	mu       sync.Mutex
	sessions map[string]*sessionData
}

// New creates a new mock server instance.
func New(config Config, library *Library, logger *slog.Logger) *Server {
	if library == nil {
		library = DefaultLibrary()
	}
	return &Server{
		config:    config,
		library:   library,
		logger:    logger,
		startedAt: time.Now(),
		sessions:  map[string]*sessionData{},
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("mock backend starting", "listen", s.config.Listen, "scenarios", len(s.library.Scenarios))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("mock backend shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Post("/chat/stream", s.handleChatStream)
	r.Post("/tasks/update", s.handleTaskUpdate)
	r.Get("/sessions/{session_id}/professor-type", s.handleGetProfessorType)
	r.Post("/sessions/{session_id}/professor-type", s.handleSetProfessorType)
	r.Get("/data/textbook", s.handleGetTextbook)
	r.Post("/data/upload", s.handleUpload)

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// session returns the data for id, creating it on first use. Callers hold mu.
func (s *Server) session(id string) *sessionData {
	sd, ok := s.sessions[id]
	if !ok {
		sd = &sessionData{}
		s.sessions[id] = sd
	}
	return sd
}

// Tasks returns a copy of the tasks the mock holds for a session.
func (s *Server) Tasks(sessionID string) []plan.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	return append([]plan.Task(nil), sd.tasks...)
}
