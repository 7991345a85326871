// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mpkbot/account"
	"mpkbot/crawl"
	"mpkbot/metrics"
	"mpkbot/notify"
	"mpkbot/pkg/catalog"
)

// Crawler runs the listing crawl.
type Crawler interface {
	CrawlAll(ctx context.Context) []crawl.PartitionResult
}

// Notifier runs every subscription.
type Notifier interface {
	RunAll(ctx context.Context) ([]notify.Result, error)
}

// Courses answers course queries from the search index.
type Courses interface {
	Search(ctx context.Context, q catalog.Query) ([]catalog.CourseView, error)
	Lookup(ctx context.Context, id int64) (*catalog.CourseView, error)
}

// Accounts implements the per-user operations.
type Accounts interface {
	Register(ctx context.Context, userID, email string) (*catalog.User, error)
	AddSubscription(ctx context.Context, userID string, tokens []string) (*catalog.Subscription, error)
	Subscriptions(ctx context.Context, userID string) ([]*catalog.Subscription, error)
	DeleteSubscription(ctx context.Context, userID, subscriptionID string) error
	NotifiedCourses(ctx context.Context, userID string) ([]account.NotifiedCourse, error)
	DeleteAccount(ctx context.Context, userID string) error
}

// Server handles HTTP requests.
type Server struct {
	crawler      Crawler
	notifier     Notifier
	courses      Courses
	accounts     Accounts
	logger       *slog.Logger
	crawlTimeout time.Duration
	taskToken    string
	router       chi.Router
}

// Config holds server configuration.
type Config struct {
	Crawler      Crawler
	Notifier     Notifier
	Courses      Courses
	Accounts     Accounts
	Logger       *slog.Logger
	CrawlTimeout time.Duration // Budget of a triggered listing crawl
	TaskToken    string        // Required in TaskTokenHeader for /tasks; empty allows any caller
}

// TaskTokenHeader carries the shared secret of the scheduler calling /tasks.
const TaskTokenHeader = "X-Task-Token"

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	s := &Server{
		crawler:      cfg.Crawler,
		notifier:     cfg.Notifier,
		courses:      cfg.Courses,
		accounts:     cfg.Accounts,
		logger:       cfg.Logger,
		crawlTimeout: cfg.CrawlTimeout,
		taskToken:    cfg.TaskToken,
	}
	if s.crawlTimeout <= 0 {
		s.crawlTimeout = 10 * time.Minute
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/tasks", func(r chi.Router) {
		r.Use(s.requireTaskToken)
		r.Post("/crawl", s.handleCrawl)
		r.Post("/notify", s.handleNotify)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/courses", s.handleSearch)
		r.Get("/courses/{id}", s.handleCourse)

		r.Route("/me", func(r chi.Router) {
			r.Use(s.authenticate)
			r.Delete("/", s.handleDeleteAccount)
			r.Get("/subscriptions", s.handleListSubscriptions)
			r.Post("/subscriptions", s.handleAddSubscription)
			r.Delete("/subscriptions/{id}", s.handleDeleteSubscription)
			r.Get("/notifications", s.handleNotifications)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on port until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      s.crawlTimeout + 30*time.Second, // Triggered crawls answer after the run
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("serve http: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleCrawl(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Crawl endpoint triggered")

	ctx, cancel := context.WithTimeout(r.Context(), s.crawlTimeout)
	defer cancel()

	results := s.crawler.CrawlAll(ctx)
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "completed", "partitions": results})
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Notify endpoint triggered")

	results, err := s.notifier.RunAll(r.Context())
	if err != nil {
		s.logger.Error("Notification run failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "notification run failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "completed", "subscriptions": results})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := catalog.ParseQuery(queryTokens(r))
	if q.Empty() {
		s.writeError(w, http.StatusBadRequest, "q is required")
		return
	}

	views, err := s.courses.Search(r.Context(), q)
	if err != nil {
		s.logger.Error("Course search failed", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "course index unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCourse(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid course id")
		return
	}

	view, err := s.courses.Lookup(r.Context(), id)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "course not found")
	case err != nil:
		s.logger.Error("Course lookup failed", "course_id", id, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "course index unavailable")
	default:
		s.writeJSON(w, http.StatusOK, view)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// requireTaskToken rejects task triggers without the configured token.
func (s *Server) requireTaskToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.taskToken != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(TaskTokenHeader)), []byte(s.taskToken)) != 1 {
			s.logger.Warn("Rejected task trigger without a valid token", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			s.writeError(w, http.StatusUnauthorized, "invalid task token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
