// Package server provides the HTTP server and handlers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bryan-buckman/curator/internal/classify"
	"github.com/bryan-buckman/curator/internal/database"
	"github.com/bryan-buckman/curator/internal/model"
	"github.com/bryan-buckman/curator/internal/rss"
	"github.com/bryan-buckman/curator/internal/sidetable"
	"github.com/bryan-buckman/curator/internal/state"
)

// Generator drafts and refines LinkedIn posts.
type Generator interface {
	GeneratePost(ctx context.Context, title, content string, settings model.OllamaSettings, params model.PostParams) (string, error)
	Chat(ctx context.Context, message, post string, settings model.OllamaSettings) (string, error)
}

// Deps are the collaborators the server calls into.
type Deps struct {
	State      *state.State
	Fetcher    *rss.Fetcher
	Poller     *rss.Poller
	Classifier classify.Classifier
	Generator  Generator
	Job        *classify.Job
	Logger     *slog.Logger
}

// Server is the main HTTP server.
type Server struct {
	state      *state.State
	fetcher    *rss.Fetcher
	poller     *rss.Poller
	classifier classify.Classifier
	generator  Generator
	job        *classify.Job
	logger     *slog.Logger
	router     chi.Router
	http       *http.Server
	now        func() time.Time
}

// New creates a new server.
func New(d Deps) *Server {
	s := &Server{
		state:      d.State,
		fetcher:    d.Fetcher,
		poller:     d.Poller,
		classifier: d.Classifier,
		generator:  d.Generator,
		job:        d.Job,
		logger:     d.Logger,
		now:        time.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Route("/api", func(r chi.Router) {
		r.Get("/collections", s.handleListCollections)
		r.Post("/collections", s.handleAddCollection)
		r.Patch("/collections/{id}", s.handleUpdateCollection)
		r.Delete("/collections/{id}", s.handleDeleteCollection)

		r.Get("/feeds", s.handleListFeeds)
		r.Post("/feeds", s.handleAddFeed)
		r.Delete("/feeds/{id}", s.handleDeleteFeed)

		r.Get("/articles", s.handleListArticles)
		r.Post("/articles", s.handleCreateArticle)
		r.Delete("/articles/{id}", s.handleDeleteArticle)
		r.Post("/articles/{id}/read", s.handleToggleRead)
		r.Post("/articles/{id}/favorite", s.handleToggleFavorite)
		r.Post("/articles/{id}/analyze", s.handleAnalyze)
		r.Get("/articles/{id}/posts", s.handleListPosts)
		r.Post("/articles/{id}/posts", s.handleGeneratePost)

		r.Get("/posts/{id}/chat", s.handleGetChat)
		r.Post("/posts/{id}/chat", s.handleChat)

		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handleSaveSettings)

		r.Post("/refresh", s.handleRefresh)
		r.Get("/classify", s.handleClassifyStatus)
		r.Post("/classify", s.handleClassify)
		r.Get("/dashboard", s.handleDashboard)

		r.Post("/import-opml", s.handleImportOPML)
		r.Get("/export-opml", s.handleExportOPML)
	})

	s.router = r
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the poller, if any, and serves until Shutdown.
func (s *Server) Start(addr string) error {
	if s.poller != nil {
		if err := s.poller.Start(); err != nil {
			return err
		}
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("server starting", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, then stops the poller and waits for a
// running classification.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}
	if s.poller != nil {
		s.poller.Stop()
	}
	if s.job != nil {
		s.job.Wait()
	}
	return err
}

// --- Helpers ---

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, database.ErrNotFound),
		errors.Is(err, state.ErrUnknownArticle),
		errors.Is(err, state.ErrUnknownFeed):
		return http.StatusNotFound
	case errors.Is(err, state.ErrNotUserArticle):
		return http.StatusForbidden
	case errors.Is(err, classify.ErrRunning):
		return http.StatusConflict
	case errors.Is(err, state.ErrUnknownCollection),
		errors.Is(err, sidetable.ErrEmptyLink),
		errors.Is(err, rss.ErrFeedStatus),
		errors.Is(err, errBadRequest):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

var errBadRequest = errors.New("invalid request")

func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

// pathID returns the {id} URL parameter. Article ids embed URLs, so clients
// percent-encode them.
func pathID(r *http.Request) string {
	raw := chi.URLParam(r, "id")
	if id, err := url.PathUnescape(raw); err == nil {
		return id
	}
	return raw
}
