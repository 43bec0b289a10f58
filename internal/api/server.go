// Package api exposes the HTTP interface for the ingest service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/feedmill/ingestd/internal/config"
	"github.com/feedmill/ingestd/internal/dispatcher"
	"github.com/feedmill/ingestd/internal/ingest"
	"github.com/feedmill/ingestd/internal/metrics"
	"github.com/feedmill/ingestd/internal/scheduler"
)

const defaultPageSize = 50

// Server wires HTTP handlers to the dispatcher, scheduler and store.
type Server struct {
	router     chi.Router
	store      ingest.DocumentStore
	dispatcher *dispatcher.Dispatcher
	scheduler  *scheduler.Service
	idGen      ingest.IDGenerator
	clock      ingest.Clock
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store ingest.DocumentStore,
	dispatcher *dispatcher.Dispatcher,
	scheduler *scheduler.Service,
	idGen ingest.IDGenerator,
	clock ingest.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		store:      store,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		idGen:      idGen,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/workspaces/{workspace_id}", func(r chi.Router) {
			r.Route("/documents", func(r chi.Router) {
				r.Post("/website", s.submitWebsite)
				r.Get("/", s.listDocuments)
				r.Get("/{document_id}", s.getDocument)
			})
			r.Route("/rss", func(r chi.Router) {
				r.Post("/", s.subscribeFeed)
				r.Get("/", s.listSubscriptions)
				r.Route("/{subscription_id}", func(r chi.Router) {
					r.Get("/", s.getSubscription)
					r.Get("/posts", s.listSubscriptionPosts)
					r.Post("/enable", s.enableSubscription)
					r.Post("/disable", s.disableSubscription)
					r.Delete("/", s.deleteSubscription)
				})
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type websiteRequest struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Limit       *int   `json:"limit"`
	FollowLinks *bool  `json:"follow_links"`
}

func (s *Server) submitWebsite(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspace_id")
	var req websiteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := validateWebsiteURL(req.URL); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := valueOrDefault(req.Limit, s.cfg.Crawler.DefaultLimit)
	if limit <= 0 {
		s.writeError(w, http.StatusBadRequest, "limit must be > 0")
		return
	}

	documentID, err := s.idGen.NewID()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "generate document id")
		return
	}
	now := s.clock.Now()
	doc := ingest.Document{
		WorkspaceID: workspaceID,
		DocumentID:  documentID,
		Type:        ingest.TypeWebsite,
		Path:        req.URL,
		Title:       req.Title,
		Status:      ingest.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Put(r.Context(), doc); err != nil {
		s.writeError(w, http.StatusInternalServerError, "persist document")
		return
	}
	metrics.ObserveDocumentCreated(string(ingest.TypeWebsite))

	sub := ingest.Submission{
		WorkspaceID: workspaceID,
		DocumentID:  documentID,
		Submitted:   now.Unix(),
		Context: ingest.CrawlContext{
			WorkspaceID: workspaceID,
			DocumentID:  documentID,
			Frontier:    []string{req.URL},
			Limit:       limit,
			FollowLinks: boolOrDefault(req.FollowLinks, true),
		},
	}
	submitCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.dispatcher.Submit(submitCtx, sub); err != nil {
		s.writeSubmissionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"workspace_id": workspaceID,
		"document_id":  documentID,
		"status":       string(ingest.StatusPending),
	})
}

func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspace_id")
	docType := ingest.DocumentType(r.URL.Query().Get("type"))
	if docType == "" {
		s.writeError(w, http.StatusBadRequest, "type query parameter required")
		return
	}
	cursor := r.URL.Query().Get("last_document_id")
	page, err := s.store.ListByType(r.Context(), workspaceID, docType, cursor, defaultPageSize)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspace_id")
	documentID := chi.URLParam(r, "document_id")
	doc, err := s.store.Get(r.Context(), workspaceID, documentID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, doc)
}

type subscribeRequest struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

func (s *Server) subscribeFeed(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspace_id")
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	subscriptionID, err := s.scheduler.Subscribe(r.Context(), workspaceID, req.URL, req.Title)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{
		"workspace_id":    workspaceID,
		"subscription_id": subscriptionID,
		"status":          string(ingest.StatusEnabled),
	})
}

func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspace_id")
	page, err := s.scheduler.List(r.Context(), workspaceID, r.URL.Query().Get("last_document_id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Server) getSubscription(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspace_id")
	subscriptionID := chi.URLParam(r, "subscription_id")
	doc, err := s.scheduler.Get(r.Context(), workspaceID, subscriptionID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, doc)
}

func (s *Server) listSubscriptionPosts(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspace_id")
	subscriptionID := chi.URLParam(r, "subscription_id")
	page, err := s.scheduler.ListPosts(r.Context(), workspaceID, subscriptionID, r.URL.Query().Get("last_document_id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Server) enableSubscription(w http.ResponseWriter, r *http.Request) {
	s.toggleSubscription(w, r, s.scheduler.Enable, ingest.StatusEnabled)
}

func (s *Server) disableSubscription(w http.ResponseWriter, r *http.Request) {
	s.toggleSubscription(w, r, s.scheduler.Disable, ingest.StatusDisabled)
}

func (s *Server) toggleSubscription(
	w http.ResponseWriter,
	r *http.Request,
	op func(context.Context, string, string) error,
	status ingest.DocumentStatus,
) {
	workspaceID := chi.URLParam(r, "workspace_id")
	subscriptionID := chi.URLParam(r, "subscription_id")
	if err := op(r.Context(), workspaceID, subscriptionID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"subscription_id": subscriptionID,
		"status":          string(status),
	})
}

func (s *Server) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspace_id")
	subscriptionID := chi.URLParam(r, "subscription_id")
	if err := s.scheduler.Delete(r.Context(), workspaceID, subscriptionID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeSubmissionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ingest.ErrAlreadyRunning):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusRequestTimeout, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ingest.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ingest.ErrInvalidInput):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ingest.ErrAlreadyRunning):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func validateWebsiteURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("url required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid url %q: http or https with a host required", raw)
	}
	return nil
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func boolOrDefault(ptr *bool, def bool) bool {
	if ptr == nil {
		return def
	}
	return *ptr
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			duration := time.Since(start)
			metrics.ObserveHTTPRequest(r.Method, routePattern(r), ww.status, duration)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", duration.Milliseconds()),
			)
		})
	}
}

// routePattern returns the chi route template so metric labels stay bounded.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":"internal server error"}`))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}
