// Package server provides the HTTP API.
package server

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/feedvault/feedvault/internal/apperr"
	"github.com/feedvault/feedvault/internal/auth"
	"github.com/feedvault/feedvault/internal/database"
	"github.com/feedvault/feedvault/internal/fulltext"
	syncer "github.com/feedvault/feedvault/internal/sync"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server is the main HTTP server.
type Server struct {
	store     database.Store
	auth      *auth.Service
	syncer    *syncer.Syncer
	extractor *fulltext.Extractor
	router    chi.Router

	proxyClient *http.Client
}

// New creates a new server.
func New(store database.Store, authSvc *auth.Service, sync *syncer.Syncer, fetchTimeout time.Duration) *Server {
	if fetchTimeout <= 0 {
		fetchTimeout = 20 * time.Second
	}
	s := &Server{
		store:       store,
		auth:        authSvc,
		syncer:      sync,
		extractor:   fulltext.NewExtractor(fetchTimeout),
		proxyClient: &http.Client{Timeout: fetchTimeout},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Get("/proxy", s.handleProxy)

	r.Route("/api", func(r chi.Router) {
		// Public: account creation, login, and catalog browsing.
		r.Post("/auth/signup", s.handleSignUp)
		r.Post("/auth/signin", s.handleSignIn)
		r.Get("/catalog", s.handleCatalog)
		r.Get("/catalog/{entryID}", s.handleCatalogEntry)

		// Everything else needs a session.
		r.Group(func(r chi.Router) {
			r.Use(s.auth.RequireUser)

			r.Post("/auth/signout", s.handleSignOut)
			r.Get("/auth/me", s.handleMe)
			r.Put("/auth/profile", s.handleUpdateProfile)
			r.Put("/auth/password", s.handleChangePassword)

			r.Get("/folders", s.handleGetFolders)
			r.Post("/folders", s.handleCreateFolder)
			r.Put("/folders/{folderID}", s.handleRenameFolder)
			r.Delete("/folders/{folderID}", s.handleDeleteFolder)

			r.Get("/feeds", s.handleGetFeeds)
			r.Post("/feeds", s.handleCreateFeed)
			r.Get("/feeds/{feedID}", s.handleGetFeed)
			r.Patch("/feeds/{feedID}", s.handleUpdateFeed)
			r.Delete("/feeds/{feedID}", s.handleDeleteFeed)
			r.Post("/feeds/{feedID}/refresh", s.handleRefreshFeed)
			r.Put("/feeds/{feedID}/subscription", s.handleUpdateSubscription)
			r.Post("/refresh", s.handleRefreshAll)

			r.Get("/articles", s.handleGetArticles)
			r.Get("/articles/{articleID}", s.handleGetArticle)
			r.Get("/articles/{articleID}/fulltext", s.handleFullText)
			r.Post("/articles/{articleID}/read", s.handleMarkRead)
			r.Post("/articles/read", s.handleMarkAllRead)
			r.Put("/articles/{articleID}/bookmark", s.handleSetBookmark)

			r.Post("/catalog/{entryID}/subscribe", s.handleCatalogSubscribe)

			r.Get("/settings", s.handleGetSettings)
			r.Post("/settings", s.handleSaveSettings)
			r.Post("/cleanup", s.handleCleanup)

			r.Post("/import-opml", s.handleImportOPML)
			r.Get("/export-opml", s.handleExportOPML)
		})
	})

	s.router = r
}

// Handler returns the root handler for mounting in an http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// --- Proxy ---

// handleProxy relays a remote URL for browser clients that cannot fetch
// cross-origin feeds directly.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	target, err := url.Parse(raw)
	if err != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		s.fail(w, apperr.New(apperr.Validation, "url must be an absolute http(s) URL"))
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target.String(), nil)
	if err != nil {
		s.fail(w, apperr.Wrap(apperr.Fetch, "build proxy request", err))
		return
	}
	resp, err := s.proxyClient.Do(req)
	if err != nil {
		s.fail(w, apperr.Wrap(apperr.Fetch, "fetch "+target.Host, err))
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Access-Control-Allow-Origin", "*")
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Printf("Proxy copy error for %s: %v", target.Host, err)
	}
}

// --- Helpers ---

func (s *Server) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Response encode error: %v", err)
	}
}

// fail maps the error's kind to an HTTP status and writes a JSON error body.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.Validation:
		status = http.StatusBadRequest
	case apperr.Auth:
		status = http.StatusUnauthorized
	case apperr.NotFound:
		status = http.StatusNotFound
	case apperr.Conflict:
		status = http.StatusConflict
	case apperr.Fetch:
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		log.Printf("Internal error: %v", err)
	}
	s.respond(w, status, map[string]string{"error": apperr.Message(err)})
}

// decode reads a JSON request body; failures come back as validation errors.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.New(apperr.Validation, "invalid request body")
	}
	return nil
}

func urlID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.New(apperr.Validation, "invalid "+name)
	}
	return id, nil
}
