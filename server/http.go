// Package server exposes the bundle engine over HTTP: provisioning,
// page and image access, update checks, and status.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	bundlecache "github.com/wolfeidau/bundle-cache"
	"github.com/wolfeidau/bundle-cache/content"
	"github.com/wolfeidau/bundle-cache/provision"
	"github.com/wolfeidau/bundle-cache/registry"
	"github.com/wolfeidau/bundle-cache/settings"
	"github.com/wolfeidau/bundle-cache/telemetry"
	"github.com/wolfeidau/bundle-cache/updates"
	"github.com/wolfeidau/bundle-cache/upstream"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// InstallRoot is the root path for local bundle storage.
	InstallRoot string

	// ArchiveBaseURL is the upstream archive endpoint base URL.
	ArchiveBaseURL string

	// CommitsBaseURL is the change-count endpoint base URL.
	CommitsBaseURL string

	// CommitsSuffix joins the language segment to the since parameter.
	CommitsSuffix string

	// Settings is the application's key-value settings store. Optional;
	// when set, languages with downloads disabled are refused.
	Settings *settings.Store

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP surface of the bundle engine.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	registry *registry.Registry
	accessor *content.Accessor
	oracle   *updates.Oracle
	settings *settings.Store
}

// New creates a server and wires the engine components.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.InstallRoot == "" {
		cfg.InstallRoot = "./data"
	}

	clientOpts := []upstream.Option{}
	if cfg.ArchiveBaseURL != "" {
		clientOpts = append(clientOpts, upstream.WithArchiveBaseURL(cfg.ArchiveBaseURL))
	}
	if cfg.CommitsBaseURL != "" {
		suffix := cfg.CommitsSuffix
		if suffix == "" {
			suffix = upstream.DefaultCommitsSuffix
		}
		clientOpts = append(clientOpts, upstream.WithCommitsURL(cfg.CommitsBaseURL, suffix))
	}
	client := upstream.NewClient(clientOpts...)

	prov := provision.New(client, provision.Config{
		InstallRoot: cfg.InstallRoot,
		Logger:      cfg.Logger.With("component", "provision"),
	})

	reg := registry.New(prov,
		registry.WithLogger(cfg.Logger.With("component", "registry")),
	)

	s := &Server{
		config:   cfg,
		logger:   cfg.Logger,
		registry: reg,
		accessor: content.New(reg, content.WithLogger(cfg.Logger.With("component", "content"))),
		oracle:   updates.New(reg, client, updates.WithLogger(cfg.Logger.With("component", "updates"))),
		settings: cfg.Settings,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // Long timeout for large archive downloads
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Registry exposes the registry for embedding applications.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Oracle exposes the update oracle for embedding applications.
func (s *Server) Oracle() *updates.Oracle {
	return s.oracle
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/status", s.handleStatus)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("PUT /v1/languages/{lang}", s.handleProvision)
	mux.HandleFunc("DELETE /v1/languages/{lang}", s.handleClear)
	mux.HandleFunc("POST /v1/languages/{lang}/check", s.handleCheck)
	mux.HandleFunc("GET /v1/languages/{lang}/pages", s.handleListPages)
	mux.HandleFunc("GET /v1/languages/{lang}/pages/{page}", s.handlePage)
	mux.HandleFunc("GET /v1/languages/{lang}/images/{image}", s.handleImage)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// languageStatus is the per-language element of the status response.
type languageStatus struct {
	Lang             string    `json:"lang"`
	Pages            int       `json:"pages"`
	Images           int       `json:"images"`
	SizeKB           int64     `json:"size_kb"`
	ProvisionedAt    time.Time `json:"provisioned_at"`
	UpdatesAvailable bool      `json:"updates_available"`
	LastChecked      time.Time `json:"last_checked"`
}

// handleStatus reports the installed languages and freshness summary.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "status")

	langs := s.registry.Languages()
	statuses := make([]languageStatus, 0, len(langs))
	for _, lang := range langs {
		b := s.registry.Get(lang)
		st, _ := s.registry.Status(lang)
		statuses = append(statuses, languageStatus{
			Lang:             lang,
			Pages:            len(b.Entries),
			Images:           len(b.Images),
			SizeKB:           b.SizeKB,
			ProvisionedAt:    b.ProvisionedAt,
			UpdatesAvailable: st.UpdatesAvailable,
			LastChecked:      st.LastChecked,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"updates_available":   s.registry.UpdatesAvailable(),
		"oldest_last_checked": s.registry.OldestLastChecked(),
		"languages":           statuses,
	})
}

// handleProvision makes a language available, downloading it if needed.
func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	lang := r.PathValue("lang")
	telemetry.SetEndpoint(r, "provision")
	telemetry.SetLang(r, lang)

	if s.settings != nil && !s.settings.DownloadEnabled(lang) {
		writeError(w, http.StatusForbidden, fmt.Sprintf("downloads disabled for language %s", lang))
		return
	}

	start := time.Now()
	b, err := s.registry.Ensure(r.Context(), lang, func(p upstream.Progress) {
		if p.Done {
			s.logger.Debug("download complete", "lang", lang, "bytes", p.Bytes)
		}
	})
	if err != nil {
		telemetry.RecordProvision(r.Context(), lang, "error", time.Since(start), 0)
		s.writeEngineError(w, r, err)
		return
	}
	telemetry.RecordProvision(r.Context(), lang, "ok", time.Since(start), b.SizeKB*1000)

	writeJSON(w, http.StatusOK, map[string]any{
		"lang":           b.Lang,
		"pages":          len(b.Entries),
		"images":         len(b.Images),
		"size_kb":        b.SizeKB,
		"provisioned_at": b.ProvisionedAt,
		"generation":     b.Generation.String(),
	})
}

// handleClear resets a language to the sentinel state and deletes its
// storage.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	lang := r.PathValue("lang")
	telemetry.SetEndpoint(r, "clear")
	telemetry.SetLang(r, lang)

	if err := s.registry.Clear(lang); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCheck runs an update check for a language.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	lang := r.PathValue("lang")
	telemetry.SetEndpoint(r, "check")
	telemetry.SetLang(r, lang)

	count, err := s.oracle.CheckForUpdates(r.Context(), lang)
	if err != nil {
		telemetry.RecordUpdateCheck(r.Context(), lang, "error", count)
		s.writeEngineError(w, r, err)
		return
	}
	telemetry.RecordUpdateCheck(r.Context(), lang, "ok", count)

	st, _ := s.registry.Status(lang)
	writeJSON(w, http.StatusOK, map[string]any{
		"changes":           count,
		"updates_available": st.UpdatesAvailable,
		"last_checked":      st.LastChecked,
	})
}

// handleListPages returns the menu ordering of a language.
func (s *Server) handleListPages(w http.ResponseWriter, r *http.Request) {
	lang := r.PathValue("lang")
	telemetry.SetEndpoint(r, "pages")
	telemetry.SetLang(r, lang)

	b := s.registry.Get(lang)
	if !b.IsProvisioned() {
		s.writeEngineError(w, r, fmt.Errorf("listing pages for %s: %w", lang, bundlecache.ErrLanguageUnavailable))
		return
	}

	titles := b.OrderedTitles()
	pages := make([]map[string]string, 0, len(titles))
	for _, t := range titles {
		pages = append(pages, map[string]string{"page": t.Page, "title": t.Title})
	}
	writeJSON(w, http.StatusOK, map[string]any{"pages": pages})
}

// handlePage serves a page's inlined HTML.
func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	lang := r.PathValue("lang")
	page := r.PathValue("page")
	telemetry.SetEndpoint(r, "page")
	telemetry.SetLang(r, lang)

	html, err := s.accessor.GetPage(lang, page)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(html))
}

// handleImage serves an image's raw bytes.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	lang := r.PathValue("lang")
	image := r.PathValue("image")
	telemetry.SetEndpoint(r, "image")
	telemetry.SetLang(r, lang)

	encoded, err := s.accessor.GetImage(lang, image)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "corrupt image cache entry")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(raw)
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, bundlecache.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, bundlecache.ErrLanguageUnavailable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, bundlecache.ErrTransport):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, err.Error())
	default:
		s.logger.Error("internal error", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set cache_result, lang, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Lang != "" {
			attrs = append(attrs, "lang", tags.Lang)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// Handler returns the server's root handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
