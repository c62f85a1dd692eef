// Package server exposes the answer engine over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"orgbot/internal/config"
	"orgbot/internal/domain"
	"orgbot/internal/engine"
	"orgbot/internal/metrics"
)

const (
	maxBodySize           = 1 << 20 // 1MB
	sessionCookieName     = "orgbot_session"
	sessionMaxAge         = 86400 * 30 // 30 days
	defaultRequestTimeout = 90 * time.Second
	defaultScrapeWorkers  = 4
	maxScrapeURLs         = 50
)

// Server is the HTTP surface: chat, feedback, admin and scrape endpoints.
type Server struct {
	engine         *engine.Engine
	fetcher        domain.ContentProvider
	metrics        *metrics.Metrics
	logger         *slog.Logger
	addr           string
	adminToken     string
	metricsPath    string
	requestTimeout time.Duration
	cookieSecure   bool
	version        string
	started        time.Time

	cfgMu   sync.RWMutex
	cfg     *config.Config
	cfgPath string

	server *http.Server
}

type Config struct {
	Engine         *engine.Engine
	Fetcher        domain.ContentProvider // serves /scrape; needs AdminToken
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
	Addr           string
	AdminToken     string
	MetricsPath    string // "" disables the metrics endpoint
	RequestTimeout time.Duration
	CookieSecure   bool
	Version        string

	// AppConfig and ConfigPath back the admin config endpoints.
	AppConfig  *config.Config
	ConfigPath string
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return &Server{
		engine:         cfg.Engine,
		fetcher:        cfg.Fetcher,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		addr:           cfg.Addr,
		adminToken:     cfg.AdminToken,
		metricsPath:    cfg.MetricsPath,
		requestTimeout: cfg.RequestTimeout,
		cookieSecure:   cfg.CookieSecure,
		version:        cfg.Version,
		started:        time.Now(),
		cfg:            cfg.AppConfig,
		cfgPath:        cfg.ConfigPath,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(s.requestTimeout))

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil && s.metricsPath != "" {
		r.Method(http.MethodGet, s.metricsPath, s.metrics.Handler())
	}
	// Scraping makes the server fetch caller-chosen URLs, so it is only
	// offered behind an admin token.
	if s.fetcher != nil && s.adminToken != "" {
		r.With(s.requireAdmin).Post("/scrape", s.handleScrape)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", s.handleChat)
		r.Post("/feedback", s.handleFeedback)
		r.Post("/clear", s.handleClear)
		r.Get("/history", s.handleHistory)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/corpus/refresh", s.handleRefreshCorpus)
			r.Get("/keywords", s.handleGetKeywords)
			r.Put("/keywords", s.handleReplaceKeywords)
			r.Patch("/keywords", s.handleMergeKeywords)
			r.Get("/config", s.handleGetConfig)
			r.Put("/config", s.handleUpdateConfig)
			r.Post("/config/save", s.handleSaveConfig)
		})
	})
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      s.requestTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	s.logger.Info("http server started", "addr", "http://"+s.addr, "admin_auth", s.adminToken != "")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown", "err", err)
		}
	}()

	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// requestLogger logs one line per request with slog.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"took", time.Since(start),
			"request_id", chimiddleware.GetReqID(r.Context()),
		)
	})
}

// requireAdmin checks the bearer token when one is configured.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="orgbot"`)
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid admin token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an engine error to its HTTP status.
func statusFor(err error) int {
	switch domain.Kind(err) {
	case domain.KindInvalidInput:
		return http.StatusBadRequest
	case domain.KindContentUnavailable:
		if domain.IsTimeout(err) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case domain.KindCompletionUnavailable:
		if domain.IsTimeout(err) {
			return http.StatusGatewayTimeout
		}
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError renders err by kind. Internal errors are not echoed to clients.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	kind := domain.Kind(err)
	msg := err.Error()
	if kind == domain.KindInternal {
		s.logger.Error("request failed", "path", r.URL.Path, "err", err,
			"request_id", chimiddleware.GetReqID(r.Context()))
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg, Kind: string(kind)})
}

// decode reads a bounded JSON body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON: %w", domain.ErrInvalidInput, err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	docs := 0
	if ix := s.engine.Index(); ix != nil {
		docs = ix.Len()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"version":         s.version,
		"provider":        s.engine.ProviderName(),
		"index_documents": docs,
		"keywords":        s.engine.Keywords().Len(),
		"uptime":          time.Since(s.started).Round(time.Second).String(),
	})
}
