// Package server exposes the HTTP surface: the browser-extension endpoints,
// an OpenAI-compatible facade, SSE streaming, and operational views.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/finscope/finscope/pkg/config"
	"github.com/finscope/finscope/pkg/guards"
	"github.com/finscope/finscope/pkg/llms"
	"github.com/finscope/finscope/pkg/observability"
	"github.com/finscope/finscope/pkg/planner"
	"github.com/finscope/finscope/pkg/prompt"
	"github.com/finscope/finscope/pkg/ratelimit"
	"github.com/finscope/finscope/pkg/session"
	"github.com/finscope/finscope/pkg/tools"
)

// Deps are the shared components the handlers operate on. All of them are
// safe for concurrent use.
type Deps struct {
	Config    *config.Config
	Sessions  session.Store
	Models    *llms.Registry
	Tools     *tools.Registry
	Planner   *planner.Planner
	Assembler *prompt.Assembler
	Watcher   *guards.MemWatcher
	Version   string
}

type Server struct {
	cfg       *config.Config
	sessions  session.Store
	models    *llms.Registry
	tools     *tools.Registry
	planner   *planner.Planner
	assembler *prompt.Assembler
	watcher   *guards.MemWatcher
	limiter   *ratelimit.Limiter
	version   string

	// Preferred source hosts pushed by the extension, newest-sync wins.
	prefMu    sync.Mutex
	preferred []string

	// Heap baseline for the debug diff view, nil until a snapshot is taken.
	debugMu    sync.Mutex
	heapBase   map[string]int64
	heapBaseAt time.Time

	httpServer *http.Server
}

func New(deps Deps) (*Server, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}

	limit, window, err := config.ParseRate(deps.Config.Server.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid rate limit: %w", err)
	}

	s := &Server{
		cfg:       deps.Config,
		sessions:  deps.Sessions,
		models:    deps.Models,
		tools:     deps.Tools,
		planner:   deps.Planner,
		assembler: deps.Assembler,
		watcher:   deps.Watcher,
		limiter:   ratelimit.New(limit, window),
		version:   deps.Version,
	}
	if s.watcher == nil {
		g := deps.Config.Guards
		s.watcher = guards.NewMemWatcher(g.WindowSize, g.CheckInterval,
			g.SlopeThresholdMB, g.SoftLimitMB, nil, nil)
	}

	s.httpServer = &http.Server{
		Addr:              deps.Config.ListenAddr(),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Routes builds the full router. Exposed for tests.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(correlationMiddleware)
	r.Use(recoveryMiddleware)
	r.Use(s.loggingMiddleware)

	// Unauthenticated operational surface.
	r.Get("/health/", s.handleHealth)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/debug/memory", s.debugRoutes)

	// Everything else sits behind auth and the per-client limit.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.rateLimitMiddleware)

		r.HandleFunc("/get_chat_response/", s.handleChat(false, false))
		r.HandleFunc("/get_chat_response_stream/", s.handleChat(false, true))
		r.HandleFunc("/get_adv_response/", s.handleChat(true, false))
		r.HandleFunc("/get_adv_response_stream/", s.handleChat(true, true))

		r.Post("/input_webtext/", s.handleInputWebtext)
		r.Post("/clear_messages/", s.handleClearMessages)
		r.Get("/get_source_urls/", s.handleSourceURLs)
		r.Get("/api/get_memory_stats/", s.handleMemoryStats)
		r.Get("/api/get_available_models/", s.handleAvailableModels)
		r.Get("/api/get_preferred_urls/", s.handleGetPreferredURLs)
		r.Post("/api/add_preferred_urls/", s.handleAddPreferredURLs)
		r.Post("/api/sync_preferred_urls/", s.handleSyncPreferredURLs)

		r.Get("/v1/models", s.handleOpenAIModels)
		r.Post("/v1/chat/completions", s.handleOpenAICompletions)
	})

	return r
}

// Start serves until the context is canceled, then drains connections for
// at most the configured shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go s.refreshSessionGauge(ctx)
	s.limiter.StartSweeper(ctx)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	slog.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(shutdownCtx)
}

// refreshSessionGauge keeps the active-session gauge roughly current.
func (s *Server) refreshSessionGauge(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.sessions.Count(ctx); err == nil {
				observability.ActiveSessions.Set(float64(n))
			}
		}
	}
}
