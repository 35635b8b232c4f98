// Package api exposes the HTTP surface: ingest and query endpoints, session
// replay, analytics, guardrail management, API-key administration, the SSE
// stream and the operational probes.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/agentlens/agentlens/pkg/config"
	"github.com/agentlens/agentlens/pkg/events"
	"github.com/agentlens/agentlens/pkg/metrics"
	"github.com/agentlens/agentlens/pkg/services"
	"github.com/agentlens/agentlens/pkg/storage"
)

// Server is the HTTP front of the system. It owns no domain logic: every
// handler validates transport-level input and delegates to a service.
type Server struct {
	ingest     *services.IngestService
	query      *services.QueryService
	guardrails *services.GuardrailService
	keys       *services.KeyService
	bus        *events.Bus
	store      storage.Store
	metrics    *metrics.Metrics
	cfg        config.HTTPConfig
	auth       config.AuthConfig
	logger     *slog.Logger

	echo *echo.Echo
	http *http.Server
}

// NewServer assembles the router. Call Start to begin serving.
func NewServer(
	ingest *services.IngestService,
	query *services.QueryService,
	guardrails *services.GuardrailService,
	keys *services.KeyService,
	bus *events.Bus,
	store storage.Store,
	m *metrics.Metrics,
	cfg config.HTTPConfig,
	auth config.AuthConfig,
	logger *slog.Logger,
) *Server {
	s := &Server{
		ingest:     ingest,
		query:      query,
		guardrails: guardrails,
		keys:       keys,
		bus:        bus,
		store:      store,
		metrics:    m,
		cfg:        cfg,
		auth:       auth,
		logger:     logger.With("component", "api"),
	}

	e := echo.New()
	e.Use(securityHeaders())
	e.Use(s.requestLogger())

	// Unauthenticated operational endpoints.
	e.GET("/healthz", s.healthzHandler)
	e.GET("/readyz", s.readyzHandler)
	if m != nil {
		e.GET("/metrics", echo.WrapHandler(m.Handler()))
	}

	g := e.Group("/api", s.authenticate())

	g.POST("/events", s.ingestHandler, s.requireScope(scopeIngest))
	g.GET("/events", s.queryEventsHandler, s.requireScope(scopeRead))
	g.GET("/events/:id", s.getEventHandler, s.requireScope(scopeRead))

	g.GET("/sessions", s.listSessionsHandler, s.requireScope(scopeRead))
	g.GET("/sessions/:id", s.getSessionHandler, s.requireScope(scopeRead))
	g.GET("/sessions/:id/replay", s.replayHandler, s.requireScope(scopeRead))

	g.GET("/agents", s.listAgentsHandler, s.requireScope(scopeRead))
	g.GET("/agents/:id", s.getAgentHandler, s.requireScope(scopeRead))
	g.GET("/agents/:id/health", s.agentHealthHandler, s.requireScope(scopeRead))
	g.GET("/agents/:id/cost-optimization", s.agentCostOptimizationHandler, s.requireScope(scopeRead))

	g.POST("/guardrails", s.createGuardrailHandler, s.requireScope(scopeAdmin))
	g.GET("/guardrails", s.listGuardrailsHandler, s.requireScope(scopeRead))
	g.GET("/guardrails/history", s.guardrailHistoryHandler, s.requireScope(scopeRead))
	g.GET("/guardrails/:id", s.getGuardrailHandler, s.requireScope(scopeRead))
	g.PUT("/guardrails/:id", s.updateGuardrailHandler, s.requireScope(scopeAdmin))
	g.DELETE("/guardrails/:id", s.deleteGuardrailHandler, s.requireScope(scopeAdmin))
	g.GET("/guardrails/:id/status", s.guardrailStatusHandler, s.requireScope(scopeRead))

	g.GET("/stats", s.statsHandler, s.requireScope(scopeRead))
	g.GET("/stream", s.streamHandler, s.requireScope(scopeRead))

	g.POST("/keys", s.createKeyHandler, s.requireScope(scopeAdmin))
	g.GET("/keys", s.listKeysHandler, s.requireScope(scopeAdmin))
	g.DELETE("/keys/:id", s.revokeKeyHandler, s.requireScope(scopeAdmin))

	g.GET("/version", s.versionHandler)

	s.echo = e
	s.http = &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: e,
	}
	return s
}

// Start begins serving and blocks until the listener closes. A clean
// shutdown reports nil.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "port", s.cfg.Port)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the configured budget.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
