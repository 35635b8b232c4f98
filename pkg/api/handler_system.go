package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/agentlens/agentlens/pkg/version"
)

// HealthResponse is returned by the liveness and readiness probes.
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// VersionResponse is returned by GET /api/version.
type VersionResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Backend string `json:"backend"`
}

// healthzHandler handles GET /healthz.
func (s *Server) healthzHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// readyzHandler handles GET /readyz; readiness requires a reachable store.
func (s *Server) readyzHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := s.store.Admin().Ping(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Error: err.Error()})
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ready"})
}

// versionHandler handles GET /api/version.
func (s *Server) versionHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, VersionResponse{
		Name:    version.AppName,
		Version: version.GitCommit,
		Backend: string(s.store.Capabilities().Variant),
	})
}

// statsHandler handles GET /api/stats.
func (s *Server) statsHandler(c *echo.Context) error {
	stats, err := s.query.Stats(c.Request().Context(), tenantOf(c))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}
