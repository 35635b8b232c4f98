package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// listAgentsHandler handles GET /api/agents.
func (s *Server) listAgentsHandler(c *echo.Context) error {
	agents, err := s.query.ListAgents(c.Request().Context(), tenantOf(c))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, agents)
}

// getAgentHandler handles GET /api/agents/:id.
func (s *Server) getAgentHandler(c *echo.Context) error {
	agent, err := s.query.GetAgent(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, agent)
}

// agentHealthHandler handles GET /api/agents/:id/health.
func (s *Server) agentHealthHandler(c *echo.Context) error {
	windowDays, err := parseIntParam(c, "windowDays")
	if err != nil {
		return err
	}

	score, err := s.query.Health(c.Request().Context(), tenantOf(c), c.Param("id"), windowDays)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, score)
}

// agentCostOptimizationHandler handles GET /api/agents/:id/cost-optimization.
func (s *Server) agentCostOptimizationHandler(c *echo.Context) error {
	recs, err := s.query.CostOptimization(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, recs)
}
