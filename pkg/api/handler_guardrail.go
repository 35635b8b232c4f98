package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/agentlens/agentlens/pkg/models"
)

// createGuardrailHandler handles POST /api/guardrails.
func (s *Server) createGuardrailHandler(c *echo.Context) error {
	var req models.CreateGuardrailRuleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	rule, err := s.guardrails.Create(c.Request().Context(), tenantOf(c), &req)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, rule)
}

// listGuardrailsHandler handles GET /api/guardrails.
func (s *Server) listGuardrailsHandler(c *echo.Context) error {
	rules, err := s.guardrails.List(c.Request().Context(), tenantOf(c), c.QueryParam("enabledOnly") == "true")
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, rules)
}

// getGuardrailHandler handles GET /api/guardrails/:id.
func (s *Server) getGuardrailHandler(c *echo.Context) error {
	rule, err := s.guardrails.Get(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, rule)
}

// updateGuardrailHandler handles PUT /api/guardrails/:id.
func (s *Server) updateGuardrailHandler(c *echo.Context) error {
	var req models.UpdateGuardrailRuleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	rule, err := s.guardrails.Update(c.Request().Context(), tenantOf(c), c.Param("id"), &req)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, rule)
}

// deleteGuardrailHandler handles DELETE /api/guardrails/:id.
func (s *Server) deleteGuardrailHandler(c *echo.Context) error {
	if err := s.guardrails.Delete(c.Request().Context(), tenantOf(c), c.Param("id")); err != nil {
		return httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// guardrailStatusHandler handles GET /api/guardrails/:id/status.
func (s *Server) guardrailStatusHandler(c *echo.Context) error {
	status, err := s.guardrails.Status(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

// guardrailHistoryHandler handles GET /api/guardrails/history.
func (s *Server) guardrailHistoryHandler(c *echo.Context) error {
	filter := models.TriggerHistoryFilter{
		RuleID:  c.QueryParam("ruleId"),
		AgentID: c.QueryParam("agentId"),
	}

	var err error
	if filter.From, err = parseTimeParam(c, "from"); err != nil {
		return err
	}
	if filter.To, err = parseTimeParam(c, "to"); err != nil {
		return err
	}
	if filter.Limit, err = parseIntParam(c, "limit"); err != nil {
		return err
	}
	if filter.Offset, err = parseIntParam(c, "offset"); err != nil {
		return err
	}

	records, err := s.guardrails.History(c.Request().Context(), tenantOf(c), filter)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, records)
}
