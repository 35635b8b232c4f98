package api

import (
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/agentlens/agentlens/pkg/models"
)

// SessionCountResponse is returned by GET /api/sessions?countOnly=true.
type SessionCountResponse struct {
	Count int `json:"count"`
}

// listSessionsHandler handles GET /api/sessions.
func (s *Server) listSessionsHandler(c *echo.Context) error {
	filter := models.SessionFilter{
		AgentID: c.QueryParam("agentId"),
		Status:  models.SessionStatus(c.QueryParam("status")),
	}
	if v := c.QueryParam("tags"); v != "" {
		filter.Tags = strings.Split(v, ",")
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

	if c.QueryParam("countOnly") == "true" {
		count, err := s.query.CountSessions(c.Request().Context(), tenantOf(c), filter)
		if err != nil {
			return httpError(c, err)
		}
		return c.JSON(http.StatusOK, SessionCountResponse{Count: count})
	}

	page, err := s.query.ListSessions(c.Request().Context(), tenantOf(c), filter)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, page)
}

// getSessionHandler handles GET /api/sessions/:id.
func (s *Server) getSessionHandler(c *echo.Context) error {
	session, err := s.query.GetSession(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, session)
}

// replayHandler handles GET /api/sessions/:id/replay.
func (s *Server) replayHandler(c *echo.Context) error {
	req := models.ReplayRequest{
		SessionID:      c.Param("id"),
		IncludeContext: c.QueryParam("includeContext") == "true",
	}
	if v := c.QueryParam("eventTypes"); v != "" {
		for _, t := range strings.Split(v, ",") {
			req.EventTypes = append(req.EventTypes, models.EventType(t))
		}
	}

	var err error
	if req.Offset, err = parseIntParam(c, "offset"); err != nil {
		return err
	}
	if req.Limit, err = parseIntParam(c, "limit"); err != nil {
		return err
	}

	result, err := s.query.Replay(c.Request().Context(), tenantOf(c), req)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}
