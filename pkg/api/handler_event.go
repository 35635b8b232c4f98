package api

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/agentlens/agentlens/pkg/models"
)

// IngestRequest is the body of POST /api/events.
type IngestRequest struct {
	Events []*models.Event `json:"events"`
}

// IngestResponse acknowledges an accepted batch with the ids in batch order.
type IngestResponse struct {
	IDs []string `json:"ids"`
}

// ingestHandler handles POST /api/events.
func (s *Server) ingestHandler(c *echo.Context) error {
	var req IngestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ids, err := s.ingest.Ingest(c.Request().Context(), tenantOf(c), req.Events)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusAccepted, IngestResponse{IDs: ids})
}

// queryEventsHandler handles GET /api/events.
func (s *Server) queryEventsHandler(c *echo.Context) error {
	filter := models.EventFilter{
		EventType: models.EventType(c.QueryParam("eventType")),
		SessionID: c.QueryParam("sessionId"),
		AgentID:   c.QueryParam("agentId"),
		Severity:  models.Severity(c.QueryParam("severity")),
		Order:     models.EventOrder(c.QueryParam("order")),
	}
	if filter.Severity != "" && !filter.Severity.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid severity: "+string(filter.Severity))
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

	page, err := s.query.QueryEvents(c.Request().Context(), tenantOf(c), filter)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, page)
}

// getEventHandler handles GET /api/events/:id.
func (s *Server) getEventHandler(c *echo.Context) error {
	event, err := s.query.GetEvent(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, event)
}

// parseTimeParam parses an optional RFC3339 query parameter.
func parseTimeParam(c *echo.Context, name string) (*time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name+": must be RFC3339")
	}
	return &t, nil
}

// parseIntParam parses an optional non-negative integer query parameter.
func parseIntParam(c *echo.Context, name string) (int, error) {
	v := c.QueryParam(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name+": must be a non-negative integer")
	}
	return n, nil
}
