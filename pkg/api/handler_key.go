package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/agentlens/agentlens/pkg/models"
)

// createKeyHandler handles POST /api/keys. The raw key appears only in this
// response; the tenant defaults to the caller's own.
func (s *Server) createKeyHandler(c *echo.Context) error {
	var req models.CreateAPIKeyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	tenant := req.TenantID
	if tenant == "" {
		tenant = tenantOf(c)
	}

	created, err := s.keys.Create(c.Request().Context(), tenant, &req)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, created)
}

// listKeysHandler handles GET /api/keys.
func (s *Server) listKeysHandler(c *echo.Context) error {
	keys, err := s.keys.List(c.Request().Context(), tenantOf(c))
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, keys)
}

// revokeKeyHandler handles DELETE /api/keys/:id.
func (s *Server) revokeKeyHandler(c *echo.Context) error {
	if err := s.keys.Revoke(c.Request().Context(), tenantOf(c), c.Param("id")); err != nil {
		return httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
