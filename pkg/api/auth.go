package api

import (
	"context"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/agentlens/agentlens/pkg/models"
	"github.com/agentlens/agentlens/pkg/storage"
)

// Scopes a route can require.
const (
	scopeIngest = models.ScopeIngest
	scopeRead   = models.ScopeRead
	scopeAdmin  = models.ScopeAdmin
)

type principalKey struct{}

// principal is the authenticated caller bound to the request context.
type principal struct {
	Tenant string
	Key    *models.APIKey // nil when auth is disabled
}

// HasScope reports whether the caller may use the scope. With auth disabled
// every scope is granted.
func (p principal) HasScope(scope string) bool {
	if p.Key == nil {
		return true
	}
	return p.Key.HasScope(scope)
}

// authenticate resolves the bearer key to a tenant-scoped principal. With
// auth disabled every request is bound to the default tenant.
func (s *Server) authenticate() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if s.auth.Disabled {
				bindPrincipal(c, principal{Tenant: storage.DefaultTenant})
				return next(c)
			}

			raw, ok := bearerToken(c.Request())
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			key, err := s.keys.Authenticate(c.Request().Context(), raw)
			if err != nil {
				return httpError(c, err)
			}
			bindPrincipal(c, principal{Tenant: key.TenantID, Key: key})
			return next(c)
		}
	}
}

// requireScope rejects callers whose key lacks the scope.
func (s *Server) requireScope(scope string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			p, ok := currentPrincipal(c)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			if !p.HasScope(scope) {
				return echo.NewHTTPError(http.StatusForbidden, "insufficient scope")
			}
			return next(c)
		}
	}
}

func bindPrincipal(c *echo.Context, p principal) {
	req := c.Request()
	c.SetRequest(req.WithContext(context.WithValue(req.Context(), principalKey{}, p)))
}

func currentPrincipal(c *echo.Context) (principal, bool) {
	p, ok := c.Request().Context().Value(principalKey{}).(principal)
	return p, ok
}

// tenantOf returns the caller's tenant; handlers behind authenticate() can
// rely on it being present.
func tenantOf(c *echo.Context) string {
	p, _ := currentPrincipal(c)
	return p.Tenant
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	token := strings.TrimSpace(auth[len(prefix):])
	return token, token != ""
}
