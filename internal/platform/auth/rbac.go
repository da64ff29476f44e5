package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks the caller's role is one of roles.
// It must run after BearerMiddleware.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, ok := IdentityFromContext(c.Request().Context())
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
			}
			if !allowed[id.Role] {
				return echo.NewHTTPError(http.StatusForbidden,
					fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
			}
			return next(c)
		}
	}
}
