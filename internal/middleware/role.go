package middleware // middleware provides shared request processing for handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// RequireSession rejects API requests that carry no live session with a
// 401 JSON body.  It assumes LoadSession ran earlier in the chain.  Page
// routes use RouteGuard instead, which redirects rather than failing.
func RequireSession() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if _, ok := SessionFrom(c); !ok {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Not authenticated"})
			}
			return next(c)
		}
	}
}
