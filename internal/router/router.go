package router // package router defines how HTTP routes are registered for the service

import (
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/saas-auth/internal/handler"
	"github.com/iliyamo/saas-auth/internal/middleware"
	"github.com/iliyamo/saas-auth/internal/session"
)

// Deps is everything the routes need.
type Deps struct {
	Auth      *handler.AuthHandler
	Sessions  *handler.SessionHandler
	Health    *handler.HealthHandler
	Lookup    middleware.SessionLookup
	Cookies   session.Cookies
	Guard     middleware.GuardOptions
	RateLimit echo.MiddlewareFunc
	Logger    *zap.Logger
}

// New builds the echo instance with the global middleware chain and every
// route registered.
func New(d Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.AccessLog(d.Logger))

	RegisterRoutes(e, d.Health)
	RegisterAuth(e, d)
	RegisterAPI(e, d)
	RegisterPages(e, d)
	return e
}

// RegisterRoutes registers routes that do not require authentication.
func RegisterRoutes(e *echo.Echo, h *handler.HealthHandler) {
	e.GET("/healthz", h.Health)
}

// RegisterAuth registers the sign-in, callback and sign-out endpoints.
// Credential endpoints sit behind the rate limiter.
func RegisterAuth(e *echo.Echo, d Deps) {
	g := e.Group("/auth")
	limited := []echo.MiddlewareFunc{}
	if d.RateLimit != nil {
		limited = append(limited, d.RateLimit)
	}
	g.GET("/login/:provider", d.Auth.StartOAuth)
	g.POST("/login", d.Auth.Login, limited...)
	g.POST("/register", d.Auth.Register, limited...)
	g.GET("/callback", d.Auth.Callback)
	g.POST("/callback", d.Auth.CallbackPost, limited...)
	g.POST("/logout", d.Auth.Logout)
}

// RegisterAPI registers the JSON session API.
func RegisterAPI(e *echo.Echo, d Deps) {
	api := e.Group("/api", middleware.LoadSession(d.Lookup, d.Cookies, d.Logger))
	api.GET("/session", d.Sessions.Session)
	api.POST("/session/refresh", d.Sessions.RefreshProfile)
	api.GET("/subscription", d.Sessions.Subscription, middleware.RequireSession())
}

// RegisterPages registers the application pages behind the route guard.
func RegisterPages(e *echo.Echo, d Deps) {
	pages := e.Group("", middleware.RouteGuard(d.Guard))
	pages.GET("/", handler.Page("Home"))
	pages.GET("/login", handler.Page("Sign in"))
	pages.GET("/register", handler.Page("Create account"))
	pages.GET("/pricing", handler.Page("Pricing"))
	pages.GET("/dashboard", handler.Page("Dashboard"))
	pages.GET("/dashboard/*", handler.Page("Dashboard"))
	pages.GET("/error", handler.ErrorPage)
}
