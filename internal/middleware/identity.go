package middleware

// identity.go holds the helpers that move the authenticated session through
// the echo context. LoadSession and RouteGuard store it; handlers and the
// rate limiter read it back. Lookup failures are treated as "no session":
// an unreachable Auth Service never grants access.

import (
	"context"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/saas-auth/internal/model"
	"github.com/iliyamo/saas-auth/internal/session"
)

const (
	ctxSessionKey = "session"
	ctxUserIDKey  = "user_id"
	// ctxLookedUpKey marks that the lookup already ran for this request,
	// so a miss is not repeated by a later middleware.
	ctxLookedUpKey = "session_looked_up"
)

// SessionLookup resolves a session id to a live session.  The gateway
// implements it.
type SessionLookup interface {
	GetSession(ctx context.Context, sessionID string) (model.Session, bool, error)
	GetUser(ctx context.Context, sessionID string) (model.Identity, bool, error)
}

// SessionFrom returns the session stored on the context, if any.
func SessionFrom(c echo.Context) (model.Session, bool) {
	s, ok := c.Get(ctxSessionKey).(model.Session)
	return s, ok && s.ID != ""
}

// SetSession stores s on the context.
func SetSession(c echo.Context, s model.Session) {
	c.Set(ctxSessionKey, s)
	c.Set(ctxUserIDKey, s.Identity.ID)
}

// resolveSession looks the request's session up once per request.
func resolveSession(c echo.Context, lookup SessionLookup, cookies session.Cookies, log *zap.Logger) (model.Session, bool) {
	if s, ok := SessionFrom(c); ok {
		return s, true
	}
	if done, _ := c.Get(ctxLookedUpKey).(bool); done {
		return model.Session{}, false
	}
	c.Set(ctxLookedUpKey, true)

	sid := cookies.ID(c)
	if sid == "" {
		return model.Session{}, false
	}
	s, ok, err := lookup.GetSession(c.Request().Context(), sid)
	if err != nil {
		log.Warn("session lookup failed, treating as signed out", zap.Error(err))
		return model.Session{}, false
	}
	if !ok {
		return model.Session{}, false
	}
	SetSession(c, s)
	return s, true
}

// LoadSession attaches the caller's session to the context when there is
// one.  It never rejects a request.
func LoadSession(lookup SessionLookup, cookies session.Cookies, log *zap.Logger) echo.MiddlewareFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			resolveSession(c, lookup, cookies, log)
			return next(c)
		}
	}
}
