package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/saas-auth/internal/middleware"
	"github.com/iliyamo/saas-auth/internal/model"
	"github.com/iliyamo/saas-auth/internal/repository"
	"github.com/iliyamo/saas-auth/internal/session"
	"github.com/iliyamo/saas-auth/internal/sessioncache"
)

// SessionCache is the client session mirror.
type SessionCache interface {
	Load(ctx context.Context, sessionID string) (sessioncache.State, error)
	RefreshProfile(ctx context.Context, sessionID string) (sessioncache.State, error)
}

// UserVerifier re-checks a session's identity with the Auth Service.
type UserVerifier interface {
	GetUser(ctx context.Context, sessionID string) (model.Identity, bool, error)
}

// SessionHandler serves the session and subscription APIs.
type SessionHandler struct {
	Cache         SessionCache
	Users         UserVerifier
	Subscriptions middleware.SubscriptionLookup
	Cookies       session.Cookies
	Log           *zap.Logger
}

func NewSessionHandler(cache SessionCache, users UserVerifier, subs middleware.SubscriptionLookup, cookies session.Cookies, log *zap.Logger) *SessionHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionHandler{Cache: cache, Users: users, Subscriptions: subs, Cookies: cookies, Log: log.Named("session-api")}
}

// Session returns the caller's mirrored session state. Signed-out callers
// get the zero state, not an error.
func (h *SessionHandler) Session(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()
	st, err := h.Cache.Load(ctx, h.Cookies.ID(c))
	if err != nil {
		h.Log.Warn("load session state", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, errorResp{Error: "Session service unavailable"})
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	return c.JSON(http.StatusOK, st)
}

// RefreshProfile re-reads the profile behind the caller's session.
func (h *SessionHandler) RefreshProfile(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()
	st, err := h.Cache.RefreshProfile(ctx, h.Cookies.ID(c))
	if err != nil {
		h.Log.Warn("refresh profile", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, errorResp{Error: "Session service unavailable"})
	}
	return c.JSON(http.StatusOK, st)
}

type subscriptionResp struct {
	Status string `json:"status"`
	Active bool   `json:"active"`
}

// Subscription reports the caller's billing status. The identity is
// re-verified first because the answer drives access decisions.
func (h *SessionHandler) Subscription(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	id, ok, err := h.Users.GetUser(ctx, h.Cookies.ID(c))
	if err != nil {
		h.Log.Warn("verify user", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResp{Error: "Error fetching subscription status"})
	}
	if !ok {
		return c.JSON(http.StatusUnauthorized, errorResp{Error: "Unauthorized"})
	}

	status, err := h.Subscriptions.SubscriptionStatus(ctx, id.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		h.Log.Error("fetch subscription status", zap.String("user_id", id.ID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResp{Error: "Error fetching subscription status"})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"subscription": subscriptionResp{Status: status, Active: status == model.SubscriptionActive},
	})
}
