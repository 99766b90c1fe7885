package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/saas-auth/internal/autherr"
	"github.com/iliyamo/saas-auth/internal/callback"
	"github.com/iliyamo/saas-auth/internal/middleware"
	"github.com/iliyamo/saas-auth/internal/model"
	"github.com/iliyamo/saas-auth/internal/session"
	"github.com/iliyamo/saas-auth/internal/utils"
	"github.com/iliyamo/saas-auth/internal/verifier"
)

// requestTimeout bounds the outbound work of one auth request.
const requestTimeout = 10 * time.Second

// AuthGateway is the part of the Auth Gateway the handlers drive.
type AuthGateway interface {
	StartOAuth(ctx context.Context, provider, challenge, next string) (string, error)
	PasswordSignIn(ctx context.Context, email, password string) (model.Session, error)
	SignUp(ctx context.Context, email, password string) (model.Session, error)
	SignOut(ctx context.Context, sessionID string) error
}

// ProfileReconciler guarantees a profile row for an identity.
type ProfileReconciler interface {
	EnsureProfile(ctx context.Context, id model.Identity) (model.Profile, error)
}

// CallbackRunner runs the OAuth callback state machine.
type CallbackRunner interface {
	Run(ctx context.Context, req callback.Request) callback.Outcome
}

// AuthHandler bundles dependencies for auth endpoints.
type AuthHandler struct {
	Gateway   AuthGateway
	Profiles  ProfileReconciler
	Runner    CallbackRunner
	Verifiers *verifier.CookieStore
	Cookies   session.Cookies
	Grace     *utils.GraceSigner
	// AppOrigin is scheme://host of APP_URL. Token posts to the callback
	// must come from it; empty means the request's own host.
	AppOrigin string
	Log       *zap.Logger
}

func NewAuthHandler(gw AuthGateway, profiles ProfileReconciler, cb CallbackRunner,
	verifiers *verifier.CookieStore, cookies session.Cookies, grace *utils.GraceSigner, appURL string, log *zap.Logger) *AuthHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthHandler{
		Gateway:   gw,
		Profiles:  profiles,
		Runner:    cb,
		Verifiers: verifiers,
		Cookies:   cookies,
		Grace:     grace,
		AppOrigin: originOf(appURL),
		Log:       log.Named("auth"),
	}
}

// ----- DTOs -----

type credentialsReq struct {
	Email    string `json:"email" form:"email"`
	Password string `json:"password" form:"password"`
	Next     string `json:"next" form:"next"`
}

type authResp struct {
	Success bool   `json:"success"`
	URL     string `json:"url,omitempty"`
}

type errorResp struct {
	Error       string              `json:"error"`
	FieldErrors map[string][]string `json:"field_errors,omitempty"`
}

// writeError renders err with its user-facing message only.
func writeError(c echo.Context, err error) error {
	resp := errorResp{Error: autherr.PublicMessage(err)}
	if e, ok := autherr.As(err); ok {
		resp.FieldErrors = e.Fields
	}
	return c.JSON(autherr.HTTPStatus(err), resp)
}

func wantsJSON(c echo.Context) bool {
	if c.QueryParam("format") == "json" {
		return true
	}
	return strings.Contains(c.Request().Header.Get(echo.HeaderAccept), echo.MIMEApplicationJSON)
}

func landing(next string) string {
	if p, ok := utils.SafeRedirectPath(next); ok {
		return p
	}
	return callback.DefaultLandingPath
}

// StartOAuth: generate a verifier, remember it in the verifier cookie and
// send the browser to the provider with the derived challenge.
func (h *AuthHandler) StartOAuth(c echo.Context) error {
	v, err := utils.GenerateVerifier()
	if err != nil {
		h.Log.Error("generate pkce verifier", zap.Error(err))
		return h.startFailed(c, autherr.Configuration("Failed to initiate authentication", err))
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	authURL, err := h.Gateway.StartOAuth(ctx, c.Param("provider"), utils.DeriveChallenge(v), c.QueryParam("next"))
	if err != nil {
		return h.startFailed(c, err)
	}
	// the cookie goes out on the same response as the redirect
	h.Verifiers.For(c).Save(v)

	if wantsJSON(c) {
		return c.JSON(http.StatusOK, callback.Navigation{URL: authURL})
	}
	return c.Redirect(http.StatusFound, authURL)
}

func (h *AuthHandler) startFailed(c echo.Context, err error) error {
	msg := autherr.PublicMessage(err)
	if errors.Is(err, autherr.ErrConfiguration) {
		h.Log.Error("oauth start misconfigured", zap.Error(err))
	}
	if wantsJSON(c) {
		return c.JSON(autherr.HTTPStatus(err), callback.Navigation{Error: msg})
	}
	target := callback.DefaultLoginPath + "?error="
	if errors.Is(err, autherr.ErrConfiguration) {
		target = callback.DefaultErrorPath + "?message="
	}
	return c.Redirect(http.StatusFound, target+callback.EncodeURIComponent(msg))
}

// Login: password grant, then profile reconciliation, then the session
// cookie.
func (h *AuthHandler) Login(c echo.Context) error {
	var req credentialsReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResp{Error: "invalid body"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	sess, err := h.Gateway.PasswordSignIn(ctx, req.Email, req.Password)
	if err != nil {
		return writeError(c, err)
	}
	if err := h.ensureProfile(ctx, sess); err != nil {
		return writeError(c, err)
	}
	h.Cookies.Set(c, sess.ID)
	return c.JSON(http.StatusOK, authResp{Success: true, URL: landing(req.Next)})
}

// Register: create the account, provision its profile and sign it in.
func (h *AuthHandler) Register(c echo.Context) error {
	var req credentialsReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResp{Error: "invalid body"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	sess, err := h.Gateway.SignUp(ctx, req.Email, req.Password)
	if err != nil {
		return writeError(c, err)
	}
	if err := h.ensureProfile(ctx, sess); err != nil {
		return writeError(c, err)
	}
	h.Cookies.Set(c, sess.ID)
	return c.JSON(http.StatusCreated, authResp{Success: true, URL: landing(req.Next)})
}

// ensureProfile reconciles the profile for a fresh session. On failure the
// session is revoked so no account is left signed in without a profile.
func (h *AuthHandler) ensureProfile(ctx context.Context, sess model.Session) error {
	_, err := h.Profiles.EnsureProfile(ctx, sess.Identity)
	if err == nil {
		return nil
	}
	h.Log.Error("profile provisioning failed", zap.String("user_id", sess.Identity.ID), zap.Error(err))
	if serr := h.Gateway.SignOut(context.WithoutCancel(ctx), sess.ID); serr != nil {
		h.Log.Warn("sign out after provisioning failure", zap.Error(serr))
	}
	if _, ok := autherr.As(err); ok {
		return err
	}
	return autherr.ProfileProvisioning("Failed to create user profile. Please try again.", err)
}

// Callback handles the provider redirect. A query carrying a code or an
// error runs the orchestrator directly; anything else may be a fragment
// delivery, which only the browser can read, so a bridge page posts it
// back.
func (h *AuthHandler) Callback(c echo.Context) error {
	q := c.QueryParams()
	if q.Get("code") == "" && q.Get("error") == "" && q.Get("error_description") == "" {
		c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
		return c.HTML(http.StatusOK, bridgePage)
	}
	return h.runCallback(c, callback.ParseParams(q, ""))
}

// CallbackPost receives the bridge page's form post.
// Token pairs posted from another site are refused: accepting them would
// sign the browser into someone else's account.
func (h *AuthHandler) CallbackPost(c echo.Context) error {
	if !h.sameOrigin(c) {
		h.Log.Warn("cross-site callback post rejected",
			zap.String("origin", c.Request().Header.Get(echo.HeaderOrigin)),
			zap.String("sec_fetch_site", c.Request().Header.Get("Sec-Fetch-Site")))
		return c.JSON(http.StatusForbidden, callback.Navigation{Error: "Cross-site sign-in request rejected"})
	}
	form, err := c.FormParams()
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResp{Error: "invalid body"})
	}
	// tokens are read as fragment fields so they are never accepted from a query string
	return h.runCallback(c, callback.ParseParams(form, form.Encode()))
}

func (h *AuthHandler) runCallback(c echo.Context, p callback.Params) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	out := h.Runner.Run(ctx, callback.Request{
		Params:    callback.StaticParams(p),
		Verifier:  h.Verifiers.For(c),
		SessionID: h.Cookies.ID(c),
	})
	if out.State == callback.StateDone {
		// cookies are written before the redirect so the next request
		// already carries them
		if out.Session.ID != "" {
			h.Cookies.Set(c, out.Session.ID)
		}
		if out.Grace.Token != "" {
			c.SetCookie(&http.Cookie{
				Name:     middleware.GraceCookieName,
				Value:    out.Grace.Token,
				Path:     "/",
				MaxAge:   int(h.Grace.TTL() / time.Second),
				HttpOnly: true,
				Secure:   h.Cookies.Secure,
				SameSite: http.SameSiteLaxMode,
			})
		}
	}

	if wantsJSON(c) {
		status := http.StatusOK
		if out.State == callback.StateFailed {
			status = autherr.HTTPStatus(out.Err)
		}
		return c.JSON(status, out.Navigation())
	}
	return c.Redirect(http.StatusFound, out.RedirectURL)
}

// Logout revokes the session and clears the auth cookies.
func (h *AuthHandler) Logout(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	err := h.Gateway.SignOut(ctx, h.Cookies.ID(c))
	h.Cookies.Clear(c)
	c.SetCookie(&http.Cookie{Name: middleware.GraceCookieName, Path: "/", MaxAge: -1, HttpOnly: true, Secure: h.Cookies.Secure, SameSite: http.SameSiteLaxMode})
	if err != nil {
		h.Log.Error("sign out failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, callback.Navigation{Error: "Failed to sign out"})
	}
	return c.JSON(http.StatusOK, callback.Navigation{URL: callback.DefaultLoginPath})
}

// bridgePage forwards a fragment-delivered token pair (or an error) to
// POST /auth/callback and follows the returned navigation.
const bridgePage = `<!doctype html>
<html><head><meta charset="utf-8"><title>Signing in</title></head>
<body><p>Signing in&hellip;</p>
<script>
(function () {
  var frag = new URLSearchParams(window.location.hash.slice(1));
  var query = new URLSearchParams(window.location.search);
  var body = new URLSearchParams();
  ["access_token", "refresh_token", "error", "error_description"].forEach(function (k) {
    if (frag.get(k)) body.set(k, frag.get(k));
  });
  if (query.get("next")) body.set("next", query.get("next"));
  history.replaceState(null, "", window.location.pathname);
  fetch("/auth/callback", {
    method: "POST",
    headers: { "Accept": "application/json" },
    credentials: "same-origin",
    body: body
  }).then(function (r) { return r.json(); })
    .then(function (nav) { window.location.replace(nav.url || "/login"); })
    .catch(function () {
      window.location.replace("/login?error=" + encodeURIComponent("Authentication failed. Please try again."));
    });
})();
</script>
</body></html>`
