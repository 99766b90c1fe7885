package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iliyamo/saas-auth/internal/callback"
	"github.com/iliyamo/saas-auth/internal/database"
	"github.com/iliyamo/saas-auth/internal/gateway"
	"github.com/iliyamo/saas-auth/internal/handler"
	"github.com/iliyamo/saas-auth/internal/middleware"
	"github.com/iliyamo/saas-auth/internal/reconcile"
	"github.com/iliyamo/saas-auth/internal/repository"
	"github.com/iliyamo/saas-auth/internal/retry"
	"github.com/iliyamo/saas-auth/internal/session"
	"github.com/iliyamo/saas-auth/internal/sessioncache"
	"github.com/iliyamo/saas-auth/internal/testkit"
	"github.com/iliyamo/saas-auth/internal/utils"
	"github.com/iliyamo/saas-auth/internal/verifier"
)

type app struct {
	e    *echo.Echo
	fake *testkit.AuthService
	gw   *gateway.Gateway
	repo *repository.ProfileRepo
}

func newApp(t *testing.T) *app {
	t.Helper()
	fake := testkit.NewAuthService(t)
	gw, err := gateway.New(gateway.Options{
		BaseURL:    fake.URL(),
		PublicKey:  testkit.ClientID,
		ServiceKey: testkit.APIKey,
		AppURL:     "https://app.example.com",
	})
	require.NoError(t, err)

	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.Migrate(context.Background(), db, database.SQLite))
	repo := repository.NewProfileRepo(db, database.SQLite)
	rec := reconcile.New(repo, nil)

	grace := utils.NewGraceSigner("router-test-secret", 30*time.Second)
	orch := callback.New(callback.Options{
		Gateway:         gw,
		Reconciler:      rec,
		ReconcilePolicy: retry.Fixed(2, 0),
		Grace:           grace,
	})
	cache := sessioncache.New(gw, repo, nil)
	t.Cleanup(cache.Attach())

	cookies := session.NewCookies(time.Hour, false)
	e := New(Deps{
		Auth:     handler.NewAuthHandler(gw, rec, orch, verifier.NewCookieStore(0, false), cookies, grace, "https://app.example.com", nil),
		Sessions: handler.NewSessionHandler(cache, gw, repo, cookies, nil),
		Health:   &handler.HealthHandler{DB: db},
		Lookup:   gw,
		Cookies:  cookies,
		Guard: middleware.GuardOptions{
			Rules:         middleware.DefaultGuardRules(),
			Policy:        middleware.SubscriptionFailClosed,
			Sessions:      gw,
			Subscriptions: repo,
			Cookies:       cookies,
			Grace:         grace,
		},
		Logger: zap.NewNop(),
	})
	return &app{e: e, fake: fake, gw: gw, repo: repo}
}

func (a *app) do(method, target string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

func cookieNamed(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// signIn runs the full OAuth round trip and returns the session cookie.
func (a *app) signIn(t *testing.T, email string) *http.Cookie {
	t.Helper()
	start := a.do(http.MethodGet, "/auth/login/google")
	require.Equal(t, http.StatusFound, start.Code)
	vc := cookieNamed(start, verifier.DefaultCookieName)
	require.NotNil(t, vc)

	loc, err := url.Parse(start.Header().Get(echo.HeaderLocation))
	require.NoError(t, err)
	code := a.fake.IssueCode(email, loc.Query().Get("code_challenge"))

	cb := a.do(http.MethodGet, "/auth/callback?code="+code, vc)
	require.Equal(t, http.StatusFound, cb.Code)
	require.Equal(t, "/dashboard", cb.Header().Get(echo.HeaderLocation))
	sc := cookieNamed(cb, session.DefaultCookieName)
	require.NotNil(t, sc)
	return sc
}

// Scenario A.
func TestStartOAuthRedirectsWithS256Challenge(t *testing.T) {
	a := newApp(t)
	rec := a.do(http.MethodGet, "/auth/login/google")

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get(echo.HeaderLocation))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(loc.String(), a.fake.URL()+"/authorize"))
	q := loc.Query()
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, "google", q.Get("provider"))
	assert.Equal(t, "https://app.example.com/auth/callback", q.Get("redirect_to"))

	vc := cookieNamed(rec, verifier.DefaultCookieName)
	require.NotNil(t, vc)
	assert.True(t, vc.HttpOnly)
	_, v, ok := strings.Cut(vc.Value, ".")
	require.True(t, ok)
	assert.True(t, utils.ValidVerifier(v))
	assert.Equal(t, utils.DeriveChallenge(v), q.Get("code_challenge"))
}

func TestStartOAuthUnknownProviderGoesToLogin(t *testing.T) {
	a := newApp(t)
	rec := a.do(http.MethodGet, "/auth/login/myspace")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get(echo.HeaderLocation), "/login?error="))
	assert.Nil(t, cookieNamed(rec, verifier.DefaultCookieName))
}

func TestOAuthRoundTripProvisionsProfileAndOpensDashboard(t *testing.T) {
	a := newApp(t)
	sc := a.signIn(t, "ada@example.com")

	p, err := a.repo.GetByID(context.Background(), a.fake.UserID("ada@example.com"))
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", p.Email)

	rec := a.do(http.MethodGet, "/dashboard", sc)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Signed in as ada@example.com")

	// signed-in users are bounced off the auth pages
	rec = a.do(http.MethodGet, "/login", sc)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/dashboard", rec.Header().Get(echo.HeaderLocation))
}

func TestCallbackSetsGraceCookie(t *testing.T) {
	a := newApp(t)
	start := a.do(http.MethodGet, "/auth/login/github")
	vc := cookieNamed(start, verifier.DefaultCookieName)
	loc, _ := url.Parse(start.Header().Get(echo.HeaderLocation))
	code := a.fake.IssueCode("lin@example.com", loc.Query().Get("code_challenge"))

	cb := a.do(http.MethodGet, "/auth/callback?code="+code, vc)
	require.Equal(t, http.StatusFound, cb.Code)
	grace := cookieNamed(cb, middleware.GraceCookieName)
	require.NotNil(t, grace)
	assert.True(t, grace.HttpOnly)

	// the grace token alone bridges the dashboard but not premium pages
	rec := a.do(http.MethodGet, "/dashboard", grace)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = a.do(http.MethodGet, "/dashboard/premium", grace)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get(echo.HeaderLocation), "/login?next="))
}

func TestCallbackWithoutVerifierFails(t *testing.T) {
	a := newApp(t)
	code := a.fake.IssueCode("ada@example.com", utils.DeriveChallenge(strings.Repeat("a", 64)))
	rec := a.do(http.MethodGet, "/auth/callback?code="+code)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get(echo.HeaderLocation), "/login?error="))
	assert.Nil(t, cookieNamed(rec, session.DefaultCookieName))
}

func TestCallbackProviderErrorRedirectsToLogin(t *testing.T) {
	a := newApp(t)
	rec := a.do(http.MethodGet, "/auth/callback?error=access_denied&error_description=User+cancelled")
	require.Equal(t, http.StatusFound, rec.Code)
	loc := rec.Header().Get(echo.HeaderLocation)
	assert.True(t, strings.HasPrefix(loc, "/login?error="))
	assert.Contains(t, loc, "User%20cancelled")
}

func TestCallbackWithoutParamsServesBridgePage(t *testing.T) {
	a := newApp(t)
	rec := a.do(http.MethodGet, "/auth/callback")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get(echo.HeaderCacheControl))
	assert.Contains(t, rec.Body.String(), `fetch("/auth/callback"`)
}

func TestGuardRedirectsAnonymousDashboard(t *testing.T) {
	a := newApp(t)
	rec := a.do(http.MethodGet, "/dashboard/settings?tab=billing")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login?next="+url.QueryEscape("/dashboard/settings?tab=billing"), rec.Header().Get(echo.HeaderLocation))

	rec = a.do(http.MethodGet, "/pricing")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGuardNextCarriesThroughOAuthStart(t *testing.T) {
	a := newApp(t)
	rec := a.do(http.MethodGet, "/dashboard/settings?tab=billing")
	login, err := url.Parse(rec.Header().Get(echo.HeaderLocation))
	require.NoError(t, err)
	next := login.Query().Get("next")
	require.Equal(t, "/dashboard/settings?tab=billing", next)

	start := a.do(http.MethodGet, "/auth/login/google?next="+url.QueryEscape(next))
	require.Equal(t, http.StatusFound, start.Code)
	loc, err := url.Parse(start.Header().Get(echo.HeaderLocation))
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/auth/callback?next="+url.QueryEscape(next), loc.Query().Get("redirect_to"))
}

func TestPremiumWithoutSubscriptionGoesToPricing(t *testing.T) {
	a := newApp(t)
	sc := a.signIn(t, "ada@example.com")
	rec := a.do(http.MethodGet, "/dashboard/premium", sc)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/pricing", rec.Header().Get(echo.HeaderLocation))
}

func TestSessionAPI(t *testing.T) {
	a := newApp(t)

	rec := a.do(http.MethodGet, "/api/session")
	require.Equal(t, http.StatusOK, rec.Code)
	var anon map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &anon))
	assert.Equal(t, false, anon["is_authenticated"])

	sc := a.signIn(t, "ada@example.com")
	rec = a.do(http.MethodGet, "/api/session", sc)
	require.Equal(t, http.StatusOK, rec.Code)
	var st sessioncache.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Authenticated)
	require.NotNil(t, st.Identity)
	assert.Equal(t, "ada@example.com", st.Identity.Email)
	require.NotNil(t, st.Profile)
	assert.Equal(t, st.Identity.ID, st.Profile.ID)
}

func TestSubscriptionAPI(t *testing.T) {
	a := newApp(t)
	rec := a.do(http.MethodGet, "/api/subscription")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	sc := a.signIn(t, "ada@example.com")
	rec = a.do(http.MethodGet, "/api/subscription", sc)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Subscription struct {
			Status string `json:"status"`
			Active bool   `json:"active"`
		} `json:"subscription"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Subscription.Active)
}

func TestLogoutRevokesSession(t *testing.T) {
	a := newApp(t)
	sc := a.signIn(t, "ada@example.com")

	rec := a.do(http.MethodPost, "/auth/logout", sc)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"url":"/login"}`, rec.Body.String())
	cleared := cookieNamed(rec, session.DefaultCookieName)
	require.NotNil(t, cleared)
	assert.True(t, cleared.MaxAge < 0)
	assert.Len(t, a.fake.LoggedOut(), 1)

	rec = a.do(http.MethodGet, "/dashboard", sc)
	assert.Equal(t, http.StatusFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	a := newApp(t)
	rec := a.do(http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"db":"ok","redis":"disabled"}`, rec.Body.String())
}

func postTokens(a *app, origin string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/auth/callback", strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	req.Header.Set(echo.HeaderAccept, echo.MIMEApplicationJSON)
	if origin != "" {
		req.Header.Set(echo.HeaderOrigin, origin)
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

func attackerTokens(t *testing.T, a *app) url.Values {
	t.Helper()
	a.fake.AddUser("mallory@example.com", "Secret123")
	s, err := a.gw.PasswordSignIn(context.Background(), "mallory@example.com", "Secret123")
	require.NoError(t, err)
	return url.Values{"access_token": {s.AccessToken}, "refresh_token": {s.RefreshToken}}
}

func TestCallbackPostRejectsCrossSiteTokens(t *testing.T) {
	a := newApp(t)
	form := attackerTokens(t, a)

	for _, origin := range []string{"https://evil.example", "null", ""} {
		rec := postTokens(a, origin, form)
		assert.Equal(t, http.StatusForbidden, rec.Code, "origin %q", origin)
		assert.Nil(t, cookieNamed(rec, session.DefaultCookieName), "origin %q", origin)
	}
}

func TestCallbackPostAcceptsSameOriginTokens(t *testing.T) {
	a := newApp(t)
	rec := postTokens(a, "https://app.example.com", attackerTokens(t, a))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"url":"/dashboard"}`, rec.Body.String())
	assert.NotNil(t, cookieNamed(rec, session.DefaultCookieName))
}
