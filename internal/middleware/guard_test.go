package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/iliyamo/saas-auth/internal/model"
	"github.com/iliyamo/saas-auth/internal/repository"
	"github.com/iliyamo/saas-auth/internal/session"
	"github.com/iliyamo/saas-auth/internal/utils"
)

func TestDecide(t *testing.T) {
	rules := DefaultGuardRules()
	lookupErr := errors.New("db down")

	tests := []struct {
		name     string
		policy   SubscriptionPolicy
		nav      Navigation
		redirect string
		open     bool
	}{
		{name: "public page", nav: Navigation{Path: "/"}},
		{name: "protected without session", nav: Navigation{Path: "/dashboard"}, redirect: "/login?next=%2Fdashboard"},
		{name: "nested protected keeps query", nav: Navigation{Path: "/dashboard/settings", RawQuery: "tab=billing"},
			redirect: "/login?next=%2Fdashboard%2Fsettings%3Ftab%3Dbilling"},
		{name: "segment aware prefix", nav: Navigation{Path: "/dashboards"}},
		{name: "protected with session", nav: Navigation{Path: "/dashboard", HasSession: true}},
		{name: "login with session", nav: Navigation{Path: "/login", HasSession: true}, redirect: "/dashboard"},
		{name: "register with session", nav: Navigation{Path: "/register", HasSession: true}, redirect: "/dashboard"},
		{name: "login subpath is not an auth page", nav: Navigation{Path: "/login/help", HasSession: true}},
		{name: "login without session", nav: Navigation{Path: "/login"}},
		{name: "grace opens protected", nav: Navigation{Path: "/dashboard", GraceValid: true}},
		{name: "grace never opens gated", nav: Navigation{Path: "/dashboard/premium", GraceValid: true},
			redirect: "/login?next=%2Fdashboard%2Fpremium"},
		{name: "gated active", nav: Navigation{Path: "/dashboard/premium/x", HasSession: true, SubscriptionActive: true}},
		{name: "gated inactive", nav: Navigation{Path: "/dashboard/premium", HasSession: true}, redirect: "/pricing"},
		{name: "gated lookup error fail-open", policy: SubscriptionFailOpen,
			nav: Navigation{Path: "/dashboard/premium", HasSession: true, SubscriptionErr: lookupErr}, open: true},
		{name: "gated lookup error fail-closed", policy: SubscriptionFailClosed,
			nav: Navigation{Path: "/dashboard/premium", HasSession: true, SubscriptionErr: lookupErr}, redirect: "/pricing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(rules, tt.policy, tt.nav)
			assert.Equal(t, tt.redirect, d.Redirect, d.Reason)
			assert.Equal(t, tt.open, d.FailedOpen)
			assert.Equal(t, tt.redirect == "", d.Allowed())
		})
	}
}

func TestParseSubscriptionPolicy(t *testing.T) {
	p, err := ParseSubscriptionPolicy("")
	require.NoError(t, err)
	assert.Equal(t, SubscriptionFailOpen, p)
	p, err = ParseSubscriptionPolicy(" Fail-Closed ")
	require.NoError(t, err)
	assert.Equal(t, SubscriptionFailClosed, p)
	assert.Equal(t, "fail-closed", p.String())
	_, err = ParseSubscriptionPolicy("maybe")
	assert.Error(t, err)
}

type stubLookup struct {
	sessions map[string]model.Session
	users    map[string]model.Identity
	userErr  error
	gets     int
}

func (s *stubLookup) GetSession(_ context.Context, id string) (model.Session, bool, error) {
	s.gets++
	sess, ok := s.sessions[id]
	return sess, ok, nil
}

func (s *stubLookup) GetUser(_ context.Context, id string) (model.Identity, bool, error) {
	if s.userErr != nil {
		return model.Identity{}, false, s.userErr
	}
	u, ok := s.users[id]
	return u, ok, nil
}

type stubSubscriptions struct {
	status map[string]string
	err    error
	calls  int
}

func (s *stubSubscriptions) SubscriptionStatus(_ context.Context, id string) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	st, ok := s.status[id]
	if !ok {
		return "", repository.ErrNotFound
	}
	return st, nil
}

var guardUser = model.Identity{ID: "u1", Email: "ada@example.com"}

type guardFixture struct {
	e       *echo.Echo
	lookup  *stubLookup
	subs    *stubSubscriptions
	grace   *utils.GraceSigner
	logs    *observer.ObservedLogs
	handled int
}

func newGuardFixture(t *testing.T, policy SubscriptionPolicy) *guardFixture {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	f := &guardFixture{
		e: echo.New(),
		lookup: &stubLookup{
			sessions: map[string]model.Session{"s1": {ID: "s1", Identity: guardUser}},
			users:    map[string]model.Identity{"s1": guardUser},
		},
		subs:  &stubSubscriptions{status: map[string]string{}},
		grace: utils.NewGraceSigner("grace-secret", 30*time.Second),
		logs:  logs,
	}
	f.e.Use(RouteGuard(GuardOptions{
		Rules:         DefaultGuardRules(),
		Policy:        policy,
		Sessions:      f.lookup,
		Subscriptions: f.subs,
		Cookies:       session.NewCookies(time.Hour, false),
		Grace:         f.grace,
		Logger:        zap.New(core),
	}))
	ok := func(c echo.Context) error {
		f.handled++
		return c.String(http.StatusOK, "page")
	}
	for _, p := range []string{"/", "/login", "/dashboard", "/dashboard/premium"} {
		f.e.GET(p, ok)
	}
	return f
}

func (f *guardFixture) get(path string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

var sessionCookie = &http.Cookie{Name: session.DefaultCookieName, Value: "s1"}

func TestRouteGuardRedirectsAnonymous(t *testing.T) {
	f := newGuardFixture(t, SubscriptionFailOpen)
	rec := f.get("/dashboard?tab=1")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login?next=%2Fdashboard%3Ftab%3D1", rec.Header().Get(echo.HeaderLocation))
	assert.Zero(t, f.handled)

	rec = f.get("/dashboard", &http.Cookie{Name: session.DefaultCookieName, Value: "unknown"})
	assert.Equal(t, http.StatusFound, rec.Code)
}

func TestRouteGuardPassesPublicPagesWithoutLookup(t *testing.T) {
	f := newGuardFixture(t, SubscriptionFailOpen)
	rec := f.get("/", sessionCookie)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, f.lookup.gets)
}

func TestRouteGuardSignedIn(t *testing.T) {
	f := newGuardFixture(t, SubscriptionFailOpen)
	assert.Equal(t, http.StatusOK, f.get("/dashboard", sessionCookie).Code)

	rec := f.get("/login", sessionCookie)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/dashboard", rec.Header().Get(echo.HeaderLocation))
}

func TestRouteGuardSubscription(t *testing.T) {
	f := newGuardFixture(t, SubscriptionFailOpen)

	rec := f.get("/dashboard/premium", sessionCookie)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/pricing", rec.Header().Get(echo.HeaderLocation))

	f.subs.status[guardUser.ID] = model.SubscriptionActive
	assert.Equal(t, http.StatusOK, f.get("/dashboard/premium", sessionCookie).Code)
}

func TestRouteGuardFailOpenIsLogged(t *testing.T) {
	f := newGuardFixture(t, SubscriptionFailOpen)
	assert.Equal(t, 1, f.logs.FilterMessageSnippet("subscription gating is fail-open").Len())

	f.subs.err = errors.New("db down")
	assert.Equal(t, http.StatusOK, f.get("/dashboard/premium", sessionCookie).Code)
	assert.Equal(t, 1, f.logs.FilterMessage("subscription lookup failed, allowing access under fail-open policy").Len())
}

func TestRouteGuardFailClosed(t *testing.T) {
	f := newGuardFixture(t, SubscriptionFailClosed)
	assert.Zero(t, f.logs.FilterMessageSnippet("subscription gating is fail-open").Len())

	f.subs.err = errors.New("db down")
	rec := f.get("/dashboard/premium", sessionCookie)
	assert.Equal(t, "/pricing", rec.Header().Get(echo.HeaderLocation))
}

func TestRouteGuardReverifiesUserForGatedPaths(t *testing.T) {
	f := newGuardFixture(t, SubscriptionFailOpen)
	f.subs.status[guardUser.ID] = model.SubscriptionActive
	delete(f.lookup.users, "s1")

	rec := f.get("/dashboard/premium", sessionCookie)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login?next=%2Fdashboard%2Fpremium", rec.Header().Get(echo.HeaderLocation))
	assert.Zero(t, f.subs.calls)
}

func TestRouteGuardGraceToken(t *testing.T) {
	f := newGuardFixture(t, SubscriptionFailOpen)
	tok, err := f.grace.Issue(guardUser.ID)
	require.NoError(t, err)
	grace := &http.Cookie{Name: GraceCookieName, Value: tok.Token}

	assert.Equal(t, http.StatusOK, f.get("/dashboard", grace).Code)
	assert.Equal(t, http.StatusFound, f.get("/dashboard/premium", grace).Code)
	assert.Equal(t, http.StatusFound, f.get("/dashboard", &http.Cookie{Name: GraceCookieName, Value: "forged"}).Code)
}

func TestRequireSession(t *testing.T) {
	e := echo.New()
	lookup := &stubLookup{sessions: map[string]model.Session{"s1": {ID: "s1", Identity: guardUser}}}
	e.GET("/api/me", func(c echo.Context) error {
		s, _ := SessionFrom(c)
		return c.String(http.StatusOK, s.Identity.ID)
	}, LoadSession(lookup, session.NewCookies(time.Hour, false), nil), RequireSession())

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"Not authenticated"}`, rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.AddCookie(sessionCookie)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", rec.Body.String())
}
