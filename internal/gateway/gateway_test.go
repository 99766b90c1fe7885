package gateway

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/saas-auth/internal/autherr"
	"github.com/iliyamo/saas-auth/internal/session"
	"github.com/iliyamo/saas-auth/internal/testkit"
	"github.com/iliyamo/saas-auth/internal/utils"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

type fixture struct {
	fake   *testkit.AuthService
	gw     *Gateway
	store  *session.MemoryStore
	clock  *clock
	events chan Event
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	fake := testkit.NewAuthService(t)
	store := session.NewMemoryStore()
	clk := &clock{t: time.Now()}
	opts := Options{
		BaseURL:    fake.URL(),
		PublicKey:  testkit.ClientID,
		ServiceKey: testkit.APIKey,
		AppURL:     "https://app.example.com",
		Sessions:   store,
		Now:        clk.Now,
	}
	for _, m := range mutate {
		m(&opts)
	}
	gw, err := New(opts)
	require.NoError(t, err)
	events := make(chan Event, 32)
	gw.Subscribe("test", func(ev Event) { events <- ev })
	t.Cleanup(gw.bus.Close)
	return &fixture{fake: fake, gw: gw, store: store, clock: clk, events: events}
}

func TestNewRequiresAuthServiceSettings(t *testing.T) {
	_, err := New(Options{PublicKey: "k"})
	assert.ErrorIs(t, err, autherr.ErrConfiguration)
	_, err = New(Options{BaseURL: "https://auth.example.com"})
	assert.ErrorIs(t, err, autherr.ErrConfiguration)
}

func TestStartOAuthBuildsPKCEURL(t *testing.T) {
	f := newFixture(t)
	v, err := utils.GenerateVerifier()
	require.NoError(t, err)
	challenge := utils.DeriveChallenge(v)

	raw, err := f.gw.StartOAuth(context.Background(), "google", challenge, "")
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()

	assert.Equal(t, "/authorize", u.Path)
	assert.Equal(t, "google", q.Get("provider"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, challenge, q.Get("code_challenge"))
	assert.Equal(t, "https://app.example.com/auth/callback", q.Get("redirect_to"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "consent", q.Get("prompt"))
	assert.Equal(t, testkit.ClientID, q.Get("client_id"))
	assert.NotContains(t, raw, testkit.APIKey)
	assert.False(t, q.Has("state"))
}

func TestStartOAuthThreadsSafeNext(t *testing.T) {
	f := newFixture(t)
	raw, err := f.gw.StartOAuth(context.Background(), "github", "c", "/dashboard/premium")
	require.NoError(t, err)
	u, _ := url.Parse(raw)
	assert.Equal(t, "https://app.example.com/auth/callback?next=%2Fdashboard%2Fpremium", u.Query().Get("redirect_to"))

	raw, err = f.gw.StartOAuth(context.Background(), "github", "c", "https://evil.example.com")
	require.NoError(t, err)
	u, _ = url.Parse(raw)
	assert.Equal(t, "https://app.example.com/auth/callback", u.Query().Get("redirect_to"))
}

func TestStartOAuthErrors(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.AppURL = "" })
	_, err := f.gw.StartOAuth(context.Background(), "google", "c", "")
	assert.ErrorIs(t, err, autherr.ErrConfiguration)

	f = newFixture(t)
	_, err = f.gw.StartOAuth(context.Background(), "myspace", "c", "")
	assert.ErrorIs(t, err, autherr.ErrValidation)
}

func TestExchangeCodeRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, _ := utils.GenerateVerifier()
	code := f.fake.IssueCode("ada@example.com", utils.DeriveChallenge(v))

	s, err := f.gw.ExchangeCode(ctx, code, v)
	require.NoError(t, err)
	assert.Equal(t, f.fake.UserID("ada@example.com"), s.Identity.ID)
	assert.Equal(t, "ada@example.com", s.Identity.Email)
	assert.NotEmpty(t, s.RefreshToken)

	stored, err := f.store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.AccessToken, stored.AccessToken)

	ev := waitEvent(t, f.events)
	assert.Equal(t, SignedIn, ev.Type)
	assert.Equal(t, s.ID, ev.SessionID)
}

func TestExchangeCodeRejectsMismatchedVerifier(t *testing.T) {
	f := newFixture(t)
	v, _ := utils.GenerateVerifier()
	other, _ := utils.GenerateVerifier()
	code := f.fake.IssueCode("ada@example.com", utils.DeriveChallenge(v))

	_, err := f.gw.ExchangeCode(context.Background(), code, other)
	require.ErrorIs(t, err, autherr.ErrAuthentication)
	assert.Equal(t, "Authentication failed. Please try again.", autherr.PublicMessage(err))
	assert.NotContains(t, autherr.PublicMessage(err), "PKCE")
}

func TestExchangeCodeIsSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, _ := utils.GenerateVerifier()
	code := f.fake.IssueCode("ada@example.com", utils.DeriveChallenge(v))

	_, err := f.gw.ExchangeCode(ctx, code, v)
	require.NoError(t, err)
	_, err = f.gw.ExchangeCode(ctx, code, v)
	assert.ErrorIs(t, err, autherr.ErrAuthentication)
	assert.Equal(t, 2, f.fake.Grants("authorization_code"))
}

func TestExchangeCodeInputErrors(t *testing.T) {
	f := newFixture(t)
	_, err := f.gw.ExchangeCode(context.Background(), "", "v")
	assert.ErrorIs(t, err, autherr.ErrValidation)
	_, err = f.gw.ExchangeCode(context.Background(), "abc123", "")
	assert.ErrorIs(t, err, autherr.ErrSessionExpired)
	assert.Zero(t, f.fake.Grants("authorization_code"))
}

func TestExchangeCodeFallsBackToAccessClaims(t *testing.T) {
	f := newFixture(t)
	f.fake.OmitUser = true
	v, _ := utils.GenerateVerifier()
	code := f.fake.IssueCode("grace@example.com", utils.DeriveChallenge(v))

	s, err := f.gw.ExchangeCode(context.Background(), code, v)
	require.NoError(t, err)
	assert.Equal(t, f.fake.UserID("grace@example.com"), s.Identity.ID)
	assert.Equal(t, "grace@example.com", s.Identity.Email)
}

func TestPasswordSignIn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fake.AddUser("ada@example.com", "Secret123")

	s, err := f.gw.PasswordSignIn(ctx, " Ada@Example.com ", "Secret123")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", s.Identity.Email)

	_, err = f.gw.PasswordSignIn(ctx, "ada@example.com", "wrong")
	require.ErrorIs(t, err, autherr.ErrAuthentication)
	assert.Equal(t, "Invalid email or password", autherr.PublicMessage(err))

	_, err = f.gw.PasswordSignIn(ctx, "not-an-email", "")
	ae, ok := autherr.As(err)
	require.True(t, ok)
	assert.Equal(t, autherr.KindValidation, ae.Kind)
	assert.Contains(t, ae.Fields, "email")
	assert.Contains(t, ae.Fields, "password")
}

func TestSignUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.gw.SignUp(ctx, "new@example.com", "Passw0rd")
	require.NoError(t, err)
	assert.Equal(t, f.fake.UserID("new@example.com"), s.Identity.ID)
	assert.Equal(t, SignedIn, waitEvent(t, f.events).Type)

	_, err = f.gw.SignUp(ctx, "new@example.com", "Passw0rd")
	ae, ok := autherr.As(err)
	require.True(t, ok)
	assert.Equal(t, autherr.KindValidation, ae.Kind)
	assert.Equal(t, []string{"An account with this email already exists"}, ae.Fields["email"])

	_, err = f.gw.SignUp(ctx, "weak@example.com", "short")
	ae, ok = autherr.As(err)
	require.True(t, ok)
	assert.Len(t, ae.Fields["password"], 2)
}

func TestGetSessionRefreshesExpiredAccessToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fake.AddUser("ada@example.com", "Secret123")
	s, err := f.gw.PasswordSignIn(ctx, "ada@example.com", "Secret123")
	require.NoError(t, err)
	waitEvent(t, f.events)

	got, ok, err := f.gw.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, s.AccessToken, got.AccessToken)

	f.clock.t = f.clock.t.Add(2 * time.Hour)
	got, ok, err = f.gw.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, s.AccessToken, got.AccessToken)
	assert.NotEqual(t, s.RefreshToken, got.RefreshToken)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, 1, f.fake.Grants("refresh_token"))

	ev := waitEvent(t, f.events)
	assert.Equal(t, TokenRefreshed, ev.Type)
}

func TestGetSessionDropsSessionWhenRefreshRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fake.AddUser("ada@example.com", "Secret123")
	s, err := f.gw.PasswordSignIn(ctx, "ada@example.com", "Secret123")
	require.NoError(t, err)
	waitEvent(t, f.events)

	f.fake.RevokeRefresh()
	f.clock.t = f.clock.t.Add(2 * time.Hour)
	_, ok, err := f.gw.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.store.Get(ctx, s.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.Equal(t, SignedOut, waitEvent(t, f.events).Type)
}

func TestGetSessionUnknownID(t *testing.T) {
	f := newFixture(t)
	_, ok, err := f.gw.GetSession(context.Background(), "nope")
	assert.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = f.gw.GetSession(context.Background(), "")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestGetUserReverifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fake.AddUser("ada@example.com", "Secret123")
	s, err := f.gw.PasswordSignIn(ctx, "ada@example.com", "Secret123")
	require.NoError(t, err)

	id, ok, err := f.gw.GetUser(ctx, s.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, s.Identity, id)

	f.fake.SetFailUser(true)
	_, _, err = f.gw.GetUser(ctx, s.ID)
	assert.Error(t, err)
	f.fake.SetFailUser(false)

	// the local record still looks fresh; the Auth Service disagrees
	f.fake.ExpireAccess()
	_, ok, err = f.gw.GetUser(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSignOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fake.AddUser("ada@example.com", "Secret123")
	s, err := f.gw.PasswordSignIn(ctx, "ada@example.com", "Secret123")
	require.NoError(t, err)
	waitEvent(t, f.events)

	require.NoError(t, f.gw.SignOut(ctx, s.ID))
	assert.Equal(t, []string{s.AccessToken}, f.fake.LoggedOut())
	_, ok, err := f.gw.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, SignedOut, waitEvent(t, f.events).Type)

	// idempotent
	require.NoError(t, f.gw.SignOut(ctx, s.ID))
}

func TestSessionFromTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fake.AddUser("ada@example.com", "Secret123")
	first, err := f.gw.PasswordSignIn(ctx, "ada@example.com", "Secret123")
	require.NoError(t, err)

	s, err := f.gw.SessionFromTokens(ctx, first.AccessToken, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, s.ID)
	assert.Equal(t, first.Identity, s.Identity)
	assert.False(t, s.ExpiresAt.IsZero())

	_, err = f.gw.SessionFromTokens(ctx, "forged", "forged")
	assert.ErrorIs(t, err, autherr.ErrAuthentication)
}
