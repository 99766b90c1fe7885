// Package gateway wraps the hosted Auth Service. It owns the OAuth2
// client, the server-side session records and the auth event bus; every
// failure it returns is an *autherr.Error.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/iliyamo/saas-auth/internal/autherr"
	"github.com/iliyamo/saas-auth/internal/model"
	"github.com/iliyamo/saas-auth/internal/session"
	"github.com/iliyamo/saas-auth/internal/utils"
)

const (
	callbackPath         = "/auth/callback"
	defaultClientTimeout = 10 * time.Second
	// used when neither the token response nor the access token says
	defaultAccessTTL = time.Hour
)

// DefaultProviders is the OAuth provider allow-list when none is configured.
var DefaultProviders = []string{"google", "github"}

var tracer = otel.Tracer("github.com/iliyamo/saas-auth/internal/gateway")

// Options configures a Gateway.
type Options struct {
	// BaseURL is the Auth Service root, e.g. https://auth.example.com/auth/v1.
	BaseURL string
	// PublicKey is the browser-safe client id.
	PublicKey string
	// ServiceKey authenticates back-channel calls. It is never placed in a
	// URL the browser sees. Falls back to PublicKey when empty.
	ServiceKey string
	// AppURL is the public origin used to build the OAuth return address.
	AppURL     string
	Providers  []string
	Sessions   session.Store
	SessionTTL time.Duration
	Bus        *Bus
	HTTPClient *http.Client
	Logger     *zap.Logger
	Now        func() time.Time
}

// Gateway is safe for concurrent use.
type Gateway struct {
	oauth     *oauth2.Config
	baseURL   string
	appURL    string
	providers map[string]bool
	client    *http.Client
	sessions  session.Store
	ttl       time.Duration
	bus       *Bus
	log       *zap.Logger
	now       func() time.Time

	refreshes singleflight.Group
}

// New validates opts and builds a Gateway. Missing Auth Service settings
// are a configuration error.
func New(opts Options) (*Gateway, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, autherr.Configuration("Server configuration error", errors.New("auth service url is required"))
	}
	if strings.TrimSpace(opts.PublicKey) == "" {
		return nil, autherr.Configuration("Server configuration error", errors.New("auth service public key is required"))
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	key := opts.ServiceKey
	if key == "" {
		key = opts.PublicKey
	}

	client := &http.Client{Timeout: defaultClientTimeout}
	if opts.HTTPClient != nil {
		c := *opts.HTTPClient
		client = &c
	}
	client.Transport = &apiKeyTransport{key: key, base: client.Transport}

	providers := opts.Providers
	if len(providers) == 0 {
		providers = DefaultProviders
	}
	allowed := make(map[string]bool, len(providers))
	for _, p := range providers {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			allowed[p] = true
		}
	}

	g := &Gateway{
		oauth: &oauth2.Config{
			ClientID: opts.PublicKey,
			Endpoint: oauth2.Endpoint{
				AuthURL:   base + "/authorize",
				TokenURL:  base + "/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		baseURL:   base,
		appURL:    strings.TrimRight(strings.TrimSpace(opts.AppURL), "/"),
		providers: allowed,
		client:    client,
		sessions:  opts.Sessions,
		ttl:       opts.SessionTTL,
		bus:       opts.Bus,
		log:       log.Named("gateway"),
		now:       opts.Now,
	}
	if g.sessions == nil {
		g.sessions = session.NewMemoryStore()
	}
	if g.ttl <= 0 {
		g.ttl = session.DefaultTTL
	}
	if g.bus == nil {
		g.bus = NewBus(log.Named("events"), 0)
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g, nil
}

// Subscribe registers fn for auth state changes.
func (g *Gateway) Subscribe(name string, fn func(Event)) func() {
	return g.bus.Subscribe(name, fn)
}

func (g *Gateway) httpCtx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, g.client)
}

// StartOAuth returns the authorization URL for provider carrying the S256
// challenge. The caller persists the paired verifier before redirecting.
// next, when a safe relative path, is threaded through the return address.
func (g *Gateway) StartOAuth(ctx context.Context, provider, challenge, next string) (string, error) {
	_, span := tracer.Start(ctx, "gateway.StartOAuth")
	defer span.End()

	if g.appURL == "" {
		err := autherr.Configuration("Server configuration error", errors.New("APP_URL is not set"))
		span.SetStatus(codes.Error, "missing app url")
		return "", err
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	if !g.providers[provider] {
		return "", autherr.Validation("Unsupported sign-in provider", fmt.Errorf("provider %q not allowed", provider))
	}
	if challenge == "" {
		return "", autherr.Validation("Failed to initiate authentication", errors.New("empty code challenge"))
	}
	span.SetAttributes(attribute.String("auth.provider", provider))

	redirectTo := g.appURL + callbackPath
	if p, ok := utils.SafeRedirectPath(next); ok {
		redirectTo += "?next=" + url.QueryEscape(p)
	}
	return g.oauth.AuthCodeURL("",
		oauth2.SetAuthURLParam("provider", provider),
		oauth2.SetAuthURLParam("redirect_to", redirectTo),
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", utils.ChallengeMethod),
		oauth2.SetAuthURLParam("access_type", "offline"),
		oauth2.SetAuthURLParam("prompt", "consent"),
	), nil
}

// ExchangeCode trades an authorization code and its verifier for a
// session. It makes exactly one token request; codes are single-use so a
// failed exchange is never retried here.
func (g *Gateway) ExchangeCode(ctx context.Context, code, verifier string) (model.Session, error) {
	ctx, span := tracer.Start(ctx, "gateway.ExchangeCode")
	defer span.End()

	if code == "" {
		return model.Session{}, autherr.Validation("No authorization code received", nil)
	}
	if verifier == "" {
		return model.Session{}, autherr.SessionExpired("Your sign-in session expired. Please try again.", nil)
	}
	tok, err := g.oauth.Exchange(g.httpCtx(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "exchange failed")
		g.log.Warn("code exchange failed", zap.String("provider_error", providerDetail(err)), zap.Error(err))
		return model.Session{}, autherr.Authentication("Authentication failed. Please try again.", err)
	}
	sess, err := g.createSession(ctx, tok, model.Identity{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session create failed")
		return model.Session{}, err
	}
	span.SetAttributes(attribute.String("auth.user_id", sess.Identity.ID))
	return sess, nil
}

// SessionFromTokens adopts a token pair delivered through the legacy
// fragment flow. The access token is verified with the Auth Service
// before it is trusted.
func (g *Gateway) SessionFromTokens(ctx context.Context, accessToken, refreshToken string) (model.Session, error) {
	if accessToken == "" || refreshToken == "" {
		return model.Session{}, autherr.Validation("No authorization code received", nil)
	}
	id, ok, err := g.fetchUser(ctx, accessToken)
	if err != nil {
		return model.Session{}, autherr.Authentication("Authentication failed. Please try again.", err)
	}
	if !ok {
		return model.Session{}, autherr.Authentication("Authentication failed. Please try again.", errors.New("access token rejected"))
	}
	tok := &oauth2.Token{AccessToken: accessToken, RefreshToken: refreshToken}
	if claims, err := utils.PeekAccessClaims(accessToken); err == nil && !claims.Exp.IsZero() {
		tok.Expiry = claims.Exp
	}
	return g.createSession(ctx, tok, id)
}

// PasswordSignIn validates the form and runs the password grant.
func (g *Gateway) PasswordSignIn(ctx context.Context, email, password string) (model.Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if fe := validateSignIn(email, password); fe != nil {
		return model.Session{}, fe
	}
	tok, err := g.oauth.PasswordCredentialsToken(g.httpCtx(ctx), email, password)
	if err != nil {
		g.log.Info("password sign-in rejected", zap.String("provider_error", providerDetail(err)))
		return model.Session{}, autherr.Authentication("Invalid email or password", err)
	}
	return g.createSession(ctx, tok, model.Identity{})
}

// SignUp registers a password account and returns its first session.
func (g *Gateway) SignUp(ctx context.Context, email, password string) (model.Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if fe := validateSignUp(email, password); fe != nil {
		return model.Session{}, fe
	}
	body, _ := json.Marshal(map[string]string{"email": email, "password": password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/signup", bytes.NewReader(body))
	if err != nil {
		return model.Session{}, autherr.Authentication("Registration failed. Please try again.", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.client.Do(req)
	if err != nil {
		return model.Session{}, autherr.Authentication("Registration failed. Please try again.", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return model.Session{}, autherr.Authentication("Registration failed. Please try again.", err)
	}
	if resp.StatusCode >= 400 {
		res := gjson.ParseBytes(raw)
		cause := fmt.Errorf("signup: status %d: %s", resp.StatusCode, describeBody(res))
		if res.Get("error_code").String() == "user_already_exists" {
			fe := autherr.FieldErrors(map[string][]string{"email": {"An account with this email already exists"}})
			fe.Err = cause
			return model.Session{}, fe
		}
		return model.Session{}, autherr.Authentication("Registration failed. Please try again.", cause)
	}

	res := gjson.ParseBytes(raw)
	tok := &oauth2.Token{
		AccessToken:  res.Get("access_token").String(),
		RefreshToken: res.Get("refresh_token").String(),
		TokenType:    res.Get("token_type").String(),
	}
	if tok.AccessToken == "" {
		return model.Session{}, autherr.Authentication("Registration failed. Please try again.", errors.New("signup returned no session"))
	}
	if secs := res.Get("expires_in").Int(); secs > 0 {
		tok.Expiry = g.now().Add(time.Duration(secs) * time.Second)
	}
	id := model.Identity{ID: res.Get("user.id").String(), Email: res.Get("user.email").String()}
	return g.createSession(ctx, tok, id)
}

// GetSession returns the session for id. An expired access token is
// refreshed transparently; a rejected refresh removes the session.
func (g *Gateway) GetSession(ctx context.Context, id string) (model.Session, bool, error) {
	if id == "" {
		return model.Session{}, false, nil
	}
	s, err := g.sessions.Get(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		return model.Session{}, false, nil
	}
	if err != nil {
		return model.Session{}, false, err
	}
	if !s.Expired(g.now()) {
		return s, true, nil
	}

	// collapse concurrent refreshes: the refresh token is single-use
	v, err, _ := g.refreshes.Do(id, func() (interface{}, error) {
		return g.refresh(ctx, s)
	})
	if err != nil {
		return model.Session{}, false, err
	}
	res := v.(refreshResult)
	return res.sess, res.ok, nil
}

type refreshResult struct {
	sess model.Session
	ok   bool
}

func (g *Gateway) refresh(ctx context.Context, s model.Session) (refreshResult, error) {
	// an empty access token forces the token source to hit the endpoint
	tok, err := g.oauth.TokenSource(g.httpCtx(ctx), &oauth2.Token{RefreshToken: s.RefreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if !errors.As(err, &re) {
			return refreshResult{}, fmt.Errorf("refresh session: %w", err)
		}
		g.log.Info("session refresh rejected", zap.String("session_id", s.ID), zap.String("provider_error", providerDetail(err)))
		if derr := g.sessions.Delete(ctx, s.ID); derr != nil {
			g.log.Warn("delete rejected session", zap.Error(derr))
		}
		g.bus.Publish(Event{Type: SignedOut, SessionID: s.ID, Identity: s.Identity, At: g.now().UTC()})
		return refreshResult{}, nil
	}

	next := s
	next.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
	}
	next.ExpiresAt = g.expiry(tok)
	if err := g.sessions.Save(ctx, next, g.ttl); err != nil {
		return refreshResult{}, fmt.Errorf("save refreshed session: %w", err)
	}
	g.bus.Publish(Event{Type: TokenRefreshed, SessionID: next.ID, Identity: next.Identity, At: g.now().UTC()})
	return refreshResult{sess: next, ok: true}, nil
}

// GetUser re-verifies the session's access token with the Auth Service.
// Use it, not the stored identity, for authorization decisions.
func (g *Gateway) GetUser(ctx context.Context, sessionID string) (model.Identity, bool, error) {
	s, ok, err := g.GetSession(ctx, sessionID)
	if err != nil || !ok {
		return model.Identity{}, false, err
	}
	return g.fetchUser(ctx, s.AccessToken)
}

func (g *Gateway) fetchUser(ctx context.Context, accessToken string) (model.Identity, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/user", nil)
	if err != nil {
		return model.Identity{}, false, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := g.client.Do(req)
	if err != nil {
		return model.Identity{}, false, fmt.Errorf("get user: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return model.Identity{}, false, nil
	case resp.StatusCode >= 400:
		return model.Identity{}, false, fmt.Errorf("get user: status %d: %s", resp.StatusCode, describeBody(gjson.ParseBytes(raw)))
	}
	res := gjson.ParseBytes(raw)
	id := model.Identity{ID: res.Get("id").String(), Email: res.Get("email").String()}
	if id.ID == "" {
		return model.Identity{}, false, errors.New("get user: response has no id")
	}
	return id, true, nil
}

// SignOut revokes the session at the Auth Service and locally. The local
// record is removed even when the remote call fails.
func (g *Gateway) SignOut(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	s, err := g.sessions.Get(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := g.revoke(ctx, s.AccessToken); err != nil {
		g.log.Warn("remote sign-out failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	if err := g.sessions.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	g.bus.Publish(Event{Type: SignedOut, SessionID: sessionID, Identity: s.Identity, At: g.now().UTC()})
	return nil
}

func (g *Gateway) revoke(ctx context.Context, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/logout", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusUnauthorized {
		return fmt.Errorf("logout: status %d", resp.StatusCode)
	}
	return nil
}

// createSession stores a new session for tok and emits SIGNED_IN. id is
// used when the caller already knows the identity.
func (g *Gateway) createSession(ctx context.Context, tok *oauth2.Token, id model.Identity) (model.Session, error) {
	if id.ID == "" {
		var err error
		if id, err = identityFromToken(tok); err != nil {
			return model.Session{}, autherr.Authentication("Authentication failed. Please try again.", err)
		}
	}
	sid, err := session.NewID()
	if err != nil {
		return model.Session{}, fmt.Errorf("new session id: %w", err)
	}
	s := model.Session{
		ID:           sid,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    g.expiry(tok),
		Identity:     id,
	}
	if err := g.sessions.Save(ctx, s, g.ttl); err != nil {
		return model.Session{}, fmt.Errorf("save session: %w", err)
	}
	g.bus.Publish(Event{Type: SignedIn, SessionID: s.ID, Identity: s.Identity, At: g.now().UTC()})
	return s, nil
}

func (g *Gateway) expiry(tok *oauth2.Token) time.Time {
	if !tok.Expiry.IsZero() {
		return tok.Expiry.UTC()
	}
	if c, err := utils.PeekAccessClaims(tok.AccessToken); err == nil && !c.Exp.IsZero() {
		return c.Exp.UTC()
	}
	return g.now().Add(defaultAccessTTL).UTC()
}

// identityFromToken reads the "user" object of the token response and
// falls back to the access token's sub/email claims.
func identityFromToken(tok *oauth2.Token) (model.Identity, error) {
	if u, ok := tok.Extra("user").(map[string]interface{}); ok {
		id, _ := u["id"].(string)
		email, _ := u["email"].(string)
		if id != "" {
			return model.Identity{ID: id, Email: email}, nil
		}
	}
	c, err := utils.PeekAccessClaims(tok.AccessToken)
	if err != nil {
		return model.Identity{}, fmt.Errorf("token response carries no identity: %w", err)
	}
	return model.Identity{ID: c.Subject, Email: c.Email}, nil
}

// providerDetail extracts the Auth Service's own description of a token
// failure. It is for logs only.
func providerDetail(err error) string {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return err.Error()
	}
	return describeBody(gjson.ParseBytes(re.Body))
}

func describeBody(res gjson.Result) string {
	for _, path := range []string{"error_description", "msg", "message", "error"} {
		if v := res.Get(path).String(); v != "" {
			return v
		}
	}
	return res.Raw
}
