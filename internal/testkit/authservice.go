// Package testkit provides an in-process stand-in for the hosted Auth
// Service. It implements the subset of the OAuth2 and user endpoints the
// gateway calls, enforcing S256 PKCE and single-use authorization codes.
package testkit

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// APIKey is the key every request must carry in the apikey header.
	APIKey = "test-service-key"
	// ClientID is the public key expected as client_id.
	ClientID = "test-public-key"

	signingSecret = "testkit-signing-secret"
)

type user struct {
	ID       string
	Email    string
	Password string
}

type authCode struct {
	Challenge  string
	User       user
	RedirectTo string
}

type tokenInfo struct {
	User    user
	Expires time.Time
}

// AuthService is a fake Auth Service bound to an httptest.Server.
type AuthService struct {
	Server *httptest.Server

	mu        sync.Mutex
	users     map[string]user // by email
	codes     map[string]authCode
	access    map[string]tokenInfo
	refresh   map[string]user
	grants    map[string]int
	loggedOut []string

	// AccessTTL is the lifetime of issued access tokens.
	AccessTTL time.Duration
	// FailUser makes /user respond 503.
	FailUser bool
	// OmitUser drops the "user" object from token responses so callers
	// must fall back to the access token claims.
	OmitUser bool
}

// NewAuthService starts a fake Auth Service closed at test cleanup.
func NewAuthService(t testing.TB) *AuthService {
	t.Helper()
	a := &AuthService{
		users:     make(map[string]user),
		codes:     make(map[string]authCode),
		access:    make(map[string]tokenInfo),
		refresh:   make(map[string]user),
		grants:    make(map[string]int),
		AccessTTL: time.Hour,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/authorize", a.handleAuthorize)
	mux.HandleFunc("/token", a.handleToken)
	mux.HandleFunc("/user", a.handleUser)
	mux.HandleFunc("/logout", a.handleLogout)
	mux.HandleFunc("/signup", a.handleSignup)
	a.Server = httptest.NewServer(a.requireAPIKey(mux))
	t.Cleanup(a.Server.Close)
	return a
}

// URL is the base URL of the fake service.
func (a *AuthService) URL() string { return a.Server.URL }

// AddUser registers a password user and returns its id.
func (a *AuthService) AddUser(email, password string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	u := user{ID: uuid.NewString(), Email: strings.ToLower(email), Password: password}
	a.users[u.Email] = u
	return u.ID
}

// IssueCode mints an authorization code bound to challenge for the user
// with email, as the provider redirect would.
func (a *AuthService) IssueCode(email, challenge string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	u, ok := a.users[strings.ToLower(email)]
	if !ok {
		u = user{ID: uuid.NewString(), Email: strings.ToLower(email)}
		a.users[u.Email] = u
	}
	code := randomHex(16)
	a.codes[code] = authCode{Challenge: challenge, User: u}
	return code
}

// UserID returns the id registered for email.
func (a *AuthService) UserID(email string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.users[strings.ToLower(email)].ID
}

// Grants returns how many token requests used grantType.
func (a *AuthService) Grants(grantType string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.grants[grantType]
}

// LoggedOut returns the access tokens revoked through /logout.
func (a *AuthService) LoggedOut() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.loggedOut...)
}

// ExpireAccess makes every issued access token invalid.
func (a *AuthService) ExpireAccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, v := range a.access {
		v.Expires = time.Now().Add(-time.Second)
		a.access[k] = v
	}
}

// RevokeRefresh invalidates every refresh token.
func (a *AuthService) RevokeRefresh() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refresh = make(map[string]user)
}

func (a *AuthService) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// the browser follows /authorize directly and never has the key
		if r.URL.Path != "/authorize" && r.Header.Get("apikey") != APIKey {
			writeError(w, http.StatusUnauthorized, "invalid_api_key", "No API key found in request")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleAuthorize approves immediately as the first registered user or a
// fresh one, redirecting to redirect_to with a code.
func (a *AuthService) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "PKCE S256 challenge required")
		return
	}
	redirect, err := url.Parse(q.Get("redirect_to"))
	if err != nil || redirect.Scheme == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "redirect_to must be absolute")
		return
	}
	code := a.IssueCode(q.Get("provider")+"-user@example.com", q.Get("code_challenge"))
	rq := redirect.Query()
	rq.Set("code", code)
	redirect.RawQuery = rq.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (a *AuthService) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
		return
	}
	grant := r.FormValue("grant_type")
	a.mu.Lock()
	a.grants[grant]++
	a.mu.Unlock()

	if r.FormValue("client_id") != ClientID {
		writeError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
		return
	}

	switch grant {
	case "authorization_code":
		a.mu.Lock()
		ac, ok := a.codes[r.FormValue("code")]
		// codes are single-use whatever the outcome
		delete(a.codes, r.FormValue("code"))
		a.mu.Unlock()
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_grant", "invalid or expired authorization code")
			return
		}
		if !verifyPKCE(r.FormValue("code_verifier"), ac.Challenge) {
			writeError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
			return
		}
		a.writeTokens(w, ac.User)
	case "refresh_token":
		a.mu.Lock()
		u, ok := a.refresh[r.FormValue("refresh_token")]
		delete(a.refresh, r.FormValue("refresh_token"))
		a.mu.Unlock()
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_grant", "Invalid Refresh Token")
			return
		}
		a.writeTokens(w, u)
	case "password":
		a.mu.Lock()
		u, ok := a.users[strings.ToLower(r.FormValue("username"))]
		a.mu.Unlock()
		if !ok || u.Password == "" || u.Password != r.FormValue("password") {
			writeError(w, http.StatusBadRequest, "invalid_grant", "Invalid login credentials")
			return
		}
		a.writeTokens(w, u)
	default:
		writeError(w, http.StatusBadRequest, "unsupported_grant_type", "unsupported grant type")
	}
}

func (a *AuthService) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	email := strings.ToLower(strings.TrimSpace(body.Email))
	a.mu.Lock()
	if _, exists := a.users[email]; exists {
		a.mu.Unlock()
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"code": 422, "error_code": "user_already_exists", "msg": "User already registered",
		})
		return
	}
	u := user{ID: uuid.NewString(), Email: email, Password: body.Password}
	a.users[email] = u
	a.mu.Unlock()
	a.writeTokens(w, u)
}

func (a *AuthService) bearer(r *http.Request) (tokenInfo, bool) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return tokenInfo{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	ti, ok := a.access[raw]
	if !ok || time.Now().After(ti.Expires) {
		return tokenInfo{}, false
	}
	return ti, true
}

func (a *AuthService) handleUser(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	fail := a.FailUser
	a.mu.Unlock()
	if fail {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "upstream unavailable")
		return
	}
	ti, ok := a.bearer(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "bad_jwt", "invalid JWT")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": ti.User.ID, "email": ti.User.Email})
}

func (a *AuthService) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	a.mu.Lock()
	delete(a.access, raw)
	a.loggedOut = append(a.loggedOut, raw)
	a.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// SetFailUser toggles /user failures.
func (a *AuthService) SetFailUser(v bool) {
	a.mu.Lock()
	a.FailUser = v
	a.mu.Unlock()
}

func (a *AuthService) writeTokens(w http.ResponseWriter, u user) {
	a.mu.Lock()
	ttl := a.AccessTTL
	omit := a.OmitUser
	a.mu.Unlock()

	exp := time.Now().Add(ttl)
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   u.ID,
		"email": u.Email,
		"exp":   exp.Unix(),
		"jti":   randomHex(8),
	}).SignedString([]byte(signingSecret))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	refresh := randomHex(24)

	a.mu.Lock()
	a.access[access] = tokenInfo{User: u, Expires: exp}
	a.refresh[refresh] = u
	a.mu.Unlock()

	resp := map[string]any{
		"access_token":  access,
		"token_type":    "bearer",
		"expires_in":    int(ttl.Seconds()),
		"refresh_token": refresh,
	}
	if !omit {
		resp["user"] = map[string]any{"id": u.ID, "email": u.Email}
	}
	writeJSON(w, http.StatusOK, resp)
}

func verifyPKCE(verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:]) == challenge
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": desc})
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
