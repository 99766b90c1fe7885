// Package verifier keeps the PKCE code verifier alive across the redirect
// to the identity provider and back. The only strategy implemented is a
// server-set httponly cookie; the browser never sees the verifier in
// script-readable storage.
package verifier

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/saas-auth/internal/utils"
)

const (
	DefaultCookieName = "pkce_verifier"
	DefaultTTL        = 10 * time.Minute
)

// Store persists one verifier for one sign-in attempt.
type Store interface {
	Save(verifier string)
	// Load returns the stored verifier without consuming it.
	Load() (string, bool)
	Clear()
}

// CookieStore is the cookie strategy. It is safe to share; For binds it to
// a single request.
type CookieStore struct {
	Name   string
	TTL    time.Duration
	Secure bool
	// Now is overridable in tests.
	Now func() time.Time
}

// NewCookieStore returns a store with the default cookie name.
func NewCookieStore(ttl time.Duration, secure bool) *CookieStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &CookieStore{Name: DefaultCookieName, TTL: ttl, Secure: secure, Now: time.Now}
}

func (s *CookieStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// For returns a Store reading the request's cookie and writing to its
// response.
func (s *CookieStore) For(c echo.Context) Store {
	return &requestStore{cfg: s, c: c}
}

type requestStore struct {
	cfg *CookieStore
	c   echo.Context

	// local view of writes made during this request
	written bool
	value   string
}

// encode prefixes the verifier with its unix expiry so an expired value is
// rejected even when a client keeps the cookie past Max-Age.
func encode(v string, exp time.Time) string {
	return strconv.FormatInt(exp.Unix(), 10) + "." + v
}

func decode(raw string, now time.Time) (string, bool) {
	expStr, v, ok := strings.Cut(raw, ".")
	if !ok {
		return "", false
	}
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil || !now.Before(time.Unix(exp, 0)) {
		return "", false
	}
	if !utils.ValidVerifier(v) {
		return "", false
	}
	return v, true
}

func (r *requestStore) Save(v string) {
	exp := r.cfg.now().Add(r.cfg.TTL)
	r.c.SetCookie(&http.Cookie{
		Name:     r.cfg.Name,
		Value:    encode(v, exp),
		Path:     "/",
		MaxAge:   int(r.cfg.TTL / time.Second),
		Expires:  exp,
		HttpOnly: true,
		Secure:   r.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	r.written, r.value = true, v
}

func (r *requestStore) Load() (string, bool) {
	if r.written {
		return r.value, r.value != ""
	}
	ck, err := r.c.Cookie(r.cfg.Name)
	if err != nil {
		return "", false
	}
	return decode(ck.Value, r.cfg.now())
}

func (r *requestStore) Clear() {
	r.c.SetCookie(&http.Cookie{
		Name:     r.cfg.Name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   r.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	r.written, r.value = true, ""
}
