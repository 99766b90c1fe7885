package session

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

const DefaultCookieName = "sb-session"

// Cookies writes and reads the session id cookie.
type Cookies struct {
	Name   string
	TTL    time.Duration
	Secure bool
}

func NewCookies(ttl time.Duration, secure bool) Cookies {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return Cookies{Name: DefaultCookieName, TTL: ttl, Secure: secure}
}

// Set writes the session cookie. Handlers call it before redirecting so
// the browser holds the cookie on its very next request.
func (k Cookies) Set(c echo.Context, id string) {
	c.SetCookie(&http.Cookie{
		Name:     k.Name,
		Value:    id,
		Path:     "/",
		MaxAge:   int(k.TTL / time.Second),
		HttpOnly: true,
		Secure:   k.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Clear expires the session cookie.
func (k Cookies) Clear(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     k.Name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   k.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ID returns the session id carried by the request, or "".
func (k Cookies) ID(c echo.Context) string {
	ck, err := c.Cookie(k.Name)
	if err != nil {
		return ""
	}
	return ck.Value
}
