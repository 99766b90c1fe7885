package handler

import (
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
)

// originOf reduces a URL to its scheme://host origin, or "" when raw is
// not absolute.
func originOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

// sameOrigin reports whether a state-changing request was issued by a page
// of this application. Sec-Fetch-Site is trusted when the browser sends
// it; otherwise Origin must match. A request carrying neither is refused,
// since every browser that can run the bridge page sends Origin on a POST.
func (h *AuthHandler) sameOrigin(c echo.Context) bool {
	req := c.Request()
	if site := req.Header.Get("Sec-Fetch-Site"); site != "" && site != "same-origin" {
		return false
	}
	origin := strings.ToLower(strings.TrimSpace(req.Header.Get(echo.HeaderOrigin)))
	if origin == "" || origin == "null" {
		return req.Header.Get("Sec-Fetch-Site") == "same-origin"
	}
	want := h.AppOrigin
	if want == "" {
		want = strings.ToLower(c.Scheme() + "://" + req.Host)
	}
	return origin == want
}
