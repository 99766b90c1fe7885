package utils

import (
	"net/url"
	"strings"
)

// SafeRedirectPath accepts only same-origin absolute paths ("/x?y") so a
// post-login "redirect" or "next" parameter can never send the browser to
// another host.
func SafeRedirectPath(p string) (string, bool) {
	p = strings.TrimSpace(p)
	if p == "" || !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.Contains(p, `\`) {
		return "", false
	}
	u, err := url.Parse(p)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "", false
	}
	return u.RequestURI(), true
}
