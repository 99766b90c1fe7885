package callback

import (
	"context"
	"net/url"
	"strings"
)

// Params is what the identity provider handed back on the redirect.
type Params struct {
	Code             string
	Error            string
	ErrorDescription string
	// legacy fragment delivery
	AccessToken  string
	RefreshToken string
	// Next is the post-login target threaded through StartOAuth.
	Next string
}

// Implicit reports whether the params carry a token pair instead of a code.
func (p Params) Implicit() bool {
	return p.AccessToken != "" && p.RefreshToken != ""
}

// ParseParams reads the redirect's query and, when present, its fragment.
// The query wins for error fields; tokens only ever come from the fragment.
func ParseParams(query url.Values, fragment string) Params {
	p := Params{
		Code:             strings.TrimSpace(query.Get("code")),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
		Next:             query.Get("next"),
	}
	fragment = strings.TrimPrefix(fragment, "#")
	if fragment == "" {
		return p
	}
	f, err := url.ParseQuery(fragment)
	if err != nil {
		return p
	}
	p.AccessToken = f.Get("access_token")
	p.RefreshToken = f.Get("refresh_token")
	if p.Error == "" {
		p.Error = f.Get("error")
		p.ErrorDescription = f.Get("error_description")
	}
	return p
}

// ParamSource yields the callback params. It is called once per attempt
// of the params retry policy.
type ParamSource func(ctx context.Context) (Params, error)

// StaticParams is a ParamSource for params that are fully known up front,
// which is always the case for an HTTP request.
func StaticParams(p Params) ParamSource {
	return func(context.Context) (Params, error) { return p, nil }
}
