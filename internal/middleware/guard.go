package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/saas-auth/internal/model"
	"github.com/iliyamo/saas-auth/internal/repository"
	"github.com/iliyamo/saas-auth/internal/session"
	"github.com/iliyamo/saas-auth/internal/utils"
)

// GraceCookieName carries the short-lived token minted by the OAuth
// callback.
const GraceCookieName = "sb-grace"

// SubscriptionPolicy decides what a failed subscription lookup means.
type SubscriptionPolicy int

const (
	// SubscriptionFailOpen lets the request through when the status cannot
	// be read, so an outage in billing data does not lock every subscriber
	// out.  It is the default and it is a security-relevant choice.
	SubscriptionFailOpen SubscriptionPolicy = iota
	// SubscriptionFailClosed sends the request to the pricing page instead.
	SubscriptionFailClosed
)

func (p SubscriptionPolicy) String() string {
	if p == SubscriptionFailClosed {
		return "fail-closed"
	}
	return "fail-open"
}

// ParseSubscriptionPolicy accepts "fail-open" or "fail-closed".
func ParseSubscriptionPolicy(s string) (SubscriptionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fail-open", "open":
		return SubscriptionFailOpen, nil
	case "fail-closed", "closed":
		return SubscriptionFailClosed, nil
	}
	return SubscriptionFailOpen, fmt.Errorf("unknown subscription policy %q", s)
}

// GuardRules lists the paths the guard cares about.
type GuardRules struct {
	// Protected prefixes require a session.
	Protected []string
	// AuthPages are exact paths a signed-in user is bounced away from.
	AuthPages []string
	// SubscriptionGated prefixes also require an active subscription.
	SubscriptionGated []string

	LoginPath   string
	LandingPath string
	PricingPath string
}

// DefaultGuardRules mirrors the starter's route layout.
func DefaultGuardRules() GuardRules {
	return GuardRules{
		Protected:         []string{"/dashboard"},
		AuthPages:         []string{"/login", "/register"},
		SubscriptionGated: []string{"/dashboard/premium"},
		LoginPath:         "/login",
		LandingPath:       "/dashboard",
		PricingPath:       "/pricing",
	}
}

// matchPrefix matches whole path segments: "/dashboard" covers
// "/dashboard" and "/dashboard/x" but not "/dashboards".
func matchPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		p = strings.TrimRight(p, "/")
		if p == "" {
			continue
		}
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

func matchExact(path string, paths []string) bool {
	for _, p := range paths {
		if path == p {
			return true
		}
	}
	return false
}

// IsProtected reports whether path needs a session.
func (r GuardRules) IsProtected(path string) bool {
	return matchPrefix(path, r.Protected) || r.IsGated(path)
}

// IsGated reports whether path needs an active subscription.
func (r GuardRules) IsGated(path string) bool { return matchPrefix(path, r.SubscriptionGated) }

// IsAuthPage reports whether path is a sign-in or registration page.
func (r GuardRules) IsAuthPage(path string) bool { return matchExact(path, r.AuthPages) }

// Navigation is everything Decide needs to know about one request.
type Navigation struct {
	Path     string
	RawQuery string
	// HasSession is false when the lookup failed.
	HasSession bool
	// GraceValid is true when a valid grace token came with the request.
	GraceValid bool
	// SubscriptionActive and SubscriptionErr are only read for gated
	// paths with a session.
	SubscriptionActive bool
	SubscriptionErr    error
}

// Decision is the guard's verdict.
type Decision struct {
	Redirect string
	Reason   string
	// FailedOpen is set when access was granted only because of
	// SubscriptionFailOpen.
	FailedOpen bool
}

// Allowed reports whether the request passes through.
func (d Decision) Allowed() bool { return d.Redirect == "" }

// Decide is the guard's policy as a pure function.
func Decide(rules GuardRules, policy SubscriptionPolicy, nav Navigation) Decision {
	gated := rules.IsGated(nav.Path)

	if rules.IsProtected(nav.Path) && !nav.HasSession {
		// a grace token bridges the first navigation after the callback,
		// but never unlocks paid content
		if nav.GraceValid && !gated {
			return Decision{Reason: "grace"}
		}
		target := nav.Path
		if nav.RawQuery != "" {
			target += "?" + nav.RawQuery
		}
		return Decision{
			Redirect: rules.LoginPath + "?next=" + url.QueryEscape(target),
			Reason:   "no session",
		}
	}

	if nav.HasSession && rules.IsAuthPage(nav.Path) {
		return Decision{Redirect: rules.LandingPath, Reason: "already signed in"}
	}

	if nav.HasSession && gated {
		if nav.SubscriptionErr != nil {
			if policy == SubscriptionFailClosed {
				return Decision{Redirect: rules.PricingPath, Reason: "subscription lookup failed, fail-closed"}
			}
			return Decision{Reason: "subscription lookup failed, fail-open", FailedOpen: true}
		}
		if !nav.SubscriptionActive {
			return Decision{Redirect: rules.PricingPath, Reason: "subscription inactive"}
		}
	}
	return Decision{Reason: "allowed"}
}

// SubscriptionLookup reads a profile's billing status.
type SubscriptionLookup interface {
	SubscriptionStatus(ctx context.Context, profileID string) (string, error)
}

// GuardOptions wires RouteGuard.
type GuardOptions struct {
	Rules         GuardRules
	Policy        SubscriptionPolicy
	Sessions      SessionLookup
	Subscriptions SubscriptionLookup
	Cookies       session.Cookies
	Grace         *utils.GraceSigner
	Logger        *zap.Logger
}

// RouteGuard redirects page navigations according to Decide.  It runs
// before any page is served, so the browser never renders a page it is
// about to be sent away from.
func RouteGuard(opts GuardOptions) echo.MiddlewareFunc {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("guard")
	if opts.Policy == SubscriptionFailOpen {
		log.Warn("subscription gating is fail-open: a failed status lookup grants access to gated routes",
			zap.Strings("gated_prefixes", opts.Rules.SubscriptionGated))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			nav := Navigation{Path: req.URL.Path, RawQuery: req.URL.RawQuery}
			rules := opts.Rules

			if !rules.IsProtected(nav.Path) && !rules.IsAuthPage(nav.Path) {
				return next(c)
			}

			sess, ok := resolveSession(c, opts.Sessions, opts.Cookies, log)
			nav.HasSession = ok

			if !ok && rules.IsProtected(nav.Path) {
				nav.GraceValid = graceValid(c, opts.Grace)
			}

			if ok && rules.IsGated(nav.Path) {
				active, stillSignedIn, err := subscriptionActive(c.Request().Context(), opts, sess)
				if !stillSignedIn {
					nav.HasSession = false
				}
				nav.SubscriptionActive, nav.SubscriptionErr = active, err
			}

			d := Decide(rules, opts.Policy, nav)
			if d.FailedOpen {
				log.Warn("subscription lookup failed, allowing access under fail-open policy",
					zap.String("path", nav.Path),
					zap.String("user_id", sess.Identity.ID),
					zap.Error(nav.SubscriptionErr))
			}
			if !d.Allowed() {
				log.Debug("guard redirect",
					zap.String("path", nav.Path), zap.String("to", d.Redirect), zap.String("reason", d.Reason))
				return c.Redirect(http.StatusFound, d.Redirect)
			}
			return next(c)
		}
	}
}

// subscriptionActive re-verifies the identity with the Auth Service before
// trusting it for a billing decision, then reads the status.
func subscriptionActive(ctx context.Context, opts GuardOptions, sess model.Session) (active, signedIn bool, err error) {
	id, ok, err := opts.Sessions.GetUser(ctx, sess.ID)
	if err != nil {
		return false, true, fmt.Errorf("verify user: %w", err)
	}
	if !ok {
		return false, false, nil
	}
	if opts.Subscriptions == nil {
		return false, true, errors.New("no subscription store configured")
	}
	status, err := opts.Subscriptions.SubscriptionStatus(ctx, id.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, true, nil
	}
	if err != nil {
		return false, true, err
	}
	return status == model.SubscriptionActive, true, nil
}

func graceValid(c echo.Context, g *utils.GraceSigner) bool {
	if !g.Enabled() {
		return false
	}
	ck, err := c.Cookie(GraceCookieName)
	if err != nil {
		return false
	}
	_, err = g.Verify(ck.Value)
	return err == nil
}
