// Package callback drives an OAuth redirect to a signed-in landing page:
// it validates the redirect params, exchanges the code exactly once,
// provisions the profile and decides where the browser goes next.
package callback

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/iliyamo/saas-auth/internal/autherr"
	"github.com/iliyamo/saas-auth/internal/model"
	"github.com/iliyamo/saas-auth/internal/retry"
	"github.com/iliyamo/saas-auth/internal/utils"
	"github.com/iliyamo/saas-auth/internal/verifier"
)

var tracer = otel.Tracer("github.com/iliyamo/saas-auth/internal/callback")

// State of a callback run.
type State string

const (
	StateStart            State = "START"
	StateValidatingParams State = "VALIDATING_PARAMS"
	StateExchanging       State = "EXCHANGING"
	StateReconciling      State = "RECONCILING"
	StateDone             State = "DONE"
	StateFailed           State = "FAILED"
)

const (
	DefaultLandingPath = "/dashboard"
	DefaultLoginPath   = "/login"
	DefaultErrorPath   = "/error"
)

var errDuplicateCallback = errors.New("callback already claimed for this code")

// Gateway is the subset of the Auth Gateway the orchestrator calls.
type Gateway interface {
	ExchangeCode(ctx context.Context, code, verifier string) (model.Session, error)
	SessionFromTokens(ctx context.Context, accessToken, refreshToken string) (model.Session, error)
	GetSession(ctx context.Context, sessionID string) (model.Session, bool, error)
	SignOut(ctx context.Context, sessionID string) error
}

// Reconciler provisions the profile for an identity.
type Reconciler interface {
	EnsureProfile(ctx context.Context, id model.Identity) (model.Profile, error)
}

// Options configures an Orchestrator. Zero values pick the defaults.
type Options struct {
	Gateway    Gateway
	Reconciler Reconciler
	Guard      Guard
	GuardTTL   time.Duration
	// ParamsPolicy governs waiting for a code that has not arrived yet.
	ParamsPolicy retry.Policy
	// ReconcilePolicy governs profile provisioning retries.
	ReconcilePolicy retry.Policy
	// Grace, when enabled, mints a short-lived token on success.
	Grace       *utils.GraceSigner
	LandingPath string
	LoginPath   string
	ErrorPath   string
	Logger      *zap.Logger
}

// Orchestrator is safe for concurrent use; each Run is independent apart
// from the shared one-shot guard.
type Orchestrator struct {
	opts Options
	log  *zap.Logger
}

func New(opts Options) *Orchestrator {
	if opts.Guard == nil {
		opts.Guard = NewMemoryGuard()
	}
	if opts.GuardTTL <= 0 {
		opts.GuardTTL = DefaultGuardTTL
	}
	if opts.ParamsPolicy.MaxAttempts == 0 {
		opts.ParamsPolicy = retry.Once
	}
	if opts.ReconcilePolicy.MaxAttempts == 0 {
		opts.ReconcilePolicy = retry.Exponential(3, 500*time.Millisecond, 2*time.Second)
	}
	if opts.LandingPath == "" {
		opts.LandingPath = DefaultLandingPath
	}
	if opts.LoginPath == "" {
		opts.LoginPath = DefaultLoginPath
	}
	if opts.ErrorPath == "" {
		opts.ErrorPath = DefaultErrorPath
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{opts: opts, log: log.Named("callback")}
}

// Request is one callback invocation.
type Request struct {
	Params   ParamSource
	Verifier verifier.Store
	// SessionID is the session cookie the browser already holds, if any.
	// It feeds the fallback rule.
	SessionID string
}

// Outcome is the result of a run.
type Outcome struct {
	State State
	// Trace lists every state entered, in order.
	Trace       []State
	RedirectURL string
	Err         error
	Session     model.Session
	Profile     model.Profile
	// NewSession is true when this run created Session.
	NewSession bool
	// Recovered is true when the fallback rule turned a failure into success.
	Recovered bool
	// Duplicate is true when another run already claimed the code.
	Duplicate bool
	Grace     utils.GraceToken
}

// Navigation is the {error?, url?} shape handed to the browser.
type Navigation struct {
	Error string `json:"error,omitempty"`
	URL   string `json:"url,omitempty"`
}

func (o *Outcome) enter(s State) {
	o.State = s
	o.Trace = append(o.Trace, s)
}

// Navigation renders the outcome for a JSON caller.
func (o Outcome) Navigation() Navigation {
	if o.State == StateFailed {
		return Navigation{Error: autherr.PublicMessage(o.Err), URL: o.RedirectURL}
	}
	return Navigation{URL: o.RedirectURL}
}

// Run executes the state machine. It never returns an error; failures are
// reported in the Outcome with a redirect target.
func (r *Orchestrator) Run(ctx context.Context, req Request) Outcome {
	ctx, span := tracer.Start(ctx, "callback.Run")
	defer span.End()

	out := Outcome{}
	out.enter(StateStart)
	r.run(ctx, req, &out)

	span.SetAttributes(
		attribute.String("callback.state", string(out.State)),
		attribute.Bool("callback.recovered", out.Recovered),
		attribute.Bool("callback.duplicate", out.Duplicate),
	)
	if out.State == StateFailed {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, string(autherr.KindOf(out.Err)))
	}
	return out
}

func (r *Orchestrator) run(ctx context.Context, req Request, out *Outcome) {
	out.enter(StateValidatingParams)
	params, err := r.awaitParams(ctx, req.Params)
	if err != nil {
		r.fail(req, out, err, true)
		return
	}

	claimed, err := r.opts.Guard.Claim(ctx, guardKey(params), r.opts.GuardTTL)
	if err != nil {
		r.fail(req, out, fmt.Errorf("claim callback: %w", err), true)
		return
	}
	if !claimed {
		out.Duplicate = true
		r.log.Info("duplicate callback suppressed")
		if r.recover(ctx, req, out) {
			r.reconcile(ctx, req, out, params)
			return
		}
		// the first run still owns the verifier
		r.fail(req, out, autherr.Authentication("Sign-in is already being completed. Please wait.", errDuplicateCallback), false)
		return
	}

	var sess model.Session
	if params.Implicit() {
		out.enter(StateExchanging)
		sess, err = r.opts.Gateway.SessionFromTokens(ctx, params.AccessToken, params.RefreshToken)
	} else {
		v, ok := loadVerifier(req.Verifier)
		if !ok {
			if r.recover(ctx, req, out) {
				r.reconcile(ctx, req, out, params)
				return
			}
			r.fail(req, out, autherr.SessionExpired("Your sign-in session expired. Please try again.", errors.New("no code verifier found")), true)
			return
		}
		out.enter(StateExchanging)
		sess, err = r.opts.Gateway.ExchangeCode(ctx, params.Code, v)
	}
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			// abandoned mid-exchange: the code may be spent, never replay it
			r.fail(req, out, autherr.Authentication("Sign-in was interrupted. Please try again.", cerr), true)
			return
		}
		if r.recover(ctx, req, out) {
			r.log.Info("code exchange failed but a session exists", zap.Error(err))
			r.reconcile(ctx, req, out, params)
			return
		}
		r.fail(req, out, err, true)
		return
	}
	out.Session = sess
	out.NewSession = true
	r.reconcile(ctx, req, out, params)
}

// awaitParams applies the params policy. A provider error ends it at once.
func (r *Orchestrator) awaitParams(ctx context.Context, src ParamSource) (Params, error) {
	return retry.Do(ctx, r.opts.ParamsPolicy, func(int) (Params, error) {
		p, err := src(ctx)
		if err != nil {
			return Params{}, retry.Permanent(autherr.Validation("Invalid callback request", err))
		}
		if p.Error != "" {
			msg := p.ErrorDescription
			if strings.TrimSpace(msg) == "" {
				msg = "Authentication failed. Please try again."
			}
			return p, retry.Permanent(autherr.Authentication(msg, fmt.Errorf("provider returned error %q", p.Error)))
		}
		if p.Code == "" && !p.Implicit() {
			return p, autherr.Validation("No authorization code received", nil)
		}
		return p, nil
	}, func(attempt int, err error, next time.Duration) {
		r.log.Debug("callback params not ready", zap.Int("attempt", attempt), zap.Duration("retry_in", next))
	})
}

// recover applies the fallback rule: an already-valid session makes the
// flow a success.
func (r *Orchestrator) recover(ctx context.Context, req Request, out *Outcome) bool {
	if req.SessionID == "" {
		return false
	}
	s, ok, err := r.opts.Gateway.GetSession(ctx, req.SessionID)
	if err != nil {
		r.log.Warn("fallback session lookup failed", zap.Error(err))
		return false
	}
	if !ok {
		return false
	}
	out.Session = s
	out.Recovered = true
	return true
}

func (r *Orchestrator) reconcile(ctx context.Context, req Request, out *Outcome, params Params) {
	out.enter(StateReconciling)
	prof, err := retry.Do(ctx, r.opts.ReconcilePolicy, func(int) (model.Profile, error) {
		p, err := r.opts.Reconciler.EnsureProfile(ctx, out.Session.Identity)
		if err != nil && !errors.Is(err, autherr.ErrProfileProvisioning) {
			return p, retry.Permanent(err)
		}
		return p, err
	}, func(attempt int, err error, next time.Duration) {
		r.log.Warn("profile provisioning failed, retrying",
			zap.Int("attempt", attempt), zap.Duration("retry_in", next), zap.Error(err))
	})
	if err != nil {
		if out.NewSession {
			// do not leave a session behind whose profile never materialised
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if serr := r.opts.Gateway.SignOut(sctx, out.Session.ID); serr != nil {
				r.log.Warn("sign out after failed reconcile", zap.Error(serr))
			}
			cancel()
			out.NewSession = false
		}
		out.Session = model.Session{}
		r.fail(req, out, err, true)
		return
	}
	out.Profile = prof

	if r.opts.Grace.Enabled() {
		g, err := r.opts.Grace.Issue(out.Session.Identity.ID)
		if err != nil {
			r.log.Warn("issue grace token", zap.Error(err))
		} else {
			out.Grace = g
		}
	}

	if req.Verifier != nil {
		req.Verifier.Clear()
	}
	out.enter(StateDone)
	out.RedirectURL = r.opts.LandingPath
	if next, ok := utils.SafeRedirectPath(params.Next); ok {
		out.RedirectURL = next
	}
}

func (r *Orchestrator) fail(req Request, out *Outcome, err error, clearVerifier bool) {
	if clearVerifier && req.Verifier != nil {
		req.Verifier.Clear()
	}
	out.Err = err
	out.enter(StateFailed)

	msg := autherr.PublicMessage(err)
	if errors.Is(err, autherr.ErrConfiguration) {
		r.log.Error("callback configuration error", zap.Error(err))
		out.RedirectURL = r.opts.ErrorPath + "?message=" + EncodeURIComponent(msg)
		return
	}
	r.log.Info("callback failed", zap.String("kind", string(autherr.KindOf(err))), zap.Error(err))
	out.RedirectURL = r.opts.LoginPath + "?error=" + EncodeURIComponent(msg)
}

func loadVerifier(st verifier.Store) (string, bool) {
	if st == nil {
		return "", false
	}
	return st.Load()
}

var uriComponentReplacer = strings.NewReplacer(
	"+", "%20", "%21", "!", "%27", "'", "%28", "(", "%29", ")", "%2A", "*",
)

// EncodeURIComponent escapes s the way browsers do for a query value, so
// spaces become %20 rather than "+".
func EncodeURIComponent(s string) string {
	return uriComponentReplacer.Replace(url.QueryEscape(s))
}
