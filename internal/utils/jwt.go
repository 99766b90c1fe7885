package utils // package utils provides helper functions for PKCE and token handling

import (
	"errors" // sentinel errors for grace token validation
	"time"   // time utilities for expirations

	"github.com/golang-jwt/jwt/v5" // JWT library for signing and parsing tokens
)

// graceIssuer is stamped into every grace token so that tokens minted for
// other purposes with the same secret are rejected.
const graceIssuer = "saas-auth/callback"

// ErrInvalidGrace is returned for malformed, expired or foreign grace tokens.
var ErrInvalidGrace = errors.New("invalid grace token")

// GraceToken is a short-lived HS256 JWT issued by the OAuth callback right
// before it redirects to the landing page.  It lets the route guard admit
// the very next navigation even if the session record has not become
// visible yet.  Token holds the signed string, Exp its expiry.
type GraceToken struct {
	Token string    // the serialized JWT string
	Exp   time.Time // the UTC expiration time
}

// GraceSigner signs and verifies grace tokens with a shared secret.  A zero
// TTL or an empty secret disables grace tokens entirely.
type GraceSigner struct {
	secret []byte
	ttl    time.Duration
}

// NewGraceSigner returns a signer for the given secret and lifetime.
func NewGraceSigner(secret string, ttl time.Duration) *GraceSigner {
	return &GraceSigner{secret: []byte(secret), ttl: ttl}
}

// Enabled reports whether grace tokens are issued and honoured.
func (g *GraceSigner) Enabled() bool {
	return g != nil && len(g.secret) > 0 && g.ttl > 0
}

// TTL returns the configured lifetime.
func (g *GraceSigner) TTL() time.Duration { return g.ttl }

// Issue builds and signs a grace token for a user.  The claims are the
// subject (sub), issuer (iss), expiration (exp) and issued at (iat).
func (g *GraceSigner) Issue(userID string) (GraceToken, error) {
	if !g.Enabled() {
		return GraceToken{}, errors.New("grace tokens disabled")
	}
	now := time.Now().UTC()
	exp := now.Add(g.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    graceIssuer,
		ExpiresAt: jwt.NewNumericDate(exp),
		IssuedAt:  jwt.NewNumericDate(now),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return GraceToken{}, err
	}
	return GraceToken{Token: signed, Exp: exp}, nil
}

// Verify parses raw and returns the subject when the token is valid, was
// issued by the callback and has not expired.
func (g *GraceSigner) Verify(raw string) (string, error) {
	if !g.Enabled() || raw == "" {
		return "", ErrInvalidGrace
	}
	var claims jwt.RegisteredClaims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		// Reject tokens using any algorithm other than HMAC.
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidGrace
		}
		return g.secret, nil
	}, jwt.WithIssuer(graceIssuer), jwt.WithExpirationRequired())
	if err != nil || !tok.Valid || claims.Subject == "" {
		return "", ErrInvalidGrace
	}
	return claims.Subject, nil
}

// AccessClaims is the subset of an Auth Service access token this service
// reads.
type AccessClaims struct {
	Subject string
	Email   string
	Exp     time.Time
}

// PeekAccessClaims decodes an access token WITHOUT verifying its
// signature.  It is only used to label a session that the Auth Service
// has just issued over TLS; authorization decisions must use the gateway's
// GetUser, which re-verifies with the Auth Service.
func PeekAccessClaims(raw string) (AccessClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return AccessClaims{}, err
	}
	out := AccessClaims{}
	out.Subject, _ = claims["sub"].(string)
	out.Email, _ = claims["email"].(string)
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.Exp = exp.Time
	}
	if out.Subject == "" {
		return AccessClaims{}, errors.New("access token has no subject")
	}
	return out, nil
}
