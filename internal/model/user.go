package model

import "time"

// Identity is the authenticated principal returned by the Auth Service.
// It never changes for the lifetime of a session.
//
// Fields:
//
//	ID    – stable user id issued by the Auth Service (UUID).
//	Email – primary email address of the account.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Session is the server-side mirror of an Auth Service token pair.  The
// Auth Service owns validity; this record is what the session cookie
// points at.
//
// Fields:
//
//	ID           – opaque session id carried in the session cookie.
//	AccessToken  – bearer token for Auth Service calls.
//	RefreshToken – token used to obtain a new access token.
//	ExpiresAt    – expiry of AccessToken (UTC).
//	Identity     – the principal the tokens belong to.
type Session struct {
	ID           string    `json:"id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Identity     Identity  `json:"identity"`
}

// Expired reports whether the access token is past its expiry at now.  A
// zero ExpiresAt is treated as never expiring.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}
