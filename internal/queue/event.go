// Package queue defines message payloads exchanged over the message broker
// and the consumer that writes them to the auth audit log.
package queue

// AuthEventsQueue is the default durable queue for auth state changes.
const AuthEventsQueue = "auth.events"

// AuthEvent is published on every sign-in, token refresh and sign-out.  It
// carries enough for downstream consumers to audit or notify without
// querying the session store.  Tokens are never included.
type AuthEvent struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	UserID     string `json:"user_id"`
	Email      string `json:"email"`
	OccurredAt string `json:"occurred_at"`
}
