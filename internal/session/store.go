// Package session persists the server-side mirror of Auth Service token
// pairs and carries their ids in the session cookie.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/iliyamo/saas-auth/internal/model"
)

// ErrNotFound is returned when no live session exists for an id.
var ErrNotFound = errors.New("session not found")

// DefaultTTL bounds how long a session record outlives its last write.
const DefaultTTL = 7 * 24 * time.Hour

// Store persists sessions keyed by model.Session.ID.
type Store interface {
	Save(ctx context.Context, s model.Session, ttl time.Duration) error
	Get(ctx context.Context, id string) (model.Session, error)
	Delete(ctx context.Context, id string) error
}

// NewID returns an opaque, URL-safe session id.
func NewID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
