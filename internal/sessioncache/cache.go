// Package sessioncache keeps a per-session mirror of identity and profile
// for the client-facing session API. It is fed by gateway auth events and
// primed from the gateway on a miss.
package sessioncache

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/iliyamo/saas-auth/internal/gateway"
	"github.com/iliyamo/saas-auth/internal/model"
	"github.com/iliyamo/saas-auth/internal/repository"
)

const (
	// DefaultMaxAge bounds how long a mirror is served without going back
	// to the gateway.
	DefaultMaxAge = 5 * time.Minute

	eventFetchTimeout = 10 * time.Second
)

// Gateway is the subset of *gateway.Gateway the cache uses.
type Gateway interface {
	Subscribe(name string, fn func(gateway.Event)) func()
	GetSession(ctx context.Context, id string) (model.Session, bool, error)
}

// ProfileReader reads profiles by identity id.
type ProfileReader interface {
	GetByID(ctx context.Context, id string) (model.Profile, error)
}

// State is what the client sees for one session.
type State struct {
	Identity      *model.Identity `json:"user"`
	Profile       *model.Profile  `json:"profile"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
	Loading       bool            `json:"is_loading"`
	Authenticated bool            `json:"is_authenticated"`
}

type entry struct {
	state     State
	fetchedAt time.Time
}

// Cache is safe for concurrent use. Build one per process and hand it to
// whatever serves the session API.
type Cache struct {
	gw       Gateway
	profiles ProfileReader
	log      *zap.Logger
	maxAge   time.Duration
	now      func() time.Time

	mu        sync.RWMutex
	entries   map[string]*entry
	signedOut map[string]time.Time
	lastPrune time.Time

	fills singleflight.Group
}

func New(gw Gateway, profiles ProfileReader, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		gw:       gw,
		profiles: profiles,
		log:      log.Named("sessioncache"),
		maxAge:   DefaultMaxAge,
		now:      time.Now,
		entries:   make(map[string]*entry),
		signedOut: make(map[string]time.Time),
	}
}

// Attach subscribes the cache to the gateway's auth events. The returned
// func detaches it.
func (c *Cache) Attach() func() {
	return c.gw.Subscribe("sessioncache", c.handle)
}

func (c *Cache) handle(ev gateway.Event) {
	switch ev.Type {
	case gateway.SignedIn, gateway.TokenRefreshed:
		ctx, cancel := context.WithTimeout(context.Background(), eventFetchTimeout)
		defer cancel()
		id := ev.Identity
		c.mu.Lock()
		delete(c.signedOut, ev.SessionID)
		c.mu.Unlock()
		c.store(ev.SessionID, State{Identity: &id, Loading: true})
		c.fill(ctx, ev.SessionID, id, nil)
	case gateway.SignedOut:
		c.Evict(ev.SessionID)
	}
}

// Get returns the mirror for sessionID without touching the gateway.
func (c *Cache) Get(sessionID string) (State, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[sessionID]
	if !ok {
		return State{}, false
	}
	return e.state, true
}

// Evict drops the mirror for sessionID. Fills already in flight for it
// are discarded until a new SIGNED_IN arrives for the same id.
func (c *Cache) Evict(sessionID string) {
	c.mu.Lock()
	delete(c.entries, sessionID)
	c.signedOut[sessionID] = c.now()
	c.mu.Unlock()
}

// Load serves the mirror for sessionID, priming it from the gateway when
// it is missing, stale or still loading. An unknown session yields the
// zero State.
func (c *Cache) Load(ctx context.Context, sessionID string) (State, error) {
	if sessionID == "" {
		return State{}, nil
	}
	c.mu.RLock()
	e, ok := c.entries[sessionID]
	fresh := ok && !e.state.Loading && c.now().Sub(e.fetchedAt) < c.maxAge
	c.mu.RUnlock()
	if fresh {
		return e.state, nil
	}
	return c.prime(ctx, sessionID)
}

func (c *Cache) prime(ctx context.Context, sessionID string) (State, error) {
	sess, ok, err := c.gw.GetSession(ctx, sessionID)
	if err != nil {
		return State{}, err
	}
	if !ok {
		c.Evict(sessionID)
		return State{}, nil
	}
	exp := sess.ExpiresAt
	var expPtr *time.Time
	if !exp.IsZero() {
		expPtr = &exp
	}
	return c.fill(ctx, sessionID, sess.Identity, expPtr), nil
}

// RefreshProfile re-reads the profile for an already known session.
func (c *Cache) RefreshProfile(ctx context.Context, sessionID string) (State, error) {
	st, ok := c.Get(sessionID)
	if !ok || st.Identity == nil {
		return c.prime(ctx, sessionID)
	}
	return c.fill(ctx, sessionID, *st.Identity, st.ExpiresAt), nil
}

// fill loads the profile and records the outcome. The session only counts
// as authenticated once its profile exists.
func (c *Cache) fill(ctx context.Context, sessionID string, id model.Identity, exp *time.Time) State {
	v, _, _ := c.fills.Do(sessionID, func() (interface{}, error) {
		st := State{Identity: &id, ExpiresAt: exp}
		p, err := c.profiles.GetByID(ctx, id.ID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			c.log.Warn("no profile found for signed-in user",
				zap.String("session_id", sessionID), zap.String("user_id", id.ID))
		case err != nil:
			c.log.Error("fetch profile", zap.String("session_id", sessionID), zap.Error(err))
		default:
			st.Profile = &p
			st.Authenticated = true
		}
		if st.ExpiresAt == nil {
			if prev, ok := c.Get(sessionID); ok {
				st.ExpiresAt = prev.ExpiresAt
			}
		}
		if !c.store(sessionID, st) {
			return State{}, nil
		}
		return st, nil
	})
	return v.(State)
}

// store records st unless the session was signed out meanwhile.
func (c *Cache) store(sessionID string, st State) bool {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, gone := c.signedOut[sessionID]; gone {
		return false
	}
	c.entries[sessionID] = &entry{state: st, fetchedAt: now}
	if now.Sub(c.lastPrune) < c.maxAge {
		return true
	}
	c.lastPrune = now
	for id, e := range c.entries {
		if now.Sub(e.fetchedAt) >= c.maxAge {
			delete(c.entries, id)
		}
	}
	for id, at := range c.signedOut {
		if now.Sub(at) >= c.maxAge {
			delete(c.signedOut, id)
		}
	}
	return true
}

// Len reports the number of mirrored sessions.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
