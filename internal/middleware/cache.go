package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iliyamo/saas-auth/internal/config"
	"github.com/iliyamo/saas-auth/internal/repository"
)

// missingMarker records "no profile" so repeated misses do not hit the DB.
// It cannot collide with a real status, which is never prefixed with NUL.
const missingMarker = "\x00missing"

// CachedSubscriptions puts a short-lived Redis cache in front of a
// SubscriptionLookup.  Only successful lookups are cached: an outage of the
// underlying store is never remembered, so the guard's policy sees it on
// every request.  A Redis failure falls through to the store.
type CachedSubscriptions struct {
	next   SubscriptionLookup
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
	log    *zap.Logger
}

// NewCachedSubscriptions wraps next.  With the cache disabled or no Redis
// client it returns next unchanged.
func NewCachedSubscriptions(cfg config.CacheConfig, rdb *redis.Client, next SubscriptionLookup, log *zap.Logger) SubscriptionLookup {
	if !cfg.Enabled || rdb == nil {
		return next
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "subcache"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CachedSubscriptions{next: next, rdb: rdb, ttl: ttl, prefix: prefix, log: log.Named("subcache")}
}

func (s *CachedSubscriptions) key(profileID string) string { return s.prefix + ":" + profileID }

// SubscriptionStatus implements SubscriptionLookup.
func (s *CachedSubscriptions) SubscriptionStatus(ctx context.Context, profileID string) (string, error) {
	key := s.key(profileID)
	v, err := s.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		if v == missingMarker {
			return "", repository.ErrNotFound
		}
		return v, nil
	case !errors.Is(err, redis.Nil):
		s.log.Warn("subscription cache read failed", zap.Error(err))
	}

	status, err := s.next.SubscriptionStatus(ctx, profileID)
	cached := status
	if errors.Is(err, repository.ErrNotFound) {
		cached = missingMarker
	} else if err != nil {
		return "", err
	}
	// write with a detached context so a cancelled request still fills the cache
	if werr := s.rdb.Set(context.WithoutCancel(ctx), key, cached, s.ttl).Err(); werr != nil {
		s.log.Warn("subscription cache write failed", zap.Error(werr))
	}
	return status, err
}

// Invalidate drops the cached status for profileID.  Billing writers call
// it after changing a subscription.
func (s *CachedSubscriptions) Invalidate(ctx context.Context, profileID string) error {
	return s.rdb.Del(ctx, s.key(profileID)).Err()
}
