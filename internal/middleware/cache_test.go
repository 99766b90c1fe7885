package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/saas-auth/internal/config"
	"github.com/iliyamo/saas-auth/internal/model"
	"github.com/iliyamo/saas-auth/internal/repository"
)

func newCachedSubs(t *testing.T) (*miniredis.Miniredis, *stubSubscriptions, SubscriptionLookup) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	inner := &stubSubscriptions{status: map[string]string{"u1": model.SubscriptionActive}}
	cfg := config.CacheConfig{Enabled: true, TTL: 30 * time.Second, Prefix: "subcache"}
	return mr, inner, NewCachedSubscriptions(cfg, rdb, inner, nil)
}

func TestCachedSubscriptionsHit(t *testing.T) {
	mr, inner, cached := newCachedSubs(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		st, err := cached.SubscriptionStatus(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, model.SubscriptionActive, st)
	}
	assert.Equal(t, 1, inner.calls)
	assert.Equal(t, 30*time.Second, mr.TTL("subcache:u1"))

	mr.FastForward(31 * time.Second)
	_, err := cached.SubscriptionStatus(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestCachedSubscriptionsRemembersMissingProfile(t *testing.T) {
	_, inner, cached := newCachedSubs(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := cached.SubscriptionStatus(ctx, "ghost")
		assert.ErrorIs(t, err, repository.ErrNotFound)
	}
	assert.Equal(t, 1, inner.calls)
}

func TestCachedSubscriptionsNeverCachesErrors(t *testing.T) {
	mr, inner, cached := newCachedSubs(t)
	inner.err = errors.New("db down")
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := cached.SubscriptionStatus(ctx, "u1")
		assert.Error(t, err)
	}
	assert.Equal(t, 2, inner.calls)
	assert.False(t, mr.Exists("subcache:u1"))
}

func TestCachedSubscriptionsRedisDown(t *testing.T) {
	mr, inner, cached := newCachedSubs(t)
	mr.Close()
	st, err := cached.SubscriptionStatus(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionActive, st)
	assert.Equal(t, 1, inner.calls)
}

func TestCachedSubscriptionsInvalidate(t *testing.T) {
	_, inner, cached := newCachedSubs(t)
	ctx := context.Background()
	_, err := cached.SubscriptionStatus(ctx, "u1")
	require.NoError(t, err)

	inner.status["u1"] = "canceled"
	require.NoError(t, cached.(*CachedSubscriptions).Invalidate(ctx, "u1"))
	st, err := cached.SubscriptionStatus(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "canceled", st)
}

func TestCachedSubscriptionsDisabled(t *testing.T) {
	inner := &stubSubscriptions{}
	assert.Same(t, SubscriptionLookup(inner), NewCachedSubscriptions(config.CacheConfig{}, nil, inner, nil))
}
