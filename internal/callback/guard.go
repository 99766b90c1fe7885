package callback

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultGuardTTL outlives any authorization code the provider issues.
const DefaultGuardTTL = 10 * time.Minute

// Guard is a one-shot latch: Claim returns true exactly once per key
// within ttl.
type Guard interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// guardKey hashes the credential so codes never sit in a store in clear.
func guardKey(p Params) string {
	secret := p.Code
	if secret == "" {
		secret = p.AccessToken
	}
	sum := sha256.Sum256([]byte(secret))
	return "cb:" + hex.EncodeToString(sum[:])
}

// MemoryGuard is a process-local Guard.
type MemoryGuard struct {
	mu      sync.Mutex
	claimed map[string]time.Time
	now     func() time.Time
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{claimed: make(map[string]time.Time), now: time.Now}
}

func (g *MemoryGuard) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, exp := range g.claimed {
		if !now.Before(exp) {
			delete(g.claimed, k)
		}
	}
	if _, taken := g.claimed[key]; taken {
		return false, nil
	}
	g.claimed[key] = now.Add(ttl)
	return true, nil
}

// RedisGuard shares claims across instances with SET NX. When Redis is
// unreachable it degrades to a local guard so a single instance still
// never submits a code twice.
type RedisGuard struct {
	rdb   *redis.Client
	local *MemoryGuard
	log   *zap.Logger
}

func NewRedisGuard(rdb *redis.Client, log *zap.Logger) *RedisGuard {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisGuard{rdb: rdb, local: NewMemoryGuard(), log: log}
}

func (g *RedisGuard) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		g.log.Warn("callback guard: redis unavailable, using local guard", zap.Error(err))
		return g.local.Claim(ctx, key, ttl)
	}
	return ok, nil
}
