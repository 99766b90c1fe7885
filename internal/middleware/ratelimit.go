package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iliyamo/saas-auth/internal/config"
)

// bucketScript refills and takes one token atomically.  It returns
// {allowed, remaining, retry_after_ms}.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local refill = tonumber(ARGV[3])
local interval = tonumber(ARGV[4])

local tokens = tonumber(redis.call('HGET', key, 't'))
local last = tonumber(redis.call('HGET', key, 'l'))
if tokens == nil or last == nil then
    tokens, last = capacity, now
end

local steps = math.floor(math.max(0, now - last) / interval)
if steps > 0 then
    tokens = math.min(capacity, tokens + steps * refill)
    last = last + steps * interval
end

local allowed, wait = 0, 0
if tokens > 0 then
    allowed, tokens = 1, tokens - 1
else
    wait = math.max(0, interval - (now - last))
end

redis.call('HSET', key, 't', tokens, 'l', last)
redis.call('PEXPIRE', key, ARGV[5])
return {allowed, tokens, wait}
`)

// bucketVerdict is one evaluation of the script.
type bucketVerdict struct {
	Allowed   bool
	Remaining int64
	RetryIn   time.Duration
}

// signInLimiter throttles credential and callback submissions per key.
type signInLimiter struct {
	cfg config.RateLimitConfig
	rdb *redis.Client
	now func() time.Time
}

func (l *signInLimiter) take(ctx context.Context, key string) (bucketVerdict, error) {
	res, err := bucketScript.Run(ctx, l.rdb, []string{key},
		l.now().UnixMilli(),
		l.cfg.Capacity,
		l.cfg.RefillTokens,
		l.cfg.RefillInterval.Milliseconds(),
		l.cfg.TTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return bucketVerdict{}, err
	}
	if len(res) != 3 {
		return bucketVerdict{}, errUnexpectedReply
	}
	return bucketVerdict{
		Allowed:   res[0] == 1,
		Remaining: res[1],
		RetryIn:   time.Duration(res[2]) * time.Millisecond,
	}, nil
}

var errUnexpectedReply = errors.New("unexpected rate limit reply")

// NewTokenBucket throttles requests with a Redis token bucket.  Sign-in,
// registration and callback posts sit behind it; with Redis unavailable
// it is a pass-through, and a Redis error lets the request through.
func NewTokenBucket(cfg config.RateLimitConfig, rdb *redis.Client, log *zap.Logger) echo.MiddlewareFunc {
	if !cfg.Enabled || rdb == nil {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("ratelimit")
	l := &signInLimiter{cfg: cfg, rdb: rdb, now: time.Now}
	keyFn := rateKeyFunc(cfg.KeyStrategy)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := cfg.Prefix + ":" + keyFn(c)
			v, err := l.take(c.Request().Context(), key)
			if err != nil {
				log.Warn("rate limit check failed, request not throttled", zap.String("key", key), zap.Error(err))
				return next(c)
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(cfg.Capacity))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(v.Remaining, 10))
			if cfg.Debug {
				h.Set("X-RateLimit-Key", key)
			}
			if v.Allowed {
				return next(c)
			}

			secs := int((v.RetryIn + time.Second - 1) / time.Second)
			h.Set("Retry-After", strconv.Itoa(secs))
			log.Info("sign-in attempt throttled", zap.String("key", key), zap.Duration("retry_in", v.RetryIn))
			return c.JSON(http.StatusTooManyRequests, map[string]any{
				"error":       "Too many attempts. Please wait and try again.",
				"retry_after": secs,
			})
		}
	}
}

// rateKeyFunc maps a RATE_LIMIT_KEY_STRATEGY to the key parts it uses.
// Unknown strategies key on everything.
func rateKeyFunc(strategy string) func(echo.Context) string {
	ip := func(c echo.Context) string {
		if v := c.RealIP(); v != "" {
			return "ip:" + v
		}
		return "ip:unknown"
	}
	user := func(c echo.Context) string { return "user:" + currentUserID(c) }
	route := func(c echo.Context) string { return "route:" + c.Request().Method + " " + c.Path() }

	var parts []func(echo.Context) string
	switch strings.ToLower(strategy) {
	case "ip":
		parts = append(parts, ip)
	case "user":
		parts = append(parts, user)
	case "route":
		parts = append(parts, route)
	case "ip_user":
		parts = append(parts, ip, user)
	case "ip_route":
		parts = append(parts, ip, route)
	case "user_route":
		parts = append(parts, user, route)
	default:
		parts = append(parts, ip, user, route)
	}
	return func(c echo.Context) string {
		out := make([]string, len(parts))
		for i, p := range parts {
			out[i] = p(c)
		}
		return strings.Join(out, ":")
	}
}

// currentUserID is the signed-in user's id, or "anon".  Sign-in requests
// are anonymous by nature, so the default strategy keys on ip and route.
func currentUserID(c echo.Context) string {
	if s, ok := SessionFrom(c); ok && s.Identity.ID != "" {
		return s.Identity.ID
	}
	if v, ok := c.Get(ctxUserIDKey).(string); ok && v != "" {
		return v
	}
	return "anon"
}
