// Package ratelimit throttles the HTTP intents that reach the door.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

type LimiterConfig struct {
	RPS   float64
	Burst int
}

type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Token bucket kept in a redis hash so several relay replicas share budgets.
// KEYS[1] = key
// ARGV[1] = max_tokens (burst)
// ARGV[2] = refill_rate (tokens per second)
// ARGV[3] = now (ms)
// ARGV[4] = ttl (s)
// Returns 1 if allowed, 0 if not.
var bucketScript = redis.NewScript(`
local tokens_key = KEYS[1]
local max_tokens = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local bucket = redis.call('HMGET', tokens_key, 'tokens', 'last')
local tokens = tonumber(bucket[1]) or max_tokens
local last = tonumber(bucket[2]) or now
local delta = math.max(0, now - last) / 1000
tokens = math.min(max_tokens, tokens + delta * refill_rate)
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end
redis.call('HSET', tokens_key, 'tokens', tostring(tokens), 'last', now)
redis.call('EXPIRE', tokens_key, ttl)
return allowed
`)

type RedisLimiter struct {
	Redis  *redis.Client
	Prefix string
	Config LimiterConfig

	now func() time.Time
}

func NewRedis(client *redis.Client, prefix string, cfg LimiterConfig) *RedisLimiter {
	return &RedisLimiter{Redis: client, Prefix: prefix, Config: cfg, now: time.Now}
}

func (rl *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	key = rl.Prefix + ":" + key
	// Keep the hash around long enough for an empty bucket to refill.
	ttl := 2
	if rl.Config.RPS > 0 {
		ttl = int(math.Ceil(float64(rl.Config.Burst)/rl.Config.RPS)) + 1
	}
	now := rl.now().UnixMilli()
	res, err := bucketScript.Run(ctx, rl.Redis, []string{key}, rl.Config.Burst, rl.Config.RPS, now, ttl).Result()
	if err != nil {
		slog.Error("redis eval error", "key", key, "error", err)
		return false, err
	}
	var allowed int64
	switch v := res.(type) {
	case int64:
		allowed = v
	case string:
		allowed, _ = strconv.ParseInt(v, 10, 64)
	}
	slog.Debug("token bucket", "key", key, "allowed", allowed, "max", rl.Config.Burst, "rps", rl.Config.RPS)
	return allowed == 1, nil
}

// LocalLimiter is the in-process fallback used when no redis is configured.
type LocalLimiter struct {
	Config LimiterConfig
	// Idle buckets older than this are pruned.
	IdleTTL time.Duration

	mu        sync.Mutex
	buckets   map[string]*localBucket
	lastPrune time.Time
	now       func() time.Time
}

type localBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func NewLocal(cfg LimiterConfig) *LocalLimiter {
	return &LocalLimiter{
		Config:  cfg,
		IdleTTL: 10 * time.Minute,
		buckets: map[string]*localBucket{},
		now:     time.Now,
	}
}

func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.lastPrune) > l.IdleTTL {
		for k, b := range l.buckets {
			if now.Sub(b.seen) > l.IdleTTL {
				delete(l.buckets, k)
			}
		}
		l.lastPrune = now
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &localBucket{lim: rate.NewLimiter(rate.Limit(l.Config.RPS), l.Config.Burst)}
		l.buckets[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1), nil
}

func (l *LocalLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Middleware answers 429 once key's budget is spent. A failing backend lets
// the request through: a broken limiter must not lock people out.
func Middleware(l Limiter, keyFunc func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, err := l.Allow(r.Context(), keyFunc(r))
			if err != nil {
				slog.Warn("rate limiter unavailable, allowing request", "path", r.URL.Path, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", "1")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"detail":"Too many requests."}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// KeyByIP keys on the client address. Run chi's RealIP first when behind a
// proxy.
func KeyByIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
