// Package ratelimit implements per-identifier sliding-window request limiting
// backed by a Redis sorted set. The window check and insert run as a single
// server-side script so concurrent replicas cannot over-admit. On store
// failure the limiter fails open: availability wins over strict enforcement
// for a control-plane limiter, with a process-local token bucket as backstop.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"goa.design/relay/metrics"
)

// checkScript removes expired members, counts the rest, and inserts the new
// request when under the limit. KEYS[1] is the bucket; ARGV: now-ms,
// window-ms, limit, member nonce. Returns {allowed, count}.
var checkScript = goredis.NewScript(`
local cutoff = tonumber(ARGV[1]) - tonumber(ARGV[2])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", cutoff)
local count = redis.call("ZCARD", KEYS[1])
if count < tonumber(ARGV[3]) then
  redis.call("ZADD", KEYS[1], ARGV[1], ARGV[1] .. "-" .. ARGV[4])
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return {1, count + 1}
end
return {0, count}`)

type (
	// Result reports a limiter decision plus the header values the surface
	// must attach to the response.
	Result struct {
		// Allowed is false when the request must be rejected with 429.
		Allowed bool
		// Limit is the window capacity.
		Limit int
		// Remaining is the capacity left in the current window.
		Remaining int
		// ResetAt is the Unix second at which the oldest counted request
		// leaves the window.
		ResetAt int64
		// RetryAfter is the suggested wait in seconds; zero when allowed.
		RetryAfter int
	}

	// Limiter checks request budgets against Redis sliding windows.
	Limiter struct {
		rdb     *goredis.Client
		metrics *metrics.Metrics

		// Process-local backstop used while the store is unavailable. One
		// limiter per route key, sized from the route's distributed budget.
		mu    sync.Mutex
		local map[string]*rate.Limiter
	}
)

// New builds a Limiter on the given command pool.
func New(rdb *goredis.Client, m *metrics.Metrics) *Limiter {
	return &Limiter{
		rdb:     rdb,
		metrics: m,
		local:   make(map[string]*rate.Limiter),
	}
}

// Check counts the request against the (identifier, routeKey) bucket and
// reports whether it is admitted. The bucket key is "rl:<ident>:<route>".
// Store failures fail open after consulting the local backstop.
func (l *Limiter) Check(ctx context.Context, identifier, routeKey string, limit int, window time.Duration) Result {
	key := fmt.Sprintf("rl:%s:%s", identifier, routeKey)
	now := time.Now()
	vals, err := checkScript.Run(ctx, l.rdb, []string{key},
		now.UnixMilli(), window.Milliseconds(), limit, uuid.New().String()[:8],
	).Int64Slice()
	l.metrics.RedisOperation("ratelimit_check", err)
	if err != nil || len(vals) != 2 {
		log.Warn(ctx, log.KV{K: "msg", V: "rate limiter failing open"}, log.KV{K: "route", V: routeKey}, log.KV{K: "err", V: err})
		return l.failOpen(routeKey, limit, window, now)
	}
	allowed := vals[0] == 1
	count := int(vals[1])
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	res := Result{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   now.Add(window).Unix(),
	}
	if !allowed {
		res.RetryAfter = int(window.Seconds())
		if res.RetryAfter < 1 {
			res.RetryAfter = 1
		}
	}
	return res
}

// failOpen admits the request through the process-local token bucket. The
// bucket is sized to the full distributed budget, so a single replica can
// briefly admit what the cluster normally would; that is the accepted cost of
// preferring availability during a store outage.
func (l *Limiter) failOpen(routeKey string, limit int, window time.Duration, now time.Time) Result {
	l.mu.Lock()
	lim, ok := l.local[routeKey]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(limit)/window.Seconds()), limit)
		l.local[routeKey] = lim
	}
	l.mu.Unlock()

	res := Result{
		Limit:     limit,
		Remaining: limit,
		ResetAt:   now.Add(window).Unix(),
	}
	if lim.Allow() {
		res.Allowed = true
		return res
	}
	res.Allowed = false
	res.Remaining = 0
	res.RetryAfter = 1
	return res
}
