// Package ratelimit implements a per-caller sliding-window limiter on a Redis
// sorted set. The check and the insert run as one Lua script. When Redis is
// unreachable every request is admitted.
package ratelimit

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	appLog "nerd/internal/log"
	"nerd/internal/metrics"
)

const (
	keyPrefix      = "ner:ratelimit:"
	DefaultTimeout = 200 * time.Millisecond
)

// slidingWindow trims entries older than the window, then records the
// request only if fewer than limit remain.
//
// KEYS[1] = set key
// ARGV    = now (ms), window (ms), limit, member
// returns {admitted, count, oldest score or 0}
var slidingWindow = redis.NewScript(`
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  return {1, count + 1, 0}
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {0, count, tonumber(oldest[2])}
`)

// Options configures a Limiter.
type Options struct {
	// RequestsPerWindow is the base rate.
	RequestsPerWindow int
	// BurstFactor scales the base rate; values below 1 are treated as 1.
	BurstFactor float64
	Window      time.Duration
	Timeout     time.Duration
	Metrics     *metrics.Metrics
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	// FailOpen is set when the store could not be consulted.
	FailOpen bool
}

// Limiter is safe for concurrent use.
type Limiter struct {
	client  redis.UniversalClient
	limit   int
	window  time.Duration
	timeout time.Duration
	metrics *metrics.Metrics
	now     func() time.Time
}

// New builds a limiter admitting floor(RequestsPerWindow × BurstFactor)
// requests per caller in any rolling Window.
func New(client redis.UniversalClient, opts Options) *Limiter {
	if opts.BurstFactor < 1 {
		opts.BurstFactor = 1
	}
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	limit := int(math.Floor(float64(opts.RequestsPerWindow) * opts.BurstFactor))
	if limit < 1 {
		limit = 1
	}
	return &Limiter{
		client:  client,
		limit:   limit,
		window:  opts.Window,
		timeout: opts.Timeout,
		metrics: opts.Metrics,
		now:     time.Now,
	}
}

// Limit returns the effective number of requests admitted per window.
func (l *Limiter) Limit() int { return l.limit }

// Admit checks and records one request from caller.
func (l *Limiter) Admit(ctx context.Context, caller string) Decision {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	now := l.now().UnixMilli()
	res, err := slidingWindow.Run(ctx, l.client,
		[]string{keyPrefix + caller},
		now, l.window.Milliseconds(), l.limit, strconv.FormatInt(now, 10)+"-"+uuid.NewString(),
	).Int64Slice()
	if err != nil || len(res) != 3 {
		l.metrics.StoreError("ratelimit")
		appLog.Warn("rate limiter unavailable; admitting", "caller", caller, "err", err)
		return Decision{Allowed: true, Limit: l.limit, Remaining: l.limit, FailOpen: true}
	}

	count := int(res[1])
	if res[0] == 1 {
		return Decision{Allowed: true, Limit: l.limit, Remaining: l.limit - count}
	}

	l.metrics.Rejected()
	retry := time.Duration(res[2]+l.window.Milliseconds()-now) * time.Millisecond
	if retry < time.Second {
		retry = time.Second
	}
	return Decision{Allowed: false, Limit: l.limit, RetryAfter: retry}
}
