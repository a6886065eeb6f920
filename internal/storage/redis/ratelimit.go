package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/shopfront/pkg/httpmiddleware"
)

var _ httpmiddleware.Limiter = (*RateLimiter)(nil)

var incrWindowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// RateLimiter is a fixed window limiter shared by every API replica.
type RateLimiter struct {
	client redis.UniversalClient
	max    int
	window time.Duration
}

// NewRateLimiter allows max requests per key in each window.
func NewRateLimiter(client redis.UniversalClient, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, max: limit, window: window}
}

// Allow implements httpmiddleware.Limiter.
func (l *RateLimiter) Allow(ctx context.Context, key string, now time.Time) (httpmiddleware.Quota, error) {
	start := now.Truncate(l.window)
	bucket := "ratelimit:" + key + ":" + strconv.FormatInt(start.UnixMilli(), 10)

	n, err := incrWindowScript.Run(ctx, l.client, []string{bucket}, l.window.Milliseconds()).Int()
	if err != nil {
		return httpmiddleware.Quota{}, errors.Wrap(err, "increment rate window")
	}
	return httpmiddleware.Quota{
		Limit:     l.max,
		Remaining: max(l.max-n, 0),
		ResetAt:   start.Add(l.window),
		Allowed:   n <= l.max,
	}, nil
}
