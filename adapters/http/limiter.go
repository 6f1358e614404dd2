// Package entitlehttp exposes the entitlement service over plain net/http.
package entitlehttp

import (
	"github.com/PaulFidika/entitlekit/adapters/gin/ginutil"
	memorylimiter "github.com/PaulFidika/entitlekit/ratelimit/memory"
	redislimiter "github.com/PaulFidika/entitlekit/ratelimit/redis"
	"github.com/redis/go-redis/v9"
)

// NewLimiter picks the Redis limiter when a client is configured and the
// in-memory one otherwise, with the same per-bucket limits.
func NewLimiter(rd *redis.Client) ginutil.RateLimiter {
	defaults := memorylimiter.DefaultLimits()
	if rd != nil {
		limits := make(map[string]redislimiter.Limit, len(defaults))
		for k, v := range defaults {
			limits[k] = redislimiter.Limit{Limit: v.Limit, Window: v.Window}
		}
		return redislimiter.New(rd, "entitlekit:rl:", limits)
	}
	return memorylimiter.New(defaults)
}
