package redislimiter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Limit defines window and max count for a bucket.
type Limit struct {
	Limit  int
	Window time.Duration
}

// Limiter is a Redis-backed sliding window limiter using ZSETs, shared by all
// replicas of the service.
type Limiter struct {
	rdb    *redis.Client
	keyNS  string
	limits map[string]Limit
}

func New(rdb *redis.Client, keyPrefix string, limits map[string]Limit) *Limiter {
	if keyPrefix == "" {
		keyPrefix = "entitlekit:rl:"
	}
	if limits == nil {
		limits = map[string]Limit{}
	}
	return &Limiter{rdb: rdb, keyNS: keyPrefix, limits: limits}
}

func (l *Limiter) limitFor(bucket string) Limit {
	if v, ok := l.limits[bucket]; ok {
		return v
	}
	if v, ok := l.limits["default"]; ok {
		return v
	}
	return Limit{Limit: 100, Window: time.Minute}
}

// Allow records an attempt and reports whether it fits the window. A nil
// limiter or client allows everything.
func (l *Limiter) Allow(ctx context.Context, bucket, accountID string) (bool, error) {
	if l == nil || l.rdb == nil {
		return true, nil
	}
	if bucket == "" || accountID == "" {
		return false, fmt.Errorf("bucket and account id required")
	}
	lim := l.limitFor(bucket)
	now := time.Now().UnixMilli()
	start := now - lim.Window.Milliseconds()
	key := l.keyNS + bucket + ":" + accountID
	// Unique member so two hits in the same millisecond both count.
	member := strconv.FormatInt(now, 10) + ":" + uuid.NewString()

	pipe := l.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(start, 10))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now), Member: member})
	countCmd := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, lim.Window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	count, err := countCmd.Result()
	if err != nil {
		return false, err
	}
	if count > int64(lim.Limit) {
		l.rdb.ZRem(ctx, key, member)
		return false, nil
	}
	return true, nil
}
