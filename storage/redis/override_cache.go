package redisstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/PaulFidika/entitlekit/entitlements"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// OverrideCache fronts another entitlements.Store, caching override reads in
// Redis for a short TTL. Writes pass through and drop the cached value.
type OverrideCache struct {
	next  entitlements.Store
	rdb   *redis.Client
	keyNS string
	ttl   time.Duration
	log   logrus.FieldLogger
}

var _ entitlements.Store = (*OverrideCache)(nil)

type cachedOverride struct {
	Value *string `json:"value"`
}

// Option configures an OverrideCache.
type Option func(*OverrideCache)

// WithLogger sets the logger for cache failures.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *OverrideCache) {
		if log != nil {
			c.log = log
		}
	}
}

func NewOverrideCache(next entitlements.Store, rdb *redis.Client, keyPrefix string, ttl time.Duration, opts ...Option) *OverrideCache {
	if keyPrefix == "" {
		keyPrefix = "entitlekit:override:"
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	c := &OverrideCache{next: next, rdb: rdb, keyNS: keyPrefix, ttl: ttl, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *OverrideCache) key(accountID string) string { return c.keyNS + accountID }

// GetOverride serves from Redis when possible. A Redis failure falls through
// to the backing store; a backing store failure is returned as is.
func (c *OverrideCache) GetOverride(ctx context.Context, accountID string) (*string, error) {
	val, err := c.rdb.Get(ctx, c.key(accountID)).Bytes()
	if err == nil {
		var d cachedOverride
		if json.Unmarshal(val, &d) == nil {
			return d.Value, nil
		}
	}

	v, err := c.next.GetOverride(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if b, mErr := json.Marshal(cachedOverride{Value: v}); mErr == nil {
		_ = c.rdb.Set(ctx, c.key(accountID), b, c.ttl).Err()
	}
	return v, nil
}

// WriteEntitlement writes through to the backing store. Once that write
// lands the call succeeds; a failed cache drop is logged and the entry ages
// out with its TTL, so the sync is not retried for a Redis outage.
func (c *OverrideCache) WriteEntitlement(ctx context.Context, accountID string, fields entitlements.SyncFields) error {
	if err := c.next.WriteEntitlement(ctx, accountID, fields); err != nil {
		return err
	}
	if err := c.Invalidate(ctx, accountID); err != nil {
		c.log.WithError(err).WithField("account_id", accountID).Warn("drop cached override failed")
	}
	return nil
}

// Invalidate drops the cached override for accountID.
func (c *OverrideCache) Invalidate(ctx context.Context, accountID string) error {
	return c.rdb.Del(ctx, c.key(accountID)).Err()
}
