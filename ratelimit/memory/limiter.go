package memorylimiter

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Limit defines window and max count for a bucket.
type Limit struct {
	Limit  int
	Window time.Duration
}

// DefaultLimits covers the entitlement endpoints. Refresh and restore hit the
// provider and the remote store, so they are kept tight.
func DefaultLimits() map[string]Limit {
	return map[string]Limit{
		"entitlement_refresh": {Limit: 6, Window: time.Minute},
		"restore":             {Limit: 3, Window: time.Minute},
		"purchase":            {Limit: 10, Window: time.Minute},
		"default":             {Limit: 120, Window: time.Minute},
	}
}

// Limiter is an in-memory sliding-window rate limiter keyed by account.
// It is the single-node fallback when Redis is unavailable.
type Limiter struct {
	mu      sync.Mutex
	limits  map[string]Limit
	windows map[string][]time.Time
	now     func() time.Time
}

// New constructs a limiter; nil limits means DefaultLimits.
func New(limits map[string]Limit) *Limiter {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &Limiter{limits: limits, windows: make(map[string][]time.Time), now: time.Now}
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

// Allow records an attempt for accountID in bucket and reports whether it fits
// the window. Denied attempts are not recorded.
func (l *Limiter) Allow(_ context.Context, bucket, accountID string) (bool, error) {
	if l == nil {
		return true, nil
	}
	if bucket == "" || accountID == "" {
		return false, fmt.Errorf("bucket and account id required")
	}
	lim := l.limitFor(bucket)
	now := l.now()
	cutoff := now.Add(-lim.Window)
	key := bucket + ":" + accountID

	l.mu.Lock()
	defer l.mu.Unlock()

	hits := l.windows[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]

	if len(hits) >= lim.Limit {
		l.windows[key] = hits
		return false, nil
	}
	l.windows[key] = append(hits, now)
	return true, nil
}

// Reset forgets every window for accountID, e.g. at sign-out.
func (l *Limiter) Reset(accountID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for bucket := range l.limits {
		delete(l.windows, bucket+":"+accountID)
	}
}
