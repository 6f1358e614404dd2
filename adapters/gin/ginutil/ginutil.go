// Package ginutil holds the small response and rate limit helpers shared by
// the gin handlers.
package ginutil

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Rate limit bucket names.
const (
	RLEntitlementRefresh = "entitlement_refresh"
	RLPurchase           = "purchase"
	RLRestore            = "restore"
)

// RateLimiter is satisfied by ratelimit/memory and ratelimit/redis.
type RateLimiter interface {
	Allow(ctx context.Context, bucket, accountID string) (bool, error)
}

// AllowNamed checks bucket for the request's account. A nil limiter allows;
// limiter errors fail open so an unavailable Redis never blocks entitlement reads.
func AllowNamed(c *gin.Context, rl RateLimiter, bucket string) bool {
	if rl == nil {
		return true
	}
	acct := c.GetString(AccountKey)
	if acct == "" {
		acct = c.ClientIP()
	}
	ok, err := rl.Allow(c.Request.Context(), bucket, acct)
	if err != nil {
		return true
	}
	return ok
}

// AccountKey is the gin context key holding the resolved account id.
const AccountKey = "entitlekit.account_id"

func BadRequest(c *gin.Context, code string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": code})
}

func Unauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not_authenticated"})
}

func TooMany(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
}

func ServerErr(c *gin.Context, code string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": code})
}
