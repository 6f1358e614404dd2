package handlers

import (
	"net/http"

	"github.com/PaulFidika/entitlekit/adapters/gin/ginutil"
	"github.com/PaulFidika/entitlekit/core"
	"github.com/gin-gonic/gin"
)

// HandleEntitlementRefreshPOST runs CheckNow. A failed provider read answers
// 503 with the unchanged state.
func HandleEntitlementRefreshPOST(reg *core.Registry, rl ginutil.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ginutil.AllowNamed(c, rl, ginutil.RLEntitlementRefresh) {
			ginutil.TooMany(c)
			return
		}
		svc, ok := session(c, reg)
		if !ok {
			return
		}
		st, err := svc.CheckNow(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "provider_unavailable", "entitlement": NewEntitlementView(st)})
			return
		}
		c.JSON(http.StatusOK, NewEntitlementView(st))
	}
}
