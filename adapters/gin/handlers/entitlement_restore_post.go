package handlers

import (
	"net/http"

	"github.com/PaulFidika/entitlekit/adapters/gin/ginutil"
	"github.com/PaulFidika/entitlekit/core"
	"github.com/gin-gonic/gin"
)

func HandleEntitlementRestorePOST(reg *core.Registry, rl ginutil.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ginutil.AllowNamed(c, rl, ginutil.RLRestore) {
			ginutil.TooMany(c)
			return
		}
		svc, ok := session(c, reg)
		if !ok {
			return
		}
		st, err := svc.Restore(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "restore_failed", "entitlement": NewEntitlementView(st)})
			return
		}
		c.JSON(http.StatusOK, NewEntitlementView(st))
	}
}
