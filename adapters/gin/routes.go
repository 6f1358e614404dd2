// Package entitlegin mounts the entitlement endpoints on a gin router.
package entitlegin

import (
	"net/http"

	"github.com/PaulFidika/entitlekit/adapters/gin/ginutil"
	"github.com/PaulFidika/entitlekit/adapters/gin/handlers"
	"github.com/PaulFidika/entitlekit/core"
	"github.com/gin-gonic/gin"
)

// Options configures Register.
type Options struct {
	Account *AccountConfig
	Limiter ginutil.RateLimiter
	// Notifications, when set, is mounted at POST /appstore/notifications
	// outside the account middleware.
	Notifications http.Handler
}

// Register mounts:
//
//	GET  /entitlement
//	POST /entitlement/refresh
//	POST /entitlement/restore
//	POST /purchases
//	POST /appstore/notifications
func Register(r gin.IRouter, reg *core.Registry, opts Options) {
	if opts.Notifications != nil {
		r.POST("/appstore/notifications", gin.WrapH(opts.Notifications))
	}
	g := r.Group("", AccountMiddleware(opts.Account), RequireAccount())
	g.GET("/entitlement", handlers.HandleEntitlementGET(reg))
	g.POST("/entitlement/refresh", handlers.HandleEntitlementRefreshPOST(reg, opts.Limiter))
	g.POST("/entitlement/restore", handlers.HandleEntitlementRestorePOST(reg, opts.Limiter))
	g.POST("/purchases", handlers.HandlePurchasePOST(reg, opts.Limiter))
}
