package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/PaulFidika/entitlekit/adapters/gin/ginutil"
	"github.com/PaulFidika/entitlekit/core"
	"github.com/PaulFidika/entitlekit/entitlements"
	"github.com/gin-gonic/gin"
)

type purchaseRequest struct {
	ProductID string `json:"product_id"`
}

// HandlePurchasePOST starts a purchase. Cancelled and pending outcomes are
// 200 responses; a rejected record is 422.
func HandlePurchasePOST(reg *core.Registry, rl ginutil.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ginutil.AllowNamed(c, rl, ginutil.RLPurchase) {
			ginutil.TooMany(c)
			return
		}
		var req purchaseRequest
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.ProductID) == "" {
			ginutil.BadRequest(c, "missing_product_id")
			return
		}
		svc, ok := session(c, reg)
		if !ok {
			return
		}
		res, err := svc.Purchase(c.Request.Context(), req.ProductID)
		switch {
		case errors.Is(err, entitlements.ErrNotAuthenticated):
			ginutil.Unauthorized(c)
			return
		case errors.Is(err, entitlements.ErrInvalidInput):
			ginutil.BadRequest(c, "invalid_purchase")
			return
		case errors.Is(err, core.ErrPurchaseUnsupported):
			c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"error": "purchases_unsupported"})
			return
		case errors.Is(err, entitlements.ErrRejected):
			c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "purchase_unverified"})
			return
		case err != nil:
			ginutil.ServerErr(c, "purchase_failed")
			return
		}
		c.JSON(http.StatusOK, gin.H{"outcome": res.Outcome, "entitlement": NewEntitlementView(svc.State())})
	}
}
