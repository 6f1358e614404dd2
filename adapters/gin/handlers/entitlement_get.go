package handlers

import (
	"net/http"

	"github.com/PaulFidika/entitlekit/adapters/gin/ginutil"
	"github.com/PaulFidika/entitlekit/core"
	"github.com/PaulFidika/entitlekit/entitlements"
	"github.com/gin-gonic/gin"
)

// EntitlementView is the JSON body returned by the entitlement endpoints.
type EntitlementView struct {
	entitlements.State
	PremiumAccess bool `json:"premium_access"`
}

func NewEntitlementView(st entitlements.State) EntitlementView {
	return EntitlementView{State: st, PremiumAccess: st.HasPremiumAccess()}
}

func HandleEntitlementGET(reg *core.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		svc, ok := session(c, reg)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, NewEntitlementView(svc.State()))
	}
}

// session resolves the caller's Service or writes the error response.
func session(c *gin.Context, reg *core.Registry) (*core.Service, bool) {
	acct := c.GetString(ginutil.AccountKey)
	svc, err := reg.Session(c.Request.Context(), acct)
	if err != nil {
		if acct == "" {
			ginutil.Unauthorized(c)
		} else {
			ginutil.ServerErr(c, "session_unavailable")
		}
		return nil, false
	}
	return svc, true
}
