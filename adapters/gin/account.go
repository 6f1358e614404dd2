package entitlegin

import (
	"strings"

	"github.com/PaulFidika/entitlekit/account"
	"github.com/PaulFidika/entitlekit/adapters/gin/ginutil"
	"github.com/gin-gonic/gin"
)

// AccountConfig says where the caller's account id comes from. The id is
// expected to be set by an authenticating proxy in front of this service.
type AccountConfig struct {
	Header     string
	CookieName string
}

func (c *AccountConfig) defaulted() AccountConfig {
	if c == nil {
		return AccountConfig{Header: "X-Account-ID"}
	}
	out := *c
	if strings.TrimSpace(out.Header) == "" {
		out.Header = "X-Account-ID"
	}
	return out
}

// resolveAccountID applies header > cookie.
func resolveAccountID(c *gin.Context, cfg AccountConfig) string {
	if v := strings.TrimSpace(c.GetHeader(cfg.Header)); v != "" {
		return v
	}
	if cfg.CookieName != "" {
		if v, err := c.Cookie(cfg.CookieName); err == nil {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// AccountMiddleware attaches the caller's account id to the gin and request contexts.
// Requests without one continue; handlers that need it answer 401.
func AccountMiddleware(cfg *AccountConfig) gin.HandlerFunc {
	conf := cfg.defaulted()
	return func(g *gin.Context) {
		if acct := resolveAccountID(g, conf); acct != "" {
			g.Set(ginutil.AccountKey, acct)
			g.Request = g.Request.WithContext(account.WithAccountID(g.Request.Context(), acct))
		}
		g.Next()
	}
}

// RequireAccount aborts with 401 when no account id was resolved.
func RequireAccount() gin.HandlerFunc {
	return func(g *gin.Context) {
		if _, ok := CurrentAccount(g); !ok {
			ginutil.Unauthorized(g)
			return
		}
		g.Next()
	}
}

// CurrentAccount returns the resolved account id.
func CurrentAccount(c *gin.Context) (string, bool) {
	if v, ok := account.AccountIDFromContext(c.Request.Context()); ok {
		return v, true
	}
	v := c.GetString(ginutil.AccountKey)
	return v, v != ""
}
