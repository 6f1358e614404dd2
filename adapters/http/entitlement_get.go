package entitlehttp

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/PaulFidika/entitlekit/account"
	"github.com/PaulFidika/entitlekit/core"
	"github.com/PaulFidika/entitlekit/entitlements"
)

type entitlementBody struct {
	entitlements.State
	PremiumAccess bool `json:"premium_access"`
}

// EntitlementHandler serves the caller's entitlement snapshot with a content
// ETag so polling clients can use conditional GETs. The account id is read
// from the request context (see account.WithAccountID) or the header.
func EntitlementHandler(reg *core.Registry, header string) http.Handler {
	if header == "" {
		header = "X-Account-ID"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		acct, ok := account.AccountIDFromContext(r.Context())
		if !ok {
			acct = r.Header.Get(header)
		}
		svc, err := reg.Session(r.Context(), acct)
		if err != nil {
			if acct == "" {
				http.Error(w, "not authenticated", http.StatusUnauthorized)
			} else {
				http.Error(w, "session unavailable", http.StatusInternalServerError)
			}
			return
		}
		st := svc.State()
		body, err := json.Marshal(entitlementBody{State: st, PremiumAccess: st.HasPremiumAccess()})
		if err != nil {
			http.Error(w, "encode entitlement", http.StatusInternalServerError)
			return
		}
		sum := sha256.Sum256(body)
		etag := `"` + hex.EncodeToString(sum[:8]) + `"`

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "private, no-cache")
		w.Header().Set("ETag", etag)
		if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(body)
	})
}
