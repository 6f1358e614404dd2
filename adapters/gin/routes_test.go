package entitlegin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/PaulFidika/entitlekit/core"
	"github.com/PaulFidika/entitlekit/entitlements"
	"github.com/PaulFidika/entitlekit/provider"
	memorylimiter "github.com/PaulFidika/entitlekit/ratelimit/memory"
	memorystore "github.com/PaulFidika/entitlekit/storage/memory"
	storetest "github.com/PaulFidika/entitlekit/testing"
	verifykit "github.com/PaulFidika/entitlekit/verify"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"
)

type staticSnapshot []entitlements.PurchaseRecord

func (s staticSnapshot) CurrentEntitlements(context.Context) ([]entitlements.PurchaseRecord, error) {
	return s, nil
}

func newRouter(t *testing.T, limits map[string]memorylimiter.Limit) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := storetest.New("com.example.app")
	remote := memorystore.New()
	remote.SetOverride("user-43", "admin_grant")
	logger, _ := test.NewNullLogger()

	reg := core.NewRegistry(func(accountID string) (*core.Service, error) {
		var snap staticSnapshot
		if accountID == "user-42" {
			snap = staticSnapshot{store.Record(storetest.Transaction("1000", "pro.monthly", time.Now().Add(-time.Hour)))}
		}
		cancelled := provider.NewCallbackPurchaser(func(_ string, _ uuid.UUID, done func(provider.PurchaseResult, error)) {
			done(provider.PurchaseResult{Outcome: provider.OutcomeCancelled}, nil)
		})
		return core.New(core.Config{TokenNamespace: uuid.NameSpaceURL}, core.Deps{
			Snapshot:  snap,
			Purchaser: cancelled,
			Verifier:  verifykit.NewJWSVerifier(store.Roots()),
			Store:     remote,
			Logger:    logger,
		})
	}, logger)
	t.Cleanup(reg.Close)

	r := gin.New()
	Register(r, reg, Options{Limiter: memorylimiter.New(limits)})
	return r
}

func do(r http.Handler, method, path, acct string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if acct != "" {
		req.Header.Set("X-Account-ID", acct)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestEntitlementGET(t *testing.T) {
	r := newRouter(t, nil)

	w := do(r, http.MethodGet, "/entitlement", "user-42", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var got map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got["tier"] != "premium" || got["premium_access"] != true {
		t.Fatalf("unexpected body %v", got)
	}

	w = do(r, http.MethodGet, "/entitlement", "user-43", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &got)
	if got["tier"] != "free" || got["override"] != "admin_grant" || got["premium_access"] != true {
		t.Fatalf("override account: %v", got)
	}
}

func TestEntitlementGET_RequiresAccount(t *testing.T) {
	r := newRouter(t, nil)
	if w := do(r, http.MethodGet, "/entitlement", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRefresh_RateLimited(t *testing.T) {
	r := newRouter(t, map[string]memorylimiter.Limit{"entitlement_refresh": {Limit: 1, Window: time.Minute}})
	if w := do(r, http.MethodPost, "/entitlement/refresh", "user-42", nil); w.Code != http.StatusOK {
		t.Fatalf("first refresh: %d %s", w.Code, w.Body.String())
	}
	if w := do(r, http.MethodPost, "/entitlement/refresh", "user-42", nil); w.Code != http.StatusTooManyRequests {
		t.Fatalf("second refresh should be limited, got %d", w.Code)
	}
}

func TestPurchasePOST(t *testing.T) {
	r := newRouter(t, nil)
	if w := do(r, http.MethodPost, "/purchases", "user-42", []byte(`{}`)); w.Code != http.StatusBadRequest {
		t.Fatalf("missing product: %d", w.Code)
	}
	w := do(r, http.MethodPost, "/purchases", "user-42", []byte(`{"product_id":"pro.yearly"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("purchase: %d %s", w.Code, w.Body.String())
	}
	var got struct {
		Outcome string `json:"outcome"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &got)
	if got.Outcome != string(provider.OutcomeCancelled) {
		t.Fatalf("unexpected outcome %q", got.Outcome)
	}
}

func TestAccountMiddleware_Cookie(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "acct", Value: "user-7"})
	c.Request = req

	if got := resolveAccountID(c, AccountConfig{Header: "X-Account-ID", CookieName: "acct"}); got != "user-7" {
		t.Fatalf("expected cookie fallback, got %q", got)
	}
	req.Header.Set("X-Account-ID", "user-8")
	if got := resolveAccountID(c, AccountConfig{Header: "X-Account-ID", CookieName: "acct"}); got != "user-8" {
		t.Fatalf("expected header to win, got %q", got)
	}
}
