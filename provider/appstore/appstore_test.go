package appstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PaulFidika/entitlekit/entitlements"
	storetest "github.com/PaulFidika/entitlekit/testing"
	verifykit "github.com/PaulFidika/entitlekit/verify"
)

type staticSigner struct{}

func (staticSigner) Algorithm() string                     { return "ES256" }
func (staticSigner) KID() string                           { return "KID123" }
func (staticSigner) Token(context.Context) (string, error) { return "api-token", nil }

const bundle = "com.example.app"

func TestClient_SubscriptionStatuses(t *testing.T) {
	store := storetest.New(bundle)
	signed := store.Record(storetest.Transaction("1000", "pro.monthly", time.Now().Add(-time.Hour))).SignedPayload

	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(map[string]any{
			"environment": "Sandbox",
			"bundleId":    bundle,
			"data": []any{map[string]any{
				"subscriptionGroupIdentifier": "g1",
				"lastTransactions": []any{map[string]any{
					"originalTransactionId": "1000",
					"status":                1,
					"signedTransactionInfo": signed,
				}},
			}},
		})
	}))
	defer srv.Close()

	c := NewClient(staticSigner{}, WithBaseURL(srv.URL))
	recs, err := c.SubscriptionStatuses(context.Background(), "1000")
	if err != nil {
		t.Fatalf("statuses: %v", err)
	}
	if gotAuth != "Bearer api-token" || gotPath != "/inApps/v1/subscriptions/1000" {
		t.Fatalf("unexpected request: %q %q", gotAuth, gotPath)
	}
	if len(recs) != 1 || recs[0].Verified || recs[0].SignedPayload != signed {
		t.Fatalf("expected one unverified signed record, got %+v", recs)
	}

	v := verifykit.NewJWSVerifier(store.Roots(), verifykit.WithBundleID(bundle))
	rec, err := v.Verify(context.Background(), recs[0])
	if err != nil || rec.ProductID != "pro.monthly" {
		t.Fatalf("record from api did not verify: %v", err)
	}
}

func TestClient_GracePeriodSurvivesVerification(t *testing.T) {
	store := storetest.New(bundle)
	now := time.Now()
	tx := storetest.Transaction("1000", "pro.monthly", now.Add(-31*24*time.Hour))
	tx.ExpiresDate = now.Add(-24 * time.Hour).UnixMilli()
	signedTx := store.Record(tx).SignedPayload
	signedRenewal := store.Sign(storetest.Renewal("1000", "pro.monthly", now.Add(5*24*time.Hour)))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []any{map[string]any{
				"subscriptionGroupIdentifier": "g1",
				"lastTransactions": []any{map[string]any{
					"originalTransactionId": "1000",
					"status":                4,
					"signedTransactionInfo": signedTx,
					"signedRenewalInfo":     signedRenewal,
				}},
			}},
		})
	}))
	defer srv.Close()

	recs, err := NewSnapshot(NewClient(staticSigner{}, WithBaseURL(srv.URL)), "1000").CurrentEntitlements(context.Background())
	if err != nil || len(recs) != 1 {
		t.Fatalf("snapshot: %v %+v", err, recs)
	}
	rec, err := verifykit.NewJWSVerifier(store.Roots(), verifykit.WithBundleID(bundle)).Verify(context.Background(), recs[0])
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if rec.GracePeriodExpiresDate == nil {
		t.Fatal("verified record lost its grace period")
	}

	st, eligible := entitlements.Derive([]entitlements.PurchaseRecord{rec}, entitlements.NewProductFamily("pro.monthly"), now)
	if st.Tier != entitlements.TierPremium || st.Status != entitlements.StatusActive || !st.InGracePeriod || !eligible {
		t.Fatalf("grace period subscriber: got %s/%s grace=%v eligible=%v", st.Tier, st.Status, st.InGracePeriod, eligible)
	}
	if !st.SyncFields().InGracePeriod {
		t.Fatal("grace flag missing from synced fields")
	}
}

func TestNotifications_CarryRenewalInfo(t *testing.T) {
	store := storetest.New(bundle)
	verifier := verifykit.NewJWSVerifier(store.Roots())
	n := NewNotifications(verifier, 4, nil)

	tx := storetest.Transaction("1000", "pro.monthly", time.Now().Add(-31*24*time.Hour))
	tx.ExpiresDate = time.Now().Add(-time.Hour).UnixMilli()
	envelope := store.Sign(map[string]any{
		"notificationType": "DID_FAIL_TO_RENEW",
		"subtype":          "GRACE_PERIOD",
		"notificationUUID": "7f1c0f4e-0000-4000-8000-000000000002",
		"data": map[string]any{
			"bundleId":              bundle,
			"signedTransactionInfo": store.Record(tx).SignedPayload,
			"signedRenewalInfo":     store.Sign(storetest.Renewal("1000", "pro.monthly", time.Now().Add(48*time.Hour))),
		},
		"signedDate": time.Now().UnixMilli(),
	})
	if _, err := n.Receive(context.Background(), envelope); err != nil {
		t.Fatalf("receive: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec, err := verifier.Verify(ctx, <-n.Updates(ctx))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if rec.GracePeriodExpiresDate == nil || !rec.GracePeriodExpiresDate.After(time.Now()) {
		t.Fatalf("notification dropped the grace period: %+v", rec.GracePeriodExpiresDate)
	}
}

func TestClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errorCode":4040010}`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewClient(staticSigner{}, WithBaseURL(srv.URL)).SubscriptionStatuses(context.Background(), "missing")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected 404 error, got %v", err)
	}
}

func TestSnapshot_FailsWhole(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if strings.HasSuffix(r.URL.Path, "/2000") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	s := NewSnapshot(NewClient(staticSigner{}, WithBaseURL(srv.URL)), "1000", "2000", "1000")
	if _, err := s.CurrentEntitlements(context.Background()); err == nil {
		t.Fatal("a failed lookup must fail the snapshot")
	}
	if calls != 2 {
		t.Fatalf("duplicate ids should be tracked once, got %d calls", calls)
	}
}

func notification(store *storetest.Store, signedTx string) string {
	return store.Sign(map[string]any{
		"notificationType": "DID_RENEW",
		"notificationUUID": "7f1c0f4e-0000-4000-8000-000000000001",
		"data": map[string]any{
			"bundleId":              bundle,
			"environment":           "Sandbox",
			"signedTransactionInfo": signedTx,
		},
		"signedDate": time.Now().UnixMilli(),
	})
}

func TestNotifications_QueueAndReplay(t *testing.T) {
	store := storetest.New(bundle)
	n := NewNotifications(verifykit.NewJWSVerifier(store.Roots()), 4, nil)
	signedTx := store.Record(storetest.Transaction("1000", "pro.monthly", time.Now())).SignedPayload

	var tracked []string
	n.OnRecord(func(rec entitlements.PurchaseRecord) { tracked = append(tracked, rec.SignedPayload) })

	p, err := n.Receive(context.Background(), notification(store, signedTx))
	if err != nil || p.NotificationType != "DID_RENEW" {
		t.Fatalf("receive: %+v %v", p, err)
	}
	if len(tracked) != 1 {
		t.Fatal("record hook not called")
	}

	ctx, cancel := context.WithCancel(context.Background())
	rec := <-n.Updates(ctx)
	cancel()
	if rec.SignedPayload != signedTx || rec.Verified {
		t.Fatalf("unexpected record %+v", rec)
	}

	// Not finished: the next consumer sees it again.
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	again := <-n.Updates(ctx2)
	if again.SignedPayload != signedTx {
		t.Fatal("unfinished record was not replayed")
	}
	if err := n.Finish(ctx2, again); err != nil {
		t.Fatal(err)
	}
	if n.Pending() != 0 {
		t.Fatalf("expected no pending records, got %d", n.Pending())
	}
}

func TestNotifications_RejectsForgedEnvelope(t *testing.T) {
	trusted := storetest.New(bundle)
	forger := storetest.New(bundle)
	n := NewNotifications(verifykit.NewJWSVerifier(trusted.Roots()), 4, nil)

	_, err := n.Receive(context.Background(), notification(forger, "x"))
	if !errors.Is(err, entitlements.ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestNotifications_HTTP(t *testing.T) {
	store := storetest.New(bundle)
	n := NewNotifications(verifykit.NewJWSVerifier(store.Roots()), 1, nil)
	signedTx := store.Record(storetest.Transaction("1000", "pro.monthly", time.Now())).SignedPayload

	post := func(body string) int {
		rr := httptest.NewRecorder()
		n.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/appstore/notifications", strings.NewReader(body)))
		return rr.Code
	}
	envelope := `{"signedPayload":"` + notification(store, signedTx) + `"}`

	if code := post(envelope); code != http.StatusOK {
		t.Fatalf("first notification: %d", code)
	}
	if code := post(envelope); code != http.StatusServiceUnavailable {
		t.Fatalf("full queue should answer 503, got %d", code)
	}
	if code := post(`{"signedPayload":"garbage"}`); code != http.StatusBadRequest {
		t.Fatalf("garbage should answer 400, got %d", code)
	}
	if code := post(`{}`); code != http.StatusBadRequest {
		t.Fatalf("empty body should answer 400, got %d", code)
	}
}

func TestRouter_RoutesByAccountToken(t *testing.T) {
	store := storetest.New(bundle)
	verifier := verifykit.NewJWSVerifier(store.Roots())
	n := NewNotifications(verifier, 8, nil)
	router := NewRouter(n, verifier, nil)

	const token = "2991bdff-0fee-52e0-90c1-c76c57de7a2f"
	inbox := router.Inbox(strings.ToUpper(token))
	var tracked []string
	inbox.OnRecord(func(rec entitlements.PurchaseRecord) { tracked = append(tracked, rec.OriginalTransactionID) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go router.Run(ctx)

	mine := storetest.Transaction("1000", "pro.monthly", time.Now())
	mine.AppAccountToken = token
	other := storetest.Transaction("2000", "pro.monthly", time.Now())
	other.AppAccountToken = "b8343a45-5aaf-5dbb-8796-6ce70c45a210"

	for _, tx := range []verifykit.TransactionPayload{other, mine} {
		if _, err := n.Receive(ctx, notification(store, store.Record(tx).SignedPayload)); err != nil {
			t.Fatalf("receive: %v", err)
		}
	}

	select {
	case rec := <-inbox.Updates(ctx):
		got, err := verifier.Verify(ctx, rec)
		if err != nil || got.OriginalTransactionID != "1000" {
			t.Fatalf("wrong record routed: %+v %v", got, err)
		}
		if err := inbox.Finish(ctx, got); err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("record was not routed")
	}
	if len(tracked) != 1 || tracked[0] != "1000" {
		t.Fatalf("hook saw %v", tracked)
	}
	if n.Pending() != 0 {
		t.Fatalf("expected every notification finished, %d pending", n.Pending())
	}
}

type fakeIndex struct {
	mu  sync.Mutex
	ids map[string][]string
	err error
}

func (f *fakeIndex) TrackTransaction(_ context.Context, token, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ids == nil {
		f.ids = make(map[string][]string)
	}
	f.ids[token] = append(f.ids[token], id)
	return nil
}

func (f *fakeIndex) OriginalTransactionIDs(_ context.Context, token string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids[token]...), f.err
}

func TestRouter_FullInboxDoesNotBlockOthers(t *testing.T) {
	store := storetest.New(bundle)
	verifier := verifykit.NewJWSVerifier(store.Roots())
	n := NewNotifications(verifier, 64, nil)
	router := NewRouter(n, verifier, nil, WithRetryPeriod(10*time.Millisecond))

	const stalled = "2991bdff-0fee-52e0-90c1-c76c57de7a2f"
	const live = "b8343a45-5aaf-5dbb-8796-6ce70c45a210"
	router.Inbox(stalled) // never consumed
	liveInbox := router.Inbox(live)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go router.Run(ctx)

	for i := 0; i < 20; i++ {
		tx := storetest.Transaction("1000", "pro.monthly", time.Now())
		tx.AppAccountToken = stalled
		if _, err := n.Receive(ctx, notification(store, store.Record(tx).SignedPayload)); err != nil {
			t.Fatalf("receive %d: %v", i, err)
		}
	}
	tx := storetest.Transaction("2000", "pro.monthly", time.Now())
	tx.AppAccountToken = live
	if _, err := n.Receive(ctx, notification(store, store.Record(tx).SignedPayload)); err != nil {
		t.Fatalf("receive live: %v", err)
	}

	select {
	case rec := <-liveInbox.Updates(ctx):
		if err := liveInbox.Finish(ctx, rec); err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("live account starved by a stalled inbox")
	}
	if n.Pending() != 20 {
		t.Fatalf("stalled records must stay unfinished, %d pending", n.Pending())
	}

	// Ending the stalled session releases its queued and held records.
	router.Remove(stalled)
	deadline := time.Now().Add(2 * time.Second)
	for n.Pending() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("records left unfinished after remove: %d", n.Pending())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if router.Len() != 1 {
		t.Fatalf("expected one inbox left, got %d", router.Len())
	}
}

func TestInbox_CloseKeepsNewerInbox(t *testing.T) {
	store := storetest.New(bundle)
	verifier := verifykit.NewJWSVerifier(store.Roots())
	router := NewRouter(NewNotifications(verifier, 4, nil), verifier, nil)

	old := router.Inbox("2991bdff-0fee-52e0-90c1-c76c57de7a2f")
	if err := old.Close(); err != nil {
		t.Fatal(err)
	}
	fresh := router.Inbox("2991bdff-0fee-52e0-90c1-c76c57de7a2f")
	if fresh == old {
		t.Fatal("closed inbox was reused")
	}
	_ = old.Close()
	if router.Len() != 1 {
		t.Fatal("closing a stale inbox removed the live one")
	}
}

func TestRouter_IndexesUnroutedTransactions(t *testing.T) {
	store := storetest.New(bundle)
	verifier := verifykit.NewJWSVerifier(store.Roots())
	n := NewNotifications(verifier, 4, nil)
	index := &fakeIndex{}
	router := NewRouter(n, verifier, nil, WithIndex(index))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go router.Run(ctx)

	const token = "2991bdff-0fee-52e0-90c1-c76c57de7a2f"
	tx := storetest.Transaction("1000", "pro.monthly", time.Now())
	tx.AppAccountToken = strings.ToUpper(token)
	if _, err := n.Receive(ctx, notification(store, store.Record(tx).SignedPayload)); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := index.OriginalTransactionIDs(ctx, token)
		if len(got) > 0 && n.Pending() == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("notification not indexed: %v pending=%d", got, n.Pending())
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := index.OriginalTransactionIDs(ctx, token)
	if len(got) != 1 || got[0] != "1000" {
		t.Fatalf("indexed %v", got)
	}
}

func TestSnapshot_SeedsFromIndex(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	const token = "2991bdff-0fee-52e0-90c1-c76c57de7a2f"
	index := &fakeIndex{ids: map[string][]string{token: {"1000"}}}
	s := NewSnapshot(NewClient(staticSigner{}, WithBaseURL(srv.URL))).UseIndex(index, token)

	if _, err := s.CurrentEntitlements(context.Background()); err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(paths) != 1 || paths[0] != "/inApps/v1/subscriptions/1000" {
		t.Fatalf("a fresh snapshot must read indexed transactions, got %v", paths)
	}

	index.err = errors.New("db down")
	if _, err := s.CurrentEntitlements(context.Background()); err == nil {
		t.Fatal("an index failure must fail the read")
	}
}
