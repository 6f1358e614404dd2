package entitlements

import (
	"strings"
	"sync"
	"time"
)

// Outcome is the result of one reconciliation pass.
type Outcome struct {
	State State
	// SyncEligible is true only for a positive local entitlement.
	SyncEligible bool
	// Downgraded is true when a previously premium view fell back to free in memory.
	Downgraded bool
}

// ProductFamily is the set of product identifiers that grant premium.
type ProductFamily map[string]struct{}

// NewProductFamily builds a family from product ids, ignoring blanks.
func NewProductFamily(ids ...string) ProductFamily {
	f := make(ProductFamily, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			f[id] = struct{}{}
		}
	}
	return f
}

// Contains reports membership. An empty family accepts every product.
func (f ProductFamily) Contains(productID string) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[productID]
	return ok
}

// Reconciler owns the account's EntitlementState. All mutation goes through
// Reconcile, Reset and nothing else; readers get copies.
type Reconciler struct {
	mu     sync.Mutex
	state  State
	family ProductFamily
	now    func() time.Time
}

// ReconcilerOpt configures a Reconciler.
type ReconcilerOpt func(*Reconciler)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) ReconcilerOpt {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReconciler returns a reconciler starting from the free state.
func NewReconciler(family ProductFamily, opts ...ReconcilerOpt) *Reconciler {
	r := &Reconciler{state: FreeState(), family: family, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Snapshot returns an immutable copy of the current state.
func (r *Reconciler) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone()
}

// Reset drops all state, override included. Used at sign-out.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = FreeState()
}

// Reconcile merges verified records and an optional explicit override read
// into a new state. Unverified records are ignored. The override is replaced
// only when remote is non-nil; otherwise the previous value is carried.
func (r *Reconciler) Reconcile(records []PurchaseRecord, remote *RemoteOverride) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.state
	now := r.now()

	override := prev.Override
	if remote != nil {
		override = copyString(remote.Value)
	}

	next, eligible := Derive(records, r.family, now)
	next.Override = override

	r.state = next
	return Outcome{
		State:        next.Clone(),
		SyncEligible: eligible,
		Downgraded:   prev.Tier == TierPremium && next.Tier != TierPremium,
	}
}

// Derive computes the record-derived fields of a state. It is pure: the
// returned state has no override and eligible is true only for premium.
func Derive(records []PurchaseRecord, family ProductFamily, now time.Time) (State, bool) {
	latest, ok := selectLatest(records, family)
	if !ok {
		return FreeState(), false
	}
	if lapsed(latest, now) {
		return State{Tier: TierFree, Status: StatusExpired}, false
	}

	status := StatusActive
	if latest.OfferType == OfferIntroductory {
		status = StatusTrial
	}
	st := State{
		Tier:                  TierPremium,
		Status:                status,
		ExpiresAt:             copyTime(latest.ExpirationDate),
		AutoRenewEnabled:      autoRenewEstimate(latest, now),
		InGracePeriod:         inGrace(latest, now),
		ProductID:             latest.ProductID,
		OriginalTransactionID: latest.OriginalTransactionID,
		AccountToken:          latest.AccountToken,
	}
	if st.ProductID == "" || st.OriginalTransactionID == "" {
		// premium requires both identifiers
		return FreeState(), false
	}
	return st, true
}

// selectLatest picks the verified family record with the greatest purchase date.
func selectLatest(records []PurchaseRecord, family ProductFamily) (PurchaseRecord, bool) {
	var best PurchaseRecord
	found := false
	for _, rec := range records {
		if !rec.Verified || !family.Contains(rec.ProductID) {
			continue
		}
		if !found || rec.PurchaseDate.After(best.PurchaseDate) {
			best = rec
			found = true
		}
	}
	return best, found
}

func lapsed(rec PurchaseRecord, now time.Time) bool {
	if rec.RevocationDate != nil && !rec.RevocationDate.After(now) {
		return true
	}
	if rec.ExpirationDate != nil && !rec.ExpirationDate.After(now) {
		return !inGrace(rec, now)
	}
	return false
}

func inGrace(rec PurchaseRecord, now time.Time) bool {
	return rec.GracePeriodExpiresDate != nil && rec.GracePeriodExpiresDate.After(now)
}

// autoRenewEstimate is a best-effort local guess; the remote store's own
// value is authoritative for display and never feeds back here.
func autoRenewEstimate(rec PurchaseRecord, now time.Time) bool {
	return rec.RevocationDate == nil && rec.ExpirationDate != nil && rec.ExpirationDate.After(now)
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
