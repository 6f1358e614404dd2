package verifykit

import (
	"context"

	"github.com/PaulFidika/entitlekit/entitlements"
)

// PrimitiveFunc is a provider-supplied verification check. It reports whether
// the provider could attribute the record to itself.
type PrimitiveFunc func(ctx context.Context, raw entitlements.PurchaseRecord) (bool, error)

// PrimitiveVerifier wraps a provider's own verification primitive. Both the
// provider's Verified flag and the primitive must agree; any error, including
// an unreachable backend, rejects.
type PrimitiveVerifier struct {
	check PrimitiveFunc
}

// NewPrimitiveVerifier wraps check. A nil check rejects every record.
func NewPrimitiveVerifier(check PrimitiveFunc) *PrimitiveVerifier {
	return &PrimitiveVerifier{check: check}
}

func (v *PrimitiveVerifier) Verify(ctx context.Context, raw entitlements.PurchaseRecord) (entitlements.PurchaseRecord, error) {
	if v == nil || v.check == nil {
		return entitlements.PurchaseRecord{}, reject("no verification backend")
	}
	if !raw.Verified {
		return entitlements.PurchaseRecord{}, reject("provider reported record as unverified")
	}
	ok, err := v.check(ctx, raw)
	if err != nil {
		return entitlements.PurchaseRecord{}, reject("verification backend: %v", err)
	}
	if !ok {
		return entitlements.PurchaseRecord{}, reject("provider could not attribute record")
	}
	out := raw
	out.Verified = true
	return out, nil
}
