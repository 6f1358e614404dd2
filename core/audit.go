package core

import (
	"context"

	"github.com/PaulFidika/entitlekit/entitlements"
)

// TransitionLogger records entitlement transitions to an external sink (e.g., an audit table).
// Implementations should be non-blocking and best-effort.
type TransitionLogger interface {
	LogTransition(ctx context.Context, accountID string, from, to entitlements.State, source string) error
}

// changed reports whether a transition is worth recording.
func changed(from, to entitlements.State) bool {
	if from.Tier != to.Tier || from.Status != to.Status || from.ProductID != to.ProductID {
		return true
	}
	if (from.Override == nil) != (to.Override == nil) {
		return true
	}
	return from.Override != nil && *from.Override != *to.Override
}
