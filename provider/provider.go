// Package provider defines the purchase provider boundary: snapshot reads,
// purchases, and the ordered stream of entitlement updates.
package provider

import (
	"context"

	"github.com/PaulFidika/entitlekit/entitlements"
	"github.com/google/uuid"
)

// Outcome is the provider's answer to a purchase attempt.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeCancelled Outcome = "cancelled"
	OutcomePending   Outcome = "pending"
)

// PurchaseResult carries the outcome and, on success, the unverified record.
type PurchaseResult struct {
	Outcome Outcome                      `json:"outcome"`
	Record  *entitlements.PurchaseRecord `json:"-"`
}

// SnapshotReader reads the currently held entitlements. Implementations
// should answer from local data when offline.
type SnapshotReader interface {
	CurrentEntitlements(ctx context.Context) ([]entitlements.PurchaseRecord, error)
}

// Purchaser starts a purchase tagged with the account-linking token.
type Purchaser interface {
	Purchase(ctx context.Context, productID string, accountToken uuid.UUID) (PurchaseResult, error)
}

// UpdateSource delivers future entitlement changes in order. The channel is
// closed when ctx is done or the source ends. Records not passed to Finish
// are redelivered by the provider in a later session.
type UpdateSource interface {
	Updates(ctx context.Context) <-chan entitlements.PurchaseRecord
	Finish(ctx context.Context, rec entitlements.PurchaseRecord) error
}

// Restorer asks the provider to re-sync purchases from its backend.
type Restorer interface {
	Restore(ctx context.Context) error
}
