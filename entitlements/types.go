package entitlements

import (
	"context"
	"strings"
	"time"
)

// Tier is the coarse access level derived from local purchase records.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// Status is the subscription lifecycle position derived from local purchase records.
type Status string

const (
	StatusFree    Status = "free"
	StatusTrial   Status = "trial"
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// OfferType distinguishes introductory (trial) offers from standard pricing.
type OfferType string

const (
	OfferStandard     OfferType = "standard"
	OfferIntroductory OfferType = "introductory"
)

// State is the reconciled entitlement view for one account.
// Values are snapshots; the Reconciler owns the only mutable copy.
type State struct {
	Tier   Tier   `json:"tier"`
	Status Status `json:"status"`
	// Override is set only by an explicit read from the remote store.
	Override         *string    `json:"override,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	AutoRenewEnabled bool       `json:"auto_renew_enabled"`
	InGracePeriod    bool       `json:"in_grace_period"`

	ProductID             string `json:"product_id,omitempty"`
	OriginalTransactionID string `json:"original_transaction_id,omitempty"`
	AccountToken          string `json:"account_token,omitempty"`
}

// FreeState returns the zero entitlement: free tier, no override.
func FreeState() State {
	return State{Tier: TierFree, Status: StatusFree}
}

// OverrideGrants reports whether the administrator override grants access.
func (s State) OverrideGrants() bool {
	return s.Override != nil && strings.TrimSpace(*s.Override) != ""
}

// HasPremiumAccess combines both sources without conflating them.
func (s State) HasPremiumAccess() bool {
	return s.Tier == TierPremium || s.OverrideGrants()
}

// Clone returns a deep copy so callers can never alias the reconciler's pointers.
func (s State) Clone() State {
	out := s
	if s.Override != nil {
		v := *s.Override
		out.Override = &v
	}
	if s.ExpiresAt != nil {
		v := *s.ExpiresAt
		out.ExpiresAt = &v
	}
	return out
}

// SyncFields is the advisory subset written to the remote store.
type SyncFields struct {
	Status           Status `json:"status"`
	Tier             Tier   `json:"tier"`
	AutoRenewEnabled bool   `json:"auto_renew_enabled"`
	InGracePeriod    bool   `json:"in_grace_period"`
	ProductID        string `json:"product_id"`
}

// SyncFields projects the state onto the five fields the remote store accepts.
func (s State) SyncFields() SyncFields {
	return SyncFields{
		Status:           s.Status,
		Tier:             s.Tier,
		AutoRenewEnabled: s.AutoRenewEnabled,
		InGracePeriod:    s.InGracePeriod,
		ProductID:        s.ProductID,
	}
}

// PurchaseRecord is a single purchase observation from the provider.
// It is consumed once by verification and reconciliation and never persisted.
type PurchaseRecord struct {
	TransactionID          string     `json:"transaction_id,omitempty"`
	OriginalTransactionID  string     `json:"original_transaction_id"`
	ProductID              string     `json:"product_id"`
	Verified               bool       `json:"verified"`
	PurchaseDate           time.Time  `json:"purchase_date"`
	ExpirationDate         *time.Time `json:"expiration_date,omitempty"`
	RevocationDate         *time.Time `json:"revocation_date,omitempty"`
	GracePeriodExpiresDate *time.Time `json:"grace_period_expires_date,omitempty"`
	OfferType              OfferType  `json:"offer_type"`
	AccountToken           string     `json:"account_token,omitempty"`
	// SignedPayload is the provider's compact JWS for this transaction, if any.
	SignedPayload string `json:"-"`
	// SignedRenewalInfo is the provider's compact JWS renewal state, if any.
	// Only a verified copy may set GracePeriodExpiresDate.
	SignedRenewalInfo string `json:"-"`
}

// RemoteOverride is the result of an explicit override read.
// A nil *RemoteOverride passed to Reconcile means no read happened this cycle.
type RemoteOverride struct {
	Value *string
}

// Store is the remote authoritative entitlement store.
type Store interface {
	// GetOverride returns the administrator override for accountID, nil when unset.
	GetOverride(ctx context.Context, accountID string) (*string, error)
	// WriteEntitlement writes the advisory fields. It must never touch the override.
	WriteEntitlement(ctx context.Context, accountID string, fields SyncFields) error
}
