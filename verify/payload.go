package verifykit

import (
	"strings"
	"time"

	"github.com/PaulFidika/entitlekit/entitlements"
)

// TransactionPayload is the decoded body of a signed App Store transaction.
// Dates are Unix milliseconds; zero means absent.
type TransactionPayload struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	BundleID              string `json:"bundleId"`
	ProductID             string `json:"productId"`
	PurchaseDate          int64  `json:"purchaseDate"`
	ExpiresDate           int64  `json:"expiresDate,omitempty"`
	RevocationDate        int64  `json:"revocationDate,omitempty"`
	SignedDate            int64  `json:"signedDate"`
	// OfferType 1 is an introductory offer; 2 and 3 are promotional and code offers.
	OfferType       int    `json:"offerType,omitempty"`
	AppAccountToken string `json:"appAccountToken,omitempty"`
	Type            string `json:"type,omitempty"`
	Environment     string `json:"environment,omitempty"`
}

// RenewalPayload is the decoded body of signed App Store renewal info.
type RenewalPayload struct {
	OriginalTransactionID  string `json:"originalTransactionId"`
	AutoRenewProductID     string `json:"autoRenewProductId,omitempty"`
	ProductID              string `json:"productId,omitempty"`
	AutoRenewStatus        int    `json:"autoRenewStatus"`
	IsInBillingRetryPeriod bool   `json:"isInBillingRetryPeriod,omitempty"`
	GracePeriodExpiresDate int64  `json:"gracePeriodExpiresDate,omitempty"`
	SignedDate             int64  `json:"signedDate"`
	Environment            string `json:"environment,omitempty"`
}

// introductoryOffer is the App Store offerType value for introductory offers.
const introductoryOffer = 1

// Record converts the payload into a verified PurchaseRecord.
func (p TransactionPayload) Record(signed string) entitlements.PurchaseRecord {
	offer := entitlements.OfferStandard
	if p.OfferType == introductoryOffer {
		offer = entitlements.OfferIntroductory
	}
	return entitlements.PurchaseRecord{
		TransactionID:         p.TransactionID,
		OriginalTransactionID: p.OriginalTransactionID,
		ProductID:             p.ProductID,
		Verified:              true,
		PurchaseDate:          time.UnixMilli(p.PurchaseDate).UTC(),
		ExpirationDate:        millis(p.ExpiresDate),
		RevocationDate:        millis(p.RevocationDate),
		OfferType:             offer,
		AccountToken:          strings.ToLower(p.AppAccountToken),
		SignedPayload:         signed,
	}
}

func millis(ms int64) *time.Time {
	if ms == 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
