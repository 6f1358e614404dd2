package appstore

import "context"

// TransactionIndex remembers which original transactions belong to an
// account, keyed by the appAccountToken the App Store echoes back. It lets a
// restarted process find an account's subscriptions before any new
// notification arrives.
type TransactionIndex interface {
	TrackTransaction(ctx context.Context, accountToken, originalTransactionID string) error
	OriginalTransactionIDs(ctx context.Context, accountToken string) ([]string, error)
}
