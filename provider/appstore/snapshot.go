package appstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/PaulFidika/entitlekit/entitlements"
	"github.com/PaulFidika/entitlekit/provider"
)

// Snapshot is a provider.SnapshotReader over the subscriptions the account is
// known to hold, identified by original transaction id.
type Snapshot struct {
	client *Client

	index        TransactionIndex
	accountToken string

	mu  sync.Mutex
	ids []string
}

var _ provider.SnapshotReader = (*Snapshot)(nil)

func NewSnapshot(client *Client, originalTransactionIDs ...string) *Snapshot {
	s := &Snapshot{client: client}
	for _, id := range originalTransactionIDs {
		s.Track(id)
	}
	return s
}

// UseIndex makes every read start from the ids index holds for accountToken,
// so subscriptions seen by other processes or before a restart are included.
func (s *Snapshot) UseIndex(index TransactionIndex, accountToken string) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = index
	s.accountToken = accountToken
	return s
}

// Track adds an original transaction id to future reads.
func (s *Snapshot) Track(originalTransactionID string) {
	if originalTransactionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.ids {
		if id == originalTransactionID {
			return
		}
	}
	s.ids = append(s.ids, originalTransactionID)
}

// CurrentEntitlements fetches every tracked subscription. Any failed lookup
// fails the whole read so a partial view is never reconciled.
func (s *Snapshot) CurrentEntitlements(ctx context.Context) ([]entitlements.PurchaseRecord, error) {
	s.mu.Lock()
	index, token := s.index, s.accountToken
	s.mu.Unlock()
	if index != nil {
		known, err := index.OriginalTransactionIDs(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("appstore: load tracked transactions: %w", err)
		}
		for _, id := range known {
			s.Track(id)
		}
	}

	s.mu.Lock()
	ids := append([]string(nil), s.ids...)
	s.mu.Unlock()

	var out []entitlements.PurchaseRecord
	for _, id := range ids {
		recs, err := s.client.SubscriptionStatuses(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}
