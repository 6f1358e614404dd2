package memorystore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/PaulFidika/entitlekit/entitlements"
	"github.com/PaulFidika/entitlekit/provider/appstore"
)

// Store is an in-memory entitlements.Store for development and tests.
// It keeps the latest advisory row per account and every write in order.
type Store struct {
	mu           sync.Mutex
	overrides    map[string]string
	rows         map[string]Row
	writes       []Write
	transactions map[string][]string
}

// Row is the stored advisory state for one account.
type Row struct {
	entitlements.SyncFields
	UpdatedAt time.Time
}

// Write is one recorded WriteEntitlement call.
type Write struct {
	AccountID string
	Fields    entitlements.SyncFields
}

var (
	_ entitlements.Store        = (*Store)(nil)
	_ appstore.TransactionIndex = (*Store)(nil)
)

func New() *Store {
	return &Store{
		overrides:    make(map[string]string),
		rows:         make(map[string]Row),
		transactions: make(map[string][]string),
	}
}

// SetOverride sets or, with an empty value, clears the administrator override.
func (s *Store) SetOverride(accountID, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(value) == "" {
		delete(s.overrides, accountID)
		return
	}
	s.overrides[accountID] = value
}

func (s *Store) GetOverride(ctx context.Context, accountID string) (*string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.overrides[accountID]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (s *Store) WriteEntitlement(ctx context.Context, accountID string, fields entitlements.SyncFields) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[accountID] = Row{SyncFields: fields, UpdatedAt: time.Now()}
	s.writes = append(s.writes, Write{AccountID: accountID, Fields: fields})
	return nil
}

// Row returns the stored advisory state for accountID.
func (s *Store) Row(accountID string) (Row, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[accountID]
	return r, ok
}

// Writes returns a copy of every write so far.
func (s *Store) Writes() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Write(nil), s.writes...)
}

// TrackTransaction remembers originalTransactionID for accountToken once.
func (s *Store) TrackTransaction(ctx context.Context, accountToken, originalTransactionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := strings.ToLower(accountToken)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.transactions[key] {
		if id == originalTransactionID {
			return nil
		}
	}
	s.transactions[key] = append(s.transactions[key], originalTransactionID)
	return nil
}

// OriginalTransactionIDs returns the ids tracked for accountToken in insertion order.
func (s *Store) OriginalTransactionIDs(ctx context.Context, accountToken string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.transactions[strings.ToLower(accountToken)]...), nil
}
