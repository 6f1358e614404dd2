package pgstore

import (
	"context"
	"errors"
	"strings"

	"github.com/PaulFidika/entitlekit/core"
	"github.com/PaulFidika/entitlekit/entitlements"
	"github.com/PaulFidika/entitlekit/provider/appstore"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the Postgres schema created by migrations/postgres.
const Schema = "entitlekit"

// Store is the Postgres-backed remote entitlement store.
// The override column is written only by operators, never by this package.
type Store struct {
	pg *pgxpool.Pool
}

var (
	_ entitlements.Store        = (*Store)(nil)
	_ core.TransitionLogger     = (*Store)(nil)
	_ appstore.TransactionIndex = (*Store)(nil)
)

func NewStore(pg *pgxpool.Pool) *Store {
	return &Store{pg: pg}
}

const (
	entitlementsTable = Schema + ".entitlements"
	transitionsTable  = Schema + ".entitlement_transitions"
	transactionsTable = Schema + ".account_transactions"
)

// GetOverride returns the override for accountID, nil when the account or value is missing.
func (s *Store) GetOverride(ctx context.Context, accountID string) (*string, error) {
	if s.pg == nil || strings.TrimSpace(accountID) == "" {
		return nil, nil
	}
	var override *string
	err := s.pg.QueryRow(ctx, `SELECT override FROM `+entitlementsTable+` WHERE account_id=$1`, accountID).Scan(&override)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return override, nil
}

// WriteEntitlement upserts the five advisory columns.
func (s *Store) WriteEntitlement(ctx context.Context, accountID string, f entitlements.SyncFields) error {
	if s.pg == nil {
		return errors.New("pgstore: no database pool")
	}
	_, err := s.pg.Exec(ctx, `
INSERT INTO `+entitlementsTable+` (account_id, status, tier, auto_renew_enabled, in_grace_period, product_id, updated_at)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), now())
ON CONFLICT (account_id) DO UPDATE SET
	status = EXCLUDED.status,
	tier = EXCLUDED.tier,
	auto_renew_enabled = EXCLUDED.auto_renew_enabled,
	in_grace_period = EXCLUDED.in_grace_period,
	product_id = EXCLUDED.product_id,
	updated_at = now()`,
		accountID, string(f.Status), string(f.Tier), f.AutoRenewEnabled, f.InGracePeriod, f.ProductID)
	return err
}

// SetOverride sets or clears (nil) the administrator override.
func (s *Store) SetOverride(ctx context.Context, accountID string, override *string) error {
	if s.pg == nil {
		return errors.New("pgstore: no database pool")
	}
	_, err := s.pg.Exec(ctx, `
INSERT INTO `+entitlementsTable+` (account_id, override) VALUES ($1, $2)
ON CONFLICT (account_id) DO UPDATE SET override = EXCLUDED.override, updated_at = now()`, accountID, override)
	return err
}

// LogTransition appends a row to the transitions table.
func (s *Store) LogTransition(ctx context.Context, accountID string, from, to entitlements.State, source string) error {
	if s.pg == nil {
		return nil
	}
	_, err := s.pg.Exec(ctx, `
INSERT INTO `+transitionsTable+` (account_id, source, from_tier, from_status, to_tier, to_status, product_id, override)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)`,
		accountID, source, string(from.Tier), string(from.Status), string(to.Tier), string(to.Status), to.ProductID, to.Override)
	return err
}

// Row is the full stored row, advisory fields and override together.
type Row struct {
	AccountID string
	Override  *string
	entitlements.SyncFields
}

// Get reads the stored row for accountID.
func (s *Store) Get(ctx context.Context, accountID string) (Row, bool, error) {
	if s.pg == nil {
		return Row{}, false, nil
	}
	var (
		r         Row
		status    string
		tier      string
		productID *string
	)
	err := s.pg.QueryRow(ctx, `
SELECT account_id, override, status, tier, auto_renew_enabled, in_grace_period, product_id
FROM `+entitlementsTable+` WHERE account_id=$1`, accountID).
		Scan(&r.AccountID, &r.Override, &status, &tier, &r.AutoRenewEnabled, &r.InGracePeriod, &productID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, err
	}
	r.Status = entitlements.Status(status)
	r.Tier = entitlements.Tier(tier)
	if productID != nil {
		r.ProductID = *productID
	}
	return r, true, nil
}

// TrackTransaction records that originalTransactionID belongs to accountToken.
// Repeated calls are no-ops.
func (s *Store) TrackTransaction(ctx context.Context, accountToken, originalTransactionID string) error {
	if s.pg == nil {
		return errors.New("pgstore: no database pool")
	}
	_, err := s.pg.Exec(ctx, `
INSERT INTO `+transactionsTable+` (account_token, original_transaction_id)
VALUES ($1, $2)
ON CONFLICT (account_token, original_transaction_id) DO NOTHING`,
		strings.ToLower(accountToken), originalTransactionID)
	return err
}

// OriginalTransactionIDs lists every original transaction seen for accountToken.
func (s *Store) OriginalTransactionIDs(ctx context.Context, accountToken string) ([]string, error) {
	if s.pg == nil {
		return nil, errors.New("pgstore: no database pool")
	}
	rows, err := s.pg.Query(ctx, `
SELECT original_transaction_id FROM `+transactionsTable+`
WHERE account_token=$1 ORDER BY first_seen_at`, strings.ToLower(accountToken))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
