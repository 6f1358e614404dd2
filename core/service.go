// Package core wires the entitlement engine into one session-scoped service.
//
// A Service owns the reconciler for the signed-in account and is the only
// path by which snapshot checks, purchases and provider updates reach it.
package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/PaulFidika/entitlekit/entitlements"
	"github.com/PaulFidika/entitlekit/listener"
	"github.com/PaulFidika/entitlekit/metrics"
	"github.com/PaulFidika/entitlekit/provider"
	"github.com/PaulFidika/entitlekit/remotesync"
	tokenkit "github.com/PaulFidika/entitlekit/token"
	verifykit "github.com/PaulFidika/entitlekit/verify"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// ErrPurchaseUnsupported is returned by Purchase when no Purchaser is configured.
var ErrPurchaseUnsupported = errors.New("core: purchases are not supported by this provider")

// Config holds the static settings of a Service.
type Config struct {
	// ProductIDs is the premium product family. Empty accepts every product.
	ProductIDs []string
	// TokenNamespace is the UUID namespace shared with the remote store.
	TokenNamespace uuid.UUID
}

// Deps are the collaborators of a Service. Snapshot and Verifier are required.
type Deps struct {
	Snapshot    provider.SnapshotReader
	Purchaser   provider.Purchaser
	Updates     provider.UpdateSource
	Restorer    provider.Restorer
	Verifier    verifykit.Verifier
	Store       entitlements.Store
	Dispatcher  remotesync.Dispatcher
	Transitions TransitionLogger
	Logger      logrus.FieldLogger
	// ReconcilerOpts are passed through to the reconciler (e.g. a test clock).
	ReconcilerOpts []entitlements.ReconcilerOpt
}

// Service is the explicitly constructed entitlement context for one process.
type Service struct {
	cfg     Config
	deps    Deps
	deriver tokenkit.Deriver
	log     logrus.FieldLogger

	reconciler *entitlements.Reconciler
	// mu serializes every read-verify-reconcile sequence.
	mu sync.Mutex

	sessMu    sync.Mutex
	accountID string
	listener  *listener.Listener

	cronMu sync.Mutex
	cron   *cron.Cron
}

func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Snapshot == nil {
		return nil, errors.New("core: snapshot reader is required")
	}
	if deps.Verifier == nil {
		return nil, errors.New("core: verifier is required")
	}
	log := deps.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		cfg:        cfg,
		deps:       deps,
		deriver:    tokenkit.NewDeriver(cfg.TokenNamespace),
		log:        log,
		reconciler: entitlements.NewReconciler(entitlements.NewProductFamily(cfg.ProductIDs...), deps.ReconcilerOpts...),
	}, nil
}

// AccountID returns the signed-in account, or "" when signed out.
func (s *Service) AccountID() string {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	return s.accountID
}

// State returns a snapshot of the current entitlement.
func (s *Service) State() entitlements.State {
	return s.reconciler.Snapshot()
}

// HasPremiumAccess reports tier == premium or an override grant.
func (s *Service) HasPremiumAccess() bool {
	return s.reconciler.Snapshot().HasPremiumAccess()
}

// SignIn activates accountID, starts the update listener and runs a first check.
// A failed first check is returned but leaves the session signed in.
func (s *Service) SignIn(ctx context.Context, accountID string) (entitlements.State, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return s.State(), fmt.Errorf("%w: account id is empty", entitlements.ErrInvalidInput)
	}
	s.SignOut()

	s.mu.Lock()
	s.reconciler.Reset()
	s.mu.Unlock()

	s.sessMu.Lock()
	s.accountID = accountID
	if s.deps.Updates != nil {
		l := listener.New(s.deps.Updates, s.deps.Verifier, s.updateHandler(accountID),
			listener.WithLogger(s.log.WithField("account_id", accountID)))
		s.listener = l
		// The listener lives until SignOut, not until ctx is done.
		l.Start(context.WithoutCancel(ctx))
	}
	s.sessMu.Unlock()

	s.log.WithField("account_id", accountID).Info("entitlement session started")
	return s.CheckNow(ctx)
}

// SignOut stops the listener exactly once, clears the account and resets
// all state, the override included.
func (s *Service) SignOut() {
	s.sessMu.Lock()
	l := s.listener
	prev := s.accountID
	s.listener = nil
	s.accountID = ""
	s.sessMu.Unlock()

	if l != nil {
		l.Stop()
	}
	if prev == "" {
		return
	}
	s.mu.Lock()
	s.reconciler.Reset()
	s.mu.Unlock()
	s.log.WithField("account_id", prev).Info("entitlement session ended")
}

// CheckNow reads the provider snapshot, verifies it, reads the override and
// reconciles. A failed snapshot read leaves the state untouched.
func (s *Service) CheckNow(ctx context.Context) (entitlements.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Read the account under mu so a concurrent sign-in cannot swap it mid-check.
	acct := s.AccountID()
	if acct == "" {
		return s.reconciler.Snapshot(), entitlements.ErrNotAuthenticated
	}
	return s.checkLocked(ctx, acct, nil, "snapshot")
}

// Restore asks the provider to re-sync purchases, then checks.
func (s *Service) Restore(ctx context.Context) (entitlements.State, error) {
	if s.AccountID() == "" {
		return s.State(), entitlements.ErrNotAuthenticated
	}
	if s.deps.Restorer != nil {
		if err := s.deps.Restorer.Restore(ctx); err != nil {
			return s.State(), fmt.Errorf("restore purchases: %w", err)
		}
	}
	return s.CheckNow(ctx)
}

// Purchase starts a purchase of productID tagged with the account token.
// Cancelled and pending outcomes are returned without touching state.
func (s *Service) Purchase(ctx context.Context, productID string) (provider.PurchaseResult, error) {
	acct := s.AccountID()
	if acct == "" {
		return provider.PurchaseResult{}, entitlements.ErrNotAuthenticated
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return provider.PurchaseResult{}, fmt.Errorf("%w: product id is empty", entitlements.ErrInvalidInput)
	}
	if s.deps.Purchaser == nil {
		return provider.PurchaseResult{}, ErrPurchaseUnsupported
	}
	token, err := s.deriver.Derive(acct)
	if err != nil {
		return provider.PurchaseResult{}, err
	}

	log := s.log.WithFields(logrus.Fields{"account_id": acct, "product_id": productID})
	res, err := s.deps.Purchaser.Purchase(ctx, productID, token)
	if err != nil {
		log.WithError(err).Warn("purchase failed")
		return res, err
	}
	if res.Outcome != provider.OutcomeSuccess {
		log.WithField("outcome", res.Outcome).Info("purchase not completed")
		return res, nil
	}
	if res.Record == nil {
		return res, fmt.Errorf("%w: purchase succeeded without a record", entitlements.ErrRejected)
	}

	rec, err := s.deps.Verifier.Verify(ctx, *res.Record)
	if err != nil {
		metrics.RecordsRejectedTotal.WithLabelValues("purchase").Inc()
		log.WithError(err).Warn("purchase record rejected")
		return res, err
	}
	metrics.RecordsVerifiedTotal.WithLabelValues("purchase").Inc()
	if rec.AccountToken != "" && !strings.EqualFold(rec.AccountToken, token.String()) {
		log.WithField("account_token", rec.AccountToken).Warn("purchase record carries a different account token")
	}
	if s.deps.Updates != nil {
		if err := s.deps.Updates.Finish(ctx, rec); err != nil {
			log.WithError(err).Warn("finish purchase failed")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AccountID() != acct {
		log.Warn("account changed during purchase; not reconciled")
		return res, entitlements.ErrNotAuthenticated
	}
	if _, err := s.checkLocked(ctx, acct, []entitlements.PurchaseRecord{rec}, "purchase"); err != nil {
		// Reconcile from the purchase alone when the snapshot is unavailable.
		s.reconcileLocked(ctx, acct, []entitlements.PurchaseRecord{rec}, nil, "purchase")
	}
	res.Record = &rec
	return res, nil
}

// HandleUpdate reconciles a verified update against a fresh snapshot. The
// override is carried forward; updates never read it.
func (s *Service) HandleUpdate(ctx context.Context, rec entitlements.PurchaseRecord) error {
	return s.updateHandler(s.AccountID())(ctx, rec)
}

func (s *Service) updateHandler(acct string) listener.HandlerFunc {
	return func(ctx context.Context, rec entitlements.PurchaseRecord) error {
		if acct == "" {
			return entitlements.ErrNotAuthenticated
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.AccountID() != acct {
			return entitlements.ErrNotAuthenticated
		}

		records := []entitlements.PurchaseRecord{rec}
		raws, err := s.deps.Snapshot.CurrentEntitlements(ctx)
		if err != nil {
			s.log.WithError(err).Warn("snapshot read failed; reconciling update alone")
		} else {
			records = mergeRecords(s.verifyAll(ctx, raws, "snapshot"), records)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		s.reconcileLocked(ctx, acct, records, nil, "update")
		return nil
	}
}

// checkLocked runs one full check. extra records are already verified.
func (s *Service) checkLocked(ctx context.Context, acct string, extra []entitlements.PurchaseRecord, source string) (entitlements.State, error) {
	raws, err := s.deps.Snapshot.CurrentEntitlements(ctx)
	if err != nil {
		s.log.WithError(err).WithField("account_id", acct).Warn("read entitlement snapshot failed")
		return s.reconciler.Snapshot(), fmt.Errorf("read entitlement snapshot: %w", err)
	}
	records := mergeRecords(s.verifyAll(ctx, raws, "snapshot"), extra)
	remote := s.readOverride(ctx, acct)
	return s.reconcileLocked(ctx, acct, records, remote, source), nil
}

func (s *Service) reconcileLocked(ctx context.Context, acct string, records []entitlements.PurchaseRecord, remote *entitlements.RemoteOverride, source string) entitlements.State {
	prev := s.reconciler.Snapshot()
	out := s.reconciler.Reconcile(records, remote)
	metrics.ReconcilesTotal.WithLabelValues(string(out.State.Tier), string(out.State.Status)).Inc()

	log := s.log.WithFields(logrus.Fields{
		"account_id": acct,
		"tier":       out.State.Tier,
		"status":     out.State.Status,
		"source":     source,
	})
	if out.Downgraded {
		metrics.DowngradesHeldTotal.Inc()
		log.Info("local entitlement lapsed; remote store left unchanged")
	}
	if out.SyncEligible && s.deps.Dispatcher != nil {
		s.deps.Dispatcher.Dispatch(acct, out.State)
	}
	if s.deps.Transitions != nil && changed(prev, out.State) {
		if err := s.deps.Transitions.LogTransition(ctx, acct, prev, out.State, source); err != nil {
			log.WithError(err).Debug("transition log failed")
		}
	}
	return out.State
}

// verifyAll drops every record that fails verification.
func (s *Service) verifyAll(ctx context.Context, raws []entitlements.PurchaseRecord, source string) []entitlements.PurchaseRecord {
	out := make([]entitlements.PurchaseRecord, 0, len(raws))
	for _, raw := range raws {
		rec, err := s.deps.Verifier.Verify(ctx, raw)
		if err != nil {
			metrics.RecordsRejectedTotal.WithLabelValues(source).Inc()
			s.log.WithError(err).WithFields(logrus.Fields{
				"transaction_id": raw.TransactionID,
				"product_id":     raw.ProductID,
			}).Warn("dropping unverified purchase record")
			continue
		}
		metrics.RecordsVerifiedTotal.WithLabelValues(source).Inc()
		out = append(out, rec)
	}
	return out
}

// readOverride returns nil when no read happened, so the prior override is carried.
func (s *Service) readOverride(ctx context.Context, acct string) *entitlements.RemoteOverride {
	if s.deps.Store == nil {
		return nil
	}
	v, err := s.deps.Store.GetOverride(ctx, acct)
	if err != nil {
		s.log.WithError(err).WithField("account_id", acct).Warn("override read failed; keeping previous value")
		return nil
	}
	return &entitlements.RemoteOverride{Value: v}
}

// mergeRecords appends updates to base; an update replaces a base record
// with the same transaction id.
func mergeRecords(base, updates []entitlements.PurchaseRecord) []entitlements.PurchaseRecord {
	if len(updates) == 0 {
		return base
	}
	ids := make(map[string]struct{}, len(updates))
	for _, u := range updates {
		if u.TransactionID != "" {
			ids[u.TransactionID] = struct{}{}
		}
	}
	out := make([]entitlements.PurchaseRecord, 0, len(base)+len(updates))
	for _, b := range base {
		if _, dup := ids[b.TransactionID]; dup && b.TransactionID != "" {
			continue
		}
		out = append(out, b)
	}
	return append(out, updates...)
}
