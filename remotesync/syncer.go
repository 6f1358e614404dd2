// Package remotesync pushes positive entitlements to the remote store.
//
// Only premium states are ever written. A local observation of "no
// entitlement" is never pushed: the remote store's own process is
// authoritative for expirations and cancellations.
package remotesync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PaulFidika/entitlekit/entitlements"
	"github.com/PaulFidika/entitlekit/metrics"
	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds each remote write.
const DefaultTimeout = 15 * time.Second

// ErrNotSyncEligible is returned for any state that is not a positive entitlement.
var ErrNotSyncEligible = errors.New("remotesync: state is not sync eligible")

// Dispatcher schedules a sync without blocking the caller.
type Dispatcher interface {
	Dispatch(accountID string, st entitlements.State)
}

// Syncer writes the advisory fields with a bounded timeout and never retries.
type Syncer struct {
	store   entitlements.Store
	timeout time.Duration
	log     logrus.FieldLogger
	wg      sync.WaitGroup
}

// Opt configures a Syncer.
type Opt func(*Syncer)

// WithTimeout overrides DefaultTimeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Opt {
	return func(s *Syncer) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the logger; defaults to the logrus standard logger.
func WithLogger(l logrus.FieldLogger) Opt {
	return func(s *Syncer) {
		if l != nil {
			s.log = l
		}
	}
}

func New(store entitlements.Store, opts ...Opt) *Syncer {
	s := &Syncer{store: store, timeout: DefaultTimeout, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync writes st for accountID. Failures are logged and returned wrapped in
// entitlements.ErrSync; callers are expected to drop them.
func (s *Syncer) Sync(ctx context.Context, accountID string, st entitlements.State) error {
	if strings.TrimSpace(accountID) == "" {
		return fmt.Errorf("%w: account id is empty", entitlements.ErrInvalidInput)
	}
	if st.Tier != entitlements.TierPremium {
		return ErrNotSyncEligible
	}
	if s.store == nil {
		return fmt.Errorf("%w: no remote store configured", entitlements.ErrSync)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	fields := st.SyncFields()
	start := time.Now()
	err := s.store.WriteEntitlement(ctx, accountID, fields)
	metrics.SyncDurationSeconds.Observe(time.Since(start).Seconds())

	log := s.log.WithFields(logrus.Fields{
		"account_id": accountID,
		"product_id": fields.ProductID,
		"status":     fields.Status,
	})
	if err != nil {
		result := "error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			result = "timeout"
		}
		metrics.SyncsTotal.WithLabelValues(result).Inc()
		log.WithError(err).WithField("result", result).Warn("remote entitlement sync failed")
		return fmt.Errorf("%w: %v", entitlements.ErrSync, err)
	}
	metrics.SyncsTotal.WithLabelValues("ok").Inc()
	log.Debug("remote entitlement synced")
	return nil
}

// Dispatch runs Sync on its own goroutine, detached from any caller context.
func (s *Syncer) Dispatch(accountID string, st entitlements.State) {
	st = st.Clone()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.Sync(context.Background(), accountID, st)
	}()
}

// Wait blocks until every dispatched sync has finished.
func (s *Syncer) Wait() {
	s.wg.Wait()
}
