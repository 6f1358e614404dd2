// Package listener consumes the provider's ordered update stream for the
// lifetime of a signed-in session.
package listener

import (
	"context"
	"errors"
	"sync"

	"github.com/PaulFidika/entitlekit/entitlements"
	"github.com/PaulFidika/entitlekit/metrics"
	"github.com/PaulFidika/entitlekit/provider"
	verifykit "github.com/PaulFidika/entitlekit/verify"
	"github.com/sirupsen/logrus"
)

// HandlerFunc receives each verified update, in delivery order.
type HandlerFunc func(ctx context.Context, rec entitlements.PurchaseRecord) error

// Listener verifies and forwards updates until stopped.
// A Listener runs at most once; create a new one per session.
type Listener struct {
	source   provider.UpdateSource
	verifier verifykit.Verifier
	handle   HandlerFunc
	log      logrus.FieldLogger

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	mu        sync.Mutex
}

// Opt configures a Listener.
type Opt func(*Listener)

func WithLogger(l logrus.FieldLogger) Opt {
	return func(ln *Listener) {
		if l != nil {
			ln.log = l
		}
	}
}

func New(source provider.UpdateSource, verifier verifykit.Verifier, handle HandlerFunc, opts ...Opt) *Listener {
	l := &Listener{
		source:   source,
		verifier: verifier,
		handle:   handle,
		log:      logrus.StandardLogger(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start begins consuming updates on a new goroutine. Later calls are no-ops.
func (l *Listener) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		l.mu.Lock()
		l.cancel = cancel
		l.mu.Unlock()
		go l.run(ctx)
	})
}

// Stop cancels the listener and waits for the loop to exit. Safe to call
// more than once and before Start.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		started := false
		l.startOnce.Do(func() { close(l.done) })
		l.mu.Lock()
		if l.cancel != nil {
			l.cancel()
			started = true
		}
		l.mu.Unlock()
		if started {
			<-l.done
		}
	})
}

// Done is closed when the loop has exited.
func (l *Listener) Done() <-chan struct{} { return l.done }

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)
	l.log.Info("entitlement update listener started")
	defer l.log.Info("entitlement update listener stopped")

	updates := l.source.Updates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-updates:
			if !ok {
				return
			}
			l.process(ctx, raw)
		}
	}
}

func (l *Listener) process(ctx context.Context, raw entitlements.PurchaseRecord) {
	metrics.UpdatesReceivedTotal.Inc()
	log := l.log.WithFields(logrus.Fields{
		"transaction_id": raw.TransactionID,
		"product_id":     raw.ProductID,
	})

	rec, err := l.verifier.Verify(ctx, raw)
	if ctx.Err() != nil {
		// Cancelled mid-verification: leave unfinished so the provider redelivers.
		return
	}
	if err != nil {
		metrics.RecordsRejectedTotal.WithLabelValues("update").Inc()
		log.WithError(err).Warn("dropping unverified entitlement update")
		return
	}
	metrics.RecordsVerifiedTotal.WithLabelValues("update").Inc()

	if l.handle != nil {
		if err := l.handle(ctx, rec); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.WithError(err).Warn("entitlement update handler failed")
		}
	}
	if err := l.source.Finish(ctx, rec); err != nil {
		log.WithError(err).Warn("finish entitlement update failed")
	}
}
