package appstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/PaulFidika/entitlekit/entitlements"
	"github.com/PaulFidika/entitlekit/provider"
	verifykit "github.com/PaulFidika/entitlekit/verify"
	"github.com/sirupsen/logrus"
)

const (
	inboxSize          = 16
	defaultRetryPeriod = time.Second
)

// Router fans the single notification stream out to per-account inboxes,
// keyed by the appAccountToken inside each verified transaction. Delivery
// never blocks on one inbox: a record for a full inbox stays unfinished in a
// backlog and is retried.
type Router struct {
	source   provider.UpdateSource
	verifier verifykit.Verifier
	log      logrus.FieldLogger
	index    TransactionIndex
	retry    time.Duration

	mu      sync.Mutex
	inboxes map[string]*Inbox
}

// RouterOpt configures a Router.
type RouterOpt func(*Router)

// WithIndex records the account token and original transaction id of every
// verified notification, routed or not.
func WithIndex(index TransactionIndex) RouterOpt {
	return func(r *Router) { r.index = index }
}

// WithRetryPeriod sets how often records for full inboxes are retried.
func WithRetryPeriod(d time.Duration) RouterOpt {
	return func(r *Router) {
		if d > 0 {
			r.retry = d
		}
	}
}

func NewRouter(source provider.UpdateSource, verifier verifykit.Verifier, log logrus.FieldLogger, opts ...RouterOpt) *Router {
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Router{
		source:   source,
		verifier: verifier,
		log:      log,
		retry:    defaultRetryPeriod,
		inboxes:  make(map[string]*Inbox),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Inbox returns the update source for an account token, creating it on first use.
func (r *Router) Inbox(accountToken string) *Inbox {
	key := strings.ToLower(accountToken)
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.inboxes[key]
	if !ok {
		in = &Inbox{router: r, key: key, ch: make(chan entitlements.PurchaseRecord, inboxSize)}
		r.inboxes[key] = in
	}
	return in
}

// Remove drops the inbox for accountToken. Records still queued in it are
// finished; the account's next snapshot read covers them.
func (r *Router) Remove(accountToken string) {
	r.mu.Lock()
	in := r.inboxes[strings.ToLower(accountToken)]
	r.mu.Unlock()
	if in != nil {
		r.remove(in)
	}
}

func (r *Router) remove(in *Inbox) {
	r.mu.Lock()
	if r.inboxes[in.key] != in {
		r.mu.Unlock()
		return
	}
	delete(r.inboxes, in.key)
	r.mu.Unlock()
	for {
		select {
		case rec := <-in.ch:
			_ = r.source.Finish(context.Background(), rec)
		default:
			return
		}
	}
}

// Len returns the number of registered inboxes.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inboxes)
}

// pending is a verified record waiting for room in its inbox.
type pending struct {
	raw   entitlements.PurchaseRecord
	token string
}

// Run routes until ctx is done. Records with no matching inbox are finished
// and dropped; the account's next snapshot read picks the change up.
func (r *Router) Run(ctx context.Context) {
	updates := r.source.Updates(ctx)
	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()

	var backlog []pending
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-updates:
			if !ok {
				return
			}
			p, ok := r.route(ctx, raw)
			if !ok {
				continue
			}
			// Queue behind held records for the same account to keep its order.
			if held(backlog, p.token) || !r.deliver(ctx, p) {
				r.log.WithField("account_token", p.token).Warn("inbox full; notification held for retry")
				backlog = append(backlog, p)
			}
		case <-ticker.C:
			kept := backlog[:0]
			for _, p := range backlog {
				if held(kept, p.token) || !r.deliver(ctx, p) {
					kept = append(kept, p)
				}
			}
			backlog = kept
		}
	}
}

func held(backlog []pending, token string) bool {
	for _, p := range backlog {
		if p.token == token {
			return true
		}
	}
	return false
}

// route verifies raw and records its transaction. It returns false when raw
// was finished here and needs no delivery.
func (r *Router) route(ctx context.Context, raw entitlements.PurchaseRecord) (pending, bool) {
	rec, err := r.verifier.Verify(ctx, raw)
	if err != nil {
		if ctx.Err() != nil {
			return pending{}, false
		}
		r.log.WithError(err).Warn("dropping unverifiable notification transaction")
		_ = r.source.Finish(ctx, raw)
		return pending{}, false
	}
	log := r.log.WithField("original_transaction_id", rec.OriginalTransactionID)
	if rec.AccountToken == "" {
		log.Debug("notification carries no account token")
		_ = r.source.Finish(ctx, raw)
		return pending{}, false
	}
	if r.index != nil {
		if err := r.index.TrackTransaction(ctx, rec.AccountToken, rec.OriginalTransactionID); err != nil {
			log.WithError(err).Warn("record account transaction failed")
		}
	}

	r.mu.Lock()
	in, ok := r.inboxes[rec.AccountToken]
	var hook func(entitlements.PurchaseRecord)
	if ok {
		hook = in.onRecord
	}
	r.mu.Unlock()
	if !ok {
		log.Debug("no session for notification")
		_ = r.source.Finish(ctx, raw)
		return pending{}, false
	}
	if hook != nil {
		hook(rec)
	}
	// The inbox carries the raw record; its listener verifies it again.
	return pending{raw: raw, token: rec.AccountToken}, true
}

// deliver hands p to its inbox without blocking. It reports false when the
// inbox is full and p should be retried.
func (r *Router) deliver(ctx context.Context, p pending) bool {
	r.mu.Lock()
	in, ok := r.inboxes[p.token]
	r.mu.Unlock()
	if !ok {
		_ = r.source.Finish(ctx, p.raw)
		return true
	}
	select {
	case in.ch <- p.raw:
		return true
	default:
		return false
	}
}

// Inbox is one account's provider.UpdateSource.
type Inbox struct {
	router   *Router
	key      string
	ch       chan entitlements.PurchaseRecord
	onRecord func(entitlements.PurchaseRecord)
}

var _ provider.UpdateSource = (*Inbox)(nil)

// OnRecord registers a hook run by the router for every routed record,
// before delivery.
func (in *Inbox) OnRecord(fn func(entitlements.PurchaseRecord)) {
	in.router.mu.Lock()
	defer in.router.mu.Unlock()
	in.onRecord = fn
}

func (in *Inbox) Updates(ctx context.Context) <-chan entitlements.PurchaseRecord {
	out := make(chan entitlements.PurchaseRecord)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case rec := <-in.ch:
				select {
				case out <- rec:
				case <-ctx.Done():
					// Put it back for the next consumer.
					select {
					case in.ch <- rec:
					default:
					}
					return
				}
			}
		}
	}()
	return out
}

func (in *Inbox) Finish(ctx context.Context, rec entitlements.PurchaseRecord) error {
	return in.router.source.Finish(ctx, rec)
}

// Close unregisters the inbox from its router. A newer inbox for the same
// token is left alone.
func (in *Inbox) Close() error {
	in.router.remove(in)
	return nil
}
