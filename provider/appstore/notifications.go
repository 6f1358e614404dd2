package appstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/PaulFidika/entitlekit/entitlements"
	"github.com/PaulFidika/entitlekit/provider"
	verifykit "github.com/PaulFidika/entitlekit/verify"
	"github.com/sirupsen/logrus"
)

// ErrQueueFull is returned when the update queue cannot take another record.
// The HTTP handler answers 503 so the App Store redelivers later.
var ErrQueueFull = errors.New("appstore: notification queue full")

// NotificationPayload is the decoded signedPayload of a v2 notification.
type NotificationPayload struct {
	NotificationType string `json:"notificationType"`
	Subtype          string `json:"subtype,omitempty"`
	NotificationUUID string `json:"notificationUUID"`
	Data             struct {
		BundleID              string `json:"bundleId"`
		Environment           string `json:"environment"`
		SignedTransactionInfo string `json:"signedTransactionInfo"`
		SignedRenewalInfo     string `json:"signedRenewalInfo,omitempty"`
	} `json:"data"`
	SignedDate int64 `json:"signedDate"`
}

// Notifications receives App Store Server Notifications and exposes them as
// an ordered provider.UpdateSource. Records delivered but not finished are
// replayed to the next consumer.
type Notifications struct {
	verifier *verifykit.JWSVerifier
	queue    chan entitlements.PurchaseRecord
	log      logrus.FieldLogger

	mu       sync.Mutex
	inflight []entitlements.PurchaseRecord
	onRecord func(entitlements.PurchaseRecord)
}

var _ provider.UpdateSource = (*Notifications)(nil)

// NewNotifications verifies envelopes with verifier and buffers up to size records.
func NewNotifications(verifier *verifykit.JWSVerifier, size int, log logrus.FieldLogger) *Notifications {
	if size <= 0 {
		size = 256
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Notifications{verifier: verifier, queue: make(chan entitlements.PurchaseRecord, size), log: log}
}

// OnRecord registers a hook called for every accepted notification, e.g. to
// track its original transaction id in a Snapshot.
func (n *Notifications) OnRecord(fn func(entitlements.PurchaseRecord)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onRecord = fn
}

// Receive verifies a signedPayload envelope and queues its transaction. The
// queued record is still unverified; the listener verifies the transaction itself.
func (n *Notifications) Receive(ctx context.Context, signedPayload string) (NotificationPayload, error) {
	var p NotificationPayload
	body, err := n.verifier.VerifyJWS(ctx, signedPayload)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return p, fmt.Errorf("%w: malformed notification: %v", entitlements.ErrRejected, err)
	}
	log := n.log.WithFields(logrus.Fields{
		"notification_type": p.NotificationType,
		"subtype":           p.Subtype,
		"notification_uuid": p.NotificationUUID,
	})
	if p.Data.SignedTransactionInfo == "" {
		log.Debug("notification without transaction ignored")
		return p, nil
	}
	rec := entitlements.PurchaseRecord{
		SignedPayload:     p.Data.SignedTransactionInfo,
		SignedRenewalInfo: p.Data.SignedRenewalInfo,
	}
	select {
	case n.queue <- rec:
	default:
		log.Warn("notification queue full")
		return p, ErrQueueFull
	}
	n.mu.Lock()
	hook := n.onRecord
	n.mu.Unlock()
	if hook != nil {
		hook(rec)
	}
	log.Info("app store notification queued")
	return p, nil
}

// Updates streams queued records until ctx is done. Unfinished records from
// an earlier consumer come first.
func (n *Notifications) Updates(ctx context.Context) <-chan entitlements.PurchaseRecord {
	out := make(chan entitlements.PurchaseRecord)
	n.mu.Lock()
	replay := append([]entitlements.PurchaseRecord(nil), n.inflight...)
	n.mu.Unlock()

	go func() {
		defer close(out)
		for _, rec := range replay {
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case rec := <-n.queue:
				n.track(rec)
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (n *Notifications) track(rec entitlements.PurchaseRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.inflight = append(n.inflight, rec)
}

// Finish acknowledges rec so it is not replayed.
func (n *Notifications) Finish(_ context.Context, rec entitlements.PurchaseRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, r := range n.inflight {
		if r.SignedPayload == rec.SignedPayload {
			n.inflight = append(n.inflight[:i], n.inflight[i+1:]...)
			return nil
		}
	}
	return nil
}

// Pending returns the number of delivered but unfinished records.
func (n *Notifications) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.inflight)
}

type notificationRequest struct {
	SignedPayload string `json:"signedPayload"`
}

// ServeHTTP accepts the App Store POST. Rejected envelopes get 400, a full
// queue 503, everything else 200.
func (n *Notifications) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req notificationRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil || req.SignedPayload == "" {
		http.Error(w, "invalid notification", http.StatusBadRequest)
		return
	}
	_, err := n.Receive(r.Context(), req.SignedPayload)
	switch {
	case errors.Is(err, ErrQueueFull):
		w.WriteHeader(http.StatusServiceUnavailable)
	case errors.Is(err, entitlements.ErrRejected):
		n.log.WithError(err).Warn("rejected app store notification")
		http.Error(w, "invalid notification", http.StatusBadRequest)
	case err != nil:
		w.WriteHeader(http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusOK)
	}
}
