// Package riverjobs dispatches remote syncs as River jobs so they survive a
// process restart between reconciliation and the remote write.
package riverjobs

import (
	"context"
	"fmt"
	"time"

	"github.com/PaulFidika/entitlekit/entitlements"
	"github.com/PaulFidika/entitlekit/remotesync"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"
	"github.com/sirupsen/logrus"
)

// QueueName is the River queue used for remote syncs.
const QueueName = "entitlement_sync"

// SyncArgs is the job payload: the account and the state to push.
type SyncArgs struct {
	AccountID string             `json:"account_id"`
	State     entitlements.State `json:"state"`
}

func (SyncArgs) Kind() string { return "entitlekit_remote_sync" }

// InsertOpts pins the queue and disables retries; the next natural trigger re-syncs.
func (SyncArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueName, MaxAttempts: 1}
}

// Worker performs the remote write through a remotesync.Syncer.
type Worker struct {
	river.WorkerDefaults[SyncArgs]
	syncer  *remotesync.Syncer
	timeout time.Duration
}

// NewWorker wraps syncer. timeout bounds the whole job.
func NewWorker(syncer *remotesync.Syncer, timeout time.Duration) *Worker {
	if timeout <= 0 {
		timeout = remotesync.DefaultTimeout
	}
	return &Worker{syncer: syncer, timeout: timeout}
}

func (w *Worker) Timeout(*river.Job[SyncArgs]) time.Duration { return w.timeout }

func (w *Worker) Work(ctx context.Context, job *river.Job[SyncArgs]) error {
	return w.syncer.Sync(ctx, job.Args.AccountID, job.Args.State)
}

// NewClient builds a River client on pool with the sync worker registered.
func NewClient(pool *pgxpool.Pool, syncer *remotesync.Syncer, timeout time.Duration, maxWorkers int) (*river.Client[pgx.Tx], error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	workers := river.NewWorkers()
	if err := river.AddWorkerSafely(workers, NewWorker(syncer, timeout)); err != nil {
		return nil, fmt.Errorf("register sync worker: %w", err)
	}
	return river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:  map[string]river.QueueConfig{QueueName: {MaxWorkers: maxWorkers}},
		Workers: workers,
	})
}

// Inserter is the subset of *river.Client used for enqueueing.
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// Dispatcher enqueues syncs instead of running them inline.
type Dispatcher struct {
	client  Inserter
	timeout time.Duration
	log     logrus.FieldLogger
}

var _ remotesync.Dispatcher = (*Dispatcher)(nil)

// NewDispatcher wraps a River client. log defaults to the logrus standard logger.
func NewDispatcher(client Inserter, log logrus.FieldLogger) *Dispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{client: client, timeout: 5 * time.Second, log: log}
}

// Dispatch enqueues on a separate goroutine so a slow database never stalls the caller.
// Non-premium states are dropped here as well as in the worker.
func (d *Dispatcher) Dispatch(accountID string, st entitlements.State) {
	if st.Tier != entitlements.TierPremium {
		return
	}
	args := SyncArgs{AccountID: accountID, State: st.Clone()}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if _, err := d.client.Insert(ctx, args, nil); err != nil {
			d.log.WithError(err).WithField("account_id", accountID).Warn("enqueue remote entitlement sync failed")
		}
	}()
}
