package listener

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/PaulFidika/entitlekit/entitlements"
	verifykit "github.com/PaulFidika/entitlekit/verify"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

type chanSource struct {
	ch chan entitlements.PurchaseRecord

	mu       sync.Mutex
	finished []string
}

func newChanSource() *chanSource {
	return &chanSource{ch: make(chan entitlements.PurchaseRecord, 8)}
}

func (s *chanSource) Updates(context.Context) <-chan entitlements.PurchaseRecord { return s.ch }

func (s *chanSource) Finish(_ context.Context, rec entitlements.PurchaseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, rec.TransactionID)
	return nil
}

func (s *chanSource) finishedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.finished...)
}

func acceptAll() verifykit.Verifier {
	return verifykit.NewPrimitiveVerifier(func(context.Context, entitlements.PurchaseRecord) (bool, error) {
		return true, nil
	})
}

func update(id string, verified bool) entitlements.PurchaseRecord {
	return entitlements.PurchaseRecord{
		TransactionID:         id,
		OriginalTransactionID: "1000",
		ProductID:             "pro.monthly",
		Verified:              verified,
		PurchaseDate:          time.Now(),
	}
}

func TestListener_HandlesInOrderAndFinishes(t *testing.T) {
	src := newChanSource()
	var mu sync.Mutex
	var handled []string
	got := make(chan struct{}, 8)
	l := New(src, acceptAll(), func(_ context.Context, rec entitlements.PurchaseRecord) error {
		mu.Lock()
		handled = append(handled, rec.TransactionID)
		mu.Unlock()
		got <- struct{}{}
		return nil
	})
	l.Start(context.Background())
	defer l.Stop()

	for _, id := range []string{"a", "b", "c"} {
		src.ch <- update(id, true)
	}
	for i := 0; i < 3; i++ {
		select {
		case <-got:
		case <-time.After(time.Second):
			t.Fatalf("handler called %d times, want 3", i)
		}
	}
	l.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(handled) != 3 || handled[0] != "a" || handled[1] != "b" || handled[2] != "c" {
		t.Fatalf("handled out of order: %v", handled)
	}
	if ids := src.finishedIDs(); len(ids) != 3 {
		t.Fatalf("expected 3 finished updates, got %v", ids)
	}
}

func TestListener_RejectedUpdateIsDropped(t *testing.T) {
	src := newChanSource()
	logger, hook := test.NewNullLogger()
	got := make(chan string, 2)
	l := New(src, acceptAll(), func(_ context.Context, rec entitlements.PurchaseRecord) error {
		got <- rec.TransactionID
		return nil
	}, WithLogger(logger))
	l.Start(context.Background())
	defer l.Stop()

	src.ch <- update("forged", false)
	src.ch <- update("real", true)

	select {
	case id := <-got:
		if id != "real" {
			t.Fatalf("unverified update reached handler: %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("verified update not handled")
	}
	l.Stop()

	for _, id := range src.finishedIDs() {
		if id == "forged" {
			t.Fatal("rejected update must not be finished")
		}
	}
	rejected := false
	for _, e := range hook.AllEntries() {
		if e.Message == "dropping unverified entitlement update" {
			rejected = true
		}
	}
	if !rejected {
		t.Fatal("expected rejection to be logged")
	}
}

func TestListener_CancelledDuringVerificationIsNotHandled(t *testing.T) {
	src := newChanSource()
	entered := make(chan struct{})
	release := make(chan struct{})
	v := verifykit.NewPrimitiveVerifier(func(ctx context.Context, _ entitlements.PurchaseRecord) (bool, error) {
		close(entered)
		<-release
		return true, nil
	})
	handled := false
	l := New(src, v, func(context.Context, entitlements.PurchaseRecord) error {
		handled = true
		return nil
	})
	l.Start(context.Background())
	src.ch <- update("late", true)
	<-entered

	stopped := make(chan struct{})
	go func() {
		l.Stop()
		close(stopped)
	}()
	// Stop cancels before the verifier returns.
	time.Sleep(20 * time.Millisecond)
	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop did not return")
	}
	if handled {
		t.Fatal("update verified after cancellation must not be handled")
	}
	if ids := src.finishedIDs(); len(ids) != 0 {
		t.Fatalf("cancelled update must stay unfinished, got %v", ids)
	}
}

func TestListener_StopIsIdempotent(t *testing.T) {
	l := New(newChanSource(), acceptAll(), nil)
	l.Stop()
	l.Stop()
	select {
	case <-l.Done():
	default:
		t.Fatal("done should be closed after stop")
	}
	// Start after Stop never runs the loop.
	l.Start(context.Background())
}

func TestListener_HandlerErrorStillFinishes(t *testing.T) {
	src := newChanSource()
	done := make(chan struct{})
	l := New(src, acceptAll(), func(context.Context, entitlements.PurchaseRecord) error {
		defer close(done)
		return errors.New("boom")
	}, WithLogger(logrusDiscard()))
	l.Start(context.Background())
	src.ch <- update("x", true)
	<-done
	l.Stop()
	if ids := src.finishedIDs(); len(ids) != 1 {
		t.Fatalf("expected update finished after handler error, got %v", ids)
	}
}

func logrusDiscard() *logrus.Logger {
	logger, _ := test.NewNullLogger()
	return logger
}
