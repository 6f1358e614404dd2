package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/PaulFidika/entitlekit/entitlements"
	"github.com/google/uuid"
)

func TestCompletion_ResolvesOnce(t *testing.T) {
	c := NewCompletion()
	if !c.Resolve(PurchaseResult{Outcome: OutcomePending}, nil) {
		t.Fatal("first resolve should win")
	}
	if c.Resolve(PurchaseResult{Outcome: OutcomeSuccess}, nil) {
		t.Fatal("second resolve should be ignored")
	}
	res, err := c.Wait(context.Background())
	if err != nil || res.Outcome != OutcomePending {
		t.Fatalf("got %v %v", res, err)
	}
}

func TestCompletion_WaitHonoursContext(t *testing.T) {
	c := NewCompletion()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := c.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestCallbackPurchaser(t *testing.T) {
	token := uuid.New()
	p := NewCallbackPurchaser(func(productID string, got uuid.UUID, done func(PurchaseResult, error)) {
		if got != token {
			t.Errorf("token not forwarded: %s", got)
		}
		go func() {
			rec := entitlements.PurchaseRecord{ProductID: productID}
			done(PurchaseResult{Outcome: OutcomeSuccess, Record: &rec}, nil)
			done(PurchaseResult{Outcome: OutcomeCancelled}, nil)
		}()
	})
	res, err := p.Purchase(context.Background(), "pro.monthly", token)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeSuccess || res.Record == nil || res.Record.ProductID != "pro.monthly" {
		t.Fatalf("unexpected result %+v", res)
	}
}
