package memorylimiter

import (
	"context"
	"testing"
	"time"
)

func TestLimiter_SlidingWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := New(map[string]Limit{"entitlement_refresh": {Limit: 2, Window: time.Minute}})
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if ok, err := l.Allow(ctx, "entitlement_refresh", "user-42"); !ok || err != nil {
			t.Fatalf("attempt %d denied: %v", i, err)
		}
	}
	if ok, _ := l.Allow(ctx, "entitlement_refresh", "user-42"); ok {
		t.Fatal("third attempt inside the window should be denied")
	}
	if ok, _ := l.Allow(ctx, "entitlement_refresh", "user-43"); !ok {
		t.Fatal("other accounts have their own window")
	}

	now = now.Add(time.Minute + time.Second)
	if ok, _ := l.Allow(ctx, "entitlement_refresh", "user-42"); !ok {
		t.Fatal("window should have slid")
	}
}

func TestLimiter_RequiresKeys(t *testing.T) {
	if _, err := New(nil).Allow(context.Background(), "", "user-42"); err == nil {
		t.Fatal("expected error for empty bucket")
	}
}

func TestLimiter_Reset(t *testing.T) {
	l := New(map[string]Limit{"purchase": {Limit: 1, Window: time.Hour}})
	ctx := context.Background()
	_, _ = l.Allow(ctx, "purchase", "user-42")
	l.Reset("user-42")
	if ok, _ := l.Allow(ctx, "purchase", "user-42"); !ok {
		t.Fatal("reset should clear the window")
	}
}

func TestDefaultLimits_Buckets(t *testing.T) {
	tests := []struct {
		bucket string
		limit  int
	}{
		{"entitlement_refresh", 6},
		{"restore", 3},
		{"purchase", 10},
		{"unknown", 120},
	}
	for _, tt := range tests {
		t.Run(tt.bucket, func(t *testing.T) {
			now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			l := New(nil)
			l.now = func() time.Time { return now }
			ctx := context.Background()
			for i := 0; i < tt.limit; i++ {
				if ok, err := l.Allow(ctx, tt.bucket, "user-42"); !ok || err != nil {
					t.Fatalf("attempt %d denied: %v", i, err)
				}
			}
			if ok, _ := l.Allow(ctx, tt.bucket, "user-42"); ok {
				t.Fatalf("attempt %d should exceed the %s limit", tt.limit+1, tt.bucket)
			}
		})
	}
}
