package provider

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Completion bridges a callback-delivered purchase result to a blocking wait.
// It resolves exactly once; later Resolve calls are ignored.
type Completion struct {
	once   sync.Once
	done   chan struct{}
	result PurchaseResult
	err    error
}

// NewCompletion returns an unresolved completion.
func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Resolve stores the result and wakes waiters. It reports whether this call
// was the one that resolved the completion.
func (c *Completion) Resolve(result PurchaseResult, err error) bool {
	resolved := false
	c.once.Do(func() {
		c.result, c.err = result, err
		close(c.done)
		resolved = true
	})
	return resolved
}

// Wait blocks until Resolve is called or ctx is done.
func (c *Completion) Wait(ctx context.Context) (PurchaseResult, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return PurchaseResult{}, ctx.Err()
	}
}

// CallbackFunc starts a purchase and reports the result through done, which
// may be called from any goroutine. Extra calls to done are dropped.
type CallbackFunc func(productID string, accountToken uuid.UUID, done func(PurchaseResult, error))

// CallbackPurchaser adapts a callback-style purchase flow to Purchaser.
type CallbackPurchaser struct {
	start CallbackFunc
}

// NewCallbackPurchaser wraps start.
func NewCallbackPurchaser(start CallbackFunc) *CallbackPurchaser {
	return &CallbackPurchaser{start: start}
}

func (p *CallbackPurchaser) Purchase(ctx context.Context, productID string, accountToken uuid.UUID) (PurchaseResult, error) {
	c := NewCompletion()
	p.start(productID, accountToken, func(res PurchaseResult, err error) { c.Resolve(res, err) })
	return c.Wait(ctx)
}
