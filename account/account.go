// Package account carries the signed-in account id through a request context.
package account

import (
	"context"
	"strings"
)

type ctxKey struct{}

// WithAccountID attaches an account id to ctx.
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, strings.TrimSpace(accountID))
}

// AccountIDFromContext reads an account id from ctx.
func AccountIDFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(ctxKey{})
	s, ok := v.(string)
	return s, ok && s != ""
}
