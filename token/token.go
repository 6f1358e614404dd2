// Package tokenkit derives the account-linking token attached to purchases.
//
// The token is a name-based (version 5) UUID: SHA-1 over a namespace shared
// out of band with the remote store followed by the UTF-8 account id. Both
// sides compute it independently, so the account id itself never travels
// with the purchase.
package tokenkit

import (
	"fmt"
	"strings"

	"github.com/PaulFidika/entitlekit/entitlements"
	"github.com/google/uuid"
)

// Deriver computes account-linking tokens for a fixed namespace.
// It holds no mutable state and is safe for concurrent use.
type Deriver struct {
	namespace uuid.UUID
}

// NewDeriver returns a Deriver bound to namespace.
func NewDeriver(namespace uuid.UUID) Deriver {
	return Deriver{namespace: namespace}
}

// ParseDeriver parses a canonical namespace string.
func ParseDeriver(namespace string) (Deriver, error) {
	ns, err := uuid.Parse(strings.TrimSpace(namespace))
	if err != nil {
		return Deriver{}, fmt.Errorf("%w: namespace: %v", entitlements.ErrInvalidInput, err)
	}
	return NewDeriver(ns), nil
}

// Namespace returns the bound namespace.
func (d Deriver) Namespace() uuid.UUID { return d.namespace }

// Derive returns the token for accountID. The id is hashed byte for byte; no
// trimming or case folding is applied.
func (d Deriver) Derive(accountID string) (uuid.UUID, error) {
	return Derive(d.namespace, accountID)
}

// Derive returns the version 5 UUID for accountID under namespace.
func Derive(namespace uuid.UUID, accountID string) (uuid.UUID, error) {
	if accountID == "" {
		return uuid.Nil, fmt.Errorf("%w: account id is empty", entitlements.ErrInvalidInput)
	}
	return uuid.NewSHA1(namespace, []byte(accountID)), nil
}
