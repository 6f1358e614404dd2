package entitlements

import "errors"

var (
	// ErrInvalidInput is returned for malformed caller input such as an empty account id.
	ErrInvalidInput = errors.New("entitlements: invalid input")
	// ErrRejected marks a purchase record whose authenticity could not be established.
	ErrRejected = errors.New("entitlements: purchase record rejected")
	// ErrNotAuthenticated is returned when an operation needs a signed-in account.
	ErrNotAuthenticated = errors.New("entitlements: no active account")
	// ErrSync marks a failed write to the remote store.
	ErrSync = errors.New("entitlements: remote sync failed")
)
