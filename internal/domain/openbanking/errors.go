// Package openbanking holds the vocabulary shared by the consent, token and
// sync packages: error kinds, data scopes, retry policy and keyed locks.
package openbanking

import (
	"context"
	"errors"
)

var (
	// ErrInvalidTransition is returned when a consent or job is asked to move
	// to a state its current state does not allow.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInstitutionUnavailable means the institution is unknown or not
	// onboarded with the aggregator.
	ErrInstitutionUnavailable = errors.New("institution unavailable")

	// ErrTemporaryFailure covers timeouts, 5xx, 429 and network errors.
	// Callers may retry.
	ErrTemporaryFailure = errors.New("temporary failure")

	// ErrReauthorizationRequired means the user must authorise a new consent.
	// Never retried.
	ErrReauthorizationRequired = errors.New("reauthorization required")

	// ErrRevokeAckPending marks a revocation applied locally but not yet
	// acknowledged by the aggregator.
	ErrRevokeAckPending = errors.New("revocation not yet acknowledged")
)

// IsTemporary reports whether err is worth retrying.
func IsTemporary(err error) bool {
	return errors.Is(err, ErrTemporaryFailure) || errors.Is(err, context.DeadlineExceeded)
}
