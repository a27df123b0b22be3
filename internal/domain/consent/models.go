package consent

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"momali/internal/domain/openbanking"
)

var (
	ErrConsentNotFound = errors.New("consent not found")
	ErrInvalidState    = errors.New("invalid callback state")
	ErrStateUsed       = errors.New("callback state already used")
	ErrActiveConflict  = errors.New("another active consent exists for this institution")
	ErrInvalidInput    = errors.New("invalid consent request")
)

// Status is the lifecycle state of a consent.
type Status string

const (
	StatusCreated              Status = "created"
	StatusPendingAuthorization Status = "pending_authorization"
	StatusAuthorized           Status = "authorized"
	StatusActive               Status = "active"
	StatusExpired              Status = "expired"
	StatusRevoked              Status = "revoked"
	StatusFailed               Status = "failed"
)

var transitions = map[Status][]Status{
	StatusCreated:              {StatusPendingAuthorization, StatusFailed, StatusRevoked},
	StatusPendingAuthorization: {StatusAuthorized, StatusFailed, StatusRevoked},
	StatusAuthorized:           {StatusActive, StatusExpired, StatusFailed, StatusRevoked},
	StatusActive:               {StatusExpired, StatusRevoked},
}

// CanTransition reports whether a consent may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusRevoked || s == StatusFailed
}

// Usable reports whether tokens may exist and data may be read.
func (s Status) Usable() bool {
	return s == StatusAuthorized || s == StatusActive
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusPendingAuthorization, StatusAuthorized, StatusActive,
		StatusExpired, StatusRevoked, StatusFailed:
		return true
	}
	return false
}

// Consent is a user's grant for the aggregator to read data at one institution.
type Consent struct {
	ID               string
	UserID           int64
	InstitutionID    string
	Status           Status
	Scopes           []openbanking.Scope
	RedirectURI      string
	AuthorizationURL string
	StateID          string
	FailureReason    string
	RevokeAckPending bool
	SupersededBy     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	AuthorizedAt     *time.Time
	ExpiresAt        *time.Time
	RevokedAt        *time.Time
}

// Clone returns a deep copy.
func (c *Consent) Clone() *Consent {
	cp := *c
	cp.Scopes = append([]openbanking.Scope(nil), c.Scopes...)
	cp.AuthorizedAt = cloneTime(c.AuthorizedAt)
	cp.ExpiresAt = cloneTime(c.ExpiresAt)
	cp.RevokedAt = cloneTime(c.RevokedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Transition moves c to status to, stamping the matching timestamp.
func (c *Consent) Transition(to Status, now time.Time) error {
	if !CanTransition(c.Status, to) {
		return fmt.Errorf("%w: consent %s cannot go from %s to %s",
			openbanking.ErrInvalidTransition, c.ID, c.Status, to)
	}

	c.Status = to
	c.UpdatedAt = now
	switch to {
	case StatusAuthorized:
		c.AuthorizedAt = &now
	case StatusRevoked:
		c.RevokedAt = &now
	case StatusExpired:
		if c.ExpiresAt == nil || c.ExpiresAt.After(now) {
			c.ExpiresAt = &now
		}
	}
	if to != StatusPendingAuthorization {
		c.StateID = ""
	}
	return nil
}

// IsExpired reports whether the consent's validity window has elapsed at now.
func IsExpired(c *Consent, now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// CreateParams is the input of Manager.CreateConsent.
type CreateParams struct {
	UserID        int64
	InstitutionID string
	Scopes        []openbanking.Scope
	RedirectURI   string
}

func (p CreateParams) Validate() error {
	if p.UserID <= 0 {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(p.InstitutionID) == "" {
		return fmt.Errorf("%w: institution id is required", ErrInvalidInput)
	}
	if len(p.Scopes) == 0 {
		return fmt.Errorf("%w: at least one scope is required", openbanking.ErrInvalidScope)
	}
	for _, s := range p.Scopes {
		if !s.Valid() {
			return fmt.Errorf("%w: %q", openbanking.ErrInvalidScope, s)
		}
	}
	if p.RedirectURI == "" {
		return fmt.Errorf("%w: redirect uri is required", ErrInvalidInput)
	}
	return nil
}

// CallbackOutcome is what the user did at the institution.
type CallbackOutcome string

const (
	OutcomeApproved CallbackOutcome = "approved"
	OutcomeDenied   CallbackOutcome = "denied"
	OutcomeTimeout  CallbackOutcome = "timeout"
)

// CallbackResult is the parsed authorisation redirect.
type CallbackResult struct {
	Outcome CallbackOutcome
	Code    string
	Error   string
}

func (r CallbackResult) Validate() error {
	switch r.Outcome {
	case OutcomeApproved:
		if r.Code == "" {
			return fmt.Errorf("%w: authorization code is required", ErrInvalidInput)
		}
	case OutcomeDenied, OutcomeTimeout:
	default:
		return fmt.Errorf("%w: unknown callback outcome %q", ErrInvalidInput, r.Outcome)
	}
	return nil
}

func (r CallbackResult) reason() string {
	if r.Error != "" {
		return fmt.Sprintf("authorization %s: %s", r.Outcome, r.Error)
	}
	return "authorization " + string(r.Outcome)
}

// Institution is a bank onboarded with the aggregator.
type Institution struct {
	ID           string
	Name         string
	AggregatorID string
	Enabled      bool
	Beta         bool
}
