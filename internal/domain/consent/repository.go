package consent

import (
	"context"
	"time"

	"momali/internal/domain/openbanking"
)

// Repository persists consents.
type Repository interface {
	Create(ctx context.Context, c *Consent) error
	// Update fails with ErrActiveConflict when the write would leave two
	// active consents for the same user and institution.
	Update(ctx context.Context, c *Consent) error
	GetByID(ctx context.Context, id string) (*Consent, error)
	// ConsumeState clears the outstanding state nonce if it matches.
	// Returns ErrStateUsed when it does not.
	ConsumeState(ctx context.Context, consentID, stateID string) error
	// RestoreState puts a consumed nonce back while the consent is still
	// pending_authorization. Otherwise it does nothing.
	RestoreState(ctx context.Context, consentID, stateID string) error
	ListByUser(ctx context.Context, userID int64) ([]*Consent, error)
	ListByUserInstitution(ctx context.Context, userID int64, institutionID string) ([]*Consent, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Consent, error)
	ListRevokePending(ctx context.Context) ([]*Consent, error)
}

// Institutions resolves onboarded institutions.
type Institutions interface {
	Lookup(ctx context.Context, id string) (*Institution, error)
}

// ProviderConsentRequest registers a consent with the aggregator.
type ProviderConsentRequest struct {
	InstitutionID string
	Scopes        []openbanking.Scope
	ExpiresAt     time.Time
}

// ProviderConsent is the aggregator's view of a newly registered consent.
type ProviderConsent struct {
	ID        string
	Status    string
	ExpiresAt *time.Time
}

// Provider is the consent side of the aggregator API.
type Provider interface {
	CreateConsent(ctx context.Context, req ProviderConsentRequest) (*ProviderConsent, error)
	AuthorizationURL(consentID, redirectURI, state string) (string, error)
	// RevokeConsent treats an unknown consent as already revoked.
	RevokeConsent(ctx context.Context, consentID string) error
	// ConsentStatus returns the aggregator's status string for the consent.
	ConsentStatus(ctx context.Context, consentID string) (string, error)
}

// TokenIssuer owns the token pair bound to a consent.
type TokenIssuer interface {
	Exchange(ctx context.Context, c *Consent, code string) error
	Delete(ctx context.Context, userID int64, consentID string) error
}

// SyncNotifier is told when consents become usable or must stop syncing.
type SyncNotifier interface {
	ConsentAuthorized(ctx context.Context, c *Consent)
	Cancel(consentID string)
}

// StateSigner produces the opaque state carried through the authorisation redirect.
type StateSigner interface {
	Sign(consentID, nonce string) (string, error)
	Verify(state string) (consentID, nonce string, err error)
}

// Alerter tells the user a consent needs attention.
type Alerter interface {
	ReauthorizationRequired(ctx context.Context, c *Consent, reason string)
}
