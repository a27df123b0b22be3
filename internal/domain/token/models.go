package token

import (
	"context"
	"errors"
	"time"

	"momali/internal/domain/consent"
)

var ErrTokenNotFound = errors.New("token pair not found")

// TokenPair is the credential set bound to one consent.
type TokenPair struct {
	UserID          int64
	ConsentID       string
	AccessToken     string
	RefreshToken    string
	TokenType       string
	Scope           string
	AccessExpiresAt time.Time
	IssuedAt        time.Time
	RotatedAt       *time.Time
	UpdatedAt       time.Time
}

// FreshAt reports whether the access token is still usable at now with
// margin to spare.
func (p *TokenPair) FreshAt(now time.Time, margin time.Duration) bool {
	return now.Before(p.AccessExpiresAt.Add(-margin))
}

// Grant is a token response from the aggregator.
type Grant struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresAt    time.Time
}

// Store keeps token pairs encrypted at rest, keyed by user and consent.
type Store interface {
	Get(ctx context.Context, userID int64, consentID string) (*TokenPair, error)
	Put(ctx context.Context, p *TokenPair) error
	Delete(ctx context.Context, userID int64, consentID string) error
	ListExpiring(ctx context.Context, before time.Time) ([]*TokenPair, error)
}

// Provider is the token side of the aggregator API.
type Provider interface {
	ExchangeCode(ctx context.Context, code, redirectURI string) (*Grant, error)
	RefreshToken(ctx context.Context, refreshToken string) (*Grant, error)
}

// ConsentTracker is the part of the consent manager the refresher reports to.
type ConsentTracker interface {
	Get(ctx context.Context, consentID string) (*consent.Consent, error)
	InvalidateForReauth(ctx context.Context, consentID, reason string) (*consent.Consent, error)
}
