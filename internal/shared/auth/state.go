package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"momali/internal/infrastructure/crypto"
)

const (
	stateAudience   = "consent-callback"
	defaultStateTTL = 15 * time.Minute
)

// StateSigner signs the consent id and a one-time nonce into the OAuth state
// parameter. Its key is derived from the JWT secret, so API tokens and states
// are never interchangeable.
type StateSigner struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func NewStateSigner(secret string, ttl time.Duration) (*StateSigner, error) {
	key, err := crypto.DeriveKey(secret, "callback-state", 32)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	return &StateSigner{key: key, ttl: ttl, now: time.Now}, nil
}

func (s *StateSigner) Sign(consentID, nonce string) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   consentID,
		ID:        nonce,
		Audience:  jwt.ClaimStrings{stateAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	state, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign state: %w", err)
	}
	return state, nil
}

// Verify returns the consent id and nonce of a state this signer issued.
func (s *StateSigner) Verify(state string) (string, string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(state, &claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(stateAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", "", err
	}
	if claims.Subject == "" || claims.ID == "" {
		return "", "", fmt.Errorf("state is missing consent id or nonce")
	}
	return claims.Subject, claims.ID, nil
}
