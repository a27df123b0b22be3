package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"momali/internal/domain/token"
	"momali/internal/infrastructure/crypto"
)

type tokenKey struct {
	userID    int64
	consentID string
}

// TokenStore keeps token pairs with both tokens encrypted, like the
// consent_tokens table.
type TokenStore struct {
	enc *crypto.Encryptor

	mu    sync.RWMutex
	pairs map[tokenKey]token.TokenPair
}

func NewTokenStore(enc *crypto.Encryptor) *TokenStore {
	return &TokenStore{enc: enc, pairs: make(map[tokenKey]token.TokenPair)}
}

func (s *TokenStore) Get(_ context.Context, userID int64, consentID string) (*token.TokenPair, error) {
	s.mu.RLock()
	stored, ok := s.pairs[tokenKey{userID, consentID}]
	s.mu.RUnlock()
	if !ok {
		return nil, token.ErrTokenNotFound
	}
	return s.open(stored)
}

func (s *TokenStore) Put(_ context.Context, p *token.TokenPair) error {
	sealed := *p
	var err error
	if sealed.AccessToken, err = s.enc.Encrypt(p.AccessToken); err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	if sealed.RefreshToken, err = s.enc.Encrypt(p.RefreshToken); err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	s.mu.Lock()
	s.pairs[tokenKey{p.UserID, p.ConsentID}] = sealed
	s.mu.Unlock()
	return nil
}

func (s *TokenStore) Delete(_ context.Context, userID int64, consentID string) error {
	s.mu.Lock()
	delete(s.pairs, tokenKey{userID, consentID})
	s.mu.Unlock()
	return nil
}

func (s *TokenStore) ListExpiring(_ context.Context, before time.Time) ([]*token.TokenPair, error) {
	s.mu.RLock()
	var sealed []token.TokenPair
	for _, p := range s.pairs {
		if p.AccessExpiresAt.Before(before) {
			sealed = append(sealed, p)
		}
	}
	s.mu.RUnlock()

	out := make([]*token.TokenPair, 0, len(sealed))
	for _, p := range sealed {
		opened, err := s.open(p)
		if err != nil {
			return nil, err
		}
		out = append(out, opened)
	}
	return out, nil
}

func (s *TokenStore) open(p token.TokenPair) (*token.TokenPair, error) {
	var err error
	if p.AccessToken, err = s.enc.Decrypt(p.AccessToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt access token for consent %s: %w", p.ConsentID, err)
	}
	if p.RefreshToken, err = s.enc.Decrypt(p.RefreshToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token for consent %s: %w", p.ConsentID, err)
	}
	if p.RotatedAt != nil {
		t := *p.RotatedAt
		p.RotatedAt = &t
	}
	return &p, nil
}

// sealed exposes the stored form to tests.
func (s *TokenStore) sealed(userID int64, consentID string) (token.TokenPair, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pairs[tokenKey{userID, consentID}]
	return p, ok
}
