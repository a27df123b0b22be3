package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"momali/internal/domain/token"
	"momali/internal/infrastructure/crypto"
)

// TokenRepository stores token pairs in consent_tokens with both tokens
// encrypted by the application key.
type TokenRepository struct {
	db  *DB
	enc *crypto.Encryptor
}

func NewTokenRepository(db *DB, enc *crypto.Encryptor) *TokenRepository {
	return &TokenRepository{db: db, enc: enc}
}

func (r *TokenRepository) Get(ctx context.Context, userID int64, consentID string) (*token.TokenPair, error) {
	query := `
		SELECT consent_id, user_id, access_token_enc, refresh_token_enc, token_type, scope,
		       access_expires_at, issued_at, rotated_at, updated_at
		FROM consent_tokens
		WHERE consent_id = $1 AND user_id = $2
	`
	p, err := r.scan(r.db.QueryRowContext(ctx, query, consentID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, token.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tokens for consent %s: %w", consentID, err)
	}
	return p, nil
}

func (r *TokenRepository) Put(ctx context.Context, p *token.TokenPair) error {
	access, err := r.enc.Encrypt(p.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refresh, err := r.enc.Encrypt(p.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	query := `
		INSERT INTO consent_tokens (
			consent_id, user_id, access_token_enc, refresh_token_enc, token_type, scope,
			access_expires_at, issued_at, rotated_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (consent_id) DO UPDATE
			SET access_token_enc = EXCLUDED.access_token_enc,
			    refresh_token_enc = EXCLUDED.refresh_token_enc,
			    token_type = EXCLUDED.token_type,
			    scope = EXCLUDED.scope,
			    access_expires_at = EXCLUDED.access_expires_at,
			    issued_at = EXCLUDED.issued_at,
			    rotated_at = EXCLUDED.rotated_at,
			    updated_at = EXCLUDED.updated_at
			WHERE consent_tokens.user_id = EXCLUDED.user_id
	`
	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	result, err := r.db.ExecContext(ctx, query,
		p.ConsentID, p.UserID, access, refresh, p.TokenType, p.Scope,
		p.AccessExpiresAt, p.IssuedAt, p.RotatedAt, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store tokens for consent %s: %w", p.ConsentID, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("tokens for consent %s belong to another user", p.ConsentID)
	}
	return nil
}

func (r *TokenRepository) Delete(ctx context.Context, userID int64, consentID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM consent_tokens WHERE consent_id = $1 AND user_id = $2`,
		consentID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete tokens for consent %s: %w", consentID, err)
	}
	return nil
}

func (r *TokenRepository) ListExpiring(ctx context.Context, before time.Time) ([]*token.TokenPair, error) {
	query := `
		SELECT consent_id, user_id, access_token_enc, refresh_token_enc, token_type, scope,
		       access_expires_at, issued_at, rotated_at, updated_at
		FROM consent_tokens
		WHERE access_expires_at < $1
		ORDER BY access_expires_at
	`
	rows, err := r.db.QueryContext(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring tokens: %w", err)
	}
	defer rows.Close()

	var pairs []*token.TokenPair
	for rows.Next() {
		p, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

func (r *TokenRepository) scan(s scanner) (*token.TokenPair, error) {
	var p token.TokenPair
	err := s.Scan(
		&p.ConsentID, &p.UserID, &p.AccessToken, &p.RefreshToken, &p.TokenType, &p.Scope,
		&p.AccessExpiresAt, &p.IssuedAt, &p.RotatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if p.AccessToken, err = r.enc.Decrypt(p.AccessToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt access token for consent %s: %w", p.ConsentID, err)
	}
	if p.RefreshToken, err = r.enc.Decrypt(p.RefreshToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token for consent %s: %w", p.ConsentID, err)
	}
	return &p, nil
}
