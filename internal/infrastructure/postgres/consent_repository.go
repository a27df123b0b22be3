package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"momali/internal/domain/consent"
	"momali/internal/domain/openbanking"
)

const consentColumns = `
	id, user_id, institution_id, status, scopes, redirect_uri, authorization_url,
	state_id, failure_reason, revoke_ack_pending, superseded_by,
	created_at, updated_at, authorized_at, expires_at, revoked_at`

type ConsentRepository struct {
	db *DB
}

func NewConsentRepository(db *DB) *ConsentRepository {
	return &ConsentRepository{db: db}
}

func (r *ConsentRepository) Create(ctx context.Context, c *consent.Consent) error {
	query := `
		INSERT INTO consents (` + consentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err := r.db.ExecContext(ctx, query,
		c.ID, c.UserID, c.InstitutionID, c.Status, pq.Array(scopeStrings(c.Scopes)),
		c.RedirectURI, c.AuthorizationURL, c.StateID, c.FailureReason,
		c.RevokeAckPending, c.SupersededBy,
		c.CreatedAt, c.UpdatedAt, c.AuthorizedAt, c.ExpiresAt, c.RevokedAt,
	)
	if isUniqueViolation(err, "consents_one_active_idx") {
		return consent.ErrActiveConflict
	}
	if err != nil {
		return fmt.Errorf("failed to create consent: %w", err)
	}
	return nil
}

func (r *ConsentRepository) Update(ctx context.Context, c *consent.Consent) error {
	query := `
		UPDATE consents
		SET status = $2, scopes = $3, redirect_uri = $4, authorization_url = $5,
		    state_id = $6, failure_reason = $7, revoke_ack_pending = $8,
		    superseded_by = $9, updated_at = $10, authorized_at = $11,
		    expires_at = $12, revoked_at = $13
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query,
		c.ID, c.Status, pq.Array(scopeStrings(c.Scopes)), c.RedirectURI, c.AuthorizationURL,
		c.StateID, c.FailureReason, c.RevokeAckPending,
		c.SupersededBy, c.UpdatedAt, c.AuthorizedAt,
		c.ExpiresAt, c.RevokedAt,
	)
	if isUniqueViolation(err, "consents_one_active_idx") {
		return consent.ErrActiveConflict
	}
	if err != nil {
		return fmt.Errorf("failed to update consent %s: %w", c.ID, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return consent.ErrConsentNotFound
	}
	return nil
}

func (r *ConsentRepository) GetByID(ctx context.Context, id string) (*consent.Consent, error) {
	query := `SELECT ` + consentColumns + ` FROM consents WHERE id = $1`

	c, err := scanConsent(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, consent.ErrConsentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get consent %s: %w", id, err)
	}
	return c, nil
}

// ConsumeState clears the nonce in the same statement that checks it, so
// two concurrent callbacks cannot both succeed.
func (r *ConsentRepository) ConsumeState(ctx context.Context, consentID, stateID string) error {
	if stateID == "" {
		return consent.ErrStateUsed
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE consents SET state_id = '' WHERE id = $1 AND state_id = $2`,
		consentID, stateID,
	)
	if err != nil {
		return fmt.Errorf("failed to consume callback state: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM consents WHERE id = $1)`, consentID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("failed to look up consent %s: %w", consentID, err)
	}
	if !exists {
		return consent.ErrConsentNotFound
	}
	return consent.ErrStateUsed
}

func (r *ConsentRepository) RestoreState(ctx context.Context, consentID, stateID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE consents SET state_id = $2 WHERE id = $1 AND state_id = '' AND status = $3`,
		consentID, stateID, string(consent.StatusPendingAuthorization),
	)
	if err != nil {
		return fmt.Errorf("failed to restore callback state: %w", err)
	}
	return nil
}

func (r *ConsentRepository) ListByUser(ctx context.Context, userID int64) ([]*consent.Consent, error) {
	return r.list(ctx, `WHERE user_id = $1`, userID)
}

func (r *ConsentRepository) ListByUserInstitution(ctx context.Context, userID int64, institutionID string) ([]*consent.Consent, error) {
	return r.list(ctx, `WHERE user_id = $1 AND institution_id = $2`, userID, institutionID)
}

func (r *ConsentRepository) ListByStatus(ctx context.Context, statuses ...consent.Status) ([]*consent.Consent, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	return r.list(ctx, `WHERE status = ANY($1)`, pq.Array(names))
}

func (r *ConsentRepository) ListRevokePending(ctx context.Context) ([]*consent.Consent, error) {
	return r.list(ctx, `WHERE revoke_ack_pending`)
}

func (r *ConsentRepository) list(ctx context.Context, where string, args ...any) ([]*consent.Consent, error) {
	query := `SELECT ` + consentColumns + ` FROM consents ` + where + ` ORDER BY created_at DESC, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list consents: %w", err)
	}
	defer rows.Close()

	var consents []*consent.Consent
	for rows.Next() {
		c, err := scanConsent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan consent: %w", err)
		}
		consents = append(consents, c)
	}
	return consents, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConsent(s scanner) (*consent.Consent, error) {
	var (
		c      consent.Consent
		scopes []string
	)
	err := s.Scan(
		&c.ID, &c.UserID, &c.InstitutionID, &c.Status, pq.Array(&scopes),
		&c.RedirectURI, &c.AuthorizationURL, &c.StateID, &c.FailureReason,
		&c.RevokeAckPending, &c.SupersededBy,
		&c.CreatedAt, &c.UpdatedAt, &c.AuthorizedAt, &c.ExpiresAt, &c.RevokedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Scopes = make([]openbanking.Scope, len(scopes))
	for i, s := range scopes {
		c.Scopes[i] = openbanking.Scope(s)
	}
	return &c, nil
}

func scopeStrings(scopes []openbanking.Scope) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = string(s)
	}
	return out
}
