package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"momali/internal/domain/ingest"
)

const (
	accountColumns = `id, consent_id, user_id, institution_id, name, type, subtype, currency,
		masked_number, created_at, updated_at`
	transactionColumns = `account_id, external_id, amount, currency, description, merchant, category,
		status, booked_at, value_date, possible_duplicate_of, created_at, updated_at`
)

// IngestRepository stores accounts, balances and transactions. Writes are
// keyed upserts so replaying a page leaves the tables unchanged.
type IngestRepository struct {
	db *DB
}

func NewIngestRepository(db *DB) *IngestRepository {
	return &IngestRepository{db: db}
}

func (r *IngestRepository) GetAccount(ctx context.Context, id string) (*ingest.Account, error) {
	a, err := scanAccount(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ingest.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account %s: %w", id, err)
	}
	return a, nil
}

func (r *IngestRepository) SaveAccount(ctx context.Context, a *ingest.Account) error {
	query := `
		INSERT INTO accounts (` + accountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE
			SET consent_id = EXCLUDED.consent_id,
			    user_id = EXCLUDED.user_id,
			    institution_id = EXCLUDED.institution_id,
			    name = EXCLUDED.name,
			    type = EXCLUDED.type,
			    subtype = EXCLUDED.subtype,
			    currency = EXCLUDED.currency,
			    masked_number = EXCLUDED.masked_number,
			    updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		a.ID, a.ConsentID, a.UserID, a.InstitutionID, a.Name, a.Type, a.Subtype, a.Currency,
		a.MaskedNumber, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save account %s: %w", a.ID, err)
	}
	return nil
}

func (r *IngestRepository) ListAccountsByConsent(ctx context.Context, consentID string) ([]*ingest.Account, error) {
	return r.listAccounts(ctx, `WHERE consent_id = $1`, consentID)
}

func (r *IngestRepository) ListAccountsByUser(ctx context.Context, userID int64) ([]*ingest.Account, error) {
	return r.listAccounts(ctx, `WHERE user_id = $1`, userID)
}

func (r *IngestRepository) listAccounts(ctx context.Context, where string, args ...any) ([]*ingest.Account, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*ingest.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (r *IngestRepository) ListBalances(ctx context.Context, accountID string) ([]ingest.Balance, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT account_id, type, amount, currency, as_of
		FROM balances
		WHERE account_id = $1
		ORDER BY type
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	defer rows.Close()

	var balances []ingest.Balance
	for rows.Next() {
		var b ingest.Balance
		if err := rows.Scan(&b.AccountID, &b.Type, &b.Amount, &b.Currency, &b.AsOf); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func (r *IngestRepository) ReplaceBalances(ctx context.Context, accountID string, balances []ingest.Balance) error {
	return r.db.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM balances WHERE account_id = $1`, accountID); err != nil {
			return fmt.Errorf("failed to clear balances for account %s: %w", accountID, err)
		}
		for _, b := range balances {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO balances (account_id, type, amount, currency, as_of)
				VALUES ($1, $2, $3, $4, $5)
			`, accountID, b.Type, b.Amount, b.Currency, b.AsOf)
			if err != nil {
				return fmt.Errorf("failed to insert %s balance for account %s: %w", b.Type, accountID, err)
			}
		}
		return nil
	})
}

func (r *IngestRepository) GetTransaction(ctx context.Context, accountID, externalID string) (*ingest.Transaction, error) {
	t, err := scanTransaction(r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE account_id = $1 AND external_id = $2`,
		accountID, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ingest.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", externalID, err)
	}
	return t, nil
}

func (r *IngestRepository) SaveTransaction(ctx context.Context, t *ingest.Transaction) error {
	query := `
		INSERT INTO transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (account_id, external_id) DO UPDATE
			SET amount = EXCLUDED.amount,
			    currency = EXCLUDED.currency,
			    description = EXCLUDED.description,
			    merchant = EXCLUDED.merchant,
			    category = EXCLUDED.category,
			    status = EXCLUDED.status,
			    booked_at = EXCLUDED.booked_at,
			    value_date = EXCLUDED.value_date,
			    possible_duplicate_of = EXCLUDED.possible_duplicate_of,
			    updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		t.AccountID, t.ExternalID, t.Amount, t.Currency, t.Description, t.Merchant, t.Category,
		t.Status, t.BookedAt, t.ValueDate, t.PossibleDuplicateOf, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save transaction %s: %w", t.ExternalID, err)
	}
	return nil
}

func (r *IngestRepository) ListTransactions(ctx context.Context, accountID string, limit int) ([]*ingest.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.listTransactions(ctx,
		`WHERE account_id = $1 ORDER BY booked_at DESC, external_id LIMIT $2`,
		accountID, limit)
}

func (r *IngestRepository) ListTransactionsBetween(ctx context.Context, accountID string, from, to time.Time) ([]*ingest.Transaction, error) {
	return r.listTransactions(ctx,
		`WHERE account_id = $1 AND booked_at BETWEEN $2 AND $3 ORDER BY booked_at DESC, external_id`,
		accountID, from, to)
}

func (r *IngestRepository) listTransactions(ctx context.Context, tail string, args ...any) ([]*ingest.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+transactionColumns+` FROM transactions `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txs []*ingest.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func scanAccount(s scanner) (*ingest.Account, error) {
	var a ingest.Account
	err := s.Scan(
		&a.ID, &a.ConsentID, &a.UserID, &a.InstitutionID, &a.Name, &a.Type, &a.Subtype, &a.Currency,
		&a.MaskedNumber, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanTransaction(s scanner) (*ingest.Transaction, error) {
	var t ingest.Transaction
	err := s.Scan(
		&t.AccountID, &t.ExternalID, &t.Amount, &t.Currency, &t.Description, &t.Merchant, &t.Category,
		&t.Status, &t.BookedAt, &t.ValueDate, &t.PossibleDuplicateOf, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
