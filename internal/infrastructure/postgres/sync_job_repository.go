package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"momali/internal/domain/syncjob"
)

const syncJobColumns = `
	id, consent_id, user_id, trigger, stage, attempt, status, cursor, cursor_account_id,
	completed_stages, accounts_count, balances_count, transactions_count, new_transactions_count,
	last_error, consent_status, created_at, updated_at, started_at, finished_at`

type SyncJobRepository struct {
	db *DB
}

func NewSyncJobRepository(db *DB) *SyncJobRepository {
	return &SyncJobRepository{db: db}
}

func (r *SyncJobRepository) Create(ctx context.Context, j *syncjob.SyncJob) error {
	query := `
		INSERT INTO sync_jobs (` + syncJobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`
	_, err := r.db.ExecContext(ctx, query,
		j.ID, j.ConsentID, j.UserID, j.Trigger, j.Stage, j.Attempt, j.Status, j.Cursor, j.CursorAccountID,
		pq.Array(stageStrings(j.CompletedStages)), j.Counts.Accounts, j.Counts.Balances,
		j.Counts.Transactions, j.Counts.NewTransactions,
		j.LastError, j.ConsentStatus, j.CreatedAt, j.UpdatedAt, j.StartedAt, j.FinishedAt,
	)
	if isUniqueViolation(err, "sync_jobs_one_in_flight_idx") {
		return syncjob.ErrJobInFlight
	}
	if err != nil {
		return fmt.Errorf("failed to create sync job: %w", err)
	}
	return nil
}

func (r *SyncJobRepository) Update(ctx context.Context, j *syncjob.SyncJob) error {
	query := `
		UPDATE sync_jobs
		SET stage = $2, attempt = $3, status = $4, cursor = $5, cursor_account_id = $6,
		    completed_stages = $7, accounts_count = $8, balances_count = $9,
		    transactions_count = $10, new_transactions_count = $11, last_error = $12,
		    consent_status = $13, updated_at = $14, started_at = $15, finished_at = $16
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query,
		j.ID, j.Stage, j.Attempt, j.Status, j.Cursor, j.CursorAccountID,
		pq.Array(stageStrings(j.CompletedStages)), j.Counts.Accounts, j.Counts.Balances,
		j.Counts.Transactions, j.Counts.NewTransactions, j.LastError,
		j.ConsentStatus, j.UpdatedAt, j.StartedAt, j.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update sync job %s: %w", j.ID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return syncjob.ErrJobNotFound
	}
	return nil
}

func (r *SyncJobRepository) GetByID(ctx context.Context, id string) (*syncjob.SyncJob, error) {
	j, err := scanSyncJob(r.db.QueryRowContext(ctx,
		`SELECT `+syncJobColumns+` FROM sync_jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, syncjob.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync job %s: %w", id, err)
	}
	return j, nil
}

func (r *SyncJobRepository) GetInFlight(ctx context.Context, consentID string) (*syncjob.SyncJob, error) {
	j, err := scanSyncJob(r.db.QueryRowContext(ctx,
		`SELECT `+syncJobColumns+` FROM sync_jobs WHERE consent_id = $1 AND status IN ('pending', 'running')`,
		consentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, syncjob.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get in-flight job for consent %s: %w", consentID, err)
	}
	return j, nil
}

func (r *SyncJobRepository) ListByConsent(ctx context.Context, consentID string, limit int) ([]*syncjob.SyncJob, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.list(ctx,
		`WHERE consent_id = $1 ORDER BY created_at DESC LIMIT $2`,
		consentID, limit)
}

func (r *SyncJobRepository) ListInFlight(ctx context.Context) ([]*syncjob.SyncJob, error) {
	return r.list(ctx, `WHERE status IN ('pending', 'running') ORDER BY created_at`)
}

func (r *SyncJobRepository) LastStageCompletion(ctx context.Context, consentID string, stage syncjob.Stage) (*time.Time, error) {
	var last sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT MAX(finished_at)
		FROM sync_jobs
		WHERE consent_id = $1 AND finished_at IS NOT NULL AND completed_stages @> ARRAY[$2]::text[]
	`, consentID, string(stage)).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("failed to get last %s completion: %w", stage, err)
	}
	if !last.Valid {
		return nil, nil
	}
	return &last.Time, nil
}

func (r *SyncJobRepository) DeleteFinishedBefore(ctx context.Context, before time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM sync_jobs WHERE finished_at IS NOT NULL AND finished_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sync jobs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return int(n), nil
}

func (r *SyncJobRepository) list(ctx context.Context, tail string, args ...any) ([]*syncjob.SyncJob, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+syncJobColumns+` FROM sync_jobs `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*syncjob.SyncJob
	for rows.Next() {
		j, err := scanSyncJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanSyncJob(s scanner) (*syncjob.SyncJob, error) {
	var (
		j      syncjob.SyncJob
		stages []string
	)
	err := s.Scan(
		&j.ID, &j.ConsentID, &j.UserID, &j.Trigger, &j.Stage, &j.Attempt, &j.Status, &j.Cursor, &j.CursorAccountID,
		pq.Array(&stages), &j.Counts.Accounts, &j.Counts.Balances, &j.Counts.Transactions, &j.Counts.NewTransactions,
		&j.LastError, &j.ConsentStatus, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	j.CompletedStages = make([]syncjob.Stage, len(stages))
	for i, s := range stages {
		j.CompletedStages[i] = syncjob.Stage(s)
	}
	return &j, nil
}

func stageStrings(stages []syncjob.Stage) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = string(s)
	}
	return out
}
