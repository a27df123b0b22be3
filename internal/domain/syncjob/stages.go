package syncjob

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"momali/internal/domain/consent"
	"momali/internal/domain/ingest"
	"momali/internal/domain/openbanking"
)

// runStage runs one attempt of the job's current stage and returns how many
// transactions it created.
func (o *Orchestrator) runStage(ctx context.Context, job *SyncJob, c *consent.Consent, r *run) (int, error) {
	switch job.Stage {
	case StageAccounts:
		return 0, o.syncAccounts(ctx, job, c)
	case StageBalances:
		return 0, o.syncBalances(ctx, job, r)
	case StageTransactions:
		return o.syncTransactions(ctx, job, r)
	default:
		return 0, fmt.Errorf("unknown stage %q", job.Stage)
	}
}

// fetch runs an aggregator call with the consent's access token. A token the
// aggregator rejects is refreshed once and the call repeated; a rejected
// refresh has already invalidated the consent.
func (o *Orchestrator) fetch(ctx context.Context, job *SyncJob, fn func(ctx context.Context, token string) error) error {
	token, err := o.tokens.GetValidToken(ctx, job.ConsentID)
	if err != nil {
		return err
	}
	err = o.call(ctx, func(ctx context.Context) error { return fn(ctx, token) })
	if !errors.Is(err, openbanking.ErrReauthorizationRequired) {
		return err
	}

	log.Printf("Consent %s: aggregator rejected the access token, refreshing", job.ConsentID)
	token, err = o.tokens.ForceRefresh(ctx, job.ConsentID, token)
	if err != nil {
		return err
	}
	err = o.call(ctx, func(ctx context.Context) error { return fn(ctx, token) })
	if errors.Is(err, openbanking.ErrReauthorizationRequired) {
		if _, ierr := o.consents.InvalidateForReauth(context.WithoutCancel(ctx), job.ConsentID,
			"aggregator rejected a freshly refreshed token"); ierr != nil {
			log.Printf("Consent %s: failed to invalidate after token rejection: %v", job.ConsentID, ierr)
		}
	}
	return err
}

func (o *Orchestrator) syncAccounts(ctx context.Context, job *SyncJob, c *consent.Consent) error {
	var accounts []ingest.Account
	err := o.fetch(ctx, job, func(ctx context.Context, token string) error {
		var err error
		accounts, err = o.provider.ListAccounts(ctx, token)
		return err
	})
	if err != nil {
		return err
	}

	for i := range accounts {
		accounts[i].UserID = c.UserID
		accounts[i].InstitutionID = c.InstitutionID
	}
	err = o.write(ctx, func(ctx context.Context) error {
		_, err := o.writer.UpsertAccounts(ctx, job.ConsentID, accounts)
		return err
	})
	if err != nil {
		return err
	}
	job.Counts.Accounts = len(accounts)
	return nil
}

func (o *Orchestrator) storedAccounts(ctx context.Context, consentID string) ([]*ingest.Account, error) {
	accounts, err := o.writer.ListAccounts(ctx, consentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stored accounts: %w", err)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	return accounts, nil
}

func (o *Orchestrator) syncBalances(ctx context.Context, job *SyncJob, r *run) error {
	accounts, err := o.storedAccounts(ctx, job.ConsentID)
	if err != nil {
		return err
	}

	total := 0
	for _, a := range accounts {
		if _, err := o.checkpoint(ctx, job, r); err != nil {
			return err
		}
		var balances []ingest.Balance
		err := o.fetch(ctx, job, func(ctx context.Context, token string) error {
			var err error
			balances, err = o.provider.ListBalances(ctx, token, a.ID)
			return err
		})
		if err != nil {
			return err
		}
		err = o.write(ctx, func(ctx context.Context) error {
			_, err := o.writer.UpsertBalances(ctx, a.ID, balances)
			return err
		})
		if err != nil {
			return err
		}
		total += len(balances)
	}
	job.Counts.Balances = total
	return nil
}

// syncTransactions pages through every account's transactions. The cursor is
// saved after each page is written, so a retry resumes at the first page not
// yet stored.
func (o *Orchestrator) syncTransactions(ctx context.Context, job *SyncJob, r *run) (int, error) {
	accounts, err := o.storedAccounts(ctx, job.ConsentID)
	if err != nil {
		return 0, err
	}

	from := o.now().Add(-o.cfg.TransactionLookback)
	last, err := o.jobs.LastStageCompletion(ctx, job.ConsentID, StageTransactions)
	if err != nil {
		return 0, fmt.Errorf("failed to read sync history: %w", err)
	}
	if last != nil {
		if f := last.Add(-o.cfg.TransactionOverlap); f.After(from) {
			from = f
		}
	}

	created := 0
	for i, a := range accounts {
		if job.CursorAccountID != "" && a.ID < job.CursorAccountID {
			continue
		}
		cursor := ""
		if a.ID == job.CursorAccountID {
			cursor = job.Cursor
		}

		for {
			if _, err := o.checkpoint(ctx, job, r); err != nil {
				return created, err
			}
			var page *TransactionPage
			err := o.fetch(ctx, job, func(ctx context.Context, token string) error {
				var err error
				page, err = o.provider.ListTransactions(ctx, token, a.ID, TransactionQuery{From: from, Cursor: cursor})
				return err
			})
			if err != nil {
				return created, err
			}

			var res ingest.WriteResult
			err = o.write(ctx, func(ctx context.Context) error {
				var err error
				res, err = o.writer.UpsertTransactions(ctx, a.ID, page.Transactions)
				return err
			})
			if err != nil {
				return created, err
			}
			created += res.Created
			job.Counts.Transactions += len(page.Transactions)

			cursor = page.NextCursor
			job.CursorAccountID, job.Cursor = a.ID, cursor
			if cursor == "" && i+1 < len(accounts) {
				job.CursorAccountID = accounts[i+1].ID
			}
			if err := o.save(ctx, job); err != nil {
				return created, err
			}
			if cursor == "" {
				break
			}
		}
	}
	return created, nil
}
