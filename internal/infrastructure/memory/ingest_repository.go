package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"momali/internal/domain/ingest"
)

type txKey struct {
	accountID  string
	externalID string
}

type IngestRepository struct {
	mu           sync.RWMutex
	accounts     map[string]ingest.Account
	balances     map[string][]ingest.Balance
	transactions map[txKey]ingest.Transaction
}

func NewIngestRepository() *IngestRepository {
	return &IngestRepository{
		accounts:     make(map[string]ingest.Account),
		balances:     make(map[string][]ingest.Balance),
		transactions: make(map[txKey]ingest.Transaction),
	}
}

func (r *IngestRepository) GetAccount(_ context.Context, id string) (*ingest.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, ingest.ErrAccountNotFound
	}
	return &a, nil
}

func (r *IngestRepository) SaveAccount(_ context.Context, a *ingest.Account) error {
	r.mu.Lock()
	r.accounts[a.ID] = *a
	r.mu.Unlock()
	return nil
}

func (r *IngestRepository) listAccounts(keep func(*ingest.Account) bool) []*ingest.Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*ingest.Account
	for _, a := range r.accounts {
		if keep(&a) {
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *IngestRepository) ListAccountsByConsent(_ context.Context, consentID string) ([]*ingest.Account, error) {
	return r.listAccounts(func(a *ingest.Account) bool { return a.ConsentID == consentID }), nil
}

func (r *IngestRepository) ListAccountsByUser(_ context.Context, userID int64) ([]*ingest.Account, error) {
	return r.listAccounts(func(a *ingest.Account) bool { return a.UserID == userID }), nil
}

func (r *IngestRepository) ListBalances(_ context.Context, accountID string) ([]ingest.Balance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ingest.Balance(nil), r.balances[accountID]...), nil
}

func (r *IngestRepository) ReplaceBalances(_ context.Context, accountID string, balances []ingest.Balance) error {
	r.mu.Lock()
	r.balances[accountID] = append([]ingest.Balance(nil), balances...)
	r.mu.Unlock()
	return nil
}

func (r *IngestRepository) GetTransaction(_ context.Context, accountID, externalID string) (*ingest.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transactions[txKey{accountID, externalID}]
	if !ok {
		return nil, ingest.ErrTransactionNotFound
	}
	return &t, nil
}

func (r *IngestRepository) SaveTransaction(_ context.Context, t *ingest.Transaction) error {
	r.mu.Lock()
	r.transactions[txKey{t.AccountID, t.ExternalID}] = *t
	r.mu.Unlock()
	return nil
}

func (r *IngestRepository) accountTransactions(accountID string, keep func(*ingest.Transaction) bool) []*ingest.Transaction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*ingest.Transaction
	for k, t := range r.transactions {
		if k.accountID == accountID && keep(&t) {
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BookedAt.Equal(out[j].BookedAt) {
			return out[i].BookedAt.After(out[j].BookedAt)
		}
		return out[i].ExternalID > out[j].ExternalID
	})
	return out
}

func (r *IngestRepository) ListTransactions(_ context.Context, accountID string, limit int) ([]*ingest.Transaction, error) {
	out := r.accountTransactions(accountID, func(*ingest.Transaction) bool { return true })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListTransactionsBetween includes both bounds.
func (r *IngestRepository) ListTransactionsBetween(_ context.Context, accountID string, from, to time.Time) ([]*ingest.Transaction, error) {
	return r.accountTransactions(accountID, func(t *ingest.Transaction) bool {
		return !t.BookedAt.Before(from) && !t.BookedAt.After(to)
	}), nil
}
