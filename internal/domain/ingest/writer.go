// Package ingest writes aggregator data into local storage. Every write is an
// upsert keyed by the aggregator's ids, so replaying a page changes nothing.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"momali/internal/domain/openbanking"
)

var (
	ingestMeter = otel.Meter("momali/ingest")

	recordsCounter, _ = ingestMeter.Int64Counter(
		"ingest.records.total",
		metric.WithDescription("Ingested records by entity and result"),
	)
)

// ChangeListener is told about balance snapshots that actually changed.
type ChangeListener interface {
	BalancesChanged(ctx context.Context, account *Account, balances []Balance)
}

// Writer is the single entry point for persisting fetched data.
type Writer struct {
	repo       Repository
	duplicates *DuplicateDetector
	now        func() time.Time
	locks      openbanking.KeyedMutex

	mu        sync.RWMutex
	listeners []ChangeListener
}

func NewWriter(repo Repository) *Writer {
	return &Writer{
		repo:       repo,
		duplicates: NewDuplicateDetector(repo),
		now:        time.Now,
	}
}

// AddListener registers l for change notifications.
func (w *Writer) AddListener(l ChangeListener) {
	w.mu.Lock()
	w.listeners = append(w.listeners, l)
	w.mu.Unlock()
}

// UpsertAccounts stores the page of accounts for a consent. Each account's
// stored record is replaced by the incoming one.
func (w *Writer) UpsertAccounts(ctx context.Context, consentID string, accounts []Account) (WriteResult, error) {
	var res WriteResult

	page := make([]Account, 0, len(accounts))
	pos := make(map[string]int, len(accounts))
	for _, a := range accounts {
		if a.ID == "" {
			return res, fmt.Errorf("%w: account without id", ErrInvalidRecord)
		}
		a.ConsentID = consentID
		if i, ok := pos[a.ID]; ok {
			page[i] = a
			continue
		}
		pos[a.ID] = len(page)
		page = append(page, a)
	}

	for i := range page {
		r, err := w.upsertAccount(ctx, &page[i])
		if err != nil {
			return res, err
		}
		res.Add(r)
	}

	w.record(ctx, "account", res)
	return res, nil
}

func (w *Writer) upsertAccount(ctx context.Context, a *Account) (WriteResult, error) {
	unlock := w.locks.Lock("account/" + a.ID)
	defer unlock()

	now := w.now()
	existing, err := w.repo.GetAccount(ctx, a.ID)
	switch {
	case errors.Is(err, ErrAccountNotFound):
		a.CreatedAt, a.UpdatedAt = now, now
		if err := w.repo.SaveAccount(ctx, a); err != nil {
			return WriteResult{}, fmt.Errorf("failed to save account %s: %w", a.ID, err)
		}
		return WriteResult{Created: 1}, nil
	case err != nil:
		return WriteResult{}, fmt.Errorf("failed to load account %s: %w", a.ID, err)
	case existing.SameAs(a):
		return WriteResult{Unchanged: 1}, nil
	}

	a.CreatedAt, a.UpdatedAt = existing.CreatedAt, now
	if err := w.repo.SaveAccount(ctx, a); err != nil {
		return WriteResult{}, fmt.Errorf("failed to save account %s: %w", a.ID, err)
	}
	return WriteResult{Updated: 1}, nil
}

// UpsertBalances replaces the account's balance snapshot. Within a page the
// last balance of each type wins. An identical snapshot is not rewritten.
func (w *Writer) UpsertBalances(ctx context.Context, accountID string, balances []Balance) (WriteResult, error) {
	var res WriteResult

	byType := make(map[BalanceType]Balance, len(balances))
	for _, b := range balances {
		if !b.Type.Valid() {
			return res, fmt.Errorf("%w: unknown balance type %q", ErrInvalidRecord, b.Type)
		}
		b.AccountID = accountID
		b.AsOf = b.AsOf.UTC()
		byType[b.Type] = b
	}
	next := make([]Balance, 0, len(byType))
	for _, b := range byType {
		next = append(next, b)
	}
	sort.Slice(next, func(i, j int) bool { return next[i].Type < next[j].Type })

	unlock := w.locks.Lock("balances/" + accountID)
	current, err := w.repo.ListBalances(ctx, accountID)
	if err != nil {
		unlock()
		return res, fmt.Errorf("failed to load balances for %s: %w", accountID, err)
	}

	prev := make(map[BalanceType]Balance, len(current))
	for _, b := range current {
		prev[b.Type] = b
	}
	for _, b := range next {
		old, ok := prev[b.Type]
		switch {
		case !ok:
			res.Created++
		case old.SameAs(b):
			res.Unchanged++
		default:
			res.Updated++
		}
	}

	if res.Changed() == 0 && len(current) == len(next) {
		unlock()
		w.record(ctx, "balance", res)
		return res, nil
	}

	err = w.repo.ReplaceBalances(ctx, accountID, next)
	unlock()
	if err != nil {
		return WriteResult{}, fmt.Errorf("failed to replace balances for %s: %w", accountID, err)
	}

	w.record(ctx, "balance", res)
	w.notifyBalances(ctx, accountID, next)
	return res, nil
}

func (w *Writer) notifyBalances(ctx context.Context, accountID string, balances []Balance) {
	w.mu.RLock()
	listeners := append([]ChangeListener(nil), w.listeners...)
	w.mu.RUnlock()
	if len(listeners) == 0 {
		return
	}

	account, err := w.repo.GetAccount(ctx, accountID)
	if err != nil {
		log.Printf("Account %s: balances changed but account lookup failed: %v", accountID, err)
		return
	}
	for _, l := range listeners {
		l.BalancesChanged(ctx, account, balances)
	}
}

// UpsertTransactions applies a page of transactions in order. A later entry
// with the same external id as an earlier one in the page wins. On conflict
// with stored data the incoming record wins.
func (w *Writer) UpsertTransactions(ctx context.Context, accountID string, txs []Transaction) (WriteResult, error) {
	var res WriteResult

	page := make([]Transaction, 0, len(txs))
	pos := make(map[string]int, len(txs))
	for _, t := range txs {
		if t.ExternalID == "" {
			return res, fmt.Errorf("%w: transaction without id", ErrInvalidRecord)
		}
		if !t.Status.Valid() {
			return res, fmt.Errorf("%w: transaction %s has status %q", ErrInvalidRecord, t.ExternalID, t.Status)
		}
		t.AccountID = accountID
		t.BookedAt = t.BookedAt.UTC()
		if i, ok := pos[t.ExternalID]; ok {
			page[i] = t
			continue
		}
		pos[t.ExternalID] = len(page)
		page = append(page, t)
	}

	unlock := w.locks.Lock("transactions/" + accountID)
	defer unlock()

	for i := range page {
		r, err := w.upsertTransaction(ctx, &page[i])
		if err != nil {
			return res, err
		}
		res.Add(r)
	}

	w.record(ctx, "transaction", res)
	return res, nil
}

func (w *Writer) upsertTransaction(ctx context.Context, t *Transaction) (WriteResult, error) {
	now := w.now()
	existing, err := w.repo.GetTransaction(ctx, t.AccountID, t.ExternalID)
	switch {
	case errors.Is(err, ErrTransactionNotFound):
		dup, err := w.duplicates.Find(ctx, t)
		if err != nil {
			log.Printf("Account %s: duplicate check for %s failed: %v", t.AccountID, t.ExternalID, err)
		}
		t.PossibleDuplicateOf = dup
		t.CreatedAt, t.UpdatedAt = now, now
		if err := w.repo.SaveTransaction(ctx, t); err != nil {
			return WriteResult{}, fmt.Errorf("failed to save transaction %s: %w", t.ExternalID, err)
		}
		return WriteResult{Created: 1}, nil
	case err != nil:
		return WriteResult{}, fmt.Errorf("failed to load transaction %s: %w", t.ExternalID, err)
	case existing.SameAs(t):
		return WriteResult{Unchanged: 1}, nil
	}

	t.PossibleDuplicateOf = existing.PossibleDuplicateOf
	t.CreatedAt, t.UpdatedAt = existing.CreatedAt, now
	if err := w.repo.SaveTransaction(ctx, t); err != nil {
		return WriteResult{}, fmt.Errorf("failed to save transaction %s: %w", t.ExternalID, err)
	}
	return WriteResult{Updated: 1}, nil
}

func (w *Writer) record(ctx context.Context, entity string, res WriteResult) {
	for result, n := range map[string]int{"created": res.Created, "updated": res.Updated, "unchanged": res.Unchanged} {
		if n == 0 {
			continue
		}
		recordsCounter.Add(ctx, int64(n), metric.WithAttributes(
			attribute.String("entity", entity),
			attribute.String("result", result),
		))
	}
}

// ListAccounts returns the accounts stored for a consent.
func (w *Writer) ListAccounts(ctx context.Context, consentID string) ([]*Account, error) {
	return w.repo.ListAccountsByConsent(ctx, consentID)
}
