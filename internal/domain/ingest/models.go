package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInvalidRecord       = errors.New("invalid record")
)

// BalanceType distinguishes the ledger balance from what can be spent.
type BalanceType string

const (
	BalanceCurrent   BalanceType = "current"
	BalanceAvailable BalanceType = "available"
)

func (t BalanceType) Valid() bool {
	return t == BalanceCurrent || t == BalanceAvailable
}

// TransactionStatus is the settlement state reported by the bank.
type TransactionStatus string

const (
	TransactionPending TransactionStatus = "pending"
	TransactionBooked  TransactionStatus = "booked"
)

func (s TransactionStatus) Valid() bool {
	return s == TransactionPending || s == TransactionBooked
}

// Account is a bank account exposed through a consent.
type Account struct {
	ID            string
	ConsentID     string
	UserID        int64
	InstitutionID string
	Name          string
	Type          string
	Subtype       string
	Currency      string
	MaskedNumber  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SameAs compares the fields the aggregator reports.
func (a *Account) SameAs(o *Account) bool {
	return a.ID == o.ID &&
		a.ConsentID == o.ConsentID &&
		a.UserID == o.UserID &&
		a.InstitutionID == o.InstitutionID &&
		a.Name == o.Name &&
		a.Type == o.Type &&
		a.Subtype == o.Subtype &&
		a.Currency == o.Currency &&
		a.MaskedNumber == o.MaskedNumber
}

// Balance is one typed balance of an account at a point in time.
type Balance struct {
	AccountID string
	Type      BalanceType
	Amount    decimal.Decimal
	Currency  string
	AsOf      time.Time
}

func (b Balance) SameAs(o Balance) bool {
	return b.AccountID == o.AccountID &&
		b.Type == o.Type &&
		b.Amount.Equal(o.Amount) &&
		b.Currency == o.Currency &&
		b.AsOf.Equal(o.AsOf)
}

// Transaction is a single account movement. Debits are negative.
type Transaction struct {
	AccountID           string
	ExternalID          string
	Amount              decimal.Decimal
	Currency            string
	Description         string
	Merchant            string
	Category            string
	Status              TransactionStatus
	BookedAt            time.Time
	ValueDate           *time.Time
	PossibleDuplicateOf string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// SameAs compares the fields the aggregator reports.
func (t *Transaction) SameAs(o *Transaction) bool {
	return t.AccountID == o.AccountID &&
		t.ExternalID == o.ExternalID &&
		t.Amount.Equal(o.Amount) &&
		t.Currency == o.Currency &&
		t.Description == o.Description &&
		t.Merchant == o.Merchant &&
		t.Category == o.Category &&
		t.Status == o.Status &&
		t.BookedAt.Equal(o.BookedAt) &&
		sameTime(t.ValueDate, o.ValueDate)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// WriteResult counts what an upsert did.
type WriteResult struct {
	Created   int
	Updated   int
	Unchanged int
}

func (r *WriteResult) Add(o WriteResult) {
	r.Created += o.Created
	r.Updated += o.Updated
	r.Unchanged += o.Unchanged
}

// Changed is the number of records written.
func (r WriteResult) Changed() int {
	return r.Created + r.Updated
}

// Repository persists ingested data.
type Repository interface {
	GetAccount(ctx context.Context, id string) (*Account, error)
	SaveAccount(ctx context.Context, a *Account) error
	ListAccountsByConsent(ctx context.Context, consentID string) ([]*Account, error)
	ListAccountsByUser(ctx context.Context, userID int64) ([]*Account, error)

	ListBalances(ctx context.Context, accountID string) ([]Balance, error)
	// ReplaceBalances swaps the account's whole balance set atomically.
	ReplaceBalances(ctx context.Context, accountID string, balances []Balance) error

	GetTransaction(ctx context.Context, accountID, externalID string) (*Transaction, error)
	SaveTransaction(ctx context.Context, t *Transaction) error
	// ListTransactions returns the newest transactions first.
	ListTransactions(ctx context.Context, accountID string, limit int) ([]*Transaction, error)
	ListTransactionsBetween(ctx context.Context, accountID string, from, to time.Time) ([]*Transaction, error)
}
