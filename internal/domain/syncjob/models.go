package syncjob

import (
	"context"
	"errors"
	"time"

	"momali/internal/domain/consent"
	"momali/internal/domain/ingest"
)

var (
	ErrJobNotFound   = errors.New("sync job not found")
	ErrJobInFlight   = errors.New("a sync job is already in flight for this consent")
	ErrSyncCancelled = errors.New("sync cancelled")
)

// Stage is one step of a sync run. Stages always run in the order of Stages.
type Stage string

const (
	StageAccounts     Stage = "accounts"
	StageBalances     Stage = "balances"
	StageTransactions Stage = "transactions"
)

var Stages = []Stage{StageAccounts, StageBalances, StageTransactions}

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the job has finished.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Trigger records why a job was started.
type Trigger string

const (
	TriggerActivation Trigger = "activation"
	TriggerManual     Trigger = "manual"
	TriggerScheduled  Trigger = "scheduled"
)

// Counts are the records a job handed to the writer.
type Counts struct {
	Accounts        int
	Balances        int
	Transactions    int
	NewTransactions int
}

// SyncJob is one run of the pipeline for a consent.
type SyncJob struct {
	ID              string
	ConsentID       string
	UserID          int64
	Trigger         Trigger
	Stage           Stage
	Attempt         int
	Status          Status
	Cursor          string
	CursorAccountID string
	CompletedStages []Stage
	Counts          Counts
	LastError       string
	ConsentStatus   consent.Status
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
}

// Clone returns a deep copy.
func (j *SyncJob) Clone() *SyncJob {
	cp := *j
	cp.CompletedStages = append([]Stage(nil), j.CompletedStages...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

// StageDone reports whether s already completed in this job.
func (j *SyncJob) StageDone(s Stage) bool {
	for _, done := range j.CompletedStages {
		if done == s {
			return true
		}
	}
	return false
}

// Repository persists sync jobs.
type Repository interface {
	// Create fails with ErrJobInFlight if the consent already has a pending
	// or running job.
	Create(ctx context.Context, j *SyncJob) error
	Update(ctx context.Context, j *SyncJob) error
	GetByID(ctx context.Context, id string) (*SyncJob, error)
	GetInFlight(ctx context.Context, consentID string) (*SyncJob, error)
	ListByConsent(ctx context.Context, consentID string, limit int) ([]*SyncJob, error)
	ListInFlight(ctx context.Context) ([]*SyncJob, error)
	// LastStageCompletion returns when stage last completed for the consent,
	// or nil if it never did.
	LastStageCompletion(ctx context.Context, consentID string, stage Stage) (*time.Time, error)
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int, error)
}

// ConsentTracker is the consent manager as seen by the orchestrator.
type ConsentTracker interface {
	Get(ctx context.Context, consentID string) (*consent.Consent, error)
	CheckExpiry(ctx context.Context, consentID string) (*consent.Consent, error)
	MarkActive(ctx context.Context, consentID string) (*consent.Consent, error)
	InvalidateForReauth(ctx context.Context, consentID, reason string) (*consent.Consent, error)
	ListByStatus(ctx context.Context, statuses ...consent.Status) ([]*consent.Consent, error)
}

// TokenSource hands out access tokens.
type TokenSource interface {
	GetValidToken(ctx context.Context, consentID string) (string, error)
	// ForceRefresh replaces a token the aggregator rejected.
	ForceRefresh(ctx context.Context, consentID, rejected string) (string, error)
}

// TransactionQuery selects a page of transactions.
type TransactionQuery struct {
	From   time.Time
	Cursor string
}

// TransactionPage is one page of transactions. An empty NextCursor ends the listing.
type TransactionPage struct {
	Transactions []ingest.Transaction
	NextCursor   string
}

// DataProvider is the data side of the aggregator API.
type DataProvider interface {
	ListAccounts(ctx context.Context, accessToken string) ([]ingest.Account, error)
	ListBalances(ctx context.Context, accessToken, accountID string) ([]ingest.Balance, error)
	ListTransactions(ctx context.Context, accessToken, accountID string, q TransactionQuery) (*TransactionPage, error)
}

// Ingestor persists fetched data.
type Ingestor interface {
	UpsertAccounts(ctx context.Context, consentID string, accounts []ingest.Account) (ingest.WriteResult, error)
	UpsertBalances(ctx context.Context, accountID string, balances []ingest.Balance) (ingest.WriteResult, error)
	UpsertTransactions(ctx context.Context, accountID string, txs []ingest.Transaction) (ingest.WriteResult, error)
	ListAccounts(ctx context.Context, consentID string) ([]*ingest.Account, error)
}

// Notifier is told when a sync finished successfully.
type Notifier interface {
	SyncCompleted(ctx context.Context, userID int64, consentID string, newTransactions int)
}

// Dispatcher hands a job to whatever executes it.
type Dispatcher interface {
	Dispatch(job *SyncJob) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(job *SyncJob) error

func (f DispatcherFunc) Dispatch(job *SyncJob) error {
	return f(job)
}
