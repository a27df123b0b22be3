package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"

	"momali/internal/domain/consent"
	"momali/internal/domain/ingest"
	"momali/internal/domain/notification"
	"momali/internal/domain/syncjob"
	"momali/internal/shared/middleware"
)

type MockConsentService struct {
	CreateConsentFunc func(ctx context.Context, params consent.CreateParams) (*consent.Consent, error)
	ApplyCallbackFunc func(ctx context.Context, state string, res consent.CallbackResult) (*consent.Consent, error)
	RevokeFunc        func(ctx context.Context, consentID string) (*consent.Consent, error)
	GetForUserFunc    func(ctx context.Context, userID int64, consentID string) (*consent.Consent, error)
	ListForUserFunc   func(ctx context.Context, userID int64) ([]*consent.Consent, error)
}

func (m *MockConsentService) CreateConsent(ctx context.Context, params consent.CreateParams) (*consent.Consent, error) {
	return m.CreateConsentFunc(ctx, params)
}

func (m *MockConsentService) ApplyCallback(ctx context.Context, state string, res consent.CallbackResult) (*consent.Consent, error) {
	return m.ApplyCallbackFunc(ctx, state, res)
}

func (m *MockConsentService) Revoke(ctx context.Context, consentID string) (*consent.Consent, error) {
	return m.RevokeFunc(ctx, consentID)
}

func (m *MockConsentService) GetForUser(ctx context.Context, userID int64, consentID string) (*consent.Consent, error) {
	return m.GetForUserFunc(ctx, userID, consentID)
}

func (m *MockConsentService) ListForUser(ctx context.Context, userID int64) ([]*consent.Consent, error) {
	return m.ListForUserFunc(ctx, userID)
}

type MockSyncService struct {
	TriggerSyncFunc func(ctx context.Context, consentID string, trigger syncjob.Trigger) (*syncjob.SyncJob, error)
	GetJobFunc      func(ctx context.Context, id string) (*syncjob.SyncJob, error)
	ListJobsFunc    func(ctx context.Context, consentID string, limit int) ([]*syncjob.SyncJob, error)
}

func (m *MockSyncService) TriggerSync(ctx context.Context, consentID string, trigger syncjob.Trigger) (*syncjob.SyncJob, error) {
	return m.TriggerSyncFunc(ctx, consentID, trigger)
}

func (m *MockSyncService) GetJob(ctx context.Context, id string) (*syncjob.SyncJob, error) {
	return m.GetJobFunc(ctx, id)
}

func (m *MockSyncService) ListJobs(ctx context.Context, consentID string, limit int) ([]*syncjob.SyncJob, error) {
	return m.ListJobsFunc(ctx, consentID, limit)
}

type MockAccountStore struct {
	GetAccountFunc         func(ctx context.Context, id string) (*ingest.Account, error)
	ListAccountsByUserFunc func(ctx context.Context, userID int64) ([]*ingest.Account, error)
	ListBalancesFunc       func(ctx context.Context, accountID string) ([]ingest.Balance, error)
	ListTransactionsFunc   func(ctx context.Context, accountID string, limit int) ([]*ingest.Transaction, error)
}

func (m *MockAccountStore) GetAccount(ctx context.Context, id string) (*ingest.Account, error) {
	return m.GetAccountFunc(ctx, id)
}

func (m *MockAccountStore) ListAccountsByUser(ctx context.Context, userID int64) ([]*ingest.Account, error) {
	return m.ListAccountsByUserFunc(ctx, userID)
}

func (m *MockAccountStore) ListBalances(ctx context.Context, accountID string) ([]ingest.Balance, error) {
	return m.ListBalancesFunc(ctx, accountID)
}

func (m *MockAccountStore) ListTransactions(ctx context.Context, accountID string, limit int) ([]*ingest.Transaction, error) {
	return m.ListTransactionsFunc(ctx, accountID, limit)
}

type MockDeviceRegistrar struct {
	RegisterDeviceFunc func(ctx context.Context, params notification.CreateDeviceTokenParams) (*notification.DeviceToken, error)
}

func (m *MockDeviceRegistrar) RegisterDevice(ctx context.Context, params notification.CreateDeviceTokenParams) (*notification.DeviceToken, error) {
	return m.RegisterDeviceFunc(ctx, params)
}

type staticCatalog []consent.Institution

func (c staticCatalog) List() []consent.Institution { return c }

// authedRequest builds a request as the auth middleware would hand it on.
func authedRequest(method, target string, body io.Reader, userID int64) *http.Request {
	req := httptest.NewRequest(method, target, body)
	ctx := context.WithValue(req.Context(), middleware.UserIDKey, userID)
	return req.WithContext(ctx)
}
