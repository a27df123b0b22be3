package syncjob

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"momali/internal/domain/consent"
	"momali/internal/domain/ingest"
	"momali/internal/domain/openbanking"
)

type fakeJobs struct {
	mu   sync.Mutex
	jobs map[string]*SyncJob
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: make(map[string]*SyncJob)}
}

func (f *fakeJobs) Create(_ context.Context, j *SyncJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.jobs {
		if existing.ConsentID == j.ConsentID && !existing.Status.Terminal() {
			return ErrJobInFlight
		}
	}
	f.jobs[j.ID] = j.Clone()
	return nil
}

func (f *fakeJobs) Update(_ context.Context, j *SyncJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[j.ID]; !ok {
		return ErrJobNotFound
	}
	f.jobs[j.ID] = j.Clone()
	return nil
}

func (f *fakeJobs) GetByID(_ context.Context, id string) (*SyncJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.Clone(), nil
}

func (f *fakeJobs) GetInFlight(_ context.Context, consentID string) (*SyncJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.ConsentID == consentID && !j.Status.Terminal() {
			return j.Clone(), nil
		}
	}
	return nil, ErrJobNotFound
}

func (f *fakeJobs) ListByConsent(_ context.Context, consentID string, limit int) ([]*SyncJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*SyncJob
	for _, j := range f.jobs {
		if j.ConsentID == consentID {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeJobs) ListInFlight(_ context.Context) ([]*SyncJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*SyncJob
	for _, j := range f.jobs {
		if !j.Status.Terminal() {
			out = append(out, j.Clone())
		}
	}
	return out, nil
}

func (f *fakeJobs) LastStageCompletion(_ context.Context, consentID string, stage Stage) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var last *time.Time
	for _, j := range f.jobs {
		if j.ConsentID != consentID || j.FinishedAt == nil || !j.StageDone(stage) {
			continue
		}
		if last == nil || j.FinishedAt.After(*last) {
			t := *j.FinishedAt
			last = &t
		}
	}
	return last, nil
}

func (f *fakeJobs) DeleteFinishedBefore(_ context.Context, before time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, j := range f.jobs {
		if j.FinishedAt != nil && j.FinishedAt.Before(before) {
			delete(f.jobs, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeJobs) put(j *SyncJob) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[j.ID] = j.Clone()
}

type fakeConsents struct {
	mu          sync.Mutex
	consents    map[string]*consent.Consent
	active      int
	invalidated []string
}

func (f *fakeConsents) Get(_ context.Context, id string) (*consent.Consent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.consents[id]
	if !ok {
		return nil, consent.ErrConsentNotFound
	}
	return c.Clone(), nil
}

func (f *fakeConsents) CheckExpiry(ctx context.Context, id string) (*consent.Consent, error) {
	return f.Get(ctx, id)
}

func (f *fakeConsents) MarkActive(_ context.Context, id string) (*consent.Consent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.consents[id]
	if !ok {
		return nil, consent.ErrConsentNotFound
	}
	c.Status = consent.StatusActive
	f.active++
	return c.Clone(), nil
}

func (f *fakeConsents) InvalidateForReauth(_ context.Context, id, reason string) (*consent.Consent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.consents[id]
	if !ok {
		return nil, consent.ErrConsentNotFound
	}
	c.Status = consent.StatusExpired
	f.invalidated = append(f.invalidated, reason)
	return c.Clone(), nil
}

func (f *fakeConsents) ListByStatus(_ context.Context, statuses ...consent.Status) ([]*consent.Consent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*consent.Consent
	for _, c := range f.consents {
		for _, s := range statuses {
			if c.Status == s {
				out = append(out, c.Clone())
			}
		}
	}
	return out, nil
}

func (f *fakeConsents) setStatus(id string, s consent.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consents[id].Status = s
}

type fakeTokens struct {
	err              error
	ForceRefreshFunc func(consentID, rejected string) (string, error)

	refreshes atomic.Int32
}

func (f *fakeTokens) GetValidToken(_ context.Context, consentID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "access-" + consentID, nil
}

func (f *fakeTokens) ForceRefresh(_ context.Context, consentID, rejected string) (string, error) {
	f.refreshes.Add(1)
	if f.ForceRefreshFunc != nil {
		return f.ForceRefreshFunc(consentID, rejected)
	}
	return "refreshed-" + consentID, nil
}

type MockDataProvider struct {
	ListAccountsFunc     func(ctx context.Context, token string) ([]ingest.Account, error)
	ListBalancesFunc     func(ctx context.Context, token, accountID string) ([]ingest.Balance, error)
	ListTransactionsFunc func(ctx context.Context, token, accountID string, q TransactionQuery) (*TransactionPage, error)

	accountCalls     atomic.Int32
	balanceCalls     atomic.Int32
	transactionCalls atomic.Int32
}

func (m *MockDataProvider) ListAccounts(ctx context.Context, token string) ([]ingest.Account, error) {
	m.accountCalls.Add(1)
	if m.ListAccountsFunc != nil {
		return m.ListAccountsFunc(ctx, token)
	}
	return []ingest.Account{{ID: "acc-1", Name: "Cheque"}, {ID: "acc-2", Name: "Savings"}}, nil
}

func (m *MockDataProvider) ListBalances(ctx context.Context, token, accountID string) ([]ingest.Balance, error) {
	m.balanceCalls.Add(1)
	if m.ListBalancesFunc != nil {
		return m.ListBalancesFunc(ctx, token, accountID)
	}
	return []ingest.Balance{{Type: ingest.BalanceCurrent, Amount: decimal.NewFromInt(100), Currency: "ZAR"}}, nil
}

func (m *MockDataProvider) ListTransactions(ctx context.Context, token, accountID string, q TransactionQuery) (*TransactionPage, error) {
	m.transactionCalls.Add(1)
	if m.ListTransactionsFunc != nil {
		return m.ListTransactionsFunc(ctx, token, accountID, q)
	}
	return &TransactionPage{Transactions: []ingest.Transaction{tx(accountID + "-t1")}}, nil
}

func tx(id string) ingest.Transaction {
	return ingest.Transaction{
		ExternalID: id,
		Amount:     decimal.NewFromInt(-50),
		Currency:   "ZAR",
		Status:     ingest.TransactionBooked,
		BookedAt:   time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC),
	}
}

// fakeIngestor keeps only what the tests inspect.
type fakeIngestor struct {
	mu           sync.Mutex
	accounts     map[string][]*ingest.Account
	balances     map[string]int
	transactions map[string]bool
	pages        [][]string
}

func newFakeIngestor() *fakeIngestor {
	return &fakeIngestor{
		accounts:     make(map[string][]*ingest.Account),
		balances:     make(map[string]int),
		transactions: make(map[string]bool),
	}
}

func (f *fakeIngestor) UpsertAccounts(ctx context.Context, consentID string, accounts []ingest.Account) (ingest.WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return ingest.WriteResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var stored []*ingest.Account
	for _, a := range accounts {
		a.ConsentID = consentID
		stored = append(stored, &a)
	}
	f.accounts[consentID] = stored
	return ingest.WriteResult{Created: len(accounts)}, nil
}

func (f *fakeIngestor) UpsertBalances(ctx context.Context, accountID string, balances []ingest.Balance) (ingest.WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return ingest.WriteResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[accountID] = len(balances)
	return ingest.WriteResult{Updated: len(balances)}, nil
}

func (f *fakeIngestor) UpsertTransactions(ctx context.Context, accountID string, txs []ingest.Transaction) (ingest.WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return ingest.WriteResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var res ingest.WriteResult
	var ids []string
	for _, t := range txs {
		ids = append(ids, t.ExternalID)
		if f.transactions[t.ExternalID] {
			res.Unchanged++
			continue
		}
		f.transactions[t.ExternalID] = true
		res.Created++
	}
	f.pages = append(f.pages, ids)
	return res, nil
}

func (f *fakeIngestor) ListAccounts(_ context.Context, consentID string) ([]*ingest.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts[consentID], nil
}

// snapshot flattens what was stored so two runs can be compared.
func (f *fakeIngestor) snapshot() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var accounts []string
	for consentID, list := range f.accounts {
		for _, a := range list {
			accounts = append(accounts, consentID+"/"+a.ID)
		}
	}
	var txs []string
	for id := range f.transactions {
		txs = append(txs, id)
	}
	sort.Strings(accounts)
	sort.Strings(txs)
	return fmt.Sprintf("accounts=%v balances=%v transactions=%v", accounts, f.balances, txs)
}

func (f *fakeIngestor) stored(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transactions[id]
}

type fakeSyncNotifier struct {
	mu    sync.Mutex
	calls map[string]int
}

func (n *fakeSyncNotifier) SyncCompleted(_ context.Context, _ int64, consentID string, newTransactions int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.calls == nil {
		n.calls = make(map[string]int)
	}
	n.calls[consentID] = newTransactions
}

type syncEnv struct {
	orch     *Orchestrator
	jobs     *fakeJobs
	consents *fakeConsents
	tokens   *fakeTokens
	provider *MockDataProvider
	ingestor *fakeIngestor
	notifier *fakeSyncNotifier
	now      time.Time
}

func newSyncEnv(t *testing.T) *syncEnv {
	t.Helper()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	expires := now.Add(90 * 24 * time.Hour)
	env := &syncEnv{
		jobs: newFakeJobs(),
		consents: &fakeConsents{consents: map[string]*consent.Consent{
			"c-1": {
				ID:            "c-1",
				UserID:        7,
				InstitutionID: "bank-a",
				Status:        consent.StatusAuthorized,
				Scopes:        []openbanking.Scope{openbanking.ScopeBalances, openbanking.ScopeTransactions},
				ExpiresAt:     &expires,
			},
		}},
		tokens:   &fakeTokens{},
		provider: &MockDataProvider{},
		ingestor: newFakeIngestor(),
		notifier: &fakeSyncNotifier{},
		now:      now,
	}

	cfg := DefaultConfig()
	cfg.StagePolicy = openbanking.RetryPolicy{InitialInterval: time.Millisecond, Multiplier: 1, MaxAttempts: 4}
	cfg.CallTimeout = time.Second

	env.orch = NewOrchestrator(env.jobs, env.consents, env.tokens, env.provider, env.ingestor, cfg)
	env.orch.SetClock(func() time.Time { return env.now })
	env.orch.SetNotifier(env.notifier)
	env.orch.SetDispatcher(DispatcherFunc(func(job *SyncJob) error {
		go env.orch.Run(context.Background(), job)
		return nil
	}))
	return env
}

func (env *syncEnv) sync(t *testing.T, consentID string, trigger Trigger) *SyncJob {
	t.Helper()
	job, err := env.orch.TriggerSync(context.Background(), consentID, trigger)
	if err != nil {
		t.Fatalf("TriggerSync() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err = env.orch.Wait(ctx, job)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	return job
}

func TestRun_AllStagesSucceed(t *testing.T) {
	env := newSyncEnv(t)
	env.provider.ListTransactionsFunc = func(_ context.Context, _, accountID string, q TransactionQuery) (*TransactionPage, error) {
		switch q.Cursor {
		case "":
			return &TransactionPage{Transactions: []ingest.Transaction{tx(accountID + "-1"), tx(accountID + "-2")}, NextCursor: "p2"}, nil
		case "p2":
			return &TransactionPage{Transactions: []ingest.Transaction{tx(accountID + "-3")}}, nil
		}
		return nil, fmt.Errorf("unexpected cursor %q", q.Cursor)
	}

	job := env.sync(t, "c-1", TriggerActivation)

	if job.Status != StatusSucceeded {
		t.Fatalf("Status = %v, want succeeded (error %q)", job.Status, job.LastError)
	}
	want := Counts{Accounts: 2, Balances: 2, Transactions: 6, NewTransactions: 6}
	if job.Counts != want {
		t.Errorf("Counts = %+v, want %+v", job.Counts, want)
	}
	if len(job.CompletedStages) != 3 {
		t.Errorf("CompletedStages = %v, want all three", job.CompletedStages)
	}
	if job.ConsentStatus != consent.StatusActive {
		t.Errorf("ConsentStatus = %v, want active", job.ConsentStatus)
	}
	if job.FinishedAt == nil {
		t.Error("FinishedAt not set")
	}
	if got := env.notifier.calls["c-1"]; got != 6 {
		t.Errorf("notifier saw %d new transactions, want 6", got)
	}
	for _, a := range env.ingestor.accounts["c-1"] {
		if a.UserID != 7 || a.InstitutionID != "bank-a" {
			t.Errorf("account %s stored with user %d institution %q", a.ID, a.UserID, a.InstitutionID)
		}
	}
}

func TestRun_StageRetriedUntilSuccess(t *testing.T) {
	env := newSyncEnv(t)
	var calls atomic.Int32
	env.provider.ListAccountsFunc = func(context.Context, string) ([]ingest.Account, error) {
		if calls.Add(1) < 3 {
			return nil, fmt.Errorf("%w: 503 from aggregator", openbanking.ErrTemporaryFailure)
		}
		return []ingest.Account{{ID: "acc-1"}}, nil
	}

	job := env.sync(t, "c-1", TriggerManual)

	if job.Status != StatusSucceeded {
		t.Fatalf("Status = %v, want succeeded (error %q)", job.Status, job.LastError)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("ListAccounts called %d times, want 3", got)
	}

	clean := newSyncEnv(t)
	clean.provider.ListAccountsFunc = func(context.Context, string) ([]ingest.Account, error) {
		return []ingest.Account{{ID: "acc-1"}}, nil
	}
	want := clean.sync(t, "c-1", TriggerManual)
	if got, wantData := env.ingestor.snapshot(), clean.ingestor.snapshot(); got != wantData {
		t.Errorf("stored after retries:\n%s\nstored by a clean run:\n%s", got, wantData)
	}
	if job.Counts != want.Counts {
		t.Errorf("Counts = %+v, want %+v as in a clean run", job.Counts, want.Counts)
	}
}

func TestRun_StageExhaustsRetries(t *testing.T) {
	env := newSyncEnv(t)
	env.provider.ListTransactionsFunc = func(context.Context, string, string, TransactionQuery) (*TransactionPage, error) {
		return nil, fmt.Errorf("%w: 502 from aggregator", openbanking.ErrTemporaryFailure)
	}

	job := env.sync(t, "c-1", TriggerManual)

	if job.Status != StatusFailed {
		t.Fatalf("Status = %v, want failed", job.Status)
	}
	if job.Stage != StageTransactions {
		t.Errorf("Stage = %v, want transactions", job.Stage)
	}
	if job.Attempt != 4 {
		t.Errorf("Attempt = %d, want 4", job.Attempt)
	}
	if got := env.provider.transactionCalls.Load(); got != 4 {
		t.Errorf("ListTransactions called %d times, want 4", got)
	}
	if !job.StageDone(StageAccounts) || !job.StageDone(StageBalances) {
		t.Errorf("CompletedStages = %v, want accounts and balances kept", job.CompletedStages)
	}
	if env.ingestor.balances["acc-1"] == 0 {
		t.Error("balances written before the failure were lost")
	}
	if env.consents.active != 0 {
		t.Error("consent activated by a failed sync")
	}
}

func TestRun_EarlierStageFailureSkipsLaterStages(t *testing.T) {
	env := newSyncEnv(t)
	env.provider.ListBalancesFunc = func(context.Context, string, string) ([]ingest.Balance, error) {
		return nil, fmt.Errorf("%w: timeout", openbanking.ErrTemporaryFailure)
	}

	job := env.sync(t, "c-1", TriggerManual)

	if job.Status != StatusFailed || job.Stage != StageBalances {
		t.Fatalf("job = %v at %v, want failed at balances", job.Status, job.Stage)
	}
	if got := env.provider.transactionCalls.Load(); got != 0 {
		t.Errorf("ListTransactions called %d times after balances failed", got)
	}
}

func TestRun_ResumesFromLastWrittenPage(t *testing.T) {
	env := newSyncEnv(t)
	env.provider.ListAccountsFunc = func(context.Context, string) ([]ingest.Account, error) {
		return []ingest.Account{{ID: "acc-1"}}, nil
	}
	var cursors []string
	var mu sync.Mutex
	failed := false
	env.provider.ListTransactionsFunc = func(_ context.Context, _, _ string, q TransactionQuery) (*TransactionPage, error) {
		mu.Lock()
		defer mu.Unlock()
		cursors = append(cursors, q.Cursor)
		switch q.Cursor {
		case "":
			return &TransactionPage{Transactions: []ingest.Transaction{tx("t1"), tx("t2")}, NextCursor: "p2"}, nil
		case "p2":
			if !failed {
				failed = true
				return nil, fmt.Errorf("%w: connection reset", openbanking.ErrTemporaryFailure)
			}
			return &TransactionPage{Transactions: []ingest.Transaction{tx("t3")}}, nil
		}
		return nil, fmt.Errorf("unexpected cursor %q", q.Cursor)
	}

	job := env.sync(t, "c-1", TriggerManual)

	if job.Status != StatusSucceeded {
		t.Fatalf("Status = %v, want succeeded (error %q)", job.Status, job.LastError)
	}
	want := []string{"", "p2", "p2"}
	if fmt.Sprint(cursors) != fmt.Sprint(want) {
		t.Errorf("cursors requested = %q, want %q", cursors, want)
	}
	if job.Counts.NewTransactions != 3 {
		t.Errorf("NewTransactions = %d, want 3", job.Counts.NewTransactions)
	}
}

func TestRun_ReauthorizationAbortsWithoutRetry(t *testing.T) {
	env := newSyncEnv(t)
	env.tokens.err = fmt.Errorf("%w: refresh token rejected", openbanking.ErrReauthorizationRequired)

	job := env.sync(t, "c-1", TriggerManual)

	if job.Status != StatusFailed {
		t.Fatalf("Status = %v, want failed", job.Status)
	}
	if job.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", job.Attempt)
	}
	if got := env.provider.accountCalls.Load(); got != 0 {
		t.Errorf("ListAccounts called %d times without a token", got)
	}
}

func TestRun_RejectedTokenRefreshedOnce(t *testing.T) {
	tests := []struct {
		name             string
		refresh          func(env *syncEnv) func(consentID, rejected string) (string, error)
		acceptRefreshed  bool
		wantStatus       Status
		wantConsent      consent.Status
		wantAccountCalls int32
		wantInvalidated  int
	}{
		{
			name:             "refresh succeeds",
			acceptRefreshed:  true,
			wantStatus:       StatusSucceeded,
			wantConsent:      consent.StatusActive,
			wantAccountCalls: 2,
		},
		{
			name: "refresh rejected",
			refresh: func(env *syncEnv) func(string, string) (string, error) {
				return func(consentID, _ string) (string, error) {
					// The refresher invalidates the consent before reporting.
					env.consents.setStatus(consentID, consent.StatusExpired)
					return "", fmt.Errorf("%w: refresh token revoked", openbanking.ErrReauthorizationRequired)
				}
			},
			wantStatus:       StatusFailed,
			wantConsent:      consent.StatusExpired,
			wantAccountCalls: 1,
		},
		{
			name:             "refreshed token rejected too",
			wantStatus:       StatusFailed,
			wantConsent:      consent.StatusExpired,
			wantAccountCalls: 2,
			wantInvalidated:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newSyncEnv(t)
			if tt.refresh != nil {
				env.tokens.ForceRefreshFunc = tt.refresh(env)
			}
			env.provider.ListAccountsFunc = func(_ context.Context, token string) ([]ingest.Account, error) {
				if token == "refreshed-c-1" && tt.acceptRefreshed {
					return []ingest.Account{{ID: "acc-1"}}, nil
				}
				return nil, fmt.Errorf("%w: 401 from aggregator", openbanking.ErrReauthorizationRequired)
			}

			job := env.sync(t, "c-1", TriggerManual)

			if job.Status != tt.wantStatus {
				t.Fatalf("Status = %v, want %v (error %q)", job.Status, tt.wantStatus, job.LastError)
			}
			if job.ConsentStatus != tt.wantConsent {
				t.Errorf("ConsentStatus = %v, want %v", job.ConsentStatus, tt.wantConsent)
			}
			if got := env.tokens.refreshes.Load(); got != 1 {
				t.Errorf("ForceRefresh called %d times, want 1", got)
			}
			if got := env.provider.accountCalls.Load(); got != tt.wantAccountCalls {
				t.Errorf("ListAccounts called %d times, want %d", got, tt.wantAccountCalls)
			}
			if got := len(env.consents.invalidated); got != tt.wantInvalidated {
				t.Errorf("InvalidateForReauth called %d times, want %d", got, tt.wantInvalidated)
			}
			if tt.wantStatus == StatusFailed && job.Attempt != 1 {
				t.Errorf("Attempt = %d, want 1", job.Attempt)
			}
		})
	}
}

func TestRun_ConsentRevokedMidSync(t *testing.T) {
	env := newSyncEnv(t)
	env.provider.ListBalancesFunc = func(context.Context, string, string) ([]ingest.Balance, error) {
		env.consents.setStatus("c-1", consent.StatusRevoked)
		return nil, nil
	}

	job := env.sync(t, "c-1", TriggerManual)

	if job.Status != StatusFailed {
		t.Fatalf("Status = %v, want failed", job.Status)
	}
	if job.ConsentStatus != consent.StatusRevoked {
		t.Errorf("ConsentStatus = %v, want revoked", job.ConsentStatus)
	}
	if got := env.provider.balanceCalls.Load(); got != 1 {
		t.Errorf("ListBalances called %d times, want 1 before the checkpoint stopped the run", got)
	}
	if got := env.provider.transactionCalls.Load(); got != 0 {
		t.Errorf("ListTransactions called %d times for a revoked consent", got)
	}
}

func TestCancel_StopsAtNextCheckpoint(t *testing.T) {
	env := newSyncEnv(t)
	env.provider.ListTransactionsFunc = func(ctx context.Context, _, accountID string, q TransactionQuery) (*TransactionPage, error) {
		env.orch.Cancel("c-1")
		if ctx.Err() == nil {
			return nil, errors.New("call context still live after Cancel")
		}
		return &TransactionPage{Transactions: []ingest.Transaction{tx(accountID + q.Cursor)}, NextCursor: q.Cursor + "x"}, nil
	}

	job := env.sync(t, "c-1", TriggerManual)

	if job.Status != StatusFailed {
		t.Fatalf("Status = %v, want failed", job.Status)
	}
	if job.LastError != ErrSyncCancelled.Error() {
		t.Errorf("LastError = %q, want %q", job.LastError, ErrSyncCancelled.Error())
	}
	if got := env.provider.transactionCalls.Load(); got != 1 {
		t.Errorf("ListTransactions called %d times, want 1", got)
	}
	if !env.ingestor.stored("acc-1") {
		t.Error("page fetched before cancellation was not written")
	}
	if job.CursorAccountID != "acc-1" || job.Cursor != "x" {
		t.Errorf("cursor = %s/%q, want acc-1/\"x\" after the stored page", job.CursorAccountID, job.Cursor)
	}
}

func TestTriggerSync_SingleJobPerConsent(t *testing.T) {
	env := newSyncEnv(t)
	var dispatched atomic.Int32
	env.orch.SetDispatcher(DispatcherFunc(func(*SyncJob) error {
		dispatched.Add(1)
		return nil
	}))

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := env.orch.TriggerSync(context.Background(), "c-1", TriggerManual)
			if err != nil {
				t.Errorf("TriggerSync() error = %v", err)
				return
			}
			ids[i] = job.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("TriggerSync returned different jobs: %v", ids)
		}
	}
	if got := dispatched.Load(); got != 1 {
		t.Errorf("dispatched %d jobs, want 1", got)
	}
}

func TestTriggerSync_RejectsUnusableConsent(t *testing.T) {
	tests := []struct {
		status  consent.Status
		wantErr error
	}{
		{consent.StatusPendingAuthorization, openbanking.ErrInvalidTransition},
		{consent.StatusCreated, openbanking.ErrInvalidTransition},
		{consent.StatusRevoked, openbanking.ErrReauthorizationRequired},
		{consent.StatusExpired, openbanking.ErrReauthorizationRequired},
		{consent.StatusFailed, openbanking.ErrReauthorizationRequired},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			env := newSyncEnv(t)
			env.consents.setStatus("c-1", tt.status)

			_, err := env.orch.TriggerSync(context.Background(), "c-1", TriggerManual)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("TriggerSync() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTriggerSync_DispatchFailureFailsJob(t *testing.T) {
	env := newSyncEnv(t)
	env.orch.SetDispatcher(DispatcherFunc(func(*SyncJob) error {
		return errors.New("job queue full")
	}))

	job, err := env.orch.TriggerSync(context.Background(), "c-1", TriggerManual)
	if !errors.Is(err, openbanking.ErrTemporaryFailure) {
		t.Fatalf("TriggerSync() error = %v, want temporary failure", err)
	}

	stored, _ := env.jobs.GetByID(context.Background(), job.ID)
	if stored.Status != StatusFailed {
		t.Errorf("Status = %v, want failed", stored.Status)
	}
	if _, err := env.jobs.GetInFlight(context.Background(), "c-1"); !errors.Is(err, ErrJobNotFound) {
		t.Error("consent still has a job in flight after dispatch failed")
	}
}

func TestTriggerScheduled_SkipsRecentlyRefreshedAccounts(t *testing.T) {
	env := newSyncEnv(t)
	env.consents.setStatus("c-1", consent.StatusActive)
	first := env.sync(t, "c-1", TriggerActivation)
	if first.Status != StatusSucceeded {
		t.Fatalf("first sync = %v (%q)", first.Status, first.LastError)
	}

	env.now = env.now.Add(4 * time.Hour)
	n, err := env.orch.TriggerScheduled(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("TriggerScheduled() = %d, %v, want 1", n, err)
	}
	latest, err := env.orch.ListJobs(context.Background(), "c-1", 1)
	if err != nil || len(latest) != 1 || latest[0].ID == first.ID {
		t.Fatalf("ListJobs() = %v, %v, want the scheduled job", latest, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := env.orch.Wait(ctx, latest[0])
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if job.Status != StatusSucceeded {
		t.Fatalf("scheduled sync = %v (%q)", job.Status, job.LastError)
	}
	if job.StageDone(StageAccounts) {
		t.Error("scheduled sync refreshed accounts refreshed 4h ago")
	}
	if got := env.provider.accountCalls.Load(); got != 1 {
		t.Errorf("ListAccounts called %d times, want 1", got)
	}
	if job.Counts.NewTransactions != 0 {
		t.Errorf("NewTransactions = %d on a replay, want 0", job.Counts.NewTransactions)
	}
}

func TestRecoverInterrupted(t *testing.T) {
	env := newSyncEnv(t)
	env.jobs.put(&SyncJob{
		ID:        "stale",
		ConsentID: "c-1",
		Status:    StatusRunning,
		Stage:     StageTransactions,
		UpdatedAt: env.now.Add(-time.Hour),
	})
	env.jobs.put(&SyncJob{
		ID:        "recent",
		ConsentID: "c-2",
		Status:    StatusRunning,
		UpdatedAt: env.now.Add(-time.Minute),
	})

	n, err := env.orch.RecoverInterrupted(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("RecoverInterrupted() = %d, %v, want 1", n, err)
	}
	stale, _ := env.jobs.GetByID(context.Background(), "stale")
	if stale.Status != StatusFailed || stale.FinishedAt == nil {
		t.Errorf("stale job = %v, want failed and finished", stale.Status)
	}
	recent, _ := env.jobs.GetByID(context.Background(), "recent")
	if recent.Status != StatusRunning {
		t.Errorf("recent job = %v, want still running", recent.Status)
	}
}

func TestPruneJobs(t *testing.T) {
	env := newSyncEnv(t)
	old := env.now.Add(-40 * 24 * time.Hour)
	recent := env.now.Add(-time.Hour)
	env.jobs.put(&SyncJob{ID: "old", ConsentID: "c-1", Status: StatusSucceeded, FinishedAt: &old})
	env.jobs.put(&SyncJob{ID: "recent", ConsentID: "c-1", Status: StatusFailed, FinishedAt: &recent})

	n, err := env.orch.PruneJobs(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("PruneJobs() = %d, %v, want 1", n, err)
	}
	if _, err := env.jobs.GetByID(context.Background(), "recent"); err != nil {
		t.Errorf("recent job pruned: %v", err)
	}
}
