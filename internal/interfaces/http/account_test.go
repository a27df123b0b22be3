package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"momali/internal/domain/ingest"
)

func newAccountStore() *MockAccountStore {
	return &MockAccountStore{
		GetAccountFunc: func(ctx context.Context, id string) (*ingest.Account, error) {
			if id != "acc-1" {
				return nil, ingest.ErrAccountNotFound
			}
			return &ingest.Account{ID: "acc-1", UserID: 1, ConsentID: "c-1", Name: "Cheque", Currency: "ZAR"}, nil
		},
		ListAccountsByUserFunc: func(ctx context.Context, userID int64) ([]*ingest.Account, error) {
			return []*ingest.Account{
				{ID: "acc-1", UserID: userID, Name: "Cheque", Type: "checking", Currency: "ZAR"},
				{ID: "acc-2", UserID: userID, Name: "Savings", Type: "savings", Currency: "ZAR"},
			}, nil
		},
		ListBalancesFunc: func(ctx context.Context, accountID string) ([]ingest.Balance, error) {
			return []ingest.Balance{
				{AccountID: accountID, Type: ingest.BalanceAvailable, Amount: decimal.RequireFromString("1250.50"), Currency: "ZAR"},
				{AccountID: accountID, Type: ingest.BalanceCurrent, Amount: decimal.RequireFromString("1300"), Currency: "ZAR"},
			}, nil
		},
	}
}

func TestAccountHandler_List(t *testing.T) {
	h := NewAccountHandler(newAccountStore())

	w := httptest.NewRecorder()
	h.HandleList(w, authedRequest(http.MethodGet, "/api/accounts", nil, 1))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp []AccountResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != 2 || resp[1].Name != "Savings" {
		t.Errorf("response = %+v", resp)
	}
}

func TestAccountHandler_Balances(t *testing.T) {
	h := NewAccountHandler(newAccountStore())

	tests := []struct {
		name       string
		accountID  string
		userID     int64
		wantStatus int
	}{
		{name: "own account", accountID: "acc-1", userID: 1, wantStatus: http.StatusOK},
		{name: "other user", accountID: "acc-1", userID: 2, wantStatus: http.StatusNotFound},
		{name: "missing", accountID: "acc-9", userID: 1, wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := authedRequest(http.MethodGet, "/api/accounts/"+tt.accountID+"/balances", nil, tt.userID)
			req.SetPathValue("id", tt.accountID)
			w := httptest.NewRecorder()
			h.HandleBalances(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var resp []BalanceResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(resp) != 2 || resp[0].Amount != "1250.5" || resp[0].Type != "available" {
				t.Errorf("response = %+v", resp)
			}
		})
	}
}

func TestAccountHandler_TransactionsLimit(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{query: "", want: 50},
		{query: "?limit=10", want: 10},
		{query: "?limit=10000", want: 500},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			var gotLimit int
			store := newAccountStore()
			store.ListTransactionsFunc = func(ctx context.Context, accountID string, limit int) ([]*ingest.Transaction, error) {
				gotLimit = limit
				return []*ingest.Transaction{{
					AccountID:  accountID,
					ExternalID: "tx-1",
					Amount:     decimal.RequireFromString("-99.99"),
					Currency:   "ZAR",
					Status:     ingest.TransactionBooked,
					BookedAt:   time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
				}}, nil
			}
			h := NewAccountHandler(store)

			req := authedRequest(http.MethodGet, "/api/accounts/acc-1/transactions"+tt.query, nil, 1)
			req.SetPathValue("id", "acc-1")
			w := httptest.NewRecorder()
			h.HandleTransactions(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d", w.Code)
			}
			if gotLimit != tt.want {
				t.Errorf("limit = %d, want %d", gotLimit, tt.want)
			}
			var resp []TransactionResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(resp) != 1 || resp[0].Amount != "-99.99" || resp[0].Status != "booked" {
				t.Errorf("response = %+v", resp)
			}
		})
	}
}
