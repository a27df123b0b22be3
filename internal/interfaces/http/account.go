package http

import (
	"context"
	"net/http"
	"time"

	"momali/internal/domain/ingest"
)

// AccountStore reads synced account data.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*ingest.Account, error)
	ListAccountsByUser(ctx context.Context, userID int64) ([]*ingest.Account, error)
	ListBalances(ctx context.Context, accountID string) ([]ingest.Balance, error)
	ListTransactions(ctx context.Context, accountID string, limit int) ([]*ingest.Transaction, error)
}

type AccountHandler struct {
	store AccountStore
}

func NewAccountHandler(store AccountStore) *AccountHandler {
	return &AccountHandler{store: store}
}

type AccountResponse struct {
	ID            string    `json:"id"`
	ConsentID     string    `json:"consentId"`
	InstitutionID string    `json:"institutionId"`
	Name          string    `json:"name"`
	Type          string    `json:"type"`
	Subtype       string    `json:"subtype,omitempty"`
	Currency      string    `json:"currency"`
	MaskedNumber  string    `json:"maskedNumber,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type BalanceResponse struct {
	Type     string    `json:"type"`
	Amount   string    `json:"amount"`
	Currency string    `json:"currency"`
	AsOf     time.Time `json:"asOf"`
}

type TransactionResponse struct {
	ExternalID          string     `json:"externalId"`
	Amount              string     `json:"amount"`
	Currency            string     `json:"currency"`
	Description         string     `json:"description"`
	Merchant            string     `json:"merchant,omitempty"`
	Category            string     `json:"category,omitempty"`
	Status              string     `json:"status"`
	BookedAt            time.Time  `json:"bookedAt"`
	ValueDate           *time.Time `json:"valueDate,omitempty"`
	PossibleDuplicateOf string     `json:"possibleDuplicateOf,omitempty"`
}

// HandleList handles GET /api/accounts.
func (h *AccountHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	accounts, err := h.store.ListAccountsByUser(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := make([]AccountResponse, 0, len(accounts))
	for _, a := range accounts {
		resp = append(resp, AccountResponse{
			ID:            a.ID,
			ConsentID:     a.ConsentID,
			InstitutionID: a.InstitutionID,
			Name:          a.Name,
			Type:          a.Type,
			Subtype:       a.Subtype,
			Currency:      a.Currency,
			MaskedNumber:  a.MaskedNumber,
			UpdatedAt:     a.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleBalances handles GET /api/accounts/{id}/balances.
func (h *AccountHandler) HandleBalances(w http.ResponseWriter, r *http.Request) {
	account, ok := h.ownedAccount(w, r)
	if !ok {
		return
	}

	balances, err := h.store.ListBalances(r.Context(), account.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := make([]BalanceResponse, 0, len(balances))
	for _, b := range balances {
		resp = append(resp, BalanceResponse{
			Type:     string(b.Type),
			Amount:   b.Amount.String(),
			Currency: b.Currency,
			AsOf:     b.AsOf,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleTransactions handles GET /api/accounts/{id}/transactions?limit=N.
func (h *AccountHandler) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	account, ok := h.ownedAccount(w, r)
	if !ok {
		return
	}

	limit := min(queryInt(r, "limit", 50), 500)
	txs, err := h.store.ListTransactions(r.Context(), account.ID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := make([]TransactionResponse, 0, len(txs))
	for _, t := range txs {
		resp = append(resp, TransactionResponse{
			ExternalID:          t.ExternalID,
			Amount:              t.Amount.String(),
			Currency:            t.Currency,
			Description:         t.Description,
			Merchant:            t.Merchant,
			Category:            t.Category,
			Status:              string(t.Status),
			BookedAt:            t.BookedAt,
			ValueDate:           t.ValueDate,
			PossibleDuplicateOf: t.PossibleDuplicateOf,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ownedAccount loads the path account. Another user's account is reported
// as missing.
func (h *AccountHandler) ownedAccount(w http.ResponseWriter, r *http.Request) (*ingest.Account, bool) {
	userID, ok := requireUser(w, r)
	if !ok {
		return nil, false
	}

	account, err := h.store.GetAccount(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	if account.UserID != userID {
		writeError(w, r, ingest.ErrAccountNotFound)
		return nil, false
	}
	return account, true
}
