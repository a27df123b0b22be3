package aggregator

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"momali/internal/domain/ingest"
)

type consentRequest struct {
	InstitutionID      string   `json:"institutionId"`
	Permissions        []string `json:"permissions"`
	ExpirationDateTime string   `json:"expirationDateTime"`
}

type consentResponse struct {
	ConsentID          string `json:"consentId"`
	Status             string `json:"status"`
	ExpirationDateTime string `json:"expirationDateTime"`
}

type accountsResponse struct {
	Data []accountData `json:"data"`
}

type accountData struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	Subtype      string `json:"subtype"`
	Currency     string `json:"currency"`
	MaskedNumber string `json:"maskedNumber"`
}

func (a accountData) toDomain() ingest.Account {
	return ingest.Account{
		ID:           a.ID,
		Name:         a.Name,
		Type:         a.Type,
		Subtype:      a.Subtype,
		Currency:     strings.ToUpper(a.Currency),
		MaskedNumber: a.MaskedNumber,
	}
}

type balancesResponse struct {
	Data []balanceData `json:"data"`
}

// balanceData carries both typed amounts of one snapshot; either may be absent.
type balanceData struct {
	Current   *decimal.Decimal `json:"current"`
	Available *decimal.Decimal `json:"available"`
	Currency  string           `json:"currency"`
	AsOf      string           `json:"asOf"`
}

func (b balanceData) toDomain(accountID string) []ingest.Balance {
	asOf := parseTime(b.AsOf)
	var out []ingest.Balance
	add := func(t ingest.BalanceType, amount *decimal.Decimal) {
		if amount == nil {
			return
		}
		out = append(out, ingest.Balance{
			AccountID: accountID,
			Type:      t,
			Amount:    *amount,
			Currency:  strings.ToUpper(b.Currency),
			AsOf:      asOf,
		})
	}
	add(ingest.BalanceCurrent, b.Current)
	add(ingest.BalanceAvailable, b.Available)
	return out
}

type transactionsResponse struct {
	Data  []transactionData `json:"data"`
	Links struct {
		Next string `json:"next"`
	} `json:"links"`
}

type transactionData struct {
	ID                   string          `json:"id"`
	Amount               decimal.Decimal `json:"amount"`
	CreditDebitIndicator string          `json:"creditDebitIndicator"` // "Credit" or "Debit"
	Currency             string          `json:"currency"`
	Description          string          `json:"description"`
	Merchant             string          `json:"merchant"`
	Category             string          `json:"category"`
	Status               string          `json:"status"` // "booked", "posted" or "pending"
	BookingDateTime      string          `json:"bookingDateTime"`
	ValueDateTime        string          `json:"valueDateTime"`
}

func (t transactionData) toDomain(accountID string) ingest.Transaction {
	amount := t.Amount
	if strings.EqualFold(t.CreditDebitIndicator, "debit") && amount.IsPositive() {
		amount = amount.Neg()
	}

	status := ingest.TransactionBooked
	if strings.EqualFold(t.Status, "pending") {
		status = ingest.TransactionPending
	}

	tx := ingest.Transaction{
		AccountID:   accountID,
		ExternalID:  t.ID,
		Amount:      amount,
		Currency:    strings.ToUpper(t.Currency),
		Description: strings.TrimSpace(t.Description),
		Merchant:    t.Merchant,
		Category:    t.Category,
		Status:      status,
		BookedAt:    parseTime(t.BookingDateTime),
	}
	if vd := parseTime(t.ValueDateTime); !vd.IsZero() {
		tx.ValueDate = &vd
	}
	return tx
}

var timeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

// parseTime accepts the layouts the aggregator has been seen to send. An
// empty or unparseable value yields the zero time.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
