package notification

import (
	"context"
	"log"
	"strconv"

	"github.com/shopspring/decimal"

	"momali/internal/domain/consent"
	"momali/internal/domain/ingest"
	"momali/internal/shared/messages"
)

// Service sends the pipeline's user-facing alerts.
type Service struct {
	repo      Repository
	messenger Messenger
	texts     *messages.Messages

	lowBalance decimal.Decimal
}

// NewService creates a new notification service. messenger may be nil, in
// which case alerts are only logged.
func NewService(repo Repository, messenger Messenger, texts *messages.Messages, lowBalance decimal.Decimal) *Service {
	if texts == nil {
		texts = messages.Default()
	}
	return &Service{repo: repo, messenger: messenger, texts: texts, lowBalance: lowBalance}
}

// RegisterDevice registers a device token for the authenticated user.
// If the token already belongs to another user, it is reassigned.
func (s *Service) RegisterDevice(ctx context.Context, params CreateDeviceTokenParams) (*DeviceToken, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return s.repo.UpsertDeviceToken(ctx, params)
}

// DeactivateToken marks a token FCM rejected.
func (s *Service) DeactivateToken(ctx context.Context, token string) error {
	return s.repo.DeactivateToken(ctx, token)
}

// SendToUser pushes a message to every active device of the user.
func (s *Service) SendToUser(ctx context.Context, userID int64, msg messages.MessageText, category string, data map[string]string) error {
	tokens, err := s.repo.GetActiveTokensByUserID(ctx, userID)
	if err != nil {
		return err
	}

	if len(tokens) == 0 {
		log.Printf("No active device tokens for user %d", userID)
		return nil
	}

	if data == nil {
		data = make(map[string]string)
	}
	if _, ok := data["route"]; !ok {
		data["route"] = category
	}

	if s.messenger == nil {
		log.Printf("User %d: push %q not sent, messenger disabled", userID, msg.Title)
		return nil
	}

	tokenStrings := make([]string, len(tokens))
	for i, t := range tokens {
		tokenStrings[i] = t.Token
	}
	return s.messenger.SendMulticast(ctx, tokenStrings, msg.Title, msg.Body, data)
}

// ReauthorizationRequired tells the user to reconnect a bank.
func (s *Service) ReauthorizationRequired(ctx context.Context, c *consent.Consent, reason string) {
	msg := s.texts.ReauthorizationRequired.Render(map[string]string{
		"institution": c.InstitutionID,
	})
	data := map[string]string{"consentId": c.ID, "status": string(c.Status)}
	if err := s.SendToUser(ctx, c.UserID, msg, CategoryConsents, data); err != nil {
		log.Printf("User %d: failed to send reauthorization alert for consent %s: %v", c.UserID, c.ID, err)
	}
}

// SyncCompleted announces new transactions after a sync.
func (s *Service) SyncCompleted(ctx context.Context, userID int64, consentID string, newTransactions int) {
	if newTransactions == 0 {
		return
	}
	msg := s.texts.SyncComplete.Render(map[string]string{
		"count": strconv.Itoa(newTransactions),
	})
	if err := s.SendToUser(ctx, userID, msg, CategoryAccounts, map[string]string{"consentId": consentID}); err != nil {
		log.Printf("User %d: failed to send sync notification: %v", userID, err)
	}
}

// BalancesChanged warns when an account drops below the low-balance threshold.
func (s *Service) BalancesChanged(ctx context.Context, account *ingest.Account, balances []ingest.Balance) {
	b, ok := spendable(balances)
	if !ok || !b.Amount.LessThan(s.lowBalance) {
		return
	}

	msg := s.texts.LowBalance.Render(map[string]string{
		"account":  account.Name,
		"amount":   b.Amount.StringFixed(2),
		"currency": b.Currency,
	})
	data := map[string]string{"accountId": account.ID}
	if err := s.SendToUser(ctx, account.UserID, msg, CategoryBalances, data); err != nil {
		log.Printf("User %d: failed to send low balance alert: %v", account.UserID, err)
	}
}

// spendable prefers the available balance over the current one.
func spendable(balances []ingest.Balance) (ingest.Balance, bool) {
	var current *ingest.Balance
	for i := range balances {
		switch balances[i].Type {
		case ingest.BalanceAvailable:
			return balances[i], true
		case ingest.BalanceCurrent:
			current = &balances[i]
		}
	}
	if current == nil {
		return ingest.Balance{}, false
	}
	return *current, true
}
