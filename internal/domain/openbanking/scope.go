package openbanking

import (
	"errors"
	"fmt"
	"strings"
)

// Scope is a category of data a consent grants access to.
type Scope string

const (
	ScopeBalances     Scope = "balances"
	ScopeTransactions Scope = "transactions"
	ScopeIncome       Scope = "income"
	ScopeDebitOrders  Scope = "debit-orders"
)

var ErrInvalidScope = errors.New("invalid scope")

var scopeAliases = map[string]Scope{
	"balances":     ScopeBalances,
	"transactions": ScopeTransactions,
	"income":       ScopeIncome,
	"debit-orders": ScopeDebitOrders,
	"debitorders":  ScopeDebitOrders,
	"debit_orders": ScopeDebitOrders,
}

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeBalances, ScopeTransactions, ScopeIncome, ScopeDebitOrders:
		return true
	}
	return false
}

// DefaultScopes is what the app requests when the caller names none.
func DefaultScopes() []Scope {
	return []Scope{ScopeBalances, ScopeTransactions}
}

// ParseScopes normalises raw scope names, dropping duplicates and keeping
// first-seen order. An empty list is an error.
func ParseScopes(raw []string) ([]Scope, error) {
	seen := make(map[Scope]bool, len(raw))
	scopes := make([]Scope, 0, len(raw))
	for _, r := range raw {
		s, ok := scopeAliases[strings.ToLower(strings.TrimSpace(r))]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidScope, r)
		}
		if seen[s] {
			continue
		}
		seen[s] = true
		scopes = append(scopes, s)
	}
	if len(scopes) == 0 {
		return nil, fmt.Errorf("%w: at least one scope is required", ErrInvalidScope)
	}
	return scopes, nil
}

// ScopeStrings converts scopes for storage.
func ScopeStrings(scopes []Scope) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = string(s)
	}
	return out
}

// HasScope reports whether want is among scopes.
func HasScope(scopes []Scope, want Scope) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}
