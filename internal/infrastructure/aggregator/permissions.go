package aggregator

import "momali/internal/domain/openbanking"

// Permissions maps scopes to aggregator permission codes. Account details
// are always requested, and transaction detail implies credits and debits.
func Permissions(scopes []openbanking.Scope) []string {
	perms := []string{"ReadAccountsDetail"}
	for _, s := range scopes {
		switch s {
		case openbanking.ScopeBalances:
			perms = append(perms, "ReadBalances")
		case openbanking.ScopeTransactions:
			perms = append(perms, "ReadTransactionsDetail", "ReadTransactionsCredits", "ReadTransactionsDebits")
		case openbanking.ScopeIncome:
			perms = append(perms, "ReadStandingOrdersDetail")
		case openbanking.ScopeDebitOrders:
			perms = append(perms, "ReadDirectDebits")
		}
	}

	seen := make(map[string]bool, len(perms))
	out := perms[:0]
	for _, p := range perms {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
