// Package fee resolves the fee charged for a transaction from a band table.
package fee

import (
	"sort"

	"github.com/richardliu001/bank-core/internal/model"
	"github.com/shopspring/decimal"
)

// Calculate returns the fee of the first active rule for txType whose
// inclusive [MinAmount, MaxAmount] band contains amount. Rules are tried in
// ascending MinAmount order. No matching rule means no fee.
func Calculate(rules []model.FeeRule, txType model.TransactionType, amount decimal.Decimal) decimal.Decimal {
	candidates := make([]model.FeeRule, 0, len(rules))
	for _, r := range rules {
		if r.IsActive && r.TransactionType == txType {
			candidates = append(candidates, r)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].MinAmount.Equal(candidates[j].MinAmount) {
			return candidates[i].MinAmount.LessThan(candidates[j].MinAmount)
		}
		return candidates[i].ID < candidates[j].ID
	})
	for _, r := range candidates {
		if amount.GreaterThanOrEqual(r.MinAmount) && amount.LessThanOrEqual(r.MaxAmount) {
			if r.FeeAmount.IsNegative() {
				return decimal.Zero
			}
			return r.FeeAmount
		}
	}
	return decimal.Zero
}
