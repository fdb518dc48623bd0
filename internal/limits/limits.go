// Package limits computes period boundaries and the lazily reset view of
// rolling TransactionLimit counters. Nothing here touches storage.
package limits

import (
	"strconv"
	"time"

	"github.com/richardliu001/bank-core/internal/apperr"
	"github.com/richardliu001/bank-core/internal/model"
	"github.com/shopspring/decimal"
)

// NextReset returns the first period boundary strictly after now, computed
// in loc and returned in UTC. PER_TRANSACTION limits have no period and
// return the zero time.
func NextReset(lt model.LimitType, now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	switch lt {
	case model.LimitDaily:
		return midnight.AddDate(0, 0, 1).UTC()
	case model.LimitWeekly:
		days := (8 - int(local.Weekday())) % 7
		if days == 0 {
			days = 7
		}
		return midnight.AddDate(0, 0, days).UTC()
	case model.LimitMonthly:
		return time.Date(local.Year(), local.Month()+1, 1, 0, 0, 0, 0, loc).UTC()
	}
	return time.Time{}
}

// Usage is the state of a limit row as of a given instant. When NeedsReset
// is set the counters shown are already zeroed and ResetAt already advanced,
// but the row itself has not been written.
type Usage struct {
	Row           model.TransactionLimit
	MaxAmount     decimal.Decimal
	MaxCount      int
	CurrentAmount decimal.Decimal
	CurrentCount  int
	ResetAt       time.Time
	NeedsReset    bool
}

// View builds the usage of l at now. static, when non-nil, tightens
// account-scoped DAILY and MONTHLY ceilings.
func View(l model.TransactionLimit, static *model.AccountLimit, now time.Time, loc *time.Location) Usage {
	u := Usage{
		Row:           l,
		MaxAmount:     l.MaxAmount,
		MaxCount:      l.MaxCount,
		CurrentAmount: l.CurrentAmount,
		CurrentCount:  l.CurrentCount,
		ResetAt:       l.ResetAt,
	}
	if static != nil && l.AccountID != nil {
		switch l.LimitType {
		case model.LimitDaily:
			u.MaxAmount = tighten(u.MaxAmount, static.DailyDebitLimit)
			if static.DailyTransactionCount > 0 && (u.MaxCount == 0 || static.DailyTransactionCount < u.MaxCount) {
				u.MaxCount = static.DailyTransactionCount
			}
		case model.LimitMonthly:
			u.MaxAmount = tighten(u.MaxAmount, static.MonthlyDebitLimit)
		}
	}
	if l.LimitType == model.LimitPerTransaction {
		return u
	}
	if !now.Before(l.ResetAt) {
		u.NeedsReset = true
		u.CurrentAmount = decimal.Zero
		u.CurrentCount = 0
		u.ResetAt = NextReset(l.LimitType, now, loc)
	}
	return u
}

func tighten(current, static decimal.Decimal) decimal.Decimal {
	if static.IsPositive() && static.LessThan(current) {
		return static
	}
	return current
}

// Check reports whether one more transaction of amount fits.
func (u Usage) Check(amount decimal.Decimal) error {
	if u.Row.LimitType == model.LimitPerTransaction {
		if amount.GreaterThan(u.MaxAmount) {
			return apperr.ErrSingleDebitLimit.WithDetails("", map[string]string{
				"limit_type": string(u.Row.LimitType),
				"max_amount": u.MaxAmount.StringFixed(2),
			})
		}
		return nil
	}
	if u.CurrentAmount.Add(amount).GreaterThan(u.MaxAmount) {
		remaining := u.MaxAmount.Sub(u.CurrentAmount)
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}
		return apperr.ErrRollingAmount.WithDetails(string(u.Row.LimitType)+" amount limit exceeded", map[string]string{
			"limit_type":       string(u.Row.LimitType),
			"remaining_amount": remaining.StringFixed(2),
			"resets_at":        u.ResetAt.Format(time.RFC3339),
		})
	}
	if u.MaxCount > 0 && u.CurrentCount+1 > u.MaxCount {
		return apperr.ErrRollingCount.WithDetails(string(u.Row.LimitType)+" transaction count limit exceeded", map[string]string{
			"limit_type":      string(u.Row.LimitType),
			"remaining_count": strconv.Itoa(max(u.MaxCount-u.CurrentCount, 0)),
			"resets_at":       u.ResetAt.Format(time.RFC3339),
		})
	}
	return nil
}
