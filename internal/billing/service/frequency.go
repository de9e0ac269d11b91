package service

import (
	subscriptiondomain "github.com/smallbiznis/pawbill/internal/subscription/domain"
	"github.com/smallbiznis/pawbill/pkg/billingdate"
)

// NextBillingDate offsets from the day the charge settled, not from the
// previous next_billing_date. Unknown frequencies bill monthly.
func NextBillingDate(from billingdate.Date, frequency subscriptiondomain.Frequency) billingdate.Date {
	switch frequency {
	case subscriptiondomain.FrequencyWeekly:
		return from.AddDays(7)
	case subscriptiondomain.FrequencyBiweekly:
		return from.AddDays(14)
	case subscriptiondomain.FrequencyMonthly:
		return from.AddMonths(1)
	case subscriptiondomain.Frequency4Weeks:
		return from.AddDays(28)
	case subscriptiondomain.Frequency6Weeks:
		return from.AddDays(42)
	case subscriptiondomain.Frequency8Weeks:
		return from.AddDays(56)
	default:
		return from.AddMonths(1)
	}
}

// AdvanceBillingDate picks the cycle after a successful charge on today.
// An early manual charge must still move the cycle forward, so when the
// offset from today would not pass current it offsets from current instead.
func AdvanceBillingDate(today, current billingdate.Date, frequency subscriptiondomain.Frequency) billingdate.Date {
	next := NextBillingDate(today, frequency)
	if next.After(current) {
		return next
	}
	return NextBillingDate(current, frequency)
}
