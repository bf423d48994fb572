package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProrationQuote is the price of switching tiers partway through a period.
type ProrationQuote struct {
	FromTier          Tier      `json:"from_tier"`
	ToTier            Tier      `json:"to_tier"`
	Interval          Interval  `json:"interval"`
	RemainingDays     int64     `json:"remaining_days"`
	TotalDays         int64     `json:"total_days"`
	CreditsApplied    int64     `json:"credits_applied"`
	ImmediateCharge   int64     `json:"immediate_charge"`
	NextBillingAmount int64     `json:"next_billing_amount"`
	NextBillingDate   time.Time `json:"next_billing_date"`
}

// DaysBetween counts UTC calendar days from a to b. It is negative when b is before a.
func DaysBetween(a, b time.Time) int64 {
	a, b = a.UTC(), b.UTC()
	da := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int64(db.Sub(da).Hours()) / 24
}

// Prorate credits the unused share of oldPrice against the same share of
// newPrice. Downgrades never produce a refund: the charge floors at zero.
func Prorate(oldPrice, newPrice int64, changeDate, periodStart, periodEnd time.Time) (remainingDays, totalDays, credits, charge int64) {
	totalDays = DaysBetween(periodStart, periodEnd)
	if totalDays <= 0 {
		return 0, 0, 0, 0
	}
	remainingDays = DaysBetween(changeDate, periodEnd)
	if remainingDays < 0 {
		remainingDays = 0
	}
	if remainingDays > totalDays {
		remainingDays = totalDays
	}

	credits = prorated(oldPrice, remainingDays, totalDays)
	charge = prorated(newPrice, remainingDays, totalDays) - credits
	if charge < 0 {
		charge = 0
	}
	return remainingDays, totalDays, credits, charge
}

// prorated rounds price*num/den half away from zero.
func prorated(price, num, den int64) int64 {
	return decimal.NewFromInt(price).
		Mul(decimal.NewFromInt(num)).
		Div(decimal.NewFromInt(den)).
		Round(0).
		IntPart()
}
