// Package domain contains persistence models for subscriptions, plans and tier changes.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Tier is an ordered subscription level.
type Tier string

const (
	TierFree       Tier = "FREE"
	TierBasic      Tier = "BASIC"
	TierPro        Tier = "PRO"
	TierEnterprise Tier = "ENTERPRISE"
)

var tierRank = map[Tier]int{
	TierFree:       0,
	TierBasic:      1,
	TierPro:        2,
	TierEnterprise: 3,
}

func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// Rank orders tiers; unknown tiers rank below FREE.
func (t Tier) Rank() int {
	if rank, ok := tierRank[t]; ok {
		return rank
	}
	return -1
}

// Interval is the billing period length.
type Interval string

const (
	IntervalMonthly Interval = "MONTHLY"
	IntervalYearly  Interval = "YEARLY"
)

func (i Interval) Valid() bool {
	return i == IntervalMonthly || i == IntervalYearly
}

func (i Interval) months() int {
	if i == IntervalYearly {
		return 12
	}
	return 1
}

// Next returns the end of a period that starts at t. A day past the end of
// the target month lands on its last day: Jan 31 runs to Feb 28.
func (i Interval) Next(t time.Time) time.Time {
	return addMonthsClamped(t, i.months())
}

// NextAfter returns the first period boundary counted from anchor that is
// strictly after t. Counting from the anchor keeps a Jan 31 subscription on
// the 31st in months that have one instead of drifting to the 28th.
func (i Interval) NextAfter(anchor, t time.Time) time.Time {
	if anchor.IsZero() || anchor.After(t) {
		return i.Next(t)
	}
	step := i.months()
	for n := step; ; n += step {
		if end := addMonthsClamped(anchor, n); end.After(t) {
			return end
		}
	}
}

func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	hour, minute, sec := t.Clock()
	first := time.Date(year, month+time.Month(months), 1, hour, minute, sec, t.Nanosecond(), t.Location())
	if last := daysIn(first.Year(), first.Month(), t.Location()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, hour, minute, sec, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "ACTIVE"
	SubscriptionStatusCancelled SubscriptionStatus = "CANCELLED"
	SubscriptionStatusPastDue   SubscriptionStatus = "PAST_DUE"
)

// Subscription captures a user's paid plan and its current billing period.
type Subscription struct {
	ID                 snowflake.ID       `gorm:"primaryKey" json:"id"`
	UserID             snowflake.ID       `gorm:"not null;index" json:"user_id"`
	Tier               Tier               `gorm:"type:text;not null" json:"tier"`
	Interval           Interval           `gorm:"type:text;not null" json:"interval"`
	Status             SubscriptionStatus `gorm:"type:text;not null;index:ix_subscriptions_rollover,priority:1" json:"status"`
	CurrentPeriodStart time.Time          `gorm:"not null" json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `gorm:"not null;index:ix_subscriptions_rollover,priority:2" json:"current_period_end"`
	CancelAtPeriodEnd  bool               `gorm:"not null;default:false" json:"cancel_at_period_end"`
	CancelledAt        *time.Time         `json:"cancelled_at,omitempty"`
	CreatedAt          time.Time          `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time          `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// SubscriptionChange records one tier change with the quote that was charged.
type SubscriptionChange struct {
	ID                snowflake.ID `gorm:"primaryKey" json:"id"`
	SubscriptionID    snowflake.ID `gorm:"not null;index" json:"subscription_id"`
	UserID            snowflake.ID `gorm:"not null;index" json:"user_id"`
	FromTier          Tier         `gorm:"type:text;not null" json:"from_tier"`
	ToTier            Tier         `gorm:"type:text;not null" json:"to_tier"`
	Interval          Interval     `gorm:"type:text;not null" json:"interval"`
	CreditsApplied    int64        `gorm:"not null" json:"credits_applied"`
	ImmediateCharge   int64        `gorm:"not null" json:"immediate_charge"`
	NextBillingAmount int64        `gorm:"not null" json:"next_billing_amount"`
	NextBillingDate   time.Time    `gorm:"not null" json:"next_billing_date"`
	ChangedAt         time.Time    `gorm:"not null" json:"changed_at"`
}

// TableName sets the database table name.
func (SubscriptionChange) TableName() string { return "subscription_changes" }

// User is the subscriber. SubscriptionTier is denormalized for entitlement checks.
type User struct {
	ID               snowflake.ID `gorm:"primaryKey" json:"id"`
	Email            string       `gorm:"type:text;not null;uniqueIndex:ux_users_email" json:"email"`
	SubscriptionTier Tier         `gorm:"type:text;not null;default:FREE" json:"subscription_tier"`
	CreatedAt        time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time    `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (User) TableName() string { return "users" }

// Plan prices one tier.
type Plan struct {
	ID           snowflake.ID      `gorm:"primaryKey" json:"id"`
	Tier         Tier              `gorm:"type:text;not null;uniqueIndex:ux_plans_tier" json:"tier"`
	Name         string            `gorm:"type:text;not null" json:"name"`
	Currency     string            `gorm:"type:text;not null" json:"currency"`
	MonthlyPrice int64             `gorm:"not null" json:"monthly_price"`
	YearlyPrice  int64             `gorm:"not null" json:"yearly_price"`
	Features     datatypes.JSONMap `json:"features,omitempty"`
	CreatedAt    time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time         `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "plans" }

func (p Plan) Price(interval Interval) int64 {
	if interval == IntervalYearly {
		return p.YearlyPrice
	}
	return p.MonthlyPrice
}
