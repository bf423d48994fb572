package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type PayeeType string

const (
	PayeeTypeSeller   PayeeType = "seller"
	PayeeTypeVerifier PayeeType = "verifier"
)

func (p PayeeType) Valid() bool {
	return p == PayeeTypeSeller || p == PayeeTypeVerifier
}

type SettlementStatus string

const (
	StatusPending    SettlementStatus = "PENDING"
	StatusProcessing SettlementStatus = "PROCESSING"
	StatusPaid       SettlementStatus = "PAID"
	StatusFailed     SettlementStatus = "FAILED"
	StatusCancelled  SettlementStatus = "CANCELLED"
)

type ItemKind string

const (
	ItemKindOrder            ItemKind = "order"
	ItemKindVerifierPayout   ItemKind = "verifier_payout"
	ItemKindRefundAdjustment ItemKind = "refund_adjustment"
)

// Settlement aggregates one payee's earnings over [PeriodStart, PeriodEnd).
type Settlement struct {
	ID              snowflake.ID     `gorm:"primaryKey" json:"id"`
	PayeeType       PayeeType        `gorm:"type:text;not null;uniqueIndex:ux_settlements_payee_period,priority:1" json:"payee_type"`
	PayeeID         snowflake.ID     `gorm:"not null;uniqueIndex:ux_settlements_payee_period,priority:2" json:"payee_id"`
	PeriodStart     time.Time        `gorm:"not null;uniqueIndex:ux_settlements_payee_period,priority:3" json:"period_start"`
	PeriodEnd       time.Time        `gorm:"not null;uniqueIndex:ux_settlements_payee_period,priority:4" json:"period_end"`
	Currency        string           `gorm:"type:text;not null" json:"currency"`
	TotalAmount     int64            `gorm:"not null" json:"total_amount"`
	PlatformFee     int64            `gorm:"not null" json:"platform_fee"`
	PayoutAmount    int64            `gorm:"not null" json:"payout_amount"`
	ItemCount       int              `gorm:"not null" json:"item_count"`
	Status          SettlementStatus `gorm:"type:text;not null;index" json:"status"`
	FailureReason   *string          `gorm:"type:text" json:"failure_reason,omitempty"`
	PayoutReference *string          `gorm:"type:text" json:"payout_reference,omitempty"`
	SubmittedAt     *time.Time       `json:"submitted_at,omitempty"`
	PaidAt          *time.Time       `json:"paid_at,omitempty"`
	FailedAt        *time.Time       `json:"failed_at,omitempty"`
	CancelledAt     *time.Time       `json:"cancelled_at,omitempty"`
	CreatedAt       time.Time        `gorm:"not null;index" json:"created_at"`
	UpdatedAt       time.Time        `gorm:"not null" json:"updated_at"`
}

func (Settlement) TableName() string { return "settlements" }

// SettlementItem links one source row to the settlement that paid it.
type SettlementItem struct {
	ID           snowflake.ID `gorm:"primaryKey" json:"id"`
	SettlementID snowflake.ID `gorm:"not null;index" json:"settlement_id"`
	Kind         ItemKind     `gorm:"type:text;not null;uniqueIndex:ux_settlement_items_source,priority:1" json:"kind"`
	SourceID     snowflake.ID `gorm:"not null;uniqueIndex:ux_settlement_items_source,priority:2" json:"source_id"`
	Amount       int64        `gorm:"not null" json:"amount"`
	PlatformFee  int64        `gorm:"not null" json:"platform_fee"`
	PayoutAmount int64        `gorm:"not null" json:"payout_amount"`
	CreatedAt    time.Time    `gorm:"not null" json:"created_at"`
}

func (SettlementItem) TableName() string { return "settlement_items" }

// SettlementAdjustment is a negative carry-forward created when money leaves
// an order that was already settled. Amounts are stored negative.
type SettlementAdjustment struct {
	ID           snowflake.ID  `gorm:"primaryKey" json:"id"`
	PayeeType    PayeeType     `gorm:"type:text;not null;index:ix_settlement_adjustments_payee,priority:1" json:"payee_type"`
	PayeeID      snowflake.ID  `gorm:"not null;index:ix_settlement_adjustments_payee,priority:2" json:"payee_id"`
	OrderID      snowflake.ID  `gorm:"not null;index" json:"order_id"`
	RefundID     snowflake.ID  `gorm:"not null;uniqueIndex:ux_settlement_adjustments_refund" json:"refund_id"`
	Currency     string        `gorm:"type:text;not null" json:"currency"`
	Amount       int64         `gorm:"not null" json:"amount"`
	PlatformFee  int64         `gorm:"not null" json:"platform_fee"`
	PayoutAmount int64         `gorm:"not null" json:"payout_amount"`
	SettlementID *snowflake.ID `gorm:"index" json:"settlement_id,omitempty"`
	CreatedAt    time.Time     `gorm:"not null" json:"created_at"`
}

func (SettlementAdjustment) TableName() string { return "settlement_adjustments" }

// VerifierPayout is one verification fee earned by a verifier. The platform
// keeps nothing from it.
type VerifierPayout struct {
	ID           snowflake.ID  `gorm:"primaryKey" json:"id"`
	VerifierID   snowflake.ID  `gorm:"not null;index" json:"verifier_id"`
	SourceRef    string        `gorm:"type:text;not null;uniqueIndex:ux_verifier_payouts_source_ref" json:"source_ref"`
	Amount       int64         `gorm:"not null" json:"amount"`
	Currency     string        `gorm:"type:text;not null" json:"currency"`
	EarnedAt     time.Time     `gorm:"not null;index" json:"earned_at"`
	SettlementID *snowflake.ID `gorm:"index" json:"settlement_id,omitempty"`
	CreatedAt    time.Time     `gorm:"not null" json:"created_at"`
}

func (VerifierPayout) TableName() string { return "verifier_payouts" }
