package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketpay/pkg/db/pagination"
	"gorm.io/gorm"
)

// OrderCandidate is the slice of a paid order the engine needs.
type OrderCandidate struct {
	ID             snowflake.ID
	SellerID       snowflake.ID
	Amount         int64
	PlatformFee    int64
	RefundedAmount int64
	Currency       string
	PaidAt         time.Time
}

type Payee struct {
	Type PayeeType
	ID   snowflake.ID
}

type Cursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type ListFilter struct {
	PayeeType PayeeType
	PayeeID   snowflake.ID
	Status    SettlementStatus
	Cursor    *Cursor
	Limit     int
}

type Repository interface {
	CreateSettlement(ctx context.Context, db *gorm.DB, settlement *Settlement) error
	SaveSettlement(ctx context.Context, db *gorm.DB, settlement *Settlement) error
	FindSettlement(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*Settlement, error)
	ListSettlements(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Settlement, error)

	InsertItems(ctx context.Context, db *gorm.DB, items []SettlementItem) error
	ListItems(ctx context.Context, db *gorm.DB, settlementID snowflake.ID) ([]SettlementItem, error)

	InsertAdjustment(ctx context.Context, db *gorm.DB, adjustment *SettlementAdjustment) (bool, error)
	InsertVerifierPayout(ctx context.Context, db *gorm.DB, payout *VerifierPayout) (bool, error)
	FindVerifierPayoutBySourceRef(ctx context.Context, db *gorm.DB, sourceRef string) (*VerifierPayout, error)

	UnsettledOrders(ctx context.Context, db *gorm.DB, sellerID snowflake.ID, before time.Time, forUpdate bool) ([]OrderCandidate, error)
	UnsettledAdjustments(ctx context.Context, db *gorm.DB, payeeType PayeeType, payeeID snowflake.ID, before time.Time) ([]SettlementAdjustment, error)
	UnsettledVerifierPayouts(ctx context.Context, db *gorm.DB, verifierID snowflake.ID, before time.Time) ([]VerifierPayout, error)
	PayeesWithUnsettled(ctx context.Context, db *gorm.DB, before time.Time) ([]Payee, error)

	// Attach* set settlement_id on rows still unsettled and return the count updated.
	AttachOrders(ctx context.Context, db *gorm.DB, settlementID snowflake.ID, ids []snowflake.ID) (int64, error)
	AttachAdjustments(ctx context.Context, db *gorm.DB, settlementID snowflake.ID, ids []snowflake.ID) (int64, error)
	AttachVerifierPayouts(ctx context.Context, db *gorm.DB, settlementID snowflake.ID, ids []snowflake.ID) (int64, error)
}

// BatchResult summarizes one RunPeriod pass.
type BatchResult struct {
	Created  int            `json:"created"`
	Existing int            `json:"existing"`
	Failed   int            `json:"failed"`
	IDs      []snowflake.ID `json:"settlement_ids"`
}

// Estimate previews what a payee would be paid for the current month.
type Estimate struct {
	PayeeType    PayeeType `json:"payee_type"`
	PayeeID      string    `json:"payee_id"`
	PeriodStart  time.Time `json:"period_start"`
	PeriodEnd    time.Time `json:"period_end"`
	Currency     string    `json:"currency,omitempty"`
	TotalAmount  int64     `json:"total_amount"`
	PlatformFee  int64     `json:"platform_fee"`
	PayoutAmount int64     `json:"payout_amount"`
	ItemCount    int       `json:"item_count"`
}

type ListRequest struct {
	pagination.Pagination
	PayeeType PayeeType
	PayeeID   snowflake.ID
	Status    SettlementStatus
}

type ListResponse struct {
	pagination.PageInfo
	Settlements []Settlement `json:"settlements"`
}

type RecordVerifierPayoutRequest struct {
	VerifierID snowflake.ID `json:"verifier_id"`
	SourceRef  string       `json:"source_ref"`
	Amount     int64        `json:"amount"`
	Currency   string       `json:"currency"`
	EarnedAt   time.Time    `json:"earned_at"`
}

type Service interface {
	Run(ctx context.Context, payeeType PayeeType, payeeID snowflake.ID, periodStart, periodEnd time.Time) (*Settlement, error)
	RunPeriod(ctx context.Context, periodStart, periodEnd time.Time) (BatchResult, error)
	Estimate(ctx context.Context, payeeType PayeeType, payeeID snowflake.ID, now time.Time) (Estimate, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
	Get(ctx context.Context, id snowflake.ID) (*Settlement, error)
	Items(ctx context.Context, id snowflake.ID) ([]SettlementItem, error)

	SubmitPayout(ctx context.Context, id snowflake.ID, payoutReference string) (*Settlement, error)
	ConfirmPayout(ctx context.Context, id snowflake.ID) (*Settlement, error)
	FailPayout(ctx context.Context, id snowflake.ID, reason string) (*Settlement, error)
	Cancel(ctx context.Context, id snowflake.ID, reason string) (*Settlement, error)

	RecordVerifierPayout(ctx context.Context, req RecordVerifierPayoutRequest) (*VerifierPayout, bool, error)
}

var (
	ErrSettlementExists     = errors.New("settlement_exists")
	ErrSettlementNotFound   = errors.New("settlement_not_found")
	ErrNothingToSettle      = errors.New("nothing_to_settle")
	ErrConcurrentSettlement = errors.New("concurrent_settlement")
	ErrInvalidPayeeType     = errors.New("invalid_payee_type")
	ErrInvalidPayee         = errors.New("invalid_payee")
	ErrInvalidPeriod        = errors.New("invalid_period")
	ErrInvalidTransition    = errors.New("invalid_settlement_transition")
	ErrInvalidReference     = errors.New("invalid_payout_reference")
	ErrInvalidReason        = errors.New("invalid_failure_reason")
	ErrInvalidAmount        = errors.New("invalid_amount")
	ErrInvalidCurrency      = errors.New("invalid_currency")
	ErrInvalidSourceRef     = errors.New("invalid_source_ref")
	ErrMixedCurrency        = errors.New("mixed_currency")
	ErrNegativePayout       = errors.New("negative_payout")
	ErrInvalidPageToken     = errors.New("invalid_page_token")
)

var transitions = map[SettlementStatus][]SettlementStatus{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusPaid, StatusFailed},
	StatusFailed:     {StatusProcessing, StatusCancelled},
}

// CanTransition encodes the payout lifecycle. PAID and CANCELLED are terminal.
func CanTransition(from, to SettlementStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// MonthPeriod returns the calendar month containing t as [start, end) in UTC.
func MonthPeriod(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// PreviousMonthPeriod returns the calendar month before the one containing t.
func PreviousMonthPeriod(t time.Time) (time.Time, time.Time) {
	start, _ := MonthPeriod(t)
	return start.AddDate(0, -1, 0), start
}
