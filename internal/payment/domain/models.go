package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusPaid      OrderStatus = "PAID"
	OrderStatusCompleted OrderStatus = "COMPLETED"
	OrderStatusFailed    OrderStatus = "FAILED"
	OrderStatusRefunded  OrderStatus = "REFUNDED"
)

type PaymentStatus string

const (
	PaymentStatusCreated               PaymentStatus = "CREATED"
	PaymentStatusRequiresPaymentMethod PaymentStatus = "REQUIRES_PAYMENT_METHOD"
	PaymentStatusProcessing            PaymentStatus = "PROCESSING"
	PaymentStatusSucceeded             PaymentStatus = "SUCCEEDED"
	PaymentStatusFailed                PaymentStatus = "FAILED"
	PaymentStatusRefunded              PaymentStatus = "REFUNDED"
)

type RefundStatus string

const (
	RefundStatusPending    RefundStatus = "PENDING"
	RefundStatusProcessing RefundStatus = "PROCESSING"
	RefundStatusSucceeded  RefundStatus = "SUCCEEDED"
	RefundStatusFailed     RefundStatus = "FAILED"
)

// Order is a buyer purchase. SellerAmount + PlatformFee always equals Amount.
type Order struct {
	ID             snowflake.ID  `gorm:"primaryKey" json:"id"`
	BuyerID        snowflake.ID  `gorm:"not null;index" json:"buyer_id"`
	BuyerEmail     string        `gorm:"type:text;not null" json:"-"`
	SellerID       snowflake.ID  `gorm:"not null;index:ix_orders_settlement_candidates,priority:1" json:"seller_id"`
	ProductID      snowflake.ID  `gorm:"not null" json:"product_id"`
	Amount         int64         `gorm:"not null" json:"amount"`
	Currency       string        `gorm:"type:text;not null" json:"currency"`
	FeeRateBps     int64         `gorm:"not null" json:"fee_rate_bps"`
	PlatformFee    int64         `gorm:"not null" json:"platform_fee"`
	SellerAmount   int64         `gorm:"not null" json:"seller_amount"`
	RefundedAmount int64         `gorm:"not null;default:0" json:"refunded_amount"`
	Status         OrderStatus   `gorm:"type:text;not null;index" json:"status"`
	AccessGranted  bool          `gorm:"not null;default:false" json:"access_granted"`
	PaidAt         *time.Time    `gorm:"index:ix_orders_settlement_candidates,priority:2" json:"paid_at,omitempty"`
	SettlementID   *snowflake.ID `gorm:"index" json:"settlement_id,omitempty"`
	FailureCode    *string       `gorm:"type:text" json:"failure_code,omitempty"`
	FailureMessage *string       `gorm:"type:text" json:"failure_message,omitempty"`
	CreatedAt      time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time     `gorm:"not null" json:"updated_at"`
}

func (Order) TableName() string { return "orders" }

// Refundable is what is left to refund before counting in-flight refunds.
func (o Order) Refundable() int64 {
	return o.Amount - o.RefundedAmount
}

// Payment is the provider-side attempt that funds an order. Provider is fixed
// at creation; later operations rebuild the adapter from it.
type Payment struct {
	ID                snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrderID           snowflake.ID      `gorm:"not null;index" json:"order_id"`
	Provider          string            `gorm:"type:text;not null;uniqueIndex:ux_payments_provider_payment,priority:1" json:"provider"`
	ProviderPaymentID *string           `gorm:"type:text;uniqueIndex:ux_payments_provider_payment,priority:2" json:"provider_payment_id,omitempty"`
	ProviderReference *string           `gorm:"type:text" json:"provider_reference,omitempty"`
	ClientSecret      *string           `gorm:"type:text" json:"-"`
	Amount            int64             `gorm:"not null" json:"amount"`
	Currency          string            `gorm:"type:text;not null" json:"currency"`
	Status            PaymentStatus     `gorm:"type:text;not null" json:"status"`
	PaymentMethod     datatypes.JSONMap `json:"payment_method,omitempty"`
	FailureCode       *string           `gorm:"type:text" json:"failure_code,omitempty"`
	FailureMessage    *string           `gorm:"type:text" json:"failure_message,omitempty"`
	CreatedAt         time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"not null" json:"updated_at"`
}

func (Payment) TableName() string { return "payments" }

// ProviderRef is the identifier the provider expects for follow-up calls.
func (p Payment) ProviderRef() string {
	if p.ProviderReference != nil && *p.ProviderReference != "" {
		return *p.ProviderReference
	}
	if p.ProviderPaymentID != nil {
		return *p.ProviderPaymentID
	}
	return ""
}

type Refund struct {
	ID                 snowflake.ID `gorm:"primaryKey" json:"id"`
	OrderID            snowflake.ID `gorm:"not null;index" json:"order_id"`
	PaymentID          snowflake.ID `gorm:"not null;index" json:"payment_id"`
	Amount             int64        `gorm:"not null" json:"amount"`
	Currency           string       `gorm:"type:text;not null" json:"currency"`
	Status             RefundStatus `gorm:"type:text;not null" json:"status"`
	Reason             string       `gorm:"type:text;not null" json:"reason"`
	ProviderRefundID   *string      `gorm:"type:text;index" json:"provider_refund_id,omitempty"`
	SettlementAdjusted bool         `gorm:"not null;default:false" json:"settlement_adjusted"`
	FailureCode        *string      `gorm:"type:text" json:"failure_code,omitempty"`
	FailureMessage     *string      `gorm:"type:text" json:"failure_message,omitempty"`
	CreatedAt          time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time    `gorm:"not null" json:"updated_at"`
}

func (Refund) TableName() string { return "refunds" }

// InFlight reports whether the refund still waits for the provider.
func (r Refund) InFlight() bool {
	return r.Status == RefundStatusPending || r.Status == RefundStatusProcessing
}

// EventRecord is the idempotency row for one provider webhook delivery.
type EventRecord struct {
	ID              snowflake.ID      `json:"id" gorm:"primaryKey"`
	Provider        string            `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider_event,priority:1"`
	ProviderEventID string            `json:"provider_event_id" gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider_event,priority:2"`
	EventType       string            `json:"event_type" gorm:"type:text;not null"`
	PaymentID       *snowflake.ID     `json:"payment_id,omitempty" gorm:"index"`
	Payload         datatypes.JSON    `json:"payload" gorm:"not null"`
	Result          datatypes.JSONMap `json:"result,omitempty"`
	ReceivedAt      time.Time         `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time        `json:"processed_at"`
}

func (EventRecord) TableName() string { return "payment_events" }
