package domain

import (
	"context"
	"net/http"

	"github.com/bwmarrin/snowflake"
)

type CheckoutRequest struct {
	BuyerID    snowflake.ID `json:"buyer_id"`
	BuyerEmail string       `json:"buyer_email"`
	SellerID   snowflake.ID `json:"seller_id"`
	ProductID  snowflake.ID `json:"product_id"`
	Amount     int64        `json:"amount"`
	Currency   string       `json:"currency"`
	Provider   string       `json:"provider"`
}

type CheckoutResponse struct {
	OrderID           snowflake.ID  `json:"order_id"`
	PaymentID         snowflake.ID  `json:"payment_id"`
	Provider          string        `json:"provider"`
	ProviderPaymentID string        `json:"provider_payment_id"`
	ClientSecret      string        `json:"client_secret,omitempty"`
	CustomerID        string        `json:"customer_id,omitempty"`
	Amount            int64         `json:"amount"`
	Currency          string        `json:"currency"`
	Status            PaymentStatus `json:"status"`
}

type ConfirmResponse struct {
	PaymentID      snowflake.ID  `json:"payment_id"`
	Status         PaymentStatus `json:"status"`
	FailureCode    string        `json:"failure_code,omitempty"`
	FailureMessage string        `json:"failure_message,omitempty"`
}

type PaymentView struct {
	Payment  Payment         `json:"payment"`
	Order    Order           `json:"order"`
	Provider *PaymentDetails `json:"provider,omitempty"`
}

type RefundRequest struct {
	OrderID snowflake.ID `json:"-"`
	// Amount nil refunds everything still refundable.
	Amount *int64 `json:"amount,omitempty"`
	Reason string `json:"reason"`
}

type Service interface {
	Checkout(ctx context.Context, req CheckoutRequest) (CheckoutResponse, error)
	ConfirmPayment(ctx context.Context, paymentID snowflake.ID, paymentMethodID string) (ConfirmResponse, error)
	GetPayment(ctx context.Context, paymentID snowflake.ID) (PaymentView, error)
	RequestRefund(ctx context.Context, req RefundRequest) (Refund, error)
}

const (
	OutcomeApplied           = "applied"
	OutcomeIgnoredTransition = "ignored_transition"
	OutcomeAmountMismatch    = "amount_mismatch"
	OutcomeCapturedAfterFail = "captured_after_failure"
	OutcomeIgnoredRefund     = "ignored_refund"
	OutcomeUnknownRefund     = "unknown_refund"
)

// WebhookResult is stored with the event and replayed for duplicates.
type WebhookResult struct {
	Provider      string `json:"provider"`
	EventID       string `json:"event_id"`
	EventType     string `json:"event_type"`
	Outcome       string `json:"outcome"`
	PaymentID     string `json:"payment_id,omitempty"`
	OrderID       string `json:"order_id,omitempty"`
	PaymentStatus string `json:"payment_status,omitempty"`
	OrderStatus   string `json:"order_status,omitempty"`
	RefundID      string `json:"refund_id,omitempty"`
	Duplicate     bool   `json:"duplicate"`
}

type WebhookService interface {
	Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) (WebhookResult, error)
}
