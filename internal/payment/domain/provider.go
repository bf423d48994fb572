package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Normalized provider statuses returned by adapters.
const (
	ProviderStatusSucceeded             = "succeeded"
	ProviderStatusProcessing            = "processing"
	ProviderStatusRequiresPaymentMethod = "requires_payment_method"
	ProviderStatusFailed                = "failed"
	ProviderStatusPending               = "pending"
)

// Normalized webhook event types.
const (
	EventTypePaymentSucceeded             = "payment.succeeded"
	EventTypePaymentFailed                = "payment.failed"
	EventTypePaymentProcessing            = "payment.processing"
	EventTypePaymentRequiresPaymentMethod = "payment.requires_payment_method"
	EventTypeRefundSucceeded              = "refund.succeeded"
	EventTypeRefundFailed                 = "refund.failed"
)

type CreateIntentParams struct {
	OrderID        snowflake.ID
	Amount         int64
	Currency       string
	BuyerEmail     string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

type PaymentIntent struct {
	ID           string
	ClientSecret string
	CustomerID   string
	Amount       int64
	Currency     string
	Status       string
}

type ConfirmParams struct {
	PaymentID       string
	PaymentMethodID string
	Amount          int64
	Currency        string
}

// PaymentResult reports a confirmation attempt. Declines come back here with
// a failure code rather than as an error.
type PaymentResult struct {
	ID                string
	ProviderReference string
	Status            string
	FailureCode       string
	FailureMessage    string
	PaymentMethod     map[string]any
}

type RefundResult struct {
	ID             string
	Status         string
	Amount         int64
	FailureCode    string
	FailureMessage string
}

type PaymentDetails struct {
	ID             string
	Status         string
	Amount         int64
	AmountRefunded int64
	Currency       string
	FailureCode    string
	FailureMessage string
	PaymentMethod  map[string]any
	CreatedAt      time.Time
}

// NormalizedEvent is the provider-neutral view of a webhook delivery.
type NormalizedEvent struct {
	Provider          string
	EventID           string
	Type              string
	RawType           string
	ProviderPaymentID string
	Amount            int64
	Currency          string
	// RefundedTotal is the cumulative refunded amount reported by the provider.
	RefundedTotal    int64
	ProviderRefundID string
	RefundAmount     int64
	FailureCode      string
	FailureMessage   string
	PaymentMethod    map[string]any
	OccurredAt       time.Time
	Payload          []byte
}

//go:generate mockgen -destination=../mocks/mock_provider.go -package=mocks github.com/smallbiznis/marketpay/internal/payment/domain Provider

// Provider is the capability set every payment rail implements. Adapters do
// not touch local state.
type Provider interface {
	Name() string
	CreatePaymentIntent(ctx context.Context, params CreateIntentParams) (PaymentIntent, error)
	ConfirmPayment(ctx context.Context, params ConfirmParams) (PaymentResult, error)
	RefundPayment(ctx context.Context, paymentRef string, amount *int64, reason string, idempotencyKey string) (RefundResult, error)
	GetPayment(ctx context.Context, paymentRef string) (PaymentDetails, error)
	HandleWebhook(payload []byte, headers http.Header) (NormalizedEvent, error)
	VerifyWebhookSignature(payload []byte, headers http.Header) bool
}

// ProviderConfig carries the credentials for one rail.
type ProviderConfig struct {
	APIKey        string
	WebhookSecret string
	BaseURL       string
	HTTPClient    *http.Client
	Now           func() time.Time
}

type ProviderFactory interface {
	Provider() string
	NewProvider(cfg ProviderConfig) (Provider, error)
}
