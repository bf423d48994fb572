package domain

import (
	"errors"
	"fmt"
)

var (
	ErrProviderNotFound        = errors.New("provider_not_found")
	ErrInvalidConfig           = errors.New("invalid_provider_config")
	ErrProviderUnavailable     = errors.New("provider_unavailable")
	ErrInvalidSignature        = errors.New("invalid_signature")
	ErrInvalidPayload          = errors.New("invalid_payload")
	ErrUnsupportedEvent        = errors.New("unsupported_event")
	ErrOrderNotFound           = errors.New("order_not_found")
	ErrPaymentNotFound         = errors.New("payment_not_found")
	ErrRefundNotFound          = errors.New("refund_not_found")
	ErrRefundFailed            = errors.New("refund_failed")
	ErrRefundExceedsRefundable = errors.New("refund_exceeds_refundable")
	ErrOrderNotRefundable      = errors.New("order_not_refundable")
	ErrInvalidPaymentState     = errors.New("invalid_payment_state")
	ErrInvalidAmount           = errors.New("invalid_amount")
	ErrInvalidCurrency         = errors.New("invalid_currency")
	ErrInvalidEmail            = errors.New("invalid_email")
	ErrInvalidRequest          = errors.New("invalid_request")
)

// PaymentProcessingError is a transient provider or network failure. The
// caller may retry the outer operation.
type PaymentProcessingError struct {
	Provider   string
	Op         string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *PaymentProcessingError) Error() string {
	msg := fmt.Sprintf("%s %s failed", e.Provider, e.Op)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *PaymentProcessingError) Unwrap() error {
	if e.Err == nil {
		return ErrProviderUnavailable
	}
	return e.Err
}

// RefundError means a refund could not be submitted. It is never retried automatically.
type RefundError struct {
	Provider string
	RefundID string
	Code     string
	Message  string
	Err      error
}

func (e *RefundError) Error() string {
	msg := "refund failed"
	if e.Provider != "" {
		msg = e.Provider + " " + msg
	}
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *RefundError) Unwrap() error {
	if e.Err == nil {
		return ErrRefundFailed
	}
	return e.Err
}

const (
	WebhookReasonInvalidSignature = "invalid_signature"
	WebhookReasonInvalidPayload   = "invalid_payload"
	WebhookReasonUnsupportedEvent = "unsupported_event"
	WebhookReasonUnknownProvider  = "unknown_provider"
)

// WebhookError rejects a delivery before any state change.
type WebhookError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *WebhookError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s webhook rejected: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s webhook rejected: %s", e.Provider, e.Reason)
}

func (e *WebhookError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	switch e.Reason {
	case WebhookReasonInvalidSignature:
		return ErrInvalidSignature
	case WebhookReasonUnsupportedEvent:
		return ErrUnsupportedEvent
	case WebhookReasonUnknownProvider:
		return ErrProviderNotFound
	default:
		return ErrInvalidPayload
	}
}

// PaymentError is a lookup failure on a payment, order or refund.
type PaymentError struct {
	Resource string
	ID       string
	Err      error
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Resource, e.ID, e.Unwrap())
}

func (e *PaymentError) Unwrap() error {
	if e.Err == nil {
		return ErrPaymentNotFound
	}
	return e.Err
}
