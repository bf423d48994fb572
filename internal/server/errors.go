package server

import (
	"errors"
	"net/http"
	"strings"

	paymentdomain "github.com/smallbiznis/marketpay/internal/payment/domain"
	sellerdomain "github.com/smallbiznis/marketpay/internal/seller/domain"
	settlementdomain "github.com/smallbiznis/marketpay/internal/settlement/domain"
	subscriptiondomain "github.com/smallbiznis/marketpay/internal/subscription/domain"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Code    string            `json:"code,omitempty"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	// Provider typed errors carry their own status before sentinel matching.
	var webhookErr *paymentdomain.WebhookError
	if errors.As(err, &webhookErr) {
		if webhookErr.Reason == paymentdomain.WebhookReasonInvalidSignature {
			return http.StatusUnauthorized, errorPayload{
				Type:    "invalid_signature",
				Message: "webhook signature verification failed",
				Code:    webhookErr.Reason,
			}
		}
		if webhookErr.Reason == paymentdomain.WebhookReasonUnknownProvider {
			return http.StatusNotFound, errorPayload{
				Type:    "not_found",
				Message: "unknown payment provider",
				Code:    webhookErr.Reason,
			}
		}
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_webhook",
			Message: "webhook rejected",
			Code:    webhookErr.Reason,
		}
	}

	var processingErr *paymentdomain.PaymentProcessingError
	if errors.As(err, &processingErr) {
		return http.StatusBadGateway, errorPayload{
			Type:    "payment_processing_error",
			Message: "payment provider request failed",
			Code:    processingErr.Code,
		}
	}

	var refundErr *paymentdomain.RefundError
	if errors.As(err, &refundErr) {
		if errors.Is(err, paymentdomain.ErrRefundExceedsRefundable) {
			return http.StatusConflict, errorPayload{
				Type:    "conflict",
				Message: "refund exceeds refundable amount",
				Code:    paymentdomain.ErrRefundExceedsRefundable.Error(),
			}
		}
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "refund_error",
			Message: "refund could not be submitted",
			Code:    refundErr.Code,
		}
	}

	var paymentErr *paymentdomain.PaymentError
	if errors.As(err, &paymentErr) {
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: paymentErr.Resource + " not found",
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
			Code:    conflictErrorCode(err),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, paymentdomain.ErrProviderUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds error_type and error_code to the request logger.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	code := payload.Code
	if code == "" && len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	if code == "" && status >= http.StatusInternalServerError {
		code = http.StatusText(status)
	}
	return payload.Type, code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return true
	case isPaymentValidationError(err),
		isSettlementValidationError(err),
		isSubscriptionValidationError(err):
		return true
	default:
		return false
	}
}

func isPaymentValidationError(err error) bool {
	switch {
	case errors.Is(err, paymentdomain.ErrInvalidRequest),
		errors.Is(err, paymentdomain.ErrInvalidAmount),
		errors.Is(err, paymentdomain.ErrInvalidCurrency),
		errors.Is(err, paymentdomain.ErrInvalidEmail),
		errors.Is(err, paymentdomain.ErrProviderNotFound):
		return true
	default:
		return false
	}
}

func isSettlementValidationError(err error) bool {
	switch {
	case errors.Is(err, settlementdomain.ErrInvalidPayeeType),
		errors.Is(err, settlementdomain.ErrInvalidPayee),
		errors.Is(err, settlementdomain.ErrInvalidPeriod),
		errors.Is(err, settlementdomain.ErrInvalidReference),
		errors.Is(err, settlementdomain.ErrInvalidReason),
		errors.Is(err, settlementdomain.ErrInvalidAmount),
		errors.Is(err, settlementdomain.ErrInvalidCurrency),
		errors.Is(err, settlementdomain.ErrInvalidSourceRef),
		errors.Is(err, settlementdomain.ErrInvalidPageToken):
		return true
	default:
		return false
	}
}

func isSubscriptionValidationError(err error) bool {
	switch {
	case errors.Is(err, subscriptiondomain.ErrInvalidTier),
		errors.Is(err, subscriptiondomain.ErrInvalidInterval),
		errors.Is(err, subscriptiondomain.ErrInvalidPeriod),
		errors.Is(err, subscriptiondomain.ErrInvalidUser),
		errors.Is(err, subscriptiondomain.ErrSameTier):
		return true
	default:
		return false
	}
}

var conflictErrors = []error{
	ErrConflict,
	paymentdomain.ErrRefundExceedsRefundable,
	paymentdomain.ErrOrderNotRefundable,
	paymentdomain.ErrInvalidPaymentState,
	settlementdomain.ErrSettlementExists,
	settlementdomain.ErrNothingToSettle,
	settlementdomain.ErrConcurrentSettlement,
	settlementdomain.ErrInvalidTransition,
	settlementdomain.ErrMixedCurrency,
	settlementdomain.ErrNegativePayout,
	subscriptiondomain.ErrAlreadySubscribed,
	subscriptiondomain.ErrSubscriptionCancelled,
	subscriptiondomain.ErrInvalidSubscriptionStatus,
}

func isConflictError(err error) bool {
	return conflictErrorCode(err) != ""
}

func conflictErrorCode(err error) string {
	for _, target := range conflictErrors {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return ""
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, paymentdomain.ErrOrderNotFound),
		errors.Is(err, paymentdomain.ErrPaymentNotFound),
		errors.Is(err, paymentdomain.ErrRefundNotFound),
		errors.Is(err, settlementdomain.ErrSettlementNotFound),
		errors.Is(err, sellerdomain.ErrSellerNotFound),
		errors.Is(err, sellerdomain.ErrVerifierNotFound),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, subscriptiondomain.ErrPlanNotFound),
		errors.Is(err, subscriptiondomain.ErrUserNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	for _, target := range []error{
		ErrInvalidRequest,
		paymentdomain.ErrInvalidRequest,
		paymentdomain.ErrInvalidAmount,
		paymentdomain.ErrInvalidCurrency,
		paymentdomain.ErrInvalidEmail,
		paymentdomain.ErrProviderNotFound,
		settlementdomain.ErrInvalidPayeeType,
		settlementdomain.ErrInvalidPayee,
		settlementdomain.ErrInvalidPeriod,
		settlementdomain.ErrInvalidReference,
		settlementdomain.ErrInvalidReason,
		settlementdomain.ErrInvalidAmount,
		settlementdomain.ErrInvalidCurrency,
		settlementdomain.ErrInvalidSourceRef,
		settlementdomain.ErrInvalidPageToken,
		subscriptiondomain.ErrInvalidTier,
		subscriptiondomain.ErrInvalidInterval,
		subscriptiondomain.ErrInvalidPeriod,
		subscriptiondomain.ErrInvalidUser,
		subscriptiondomain.ErrSameTier,
	} {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return err.Error()
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_request":
		return "request"
	case "provider_not_found":
		return "provider"
	case "same_tier":
		return "tier"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "provider_not_found":
		return "unsupported payment provider"
	case "same_tier":
		return "subscription is already on this tier"
	default:
		return "invalid value"
	}
}
