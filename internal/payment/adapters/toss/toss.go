package toss

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	paymentdomain "github.com/smallbiznis/marketpay/internal/payment/domain"
)

const (
	providerName       = "toss"
	defaultBaseURL     = "https://api.tosspayments.com"
	orderIDPrefix      = "mp_"
	signatureTolerance = 5 * time.Minute
	maxResponseBytes   = 1 << 20
	defaultCurrency    = "KRW"

	headerSignature        = "tosspayments-webhook-signature"
	headerTransmissionTime = "tosspayments-webhook-transmission-time"
)

const (
	eventPaymentStatusChanged = "PAYMENT_STATUS_CHANGED"
	eventDepositCallback      = "DEPOSIT_CALLBACK"
	eventCancelStatusChanged  = "CANCEL_STATUS_CHANGED"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return providerName
}

func (f *Factory) NewProvider(cfg paymentdomain.ProviderConfig) (paymentdomain.Provider, error) {
	secretKey := strings.TrimSpace(cfg.APIKey)
	webhookSecret := strings.TrimSpace(cfg.WebhookSecret)
	if secretKey == "" || webhookSecret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Adapter{
		secretKey:     secretKey,
		webhookSecret: webhookSecret,
		baseURL:       baseURL,
		client:        client,
		now:           now,
	}, nil
}

// Adapter talks to Toss Payments (bank-transfer rail via virtual accounts).
// The intent is local: Toss has no server-side intent object, so the order
// id doubles as the provider payment id until the buyer authorizes.
type Adapter struct {
	secretKey     string
	webhookSecret string
	baseURL       string
	client        *http.Client
	now           func() time.Time
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) CreatePaymentIntent(ctx context.Context, params paymentdomain.CreateIntentParams) (paymentdomain.PaymentIntent, error) {
	if params.Amount <= 0 {
		return paymentdomain.PaymentIntent{}, paymentdomain.ErrInvalidAmount
	}
	if params.OrderID == 0 {
		return paymentdomain.PaymentIntent{}, paymentdomain.ErrInvalidRequest
	}
	email := strings.ToLower(strings.TrimSpace(params.BuyerEmail))
	if email == "" {
		return paymentdomain.PaymentIntent{}, paymentdomain.ErrInvalidEmail
	}

	currency := strings.ToUpper(strings.TrimSpace(params.Currency))
	if currency == "" {
		currency = defaultCurrency
	}

	return paymentdomain.PaymentIntent{
		ID:         orderIDPrefix + params.OrderID.String(),
		CustomerID: CustomerKey(email),
		Amount:     params.Amount,
		Currency:   currency,
		Status:     paymentdomain.ProviderStatusRequiresPaymentMethod,
	}, nil
}

// CustomerKey derives the stable Toss customer key for a buyer email, so the
// same buyer always maps to the same customer.
func CustomerKey(email string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return "ck_" + hex.EncodeToString(sum[:])[:40]
}

func (a *Adapter) ConfirmPayment(ctx context.Context, params paymentdomain.ConfirmParams) (paymentdomain.PaymentResult, error) {
	orderID := strings.TrimSpace(params.PaymentID)
	paymentKey := strings.TrimSpace(params.PaymentMethodID)
	if orderID == "" || paymentKey == "" {
		return paymentdomain.PaymentResult{}, paymentdomain.ErrInvalidRequest
	}

	body := map[string]any{
		"paymentKey": paymentKey,
		"orderId":    orderID,
		"amount":     params.Amount,
	}

	var payment tossPayment
	err := a.do(ctx, http.MethodPost, "/v1/payments/confirm", body, "confirm-"+orderID, &payment)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			switch {
			case apiErr.StatusCode == http.StatusNotFound:
				return paymentdomain.PaymentResult{}, &paymentdomain.PaymentError{Resource: "payment", ID: orderID}
			case isDecline(apiErr.StatusCode):
				return paymentdomain.PaymentResult{
					ID:                orderID,
					ProviderReference: paymentKey,
					Status:            paymentdomain.ProviderStatusRequiresPaymentMethod,
					FailureCode:       apiErr.Code,
					FailureMessage:    apiErr.Message,
				}, nil
			}
		}
		return paymentdomain.PaymentResult{}, a.processingError("confirm_payment", err)
	}

	result := paymentdomain.PaymentResult{
		ID:                payment.OrderID,
		ProviderReference: payment.PaymentKey,
		Status:            normalizePaymentStatus(payment.Status),
		PaymentMethod:     payment.methodSnapshot(),
	}
	if payment.Failure != nil {
		result.FailureCode = payment.Failure.Code
		result.FailureMessage = payment.Failure.Message
	}
	return result, nil
}

func (a *Adapter) RefundPayment(ctx context.Context, paymentRef string, amount *int64, reason string, idempotencyKey string) (paymentdomain.RefundResult, error) {
	paymentKey := strings.TrimSpace(paymentRef)
	if paymentKey == "" || strings.HasPrefix(paymentKey, orderIDPrefix) {
		// an order id means the buyer never authorized, there is nothing to cancel
		return paymentdomain.RefundResult{}, &paymentdomain.PaymentError{Resource: "payment", ID: paymentKey}
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "requested_by_customer"
	}
	body := map[string]any{"cancelReason": reason}
	if amount != nil {
		if *amount <= 0 {
			return paymentdomain.RefundResult{}, paymentdomain.ErrInvalidAmount
		}
		body["cancelAmount"] = *amount
	}

	var payment tossPayment
	if err := a.do(ctx, http.MethodPost, "/v1/payments/"+url.PathEscape(paymentKey)+"/cancel", body, idempotencyKey, &payment); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			if apiErr.StatusCode == http.StatusNotFound {
				return paymentdomain.RefundResult{}, &paymentdomain.PaymentError{Resource: "payment", ID: paymentKey}
			}
			return paymentdomain.RefundResult{}, &paymentdomain.RefundError{
				Provider: providerName,
				Code:     apiErr.Code,
				Message:  apiErr.Message,
			}
		}
		return paymentdomain.RefundResult{}, &paymentdomain.RefundError{
			Provider: providerName,
			Message:  err.Error(),
			Err:      fmt.Errorf("%w: %w", paymentdomain.ErrRefundFailed, err),
		}
	}

	result := paymentdomain.RefundResult{Status: paymentdomain.ProviderStatusPending}
	if latest := payment.latestCancel(); latest != nil {
		result.ID = latest.TransactionKey
		result.Amount = latest.CancelAmount
		result.Status = normalizeCancelStatus(latest.CancelStatus)
	}
	return result, nil
}

func (a *Adapter) GetPayment(ctx context.Context, paymentRef string) (paymentdomain.PaymentDetails, error) {
	ref := strings.TrimSpace(paymentRef)
	if ref == "" {
		return paymentdomain.PaymentDetails{}, &paymentdomain.PaymentError{Resource: "payment", ID: ref}
	}

	path := "/v1/payments/" + url.PathEscape(ref)
	if strings.HasPrefix(ref, orderIDPrefix) {
		path = "/v1/payments/orders/" + url.PathEscape(ref)
	}

	var payment tossPayment
	if err := a.do(ctx, http.MethodGet, path, nil, "", &payment); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return paymentdomain.PaymentDetails{}, &paymentdomain.PaymentError{Resource: "payment", ID: ref}
		}
		return paymentdomain.PaymentDetails{}, a.processingError("get_payment", err)
	}

	details := paymentdomain.PaymentDetails{
		ID:             payment.OrderID,
		Status:         normalizePaymentStatus(payment.Status),
		Amount:         payment.TotalAmount,
		AmountRefunded: payment.refundedTotal(),
		Currency:       payment.currency(),
		PaymentMethod:  payment.methodSnapshot(),
		CreatedAt:      parseTime(payment.RequestedAt, a.now),
	}
	if payment.Failure != nil {
		details.FailureCode = payment.Failure.Code
		details.FailureMessage = payment.Failure.Message
	}
	return details, nil
}

// VerifyWebhookSignature checks `v1:<base64 hmac-sha256(payload:transmission-time)>`.
// Several comma separated signatures may be present during key rotation.
func (a *Adapter) VerifyWebhookSignature(payload []byte, headers http.Header) bool {
	sigHeader := strings.TrimSpace(headers.Get(headerSignature))
	transmission := strings.TrimSpace(headers.Get(headerTransmissionTime))
	if sigHeader == "" || transmission == "" {
		return false
	}
	if sent, ok := tryParseTime(transmission); ok {
		age := a.now().Sub(sent)
		if age > signatureTolerance || age < -signatureTolerance {
			return false
		}
	}

	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write(payload)
	_, _ = mac.Write([]byte(":" + transmission))
	expected := mac.Sum(nil)

	for _, part := range strings.Split(sigHeader, ",") {
		value, ok := strings.CutPrefix(strings.TrimSpace(part), "v1:")
		if !ok {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return true
		}
	}
	return false
}

func (a *Adapter) HandleWebhook(payload []byte, headers http.Header) (paymentdomain.NormalizedEvent, error) {
	var envelope tossEvent
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return paymentdomain.NormalizedEvent{}, paymentdomain.ErrInvalidPayload
	}

	eventType := strings.TrimSpace(envelope.EventType)
	if eventType == "" && envelope.OrderID != "" && envelope.Status != "" {
		// deposit callbacks are flat and carry no eventType
		eventType = eventDepositCallback
	}

	base := paymentdomain.NormalizedEvent{
		Provider: providerName,
		RawType:  eventType,
		Payload:  payload,
		Currency: defaultCurrency,
	}

	switch eventType {
	case eventPaymentStatusChanged:
		return a.parsePaymentStatusChanged(envelope, base)
	case eventDepositCallback:
		return a.parseDepositCallback(envelope, base)
	case eventCancelStatusChanged:
		return a.parseCancelStatusChanged(envelope, base)
	case "":
		return paymentdomain.NormalizedEvent{}, paymentdomain.ErrInvalidPayload
	default:
		return paymentdomain.NormalizedEvent{}, paymentdomain.ErrUnsupportedEvent
	}
}

func (a *Adapter) parsePaymentStatusChanged(envelope tossEvent, out paymentdomain.NormalizedEvent) (paymentdomain.NormalizedEvent, error) {
	var payment tossPayment
	if err := json.Unmarshal(envelope.Data, &payment); err != nil || payment.OrderID == "" {
		return paymentdomain.NormalizedEvent{}, paymentdomain.ErrInvalidPayload
	}

	switch payment.Status {
	case "DONE":
		out.Type = paymentdomain.EventTypePaymentSucceeded
	case "WAITING_FOR_DEPOSIT", "IN_PROGRESS":
		out.Type = paymentdomain.EventTypePaymentProcessing
	case "READY":
		out.Type = paymentdomain.EventTypePaymentRequiresPaymentMethod
	case "ABORTED", "EXPIRED":
		out.Type = paymentdomain.EventTypePaymentFailed
	case "CANCELED", "PARTIAL_CANCELED":
		out.Type = paymentdomain.EventTypeRefundSucceeded
		out.RefundedTotal = payment.refundedTotal()
		if latest := payment.latestCancel(); latest != nil {
			out.ProviderRefundID = latest.TransactionKey
			out.RefundAmount = latest.CancelAmount
		}
	default:
		return paymentdomain.NormalizedEvent{}, paymentdomain.ErrUnsupportedEvent
	}

	out.EventID = eventID(envelope.EventType, payment.LastTransactionKey, payment.PaymentKey, payment.Status)
	out.ProviderPaymentID = payment.OrderID
	out.Amount = payment.TotalAmount
	out.Currency = payment.currency()
	out.PaymentMethod = payment.methodSnapshot()
	out.OccurredAt = parseTime(envelope.CreatedAt, a.now)
	if payment.Failure != nil {
		out.FailureCode = payment.Failure.Code
		out.FailureMessage = payment.Failure.Message
	}
	return out, nil
}

func (a *Adapter) parseDepositCallback(envelope tossEvent, out paymentdomain.NormalizedEvent) (paymentdomain.NormalizedEvent, error) {
	switch envelope.Status {
	case "DONE":
		out.Type = paymentdomain.EventTypePaymentSucceeded
	case "WAITING_FOR_DEPOSIT":
		out.Type = paymentdomain.EventTypePaymentProcessing
	case "CANCELED", "EXPIRED":
		out.Type = paymentdomain.EventTypePaymentFailed
		out.FailureCode = "DEPOSIT_" + envelope.Status
	default:
		return paymentdomain.NormalizedEvent{}, paymentdomain.ErrUnsupportedEvent
	}

	out.EventID = eventID(eventDepositCallback, envelope.TransactionKey, envelope.OrderID, envelope.Status)
	out.ProviderPaymentID = envelope.OrderID
	out.OccurredAt = parseTime(envelope.CreatedAt, a.now)
	return out, nil
}

func (a *Adapter) parseCancelStatusChanged(envelope tossEvent, out paymentdomain.NormalizedEvent) (paymentdomain.NormalizedEvent, error) {
	var cancel tossCancelEvent
	if err := json.Unmarshal(envelope.Data, &cancel); err != nil || cancel.TransactionKey == "" {
		return paymentdomain.NormalizedEvent{}, paymentdomain.ErrInvalidPayload
	}

	switch cancel.CancelStatus {
	case "DONE":
		out.Type = paymentdomain.EventTypeRefundSucceeded
	case "ABORTED", "FAILED":
		out.Type = paymentdomain.EventTypeRefundFailed
		out.FailureCode = "CANCEL_" + cancel.CancelStatus
		out.FailureMessage = cancel.CancelReason
	default:
		return paymentdomain.NormalizedEvent{}, paymentdomain.ErrUnsupportedEvent
	}

	ref := cancel.OrderID
	if ref == "" {
		ref = cancel.PaymentKey
	}
	if ref == "" {
		return paymentdomain.NormalizedEvent{}, paymentdomain.ErrInvalidPayload
	}

	out.EventID = eventID(envelope.EventType, cancel.TransactionKey, "", cancel.CancelStatus)
	out.ProviderPaymentID = ref
	out.ProviderRefundID = cancel.TransactionKey
	out.RefundAmount = cancel.CancelAmount
	out.OccurredAt = parseTime(envelope.CreatedAt, a.now)
	return out, nil
}

// eventID builds a stable id: Toss does not send one, but a transaction key
// plus status is unique per delivery-worthy change.
func eventID(eventType, transactionKey, fallback, status string) string {
	key := transactionKey
	if key == "" {
		key = fallback
	}
	return eventType + ":" + key + ":" + status
}

func (a *Adapter) do(ctx context.Context, method, path string, body any, idempotencyKey string, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.SetBasicAuth(a.secretKey, "")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		apiErr := &apiError{}
		_ = json.Unmarshal(raw, apiErr)
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", paymentdomain.ErrInvalidPayload, err)
	}
	return nil
}

// isDecline reports client errors caused by the buyer's payment rather than
// by credentials or throttling.
func isDecline(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		return false
	}
	return status >= http.StatusBadRequest && status < http.StatusInternalServerError
}

func (a *Adapter) processingError(op string, err error) error {
	procErr := &paymentdomain.PaymentProcessingError{
		Provider: providerName,
		Op:       op,
		Err:      fmt.Errorf("%w: %w", paymentdomain.ErrProviderUnavailable, err),
	}
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		procErr.StatusCode = apiErr.StatusCode
		procErr.Code = apiErr.Code
		procErr.Message = apiErr.Message
	}
	return procErr
}

type apiError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("toss api error %d: %s", e.StatusCode, e.Code)
}

type tossEvent struct {
	EventType string          `json:"eventType"`
	CreatedAt string          `json:"createdAt"`
	Data      json.RawMessage `json:"data"`

	// deposit callback fields
	OrderID        string `json:"orderId"`
	Status         string `json:"status"`
	TransactionKey string `json:"transactionKey"`
}

type tossPayment struct {
	PaymentKey         string `json:"paymentKey"`
	OrderID            string `json:"orderId"`
	Status             string `json:"status"`
	Method             string `json:"method"`
	Currency           string `json:"currency"`
	TotalAmount        int64  `json:"totalAmount"`
	BalanceAmount      int64  `json:"balanceAmount"`
	LastTransactionKey string `json:"lastTransactionKey"`
	RequestedAt        string `json:"requestedAt"`
	VirtualAccount     *struct {
		BankCode      string `json:"bankCode"`
		AccountNumber string `json:"accountNumber"`
		DueDate       string `json:"dueDate"`
	} `json:"virtualAccount"`
	Cancels []tossCancel `json:"cancels"`
	Failure *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"failure"`
}

type tossCancel struct {
	TransactionKey string `json:"transactionKey"`
	CancelAmount   int64  `json:"cancelAmount"`
	CancelReason   string `json:"cancelReason"`
	CancelStatus   string `json:"cancelStatus"`
	CanceledAt     string `json:"canceledAt"`
}

type tossCancelEvent struct {
	tossCancel
	PaymentKey string `json:"paymentKey"`
	OrderID    string `json:"orderId"`
}

func (p tossPayment) currency() string {
	if c := strings.ToUpper(strings.TrimSpace(p.Currency)); c != "" {
		return c
	}
	return defaultCurrency
}

// refundedTotal is the cumulative cancelled amount.
func (p tossPayment) refundedTotal() int64 {
	switch p.Status {
	case "CANCELED", "PARTIAL_CANCELED":
		return p.TotalAmount - p.BalanceAmount
	}
	var total int64
	for _, c := range p.Cancels {
		if c.CancelStatus == "DONE" {
			total += c.CancelAmount
		}
	}
	return total
}

func (p tossPayment) latestCancel() *tossCancel {
	if len(p.Cancels) == 0 {
		return nil
	}
	return &p.Cancels[len(p.Cancels)-1]
}

func (p tossPayment) methodSnapshot() map[string]any {
	if p.Method == "" && p.VirtualAccount == nil {
		return nil
	}
	snapshot := map[string]any{"rail": "bank_transfer", "method": p.Method}
	if va := p.VirtualAccount; va != nil {
		snapshot["bank_code"] = va.BankCode
		snapshot["account_last4"] = last4(va.AccountNumber)
		snapshot["due_date"] = va.DueDate
	}
	return snapshot
}

func last4(value string) string {
	value = strings.TrimSpace(value)
	if len(value) <= 4 {
		return value
	}
	return value[len(value)-4:]
}

func normalizePaymentStatus(status string) string {
	switch status {
	case "DONE", "CANCELED", "PARTIAL_CANCELED":
		return paymentdomain.ProviderStatusSucceeded
	case "WAITING_FOR_DEPOSIT", "IN_PROGRESS":
		return paymentdomain.ProviderStatusProcessing
	case "ABORTED", "EXPIRED":
		return paymentdomain.ProviderStatusFailed
	default:
		return paymentdomain.ProviderStatusRequiresPaymentMethod
	}
}

func normalizeCancelStatus(status string) string {
	switch status {
	case "DONE":
		return paymentdomain.ProviderStatusSucceeded
	case "ABORTED", "FAILED":
		return paymentdomain.ProviderStatusFailed
	default:
		return paymentdomain.ProviderStatusPending
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000000",
	"2006-01-02T15:04:05",
}

func tryParseTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), true
		}
	}
	return time.Time{}, false
}

func parseTime(value string, now func() time.Time) time.Time {
	if parsed, ok := tryParseTime(value); ok {
		return parsed
	}
	return now().UTC()
}
