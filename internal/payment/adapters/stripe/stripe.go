package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	paymentdomain "github.com/smallbiznis/marketpay/internal/payment/domain"
)

const (
	providerName       = "stripe"
	defaultBaseURL     = "https://api.stripe.com"
	signatureTolerance = 5 * time.Minute
	maxResponseBytes   = 1 << 20
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return providerName
}

func (f *Factory) NewProvider(cfg paymentdomain.ProviderConfig) (paymentdomain.Provider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if apiKey == "" || secret == "" {
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
		apiKey:        apiKey,
		webhookSecret: secret,
		baseURL:       baseURL,
		client:        client,
		now:           now,
	}, nil
}

// Adapter talks to the Stripe REST API (card rail).
type Adapter struct {
	apiKey        string
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
	email := strings.ToLower(strings.TrimSpace(params.BuyerEmail))
	if email == "" {
		return paymentdomain.PaymentIntent{}, paymentdomain.ErrInvalidEmail
	}

	customerID, err := a.ensureCustomer(ctx, email)
	if err != nil {
		return paymentdomain.PaymentIntent{}, err
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(params.Amount, 10))
	form.Set("currency", strings.ToLower(strings.TrimSpace(params.Currency)))
	form.Set("customer", customerID)
	form.Set("automatic_payment_methods[enabled]", "true")
	if params.Description != "" {
		form.Set("description", params.Description)
	}
	if params.OrderID != 0 {
		form.Set("metadata[order_id]", params.OrderID.String())
	}
	for key, value := range params.Metadata {
		form.Set("metadata["+key+"]", value)
	}

	var intent stripePaymentIntent
	if err := a.do(ctx, http.MethodPost, "/v1/payment_intents", form, params.IdempotencyKey, &intent); err != nil {
		return paymentdomain.PaymentIntent{}, a.processingError("create_payment_intent", err)
	}

	return paymentdomain.PaymentIntent{
		ID:           intent.ID,
		ClientSecret: intent.ClientSecret,
		CustomerID:   customerID,
		Amount:       intent.Amount,
		Currency:     strings.ToUpper(intent.Currency),
		Status:       normalizeIntentStatus(intent.Status),
	}, nil
}

func (a *Adapter) ensureCustomer(ctx context.Context, email string) (string, error) {
	query := url.Values{}
	query.Set("email", email)
	query.Set("limit", "1")

	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := a.do(ctx, http.MethodGet, "/v1/customers", query, "", &list); err != nil {
		return "", a.processingError("list_customers", err)
	}
	if len(list.Data) > 0 && list.Data[0].ID != "" {
		return list.Data[0].ID, nil
	}

	form := url.Values{}
	form.Set("email", email)
	var customer struct {
		ID string `json:"id"`
	}
	if err := a.do(ctx, http.MethodPost, "/v1/customers", form, "customer-"+hashKey(email), &customer); err != nil {
		return "", a.processingError("create_customer", err)
	}
	return customer.ID, nil
}

func (a *Adapter) ConfirmPayment(ctx context.Context, params paymentdomain.ConfirmParams) (paymentdomain.PaymentResult, error) {
	id := strings.TrimSpace(params.PaymentID)
	if id == "" {
		return paymentdomain.PaymentResult{}, &paymentdomain.PaymentError{Resource: "payment", ID: id}
	}

	form := url.Values{}
	if pm := strings.TrimSpace(params.PaymentMethodID); pm != "" {
		form.Set("payment_method", pm)
	}

	var intent stripePaymentIntent
	err := a.do(ctx, http.MethodPost, "/v1/payment_intents/"+url.PathEscape(id)+"/confirm", form, "", &intent)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			if apiErr.StatusCode == http.StatusNotFound {
				return paymentdomain.PaymentResult{}, &paymentdomain.PaymentError{Resource: "payment", ID: id}
			}
			if apiErr.Type == "card_error" {
				return paymentdomain.PaymentResult{
					ID:             id,
					Status:         paymentdomain.ProviderStatusRequiresPaymentMethod,
					FailureCode:    apiErr.failureCode(),
					FailureMessage: apiErr.Message,
					PaymentMethod:  paymentMethodSnapshot(params.PaymentMethodID),
				}, nil
			}
		}
		return paymentdomain.PaymentResult{}, a.processingError("confirm_payment", err)
	}

	result := paymentdomain.PaymentResult{
		ID:                intent.ID,
		ProviderReference: intent.ID,
		Status:            normalizeIntentStatus(intent.Status),
		PaymentMethod:     paymentMethodSnapshot(intent.paymentMethodID()),
	}
	if intent.LastPaymentError != nil {
		result.FailureCode = intent.LastPaymentError.failureCode()
		result.FailureMessage = intent.LastPaymentError.Message
	}
	return result, nil
}

func (a *Adapter) RefundPayment(ctx context.Context, paymentRef string, amount *int64, reason string, idempotencyKey string) (paymentdomain.RefundResult, error) {
	paymentRef = strings.TrimSpace(paymentRef)
	if paymentRef == "" {
		return paymentdomain.RefundResult{}, &paymentdomain.PaymentError{Resource: "payment", ID: paymentRef}
	}

	form := url.Values{}
	form.Set("payment_intent", paymentRef)
	if amount != nil {
		if *amount <= 0 {
			return paymentdomain.RefundResult{}, paymentdomain.ErrInvalidAmount
		}
		form.Set("amount", strconv.FormatInt(*amount, 10))
	}
	form.Set("reason", "requested_by_customer")
	if reason = strings.TrimSpace(reason); reason != "" {
		form.Set("metadata[reason]", reason)
	}

	var refund stripeRefund
	if err := a.do(ctx, http.MethodPost, "/v1/refunds", form, idempotencyKey, &refund); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			if apiErr.StatusCode == http.StatusNotFound {
				return paymentdomain.RefundResult{}, &paymentdomain.PaymentError{Resource: "payment", ID: paymentRef}
			}
			return paymentdomain.RefundResult{}, &paymentdomain.RefundError{
				Provider: providerName,
				Code:     apiErr.failureCode(),
				Message:  apiErr.Message,
			}
		}
		return paymentdomain.RefundResult{}, &paymentdomain.RefundError{
			Provider: providerName,
			Message:  err.Error(),
			Err:      fmt.Errorf("%w: %w", paymentdomain.ErrRefundFailed, err),
		}
	}

	return paymentdomain.RefundResult{
		ID:             refund.ID,
		Status:         normalizeRefundStatus(refund.Status),
		Amount:         refund.Amount,
		FailureCode:    refund.FailureReason,
		FailureMessage: refund.FailureReason,
	}, nil
}

func (a *Adapter) GetPayment(ctx context.Context, paymentRef string) (paymentdomain.PaymentDetails, error) {
	paymentRef = strings.TrimSpace(paymentRef)
	if paymentRef == "" {
		return paymentdomain.PaymentDetails{}, &paymentdomain.PaymentError{Resource: "payment", ID: paymentRef}
	}

	query := url.Values{}
	query.Set("expand[]", "latest_charge")

	var intent stripePaymentIntent
	if err := a.do(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(paymentRef), query, "", &intent); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return paymentdomain.PaymentDetails{}, &paymentdomain.PaymentError{Resource: "payment", ID: paymentRef}
		}
		return paymentdomain.PaymentDetails{}, a.processingError("get_payment", err)
	}

	details := paymentdomain.PaymentDetails{
		ID:            intent.ID,
		Status:        normalizeIntentStatus(intent.Status),
		Amount:        intent.Amount,
		Currency:      strings.ToUpper(intent.Currency),
		PaymentMethod: paymentMethodSnapshot(intent.paymentMethodID()),
		CreatedAt:     unixTime(intent.Created, 0, a.now),
	}
	if charge := intent.latestCharge(); charge != nil {
		details.AmountRefunded = charge.AmountRefunded
	}
	if intent.LastPaymentError != nil {
		details.FailureCode = intent.LastPaymentError.failureCode()
		details.FailureMessage = intent.LastPaymentError.Message
	}
	return details, nil
}

func (a *Adapter) VerifyWebhookSignature(payload []byte, headers http.Header) bool {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return false
	}

	timestamp, signatures, err := parseStripeSignature(sigHeader)
	if err != nil {
		return false
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	age := a.now().Sub(time.Unix(ts, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return false
	}

	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(timestamp + "." + string(payload)))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return true
		}
	}
	return false
}

func (a *Adapter) HandleWebhook(payload []byte, headers http.Header) (paymentdomain.NormalizedEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return paymentdomain.NormalizedEvent{}, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return paymentdomain.NormalizedEvent{}, paymentdomain.ErrInvalidPayload
	}

	base := paymentdomain.NormalizedEvent{
		Provider: providerName,
		EventID:  event.ID,
		RawType:  event.Type,
		Payload:  payload,
	}

	switch strings.TrimSpace(event.Type) {
	case "payment_intent.succeeded":
		return a.parseIntent(event, base, paymentdomain.EventTypePaymentSucceeded)
	case "payment_intent.payment_failed":
		return a.parseIntent(event, base, paymentdomain.EventTypePaymentFailed)
	case "payment_intent.processing":
		return a.parseIntent(event, base, paymentdomain.EventTypePaymentProcessing)
	case "payment_intent.requires_action":
		return a.parseIntent(event, base, paymentdomain.EventTypePaymentRequiresPaymentMethod)
	case "charge.refunded":
		return a.parseChargeRefunded(event, base)
	case "charge.refund.updated":
		return a.parseRefundUpdated(event, base)
	default:
		return paymentdomain.NormalizedEvent{}, paymentdomain.ErrUnsupportedEvent
	}
}

func (a *Adapter) parseIntent(event stripeEvent, out paymentdomain.NormalizedEvent, eventType string) (paymentdomain.NormalizedEvent, error) {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil || intent.ID == "" {
		return paymentdomain.NormalizedEvent{}, paymentdomain.ErrInvalidPayload
	}

	amount := intent.Amount
	if eventType == paymentdomain.EventTypePaymentSucceeded && intent.AmountReceived > 0 {
		amount = intent.AmountReceived
	}

	out.Type = eventType
	out.ProviderPaymentID = intent.ID
	out.Amount = amount
	out.Currency = strings.ToUpper(strings.TrimSpace(intent.Currency))
	out.PaymentMethod = paymentMethodSnapshot(intent.paymentMethodID())
	out.OccurredAt = unixTime(event.Created, intent.Created, a.now)
	if intent.LastPaymentError != nil {
		out.FailureCode = intent.LastPaymentError.failureCode()
		out.FailureMessage = intent.LastPaymentError.Message
	}
	return out, nil
}

func (a *Adapter) parseChargeRefunded(event stripeEvent, out paymentdomain.NormalizedEvent) (paymentdomain.NormalizedEvent, error) {
	var charge stripeCharge
	if err := json.Unmarshal(event.Data.Object, &charge); err != nil || charge.ID == "" {
		return paymentdomain.NormalizedEvent{}, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(charge.PaymentIntent) == "" {
		return paymentdomain.NormalizedEvent{}, paymentdomain.ErrInvalidPayload
	}

	out.Type = paymentdomain.EventTypeRefundSucceeded
	out.ProviderPaymentID = charge.PaymentIntent
	out.Amount = charge.Amount
	out.Currency = strings.ToUpper(strings.TrimSpace(charge.Currency))
	out.RefundedTotal = charge.AmountRefunded
	out.OccurredAt = unixTime(event.Created, charge.Created, a.now)
	if len(charge.Refunds.Data) > 0 {
		latest := charge.Refunds.Data[0]
		out.ProviderRefundID = latest.ID
		out.RefundAmount = latest.Amount
	}
	return out, nil
}

func (a *Adapter) parseRefundUpdated(event stripeEvent, out paymentdomain.NormalizedEvent) (paymentdomain.NormalizedEvent, error) {
	var refund stripeRefund
	if err := json.Unmarshal(event.Data.Object, &refund); err != nil || refund.ID == "" {
		return paymentdomain.NormalizedEvent{}, paymentdomain.ErrInvalidPayload
	}

	switch normalizeRefundStatus(refund.Status) {
	case paymentdomain.ProviderStatusFailed:
		out.Type = paymentdomain.EventTypeRefundFailed
		out.FailureCode = refund.FailureReason
		out.FailureMessage = refund.FailureReason
	case paymentdomain.ProviderStatusSucceeded:
		out.Type = paymentdomain.EventTypeRefundSucceeded
	default:
		return paymentdomain.NormalizedEvent{}, paymentdomain.ErrUnsupportedEvent
	}

	out.ProviderPaymentID = refund.PaymentIntent
	out.ProviderRefundID = refund.ID
	out.RefundAmount = refund.Amount
	out.Currency = strings.ToUpper(strings.TrimSpace(refund.Currency))
	out.OccurredAt = unixTime(event.Created, refund.Created, a.now)
	return out, nil
}

func (a *Adapter) do(ctx context.Context, method, path string, form url.Values, idempotencyKey string, out any) error {
	endpoint := a.baseURL + path
	var body io.Reader
	if method == http.MethodGet {
		if len(form) > 0 {
			endpoint += "?" + form.Encode()
		}
	} else if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
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
		apiErr := &apiError{StatusCode: resp.StatusCode}
		var envelope struct {
			Error *apiError `json:"error"`
		}
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error != nil {
			apiErr = envelope.Error
			apiErr.StatusCode = resp.StatusCode
		}
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

func (a *Adapter) processingError(op string, err error) error {
	procErr := &paymentdomain.PaymentProcessingError{
		Provider: providerName,
		Op:       op,
		Err:      fmt.Errorf("%w: %w", paymentdomain.ErrProviderUnavailable, err),
	}
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		procErr.StatusCode = apiErr.StatusCode
		procErr.Code = apiErr.failureCode()
		procErr.Message = apiErr.Message
	}
	return procErr
}

type apiError struct {
	StatusCode  int    `json:"-"`
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("stripe api error %d: %s", e.StatusCode, e.failureCode())
}

func (e *apiError) failureCode() string {
	if e.DeclineCode != "" {
		return e.DeclineCode
	}
	if e.Code != "" {
		return e.Code
	}
	return e.Type
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripePaymentIntent struct {
	ID               string          `json:"id"`
	Amount           int64           `json:"amount"`
	AmountReceived   int64           `json:"amount_received"`
	Currency         string          `json:"currency"`
	Status           string          `json:"status"`
	ClientSecret     string          `json:"client_secret"`
	Created          int64           `json:"created"`
	PaymentMethod    json.RawMessage `json:"payment_method"`
	LatestCharge     json.RawMessage `json:"latest_charge"`
	LastPaymentError *apiError       `json:"last_payment_error"`
}

// paymentMethodID handles both the bare id and the expanded object.
func (i stripePaymentIntent) paymentMethodID() string {
	return expandableID(i.PaymentMethod)
}

func (i stripePaymentIntent) latestCharge() *stripeCharge {
	if len(i.LatestCharge) == 0 || i.LatestCharge[0] != '{' {
		return nil
	}
	var charge stripeCharge
	if err := json.Unmarshal(i.LatestCharge, &charge); err != nil {
		return nil
	}
	return &charge
}

type stripeCharge struct {
	ID             string `json:"id"`
	PaymentIntent  string `json:"payment_intent"`
	Amount         int64  `json:"amount"`
	AmountRefunded int64  `json:"amount_refunded"`
	Currency       string `json:"currency"`
	Created        int64  `json:"created"`
	Refunds        struct {
		Data []stripeRefund `json:"data"`
	} `json:"refunds"`
}

type stripeRefund struct {
	ID            string `json:"id"`
	PaymentIntent string `json:"payment_intent"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason"`
	Created       int64  `json:"created"`
}

func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

func normalizeIntentStatus(status string) string {
	switch strings.TrimSpace(status) {
	case "succeeded":
		return paymentdomain.ProviderStatusSucceeded
	case "processing", "requires_capture":
		return paymentdomain.ProviderStatusProcessing
	case "canceled":
		return paymentdomain.ProviderStatusFailed
	default:
		// requires_payment_method, requires_confirmation, requires_action
		return paymentdomain.ProviderStatusRequiresPaymentMethod
	}
}

func normalizeRefundStatus(status string) string {
	switch strings.TrimSpace(status) {
	case "succeeded":
		return paymentdomain.ProviderStatusSucceeded
	case "failed", "canceled":
		return paymentdomain.ProviderStatusFailed
	default:
		return paymentdomain.ProviderStatusPending
	}
}

func paymentMethodSnapshot(id string) map[string]any {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	return map[string]any{"id": id, "rail": "card"}
}

func parseStripeSignature(header string) (string, []string, error) {
	var timestamp string
	signatures := []string{}
	for _, part := range strings.Split(header, ",") {
		keyValue := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, paymentdomain.ErrInvalidSignature
	}
	return timestamp, signatures, nil
}

func unixTime(primary, fallback int64, now func() time.Time) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

func hashKey(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:16])
}
