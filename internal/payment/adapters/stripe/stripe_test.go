package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	paymentdomain "github.com/smallbiznis/marketpay/internal/payment/domain"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func newTestAdapter(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	cfg := paymentdomain.ProviderConfig{
		APIKey:        "sk_test",
		WebhookSecret: "whsec_test",
		Now:           func() time.Time { return fixedNow },
	}
	if handler != nil {
		server := httptest.NewServer(handler)
		t.Cleanup(server.Close)
		cfg.BaseURL = server.URL
		cfg.HTTPClient = server.Client()
	}
	provider, err := NewFactory().NewProvider(cfg)
	require.NoError(t, err)
	return provider.(*Adapter)
}

func TestVerifySignature(t *testing.T) {
	adapter := newTestAdapter(t, nil)
	payload := []byte(`{"id":"evt_123","type":"payment_intent.succeeded","data":{"object":{}}}`)

	headers := http.Header{}
	headers.Set("Stripe-Signature", buildStripeSignatureHeader("whsec_test", payload, fixedNow.Unix()))
	if !adapter.VerifyWebhookSignature(payload, headers) {
		t.Fatalf("expected valid signature")
	}

	headers.Set("Stripe-Signature", buildStripeSignatureHeader("wrong", payload, fixedNow.Unix()))
	if adapter.VerifyWebhookSignature(payload, headers) {
		t.Fatalf("expected invalid signature")
	}

	stale := fixedNow.Add(-10 * time.Minute).Unix()
	headers.Set("Stripe-Signature", buildStripeSignatureHeader("whsec_test", payload, stale))
	if adapter.VerifyWebhookSignature(payload, headers) {
		t.Fatalf("expected stale timestamp to be rejected")
	}

	if adapter.VerifyWebhookSignature(payload, http.Header{}) {
		t.Fatalf("expected missing header to be rejected")
	}
}

func TestHandleWebhook(t *testing.T) {
	created := fixedNow.Unix()
	tests := []struct {
		name          string
		event         any
		wantType      string
		wantPaymentID string
		amount        int64
		refundedTotal int64
		refundID      string
	}{{
		name: "payment_intent.succeeded",
		event: map[string]any{
			"id": "evt_pi", "type": "payment_intent.succeeded", "created": created,
			"data": map[string]any{"object": map[string]any{
				"id": "pi_1", "amount": 9900, "amount_received": 9900, "currency": "krw",
				"payment_method": "pm_card",
			}},
		},
		wantType:      paymentdomain.EventTypePaymentSucceeded,
		wantPaymentID: "pi_1",
		amount:        9900,
	}, {
		name: "payment_intent.payment_failed",
		event: map[string]any{
			"id": "evt_fail", "type": "payment_intent.payment_failed", "created": created,
			"data": map[string]any{"object": map[string]any{
				"id": "pi_2", "amount": 5000, "currency": "krw",
				"last_payment_error": map[string]any{"type": "card_error", "code": "card_declined", "decline_code": "insufficient_funds", "message": "declined"},
			}},
		},
		wantType:      paymentdomain.EventTypePaymentFailed,
		wantPaymentID: "pi_2",
		amount:        5000,
	}, {
		name: "charge.refunded",
		event: map[string]any{
			"id": "evt_ch", "type": "charge.refunded", "created": created,
			"data": map[string]any{"object": map[string]any{
				"id": "ch_1", "payment_intent": "pi_1", "amount": 9900, "amount_refunded": 4000, "currency": "krw",
				"refunds": map[string]any{"data": []any{map[string]any{"id": "re_1", "amount": 4000, "status": "succeeded"}}},
			}},
		},
		wantType:      paymentdomain.EventTypeRefundSucceeded,
		wantPaymentID: "pi_1",
		amount:        9900,
		refundedTotal: 4000,
		refundID:      "re_1",
	}, {
		name: "charge.refund.updated failed",
		event: map[string]any{
			"id": "evt_re", "type": "charge.refund.updated", "created": created,
			"data": map[string]any{"object": map[string]any{
				"id": "re_2", "payment_intent": "pi_1", "amount": 1000, "currency": "krw", "status": "failed", "failure_reason": "expired_or_canceled_card",
			}},
		},
		wantType:      paymentdomain.EventTypeRefundFailed,
		wantPaymentID: "pi_1",
		refundID:      "re_2",
	}}

	adapter := newTestAdapter(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := json.Marshal(tt.event)
			require.NoError(t, err)

			event, err := adapter.HandleWebhook(payload, http.Header{})
			require.NoError(t, err)
			require.Equal(t, tt.wantType, event.Type)
			require.Equal(t, tt.wantPaymentID, event.ProviderPaymentID)
			require.Equal(t, tt.amount, event.Amount)
			require.Equal(t, tt.refundedTotal, event.RefundedTotal)
			require.Equal(t, tt.refundID, event.ProviderRefundID)
			require.Equal(t, "KRW", event.Currency)
			require.Equal(t, fixedNow, event.OccurredAt)
		})
	}
}

func TestHandleWebhookRejectsUnsupportedType(t *testing.T) {
	adapter := newTestAdapter(t, nil)
	_, err := adapter.HandleWebhook([]byte(`{"id":"evt_x","type":"customer.created","data":{"object":{}}}`), http.Header{})
	require.ErrorIs(t, err, paymentdomain.ErrUnsupportedEvent)

	_, err = adapter.HandleWebhook([]byte(`not json`), http.Header{})
	require.ErrorIs(t, err, paymentdomain.ErrInvalidPayload)
}

func TestCreatePaymentIntentReusesCustomer(t *testing.T) {
	var created int
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/customers", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		if r.Method == http.MethodGet {
			require.Equal(t, "buyer@example.com", r.URL.Query().Get("email"))
			fmt.Fprint(w, `{"data":[{"id":"cus_existing"}]}`)
			return
		}
		created++
		fmt.Fprint(w, `{"id":"cus_new"}`)
	})
	mux.HandleFunc("/v1/payment_intents", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "cus_existing", r.PostForm.Get("customer"))
		require.Equal(t, "9900", r.PostForm.Get("amount"))
		require.Equal(t, "krw", r.PostForm.Get("currency"))
		require.Equal(t, "order-1", r.Header.Get("Idempotency-Key"))
		fmt.Fprint(w, `{"id":"pi_1","client_secret":"pi_1_secret","amount":9900,"currency":"krw","status":"requires_payment_method"}`)
	})
	adapter := newTestAdapter(t, mux)

	intent, err := adapter.CreatePaymentIntent(context.Background(), paymentdomain.CreateIntentParams{
		OrderID:        42,
		Amount:         9900,
		Currency:       "KRW",
		BuyerEmail:     "Buyer@Example.com",
		IdempotencyKey: "order-1",
	})
	require.NoError(t, err)
	require.Equal(t, "pi_1", intent.ID)
	require.Equal(t, "pi_1_secret", intent.ClientSecret)
	require.Equal(t, "cus_existing", intent.CustomerID)
	require.Equal(t, paymentdomain.ProviderStatusRequiresPaymentMethod, intent.Status)
	require.Zero(t, created)
}

func TestConfirmPaymentSurfacesDeclines(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/payment_intents/pi_1/confirm", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		fmt.Fprint(w, `{"error":{"type":"card_error","code":"card_declined","decline_code":"insufficient_funds","message":"Your card has insufficient funds."}}`)
	})
	adapter := newTestAdapter(t, mux)

	result, err := adapter.ConfirmPayment(context.Background(), paymentdomain.ConfirmParams{PaymentID: "pi_1", PaymentMethodID: "pm_1"})
	require.NoError(t, err)
	require.Equal(t, paymentdomain.ProviderStatusRequiresPaymentMethod, result.Status)
	require.Equal(t, "insufficient_funds", result.FailureCode)
}

func TestConfirmPaymentServerErrorIsProcessingError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/payment_intents/pi_1/confirm", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"type":"api_error","message":"try again"}}`)
	})
	adapter := newTestAdapter(t, mux)

	_, err := adapter.ConfirmPayment(context.Background(), paymentdomain.ConfirmParams{PaymentID: "pi_1"})
	var procErr *paymentdomain.PaymentProcessingError
	require.True(t, errors.As(err, &procErr))
	require.Equal(t, http.StatusServiceUnavailable, procErr.StatusCode)
	require.ErrorIs(t, err, paymentdomain.ErrProviderUnavailable)
}

func TestRefundPaymentErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/refunds", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("payment_intent") == "pi_missing" {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such payment_intent"}}`)
			return
		}
		if r.PostForm.Get("amount") == "999999" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"type":"invalid_request_error","code":"amount_too_large","message":"too large"}}`)
			return
		}
		require.Equal(t, "refund-1", r.Header.Get("Idempotency-Key"))
		fmt.Fprint(w, `{"id":"re_1","status":"pending","amount":1000}`)
	})
	adapter := newTestAdapter(t, mux)
	ctx := context.Background()

	amount := int64(1000)
	result, err := adapter.RefundPayment(ctx, "pi_1", &amount, "buyer request", "refund-1")
	require.NoError(t, err)
	require.Equal(t, "re_1", result.ID)
	require.Equal(t, paymentdomain.ProviderStatusPending, result.Status)

	_, err = adapter.RefundPayment(ctx, "pi_missing", nil, "", "")
	var payErr *paymentdomain.PaymentError
	require.True(t, errors.As(err, &payErr))

	big := int64(999999)
	_, err = adapter.RefundPayment(ctx, "pi_1", &big, "", "")
	var refundErr *paymentdomain.RefundError
	require.True(t, errors.As(err, &refundErr))
	require.Equal(t, "amount_too_large", refundErr.Code)
	require.ErrorIs(t, err, paymentdomain.ErrRefundFailed)
}

func TestGetPaymentExpandsLatestCharge(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/payment_intents/pi_1", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "latest_charge", r.URL.Query().Get("expand[]"))
		fmt.Fprint(w, `{"id":"pi_1","amount":9900,"currency":"krw","status":"succeeded","payment_method":"pm_1","latest_charge":{"id":"ch_1","amount_refunded":900}}`)
	})
	adapter := newTestAdapter(t, mux)

	details, err := adapter.GetPayment(context.Background(), "pi_1")
	require.NoError(t, err)
	require.Equal(t, paymentdomain.ProviderStatusSucceeded, details.Status)
	require.Equal(t, int64(900), details.AmountRefunded)
	require.Equal(t, "pm_1", details.PaymentMethod["id"])
}

func buildStripeSignatureHeader(secret string, payload []byte, timestamp int64) string {
	signedPayload := fmt.Sprintf("%d.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signedPayload))
	signature := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, signature)
}
