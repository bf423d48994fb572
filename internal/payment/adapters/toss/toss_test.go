package toss

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/marketpay/internal/payment/domain"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func newTestAdapter(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	cfg := paymentdomain.ProviderConfig{
		APIKey:        "test_sk",
		WebhookSecret: "toss_whsec",
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

func sign(secret string, payload []byte, transmission string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	mac.Write([]byte(":" + transmission))
	return "v1:" + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestFactoryRequiresCredentials(t *testing.T) {
	_, err := NewFactory().NewProvider(paymentdomain.ProviderConfig{APIKey: "test_sk"})
	if !errors.Is(err, paymentdomain.ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}

func TestCreatePaymentIntentIsLocal(t *testing.T) {
	adapter := newTestAdapter(t, nil)
	orderID := snowflake.ID(42)

	first, err := adapter.CreatePaymentIntent(context.Background(), paymentdomain.CreateIntentParams{
		OrderID: orderID, Amount: 9900, BuyerEmail: "Buyer@Example.com",
	})
	require.NoError(t, err)
	require.Equal(t, "mp_42", first.ID)
	require.Equal(t, "KRW", first.Currency)
	require.Equal(t, paymentdomain.ProviderStatusRequiresPaymentMethod, first.Status)
	require.LessOrEqual(t, len(first.CustomerID), 50)

	second, err := adapter.CreatePaymentIntent(context.Background(), paymentdomain.CreateIntentParams{
		OrderID: 43, Amount: 100, BuyerEmail: "buyer@example.com ",
	})
	require.NoError(t, err)
	require.Equal(t, first.CustomerID, second.CustomerID, "same buyer must reuse the customer key")

	_, err = adapter.CreatePaymentIntent(context.Background(), paymentdomain.CreateIntentParams{OrderID: orderID, Amount: 0, BuyerEmail: "a@b.c"})
	require.ErrorIs(t, err, paymentdomain.ErrInvalidAmount)
}

func TestVerifySignature(t *testing.T) {
	adapter := newTestAdapter(t, nil)
	payload := []byte(`{"eventType":"PAYMENT_STATUS_CHANGED","data":{}}`)
	transmission := fixedNow.Format(time.RFC3339)

	headers := http.Header{}
	headers.Set(headerTransmissionTime, transmission)
	headers.Set(headerSignature, sign("toss_whsec", payload, transmission))
	if !adapter.VerifyWebhookSignature(payload, headers) {
		t.Fatalf("expected valid signature")
	}

	headers.Set(headerSignature, sign("rotated", payload, transmission)+","+sign("toss_whsec", payload, transmission))
	if !adapter.VerifyWebhookSignature(payload, headers) {
		t.Fatalf("expected one of several signatures to match")
	}

	headers.Set(headerSignature, sign("wrong", payload, transmission))
	if adapter.VerifyWebhookSignature(payload, headers) {
		t.Fatalf("expected invalid signature")
	}

	stale := fixedNow.Add(-time.Hour).Format(time.RFC3339)
	headers.Set(headerTransmissionTime, stale)
	headers.Set(headerSignature, sign("toss_whsec", payload, stale))
	if adapter.VerifyWebhookSignature(payload, headers) {
		t.Fatalf("expected stale transmission time to be rejected")
	}

	if adapter.VerifyWebhookSignature(payload, http.Header{}) {
		t.Fatalf("expected missing headers to be rejected")
	}
}

func TestHandleWebhook(t *testing.T) {
	tests := []struct {
		name          string
		event         any
		wantType      string
		wantRef       string
		amount        int64
		refundedTotal int64
		refundID      string
	}{{
		name: "payment done",
		event: map[string]any{
			"eventType": "PAYMENT_STATUS_CHANGED", "createdAt": "2026-05-10T12:00:00+09:00",
			"data": map[string]any{
				"paymentKey": "pk_1", "orderId": "mp_42", "status": "DONE", "method": "가상계좌",
				"totalAmount": 9900, "balanceAmount": 9900, "lastTransactionKey": "tx_1",
			},
		},
		wantType: paymentdomain.EventTypePaymentSucceeded,
		wantRef:  "mp_42",
		amount:   9900,
	}, {
		name: "waiting for deposit",
		event: map[string]any{
			"eventType": "PAYMENT_STATUS_CHANGED",
			"data": map[string]any{
				"paymentKey": "pk_1", "orderId": "mp_42", "status": "WAITING_FOR_DEPOSIT",
				"totalAmount": 9900, "balanceAmount": 9900, "lastTransactionKey": "tx_0",
				"virtualAccount": map[string]any{"bankCode": "88", "accountNumber": "110123456789", "dueDate": "2026-05-12T00:00:00+09:00"},
			},
		},
		wantType: paymentdomain.EventTypePaymentProcessing,
		wantRef:  "mp_42",
		amount:   9900,
	}, {
		name: "expired",
		event: map[string]any{
			"eventType": "PAYMENT_STATUS_CHANGED",
			"data":      map[string]any{"paymentKey": "pk_2", "orderId": "mp_43", "status": "EXPIRED", "totalAmount": 5000},
		},
		wantType: paymentdomain.EventTypePaymentFailed,
		wantRef:  "mp_43",
		amount:   5000,
	}, {
		name: "partial cancel",
		event: map[string]any{
			"eventType": "PAYMENT_STATUS_CHANGED",
			"data": map[string]any{
				"paymentKey": "pk_1", "orderId": "mp_42", "status": "PARTIAL_CANCELED",
				"totalAmount": 9900, "balanceAmount": 5900, "lastTransactionKey": "tx_c1",
				"cancels": []any{map[string]any{"transactionKey": "tx_c1", "cancelAmount": 4000, "cancelStatus": "DONE"}},
			},
		},
		wantType:      paymentdomain.EventTypeRefundSucceeded,
		wantRef:       "mp_42",
		amount:        9900,
		refundedTotal: 4000,
		refundID:      "tx_c1",
	}, {
		name:     "deposit callback",
		event:    map[string]any{"createdAt": "2026-05-10T12:00:00.000000", "secret": "s", "status": "DONE", "transactionKey": "tx_d", "orderId": "mp_44"},
		wantType: paymentdomain.EventTypePaymentSucceeded,
		wantRef:  "mp_44",
	}, {
		name: "cancel aborted",
		event: map[string]any{
			"eventType": "CANCEL_STATUS_CHANGED",
			"data": map[string]any{
				"transactionKey": "tx_c2", "cancelAmount": 1000, "cancelStatus": "ABORTED",
				"cancelReason": "bank rejected", "orderId": "mp_42",
			},
		},
		wantType: paymentdomain.EventTypeRefundFailed,
		wantRef:  "mp_42",
		refundID: "tx_c2",
	}}

	adapter := newTestAdapter(t, nil)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			payload, err := json.Marshal(tc.event)
			require.NoError(t, err)

			event, err := adapter.HandleWebhook(payload, http.Header{})
			require.NoError(t, err)
			require.Equal(t, providerName, event.Provider)
			require.Equal(t, tc.wantType, event.Type)
			require.Equal(t, tc.wantRef, event.ProviderPaymentID)
			require.Equal(t, tc.amount, event.Amount)
			require.Equal(t, tc.refundedTotal, event.RefundedTotal)
			require.Equal(t, tc.refundID, event.ProviderRefundID)
			require.NotEmpty(t, event.EventID)
		})
	}
}

func TestHandleWebhookEventIDsDifferByStatus(t *testing.T) {
	adapter := newTestAdapter(t, nil)
	waiting := []byte(`{"eventType":"PAYMENT_STATUS_CHANGED","data":{"paymentKey":"pk","orderId":"mp_1","status":"WAITING_FOR_DEPOSIT","lastTransactionKey":"tx"}}`)
	done := []byte(`{"eventType":"PAYMENT_STATUS_CHANGED","data":{"paymentKey":"pk","orderId":"mp_1","status":"DONE","lastTransactionKey":"tx"}}`)

	first, err := adapter.HandleWebhook(waiting, http.Header{})
	require.NoError(t, err)
	second, err := adapter.HandleWebhook(done, http.Header{})
	require.NoError(t, err)
	require.NotEqual(t, first.EventID, second.EventID)

	replay, err := adapter.HandleWebhook(done, http.Header{})
	require.NoError(t, err)
	require.Equal(t, second.EventID, replay.EventID)
}

func TestHandleWebhookRejects(t *testing.T) {
	adapter := newTestAdapter(t, nil)

	_, err := adapter.HandleWebhook([]byte(`not json`), http.Header{})
	require.ErrorIs(t, err, paymentdomain.ErrInvalidPayload)

	_, err = adapter.HandleWebhook([]byte(`{"eventType":"SELLER_CHANGED","data":{}}`), http.Header{})
	require.ErrorIs(t, err, paymentdomain.ErrUnsupportedEvent)

	_, err = adapter.HandleWebhook([]byte(`{"eventType":"PAYMENT_STATUS_CHANGED","data":{"status":"DONE"}}`), http.Header{})
	require.ErrorIs(t, err, paymentdomain.ErrInvalidPayload)
}

func TestConfirmPayment(t *testing.T) {
	var gotBody map[string]any
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "test_sk", user)
		require.Equal(t, "/v1/payments/confirm", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &gotBody))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"paymentKey":"pk_1","orderId":"mp_42","status":"WAITING_FOR_DEPOSIT","method":"가상계좌","totalAmount":9900,"virtualAccount":{"bankCode":"88","accountNumber":"110123456789"}}`))
	}))

	result, err := adapter.ConfirmPayment(context.Background(), paymentdomain.ConfirmParams{
		PaymentID: "mp_42", PaymentMethodID: "pk_1", Amount: 9900,
	})
	require.NoError(t, err)
	require.Equal(t, "pk_1", gotBody["paymentKey"])
	require.Equal(t, "mp_42", gotBody["orderId"])
	require.EqualValues(t, 9900, gotBody["amount"])
	require.Equal(t, paymentdomain.ProviderStatusProcessing, result.Status)
	require.Equal(t, "pk_1", result.ProviderReference)
	require.Equal(t, "6789", result.PaymentMethod["account_last4"])
}

func TestConfirmPaymentErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, result paymentdomain.PaymentResult, err error)
	}{{
		name:   "decline",
		status: http.StatusBadRequest,
		check: func(t *testing.T, result paymentdomain.PaymentResult, err error) {
			require.NoError(t, err)
			require.Equal(t, paymentdomain.ProviderStatusRequiresPaymentMethod, result.Status)
			require.Equal(t, "REJECT_ACCOUNT_PAYMENT", result.FailureCode)
		},
	}, {
		name:   "unauthorized",
		status: http.StatusUnauthorized,
		check: func(t *testing.T, _ paymentdomain.PaymentResult, err error) {
			var procErr *paymentdomain.PaymentProcessingError
			require.ErrorAs(t, err, &procErr)
			require.Equal(t, http.StatusUnauthorized, procErr.StatusCode)
		},
	}, {
		name:   "not found",
		status: http.StatusNotFound,
		check: func(t *testing.T, _ paymentdomain.PaymentResult, err error) {
			require.ErrorIs(t, err, paymentdomain.ErrPaymentNotFound)
		},
	}, {
		name:   "unavailable",
		status: http.StatusServiceUnavailable,
		check: func(t *testing.T, _ paymentdomain.PaymentResult, err error) {
			require.ErrorIs(t, err, paymentdomain.ErrProviderUnavailable)
		},
	}}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"code":"REJECT_ACCOUNT_PAYMENT","message":"rejected"}`))
			}))
			result, err := adapter.ConfirmPayment(context.Background(), paymentdomain.ConfirmParams{
				PaymentID: "mp_42", PaymentMethodID: "pk_1", Amount: 9900,
			})
			tc.check(t, result, err)
		})
	}
}

func TestRefundPayment(t *testing.T) {
	var idempotencyKey string
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/payments/pk_1/cancel", r.URL.Path)
		idempotencyKey = r.Header.Get("Idempotency-Key")
		raw, _ := io.ReadAll(r.Body)
		require.True(t, strings.Contains(string(raw), `"cancelAmount":4000`))
		_, _ = w.Write([]byte(`{"paymentKey":"pk_1","orderId":"mp_42","status":"PARTIAL_CANCELED","totalAmount":9900,"balanceAmount":5900,"cancels":[{"transactionKey":"tx_c1","cancelAmount":4000,"cancelStatus":"DONE"}]}`))
	}))

	amount := int64(4000)
	result, err := adapter.RefundPayment(context.Background(), "pk_1", &amount, "buyer request", "refund-1")
	require.NoError(t, err)
	require.Equal(t, "refund-1", idempotencyKey)
	require.Equal(t, "tx_c1", result.ID)
	require.Equal(t, int64(4000), result.Amount)
	require.Equal(t, paymentdomain.ProviderStatusSucceeded, result.Status)

	_, err = adapter.RefundPayment(context.Background(), "mp_42", nil, "", "refund-2")
	require.ErrorIs(t, err, paymentdomain.ErrPaymentNotFound)
}

func TestRefundPaymentRejected(t *testing.T) {
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"NOT_CANCELABLE_AMOUNT","message":"too much"}`))
	}))

	amount := int64(100000)
	_, err := adapter.RefundPayment(context.Background(), "pk_1", &amount, "", "refund-3")
	var refundErr *paymentdomain.RefundError
	require.ErrorAs(t, err, &refundErr)
	require.Equal(t, "NOT_CANCELABLE_AMOUNT", refundErr.Code)
	require.ErrorIs(t, err, paymentdomain.ErrRefundFailed)
}

func TestGetPaymentByOrderID(t *testing.T) {
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/v1/payments/orders/mp_42", r.URL.Path)
		_, _ = w.Write([]byte(`{"paymentKey":"pk_1","orderId":"mp_42","status":"PARTIAL_CANCELED","totalAmount":9900,"balanceAmount":5900,"requestedAt":"2026-05-10T11:00:00+09:00"}`))
	}))

	details, err := adapter.GetPayment(context.Background(), "mp_42")
	require.NoError(t, err)
	require.Equal(t, paymentdomain.ProviderStatusSucceeded, details.Status)
	require.Equal(t, int64(4000), details.AmountRefunded)
	require.Equal(t, "KRW", details.Currency)
	require.Equal(t, time.Date(2026, 5, 10, 2, 0, 0, 0, time.UTC), details.CreatedAt)
}
