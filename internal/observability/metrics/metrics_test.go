package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("provider", "stripe"),
		attribute.String("order_id", "456"),
		attribute.String("buyer_email", "buyer@example.com"),
		attribute.String("payee_type", "seller"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	if attrs[0].Key != "provider" || attrs[1].Key != "payee_type" {
		t.Fatalf("unexpected retained attributes: %v", attrs)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordPaymentEvent(ctx, "stripe", "payment.succeeded", "applied")
	m.RecordWebhookRejected(ctx, "stripe", "invalid_signature")
	m.RecordLedgerEntry(ctx, "payment")
	m.RecordRefund(ctx, "toss", "SUCCEEDED")
	m.RecordSettlement(ctx, "seller", "PENDING", 100)
	m.RecordSubscription(ctx, "change_plan", "PRO")
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "marketpay"}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.RecordSettlement(context.Background(), "verifier", "PAID", 5000)
}
