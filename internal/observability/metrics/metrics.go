package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	paymentEvents    metric.Int64Counter
	webhookRejected  metric.Int64Counter
	ledgerEntries    metric.Int64Counter
	refunds          metric.Int64Counter
	settlements      metric.Int64Counter
	settlementAmount metric.Int64Histogram
	subscriptions    metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "marketpay"
	}
	meter := provider.Meter(name)

	paymentEvents, err := meter.Int64Counter("marketpay_payment_events_total")
	if err != nil {
		return nil, err
	}
	webhookRejected, err := meter.Int64Counter("marketpay_webhook_rejected_total")
	if err != nil {
		return nil, err
	}
	ledgerEntries, err := meter.Int64Counter("marketpay_ledger_entries_total")
	if err != nil {
		return nil, err
	}
	refunds, err := meter.Int64Counter("marketpay_refunds_total")
	if err != nil {
		return nil, err
	}
	settlements, err := meter.Int64Counter("marketpay_settlements_total")
	if err != nil {
		return nil, err
	}
	settlementAmount, err := meter.Int64Histogram("marketpay_settlement_payout_amount",
		metric.WithDescription("Payout amount per settlement in minor units."),
	)
	if err != nil {
		return nil, err
	}

	subscriptions, err := meter.Int64Counter("marketpay_subscription_changes_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		subscriptions:    subscriptions,
		paymentEvents:    paymentEvents,
		webhookRejected:  webhookRejected,
		ledgerEntries:    ledgerEntries,
		refunds:          refunds,
		settlements:      settlements,
		settlementAmount: settlementAmount,
	}, nil
}

// RecordPaymentEvent counts webhook events applied or replayed.
func (m *Metrics) RecordPaymentEvent(ctx context.Context, provider, eventType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.paymentEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordWebhookRejected counts deliveries rejected before any state change.
func (m *Metrics) RecordWebhookRejected(ctx context.Context, provider, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.webhookRejected.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordLedgerEntry increments ledger entry counts.
func (m *Metrics) RecordLedgerEntry(ctx context.Context, sourceType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("source_type", strings.TrimSpace(sourceType)))
	m.ledgerEntries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRefund counts refund outcomes.
func (m *Metrics) RecordRefund(ctx context.Context, provider, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.refunds.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSettlement counts settlement transitions and, on creation, the payout size.
func (m *Metrics) RecordSettlement(ctx context.Context, payeeType, status string, payoutAmount int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("payee_type", strings.TrimSpace(payeeType)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.settlements.Add(ctx, 1, metric.WithAttributes(attrs...))
	if payoutAmount > 0 {
		m.settlementAmount.Record(ctx, payoutAmount, metric.WithAttributes(attrs...))
	}
}

// RecordSubscription counts subscription lifecycle actions per target tier.
func (m *Metrics) RecordSubscription(ctx context.Context, action, tier string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("action", strings.TrimSpace(action)),
		attribute.String("tier", strings.TrimSpace(tier)),
	)
	m.subscriptions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"provider":    {},
	"event_type":  {},
	"outcome":     {},
	"reason":      {},
	"source_type": {},
	"status":      {},
	"payee_type":  {},
	"action":      {},
	"tier":        {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
