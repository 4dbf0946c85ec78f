package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/marketlane/storefront-api"

// PaymentMetrics counts reconciliation outcomes per gateway and matching strategy.
type PaymentMetrics struct {
	matches    metric.Int64Counter
	ambiguous  metric.Int64Counter
	orderWrite metric.Int64Counter
}

// NewPaymentMetrics registers the counters on meter, or on the global provider when meter is nil.
func NewPaymentMetrics(meter metric.Meter) (*PaymentMetrics, error) {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}
	matches, err := meter.Int64Counter("payments.webhook.matches",
		metric.WithDescription("Payment events reconciled to an order, by strategy"))
	if err != nil {
		return nil, err
	}
	ambiguous, err := meter.Int64Counter("payments.webhook.ambiguous",
		metric.WithDescription("Heuristic matches skipped because more than one order qualified"))
	if err != nil {
		return nil, err
	}
	orderWrite, err := meter.Int64Counter("orders.create.outcomes",
		metric.WithDescription("Order create attempts by outcome"))
	if err != nil {
		return nil, err
	}
	return &PaymentMetrics{matches: matches, ambiguous: ambiguous, orderWrite: orderWrite}, nil
}

// RecordMatch counts a reconciliation attempt. An empty strategy records an unmatched event.
func (m *PaymentMetrics) RecordMatch(ctx context.Context, gateway, strategy string) {
	if m == nil {
		return
	}
	if strategy == "" {
		strategy = "none"
	}
	m.matches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("gateway", gateway),
		attribute.String("strategy", strategy),
	))
}

// RecordAmbiguous counts a heuristic that refused to pick between candidates.
func (m *PaymentMetrics) RecordAmbiguous(ctx context.Context, strategy string, candidates int) {
	if m == nil {
		return
	}
	m.ambiguous.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.Int("candidates", candidates),
	))
}

// RecordOrderCreate counts a create outcome: created, replayed, race_recovered, heuristic, failed.
func (m *PaymentMetrics) RecordOrderCreate(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.orderWrite.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
