// Package metrics exposes the engine's OpenTelemetry instruments. The global
// meter provider is a no-op until the host process installs an SDK provider.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fastygo/attribution"

// Metrics groups the counters emitted by ingest, matching and payouts.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	clicks      metric.Int64Counter
	conversions metric.Int64Counter
	rounding    metric.Int64Counter
	batches     metric.Int64Counter
	evictions   metric.Int64Counter
}

// New registers the instruments on the global meter provider.
func New() (*Metrics, error) {
	return NewWithMeter(otel.Meter(instrumentationName))
}

// NewWithMeter registers the instruments on the provided meter.
func NewWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.clicks, err = meter.Int64Counter("attribution.clicks.ingested",
		metric.WithDescription("Clicks accepted by the ingest path")); err != nil {
		return nil, err
	}
	if m.conversions, err = meter.Int64Counter("attribution.conversions.matched",
		metric.WithDescription("Conversion match outcomes")); err != nil {
		return nil, err
	}
	if m.rounding, err = meter.Int64Counter("attribution.rounding.alerts",
		metric.WithDescription("Rounding residuals above the reconciliation bound")); err != nil {
		return nil, err
	}
	if m.batches, err = meter.Int64Counter("attribution.payout.batches",
		metric.WithDescription("Payout batch transitions")); err != nil {
		return nil, err
	}
	if m.evictions, err = meter.Int64Counter("attribution.clicks.evicted",
		metric.WithDescription("Expired clicks removed from active matching")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) ClickIngested(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.clicks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) ConversionMatched(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.conversions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RoundingAlert(ctx context.Context, programID string) {
	if m == nil {
		return
	}
	m.rounding.Add(ctx, 1, metric.WithAttributes(attribute.String("program", programID)))
}

func (m *Metrics) PayoutBatch(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.batches.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) ClicksEvicted(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.evictions.Add(ctx, int64(n))
}
