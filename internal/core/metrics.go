package core

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/blobd/internal/clock"
)

// serviceMetrics records operation counts, latencies, and live lease counts
// through the global OTel meter. Instrument creation errors are swallowed:
// a misconfigured meter never blocks the data path.
type serviceMetrics struct {
	clock       clock.Clock
	operations  metric.Int64Counter
	duration    metric.Int64Histogram
	copyBytes   metric.Int64Counter
	activeGauge metric.Int64ObservableGauge

	activeContainerLeases atomic.Int64
	activeBlobLeases      atomic.Int64
}

func newServiceMetrics(clk clock.Clock) *serviceMetrics {
	meter := otel.Meter("pkt.systems/blobd/core")
	m := &serviceMetrics{clock: clk}

	m.operations, _ = meter.Int64Counter(
		"blobd.core.operations",
		metric.WithDescription("Core operations by name and result"),
	)
	m.duration, _ = meter.Int64Histogram(
		"blobd.core.operation.duration_ms",
		metric.WithDescription("Core operation duration"),
		metric.WithUnit("ms"),
	)
	m.copyBytes, _ = meter.Int64Counter(
		"blobd.core.copy.bytes",
		metric.WithDescription("Bytes transferred by async copy operations"),
	)
	m.activeGauge, _ = meter.Int64ObservableGauge(
		"blobd.core.leases.active",
		metric.WithDescription("Active leases by resource kind (best-effort)"),
	)
	if m.activeGauge != nil {
		meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.activeGauge, m.activeContainerLeases.Load(),
				metric.WithAttributes(attribute.String("kind", "container")))
			o.ObserveInt64(m.activeGauge, m.activeBlobLeases.Load(),
				metric.WithAttributes(attribute.String("kind", "blob")))
			return nil
		}, m.activeGauge)
	}
	return m
}

func (m *serviceMetrics) record(ctx context.Context, op string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("result", result),
	)
	if m.operations != nil {
		m.operations.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, clock.Since(m.clock, start).Milliseconds(), attrs)
	}
}

func (m *serviceMetrics) leaseDelta(isBlob bool, delta int64) {
	if isBlob {
		m.activeBlobLeases.Add(delta)
		return
	}
	m.activeContainerLeases.Add(delta)
}

func (m *serviceMetrics) addCopyBytes(ctx context.Context, n int64) {
	if m.copyBytes != nil {
		m.copyBytes.Add(ctx, n)
	}
}
