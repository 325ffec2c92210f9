package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PoolMetrics holds the metric instruments for one connection pool.
type PoolMetrics struct {
	AcquireCounter       metric.Int64Counter
	AcquireWaitHistogram metric.Int64Histogram
	InUseUpDownCounter   metric.Int64UpDownCounter
	TotalUpDownCounter   metric.Int64UpDownCounter
	CreatedCounter       metric.Int64Counter
	DestroyedCounter     metric.Int64Counter
	ValidationFailures   metric.Int64Counter

	resource attribute.KeyValue
}

// NewPoolMetrics creates and registers the pool instruments for resource.
func NewPoolMetrics(meter metric.Meter, resource string) (*PoolMetrics, error) {
	acquireCounter, err := meter.Int64Counter(
		"transx.pool.acquire_total",
		metric.WithDescription("Connection acquire attempts by result."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	acquireWait, err := meter.Int64Histogram(
		"transx.pool.acquire_wait",
		metric.WithDescription("Time spent waiting for a connection."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	inUse, err := meter.Int64UpDownCounter(
		"transx.pool.in_use",
		metric.WithDescription("Connections currently handed out."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	total, err := meter.Int64UpDownCounter(
		"transx.pool.connections",
		metric.WithDescription("Physical connections currently open."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	created, err := meter.Int64Counter(
		"transx.pool.created_total",
		metric.WithDescription("Physical connections created."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	destroyed, err := meter.Int64Counter(
		"transx.pool.destroyed_total",
		metric.WithDescription("Physical connections destroyed, by reason."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	validation, err := meter.Int64Counter(
		"transx.pool.validation_failures_total",
		metric.WithDescription("Connections that failed the liveness check."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &PoolMetrics{
		AcquireCounter:       acquireCounter,
		AcquireWaitHistogram: acquireWait,
		InUseUpDownCounter:   inUse,
		TotalUpDownCounter:   total,
		CreatedCounter:       created,
		DestroyedCounter:     destroyed,
		ValidationFailures:   validation,
		resource:             attribute.String("transx.resource", resource),
	}, nil
}

// RecordAcquire counts an acquire by result and records its wait.
func (m *PoolMetrics) RecordAcquire(ctx context.Context, partition, result string, wait time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(m.resource,
		attribute.String("transx.partition", partition),
		attribute.String("transx.result", result))
	m.AcquireCounter.Add(ctx, 1, attrs)
	m.AcquireWaitHistogram.Record(ctx, wait.Milliseconds(), attrs)
}

// AddInUse moves the in-use gauge.
func (m *PoolMetrics) AddInUse(ctx context.Context, partition string, delta int64) {
	if m == nil {
		return
	}
	m.InUseUpDownCounter.Add(ctx, delta, metric.WithAttributes(m.resource, attribute.String("transx.partition", partition)))
}

// RecordCreated counts a new physical connection.
func (m *PoolMetrics) RecordCreated(ctx context.Context, partition string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(m.resource, attribute.String("transx.partition", partition))
	m.CreatedCounter.Add(ctx, 1, attrs)
	m.TotalUpDownCounter.Add(ctx, 1, attrs)
}

// RecordDestroyed counts a destroyed connection by reason.
func (m *PoolMetrics) RecordDestroyed(ctx context.Context, partition, reason string) {
	if m == nil {
		return
	}
	part := attribute.String("transx.partition", partition)
	m.DestroyedCounter.Add(ctx, 1, metric.WithAttributes(m.resource, part, attribute.String("transx.reason", reason)))
	m.TotalUpDownCounter.Add(ctx, -1, metric.WithAttributes(m.resource, part))
}

// RecordValidationFailure counts a failed liveness check.
func (m *PoolMetrics) RecordValidationFailure(ctx context.Context, partition string) {
	if m == nil {
		return
	}
	m.ValidationFailures.Add(ctx, 1, metric.WithAttributes(m.resource, attribute.String("transx.partition", partition)))
}
