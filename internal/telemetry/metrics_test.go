package internaltelemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, agg metricdata.Aggregation) int64 {
	t.Helper()
	s, ok := agg.(metricdata.Sum[int64])
	require.True(t, ok, "%T", agg)
	var total int64
	for _, dp := range s.DataPoints {
		total += dp.Value
	}
	return total
}

func TestPoolMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")
	m, err := NewPoolMetrics(meter, "orders")
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordCreated(ctx, "default")
	m.RecordCreated(ctx, "default")
	m.RecordDestroyed(ctx, "default", "idle")
	m.RecordAcquire(ctx, "default", "ok", 3*time.Millisecond)
	m.AddInUse(ctx, "default", 1)
	m.RecordValidationFailure(ctx, "default")

	got := collect(t, reader)
	require.EqualValues(t, 2, sumOf(t, got["transx.pool.created_total"]))
	require.EqualValues(t, 1, sumOf(t, got["transx.pool.connections"]))
	require.EqualValues(t, 1, sumOf(t, got["transx.pool.acquire_total"]))
	require.EqualValues(t, 1, sumOf(t, got["transx.pool.in_use"]))
}

func TestNilBundlesAreNoops(t *testing.T) {
	ctx := context.Background()
	var p *PoolMetrics
	var e *EnlistmentMetrics
	var r *RecoveryMetrics
	require.NotPanics(t, func() {
		p.RecordAcquire(ctx, "p", "ok", 0)
		p.RecordDestroyed(ctx, "p", "closed")
		e.RecordEnlist(ctx, "ok")
		e.RecordDelist(ctx, "sync")
		r.RecordScan(ctx, "orders", true)
		r.RecordOrphan(ctx, "orders")
	})
}

func TestRecoveryMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")
	m, err := NewRecoveryMetrics(meter)
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordScan(ctx, "orders", false)
	m.RecordScan(ctx, "orders", true)
	m.RecordResolved(ctx, "orders", "orphaned")
	m.RecordOrphan(ctx, "orders")

	got := collect(t, reader)
	require.Len(t, got, 4)
}
