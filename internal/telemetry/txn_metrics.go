package internaltelemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EnlistmentMetrics counts enlist and delist outcomes for one resource.
type EnlistmentMetrics struct {
	EnlistCounter metric.Int64Counter
	DelistCounter metric.Int64Counter

	resource attribute.KeyValue
}

// NewEnlistmentMetrics creates the enlistment instruments.
func NewEnlistmentMetrics(meter metric.Meter, resource string) (*EnlistmentMetrics, error) {
	enlist, err := meter.Int64Counter(
		"transx.enlistment.enlist_total",
		metric.WithDescription("XA enlistments by result."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	delist, err := meter.Int64Counter(
		"transx.enlistment.delist_total",
		metric.WithDescription("XA delistments by path."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	return &EnlistmentMetrics{
		EnlistCounter: enlist,
		DelistCounter: delist,
		resource:      attribute.String("transx.resource", resource),
	}, nil
}

// RecordEnlist counts an enlistment attempt by result.
func (m *EnlistmentMetrics) RecordEnlist(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.EnlistCounter.Add(ctx, 1, metric.WithAttributes(m.resource, attribute.String("transx.result", result)))
}

// RecordDelist counts a delist by the path that performed it.
func (m *EnlistmentMetrics) RecordDelist(ctx context.Context, path string) {
	if m == nil {
		return
	}
	m.DelistCounter.Add(ctx, 1, metric.WithAttributes(m.resource, attribute.String("transx.path", path)))
}

// RecoveryMetrics holds the recovery coordinator instruments.
type RecoveryMetrics struct {
	ScanCounter        metric.Int64Counter
	ScanFailureCounter metric.Int64Counter
	ResolvedCounter    metric.Int64Counter
	OrphanCounter      metric.Int64Counter
}

// NewRecoveryMetrics creates the recovery instruments.
func NewRecoveryMetrics(meter metric.Meter) (*RecoveryMetrics, error) {
	scans, err := meter.Int64Counter(
		"transx.recovery.scans_total",
		metric.WithDescription("Recovery scans started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter(
		"transx.recovery.scan_failures_total",
		metric.WithDescription("Recovery scans that failed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	resolved, err := meter.Int64Counter(
		"transx.recovery.resolved_total",
		metric.WithDescription("In-doubt branches resolved, by outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	orphans, err := meter.Int64Counter(
		"transx.recovery.orphans_total",
		metric.WithDescription("In-doubt branches with no recorded decision."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	return &RecoveryMetrics{
		ScanCounter:        scans,
		ScanFailureCounter: failures,
		ResolvedCounter:    resolved,
		OrphanCounter:      orphans,
	}, nil
}

// RecordScan counts a recovery scan and, if it failed, a scan failure.
func (m *RecoveryMetrics) RecordScan(ctx context.Context, resource string, failed bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("transx.resource", resource))
	m.ScanCounter.Add(ctx, 1, attrs)
	if failed {
		m.ScanFailureCounter.Add(ctx, 1, attrs)
	}
}

// RecordResolved counts a resolved branch by outcome.
func (m *RecoveryMetrics) RecordResolved(ctx context.Context, resource, outcome string) {
	if m == nil {
		return
	}
	m.ResolvedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transx.resource", resource),
		attribute.String("transx.outcome", outcome)))
}

// RecordOrphan counts an orphaned branch.
func (m *RecoveryMetrics) RecordOrphan(ctx context.Context, resource string) {
	if m == nil {
		return
	}
	m.OrphanCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("transx.resource", resource)))
}
