package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the broker.
type Metrics struct {
	// Flow metrics
	AuthorizationStarted metric.Int64Counter
	CallbackProcessed    metric.Int64Counter
	ExchangeCodeIssued   metric.Int64Counter
	ExchangeCodeConsumed metric.Int64Counter
	TokenIssued          metric.Int64Counter
	TokenRefreshed       metric.Int64Counter
	LogoutProcessed      metric.Int64Counter
	ImpersonationIssued  metric.Int64Counter

	// Security metrics
	RefreshReuseDetected metric.Int64Counter
	FamilyRevoked        metric.Int64Counter
	AuthFailures         metric.Int64Counter

	// Storage metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageStatesCount       metric.Int64ObservableGauge
	StorageCodesCount        metric.Int64ObservableGauge
	StorageRefreshCount      metric.Int64ObservableGauge

	// Provider metrics
	ProviderCallsTotal metric.Int64Counter
	ProviderCallErrors metric.Int64Counter
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	engineMeter := inst.Meter("engine")
	storageMeter := inst.Meter("storage")
	providerMeter := inst.Meter("provider")

	m := &Metrics{}
	var err error

	m.AuthorizationStarted, err = engineMeter.Int64Counter(
		"authbridge.authorization.started",
		metric.WithDescription("Number of authorization flows started"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization.started counter: %w", err)
	}

	m.CallbackProcessed, err = engineMeter.Int64Counter(
		"authbridge.callback.processed",
		metric.WithDescription("Number of provider callbacks processed"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create callback.processed counter: %w", err)
	}

	m.ExchangeCodeIssued, err = engineMeter.Int64Counter(
		"authbridge.exchange_code.issued",
		metric.WithDescription("Number of single-use exchange codes issued"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create exchange_code.issued counter: %w", err)
	}

	m.ExchangeCodeConsumed, err = engineMeter.Int64Counter(
		"authbridge.exchange_code.consumed",
		metric.WithDescription("Number of exchange codes successfully consumed"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create exchange_code.consumed counter: %w", err)
	}

	m.TokenIssued, err = engineMeter.Int64Counter(
		"authbridge.token.issued",
		metric.WithDescription("Number of access/refresh token pairs issued"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.issued counter: %w", err)
	}

	m.TokenRefreshed, err = engineMeter.Int64Counter(
		"authbridge.token.refreshed",
		metric.WithDescription("Number of access tokens reissued via refresh"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.refreshed counter: %w", err)
	}

	m.LogoutProcessed, err = engineMeter.Int64Counter(
		"authbridge.logout.processed",
		metric.WithDescription("Number of logouts processed"),
		metric.WithUnit("{logout}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create logout.processed counter: %w", err)
	}

	m.ImpersonationIssued, err = engineMeter.Int64Counter(
		"authbridge.impersonation.issued",
		metric.WithDescription("Number of impersonation tokens issued"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create impersonation.issued counter: %w", err)
	}

	m.RefreshReuseDetected, err = engineMeter.Int64Counter(
		"authbridge.refresh.reuse_detected",
		metric.WithDescription("Number of superseded refresh tokens replayed (compromise signal)"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh.reuse_detected counter: %w", err)
	}

	m.FamilyRevoked, err = engineMeter.Int64Counter(
		"authbridge.refresh.family_revoked",
		metric.WithDescription("Number of refresh-token families revoked"),
		metric.WithUnit("{family}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh.family_revoked counter: %w", err)
	}

	m.AuthFailures, err = engineMeter.Int64Counter(
		"authbridge.auth.failures",
		metric.WithDescription("Number of authentication failures (all causes collapsed)"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth.failures counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"authbridge.storage.operations.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operations.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"authbridge.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageStatesCount, err = storageMeter.Int64ObservableGauge(
		"authbridge.storage.states.count",
		metric.WithDescription("Current number of live authorization states"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.states.count gauge: %w", err)
	}

	m.StorageCodesCount, err = storageMeter.Int64ObservableGauge(
		"authbridge.storage.codes.count",
		metric.WithDescription("Current number of live exchange codes"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.codes.count gauge: %w", err)
	}

	m.StorageRefreshCount, err = storageMeter.Int64ObservableGauge(
		"authbridge.storage.refresh.count",
		metric.WithDescription("Current number of refresh records"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.refresh.count gauge: %w", err)
	}

	m.ProviderCallsTotal, err = providerMeter.Int64Counter(
		"authbridge.provider.calls.total",
		metric.WithDescription("Total number of provider API calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.calls.total counter: %w", err)
	}

	m.ProviderCallErrors, err = providerMeter.Int64Counter(
		"authbridge.provider.calls.errors",
		metric.WithDescription("Number of failed provider API calls"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.calls.errors counter: %w", err)
	}

	return m, nil
}

// RecordStorageOperation records one storage operation with its result and
// duration.
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	)
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, durationMs, attrs)
}

// RecordProviderCall records one provider API call.
func (m *Metrics) RecordProviderCall(ctx context.Context, provider, operation string, failed bool) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
	)
	m.ProviderCallsTotal.Add(ctx, 1, attrs)
	if failed {
		m.ProviderCallErrors.Add(ctx, 1, attrs)
	}
}
