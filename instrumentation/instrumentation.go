// Package instrumentation provides OpenTelemetry tracing and metrics for the
// broker. When disabled it falls back to no-op providers with zero overhead,
// so the engine and stores can call into it unconditionally.
package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationScope = "github.com/authbridge/authbridge/"

// Config holds instrumentation configuration.
type Config struct {
	// ServiceName identifies the service in telemetry. Default "authbridge".
	ServiceName string

	// ServiceVersion is the running version. Default "unknown".
	ServiceVersion string

	// Enabled controls whether instrumentation is active. When false, no-op
	// providers are used.
	Enabled bool

	// MeterProvider overrides the metric provider (e.g. an SDK provider with
	// a Prometheus or OTLP exporter). Ignored when Enabled is false.
	MeterProvider metric.MeterProvider

	// TracerProvider overrides the trace provider. Ignored when Enabled is
	// false.
	TracerProvider trace.TracerProvider

	// Resource allows custom resource attributes. If nil, a default resource
	// with service name and version is created.
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry components to the rest of the broker.
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	metrics *Metrics

	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance.
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = "authbridge"
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = "unknown"
	}

	res := config.Resource
	if res == nil {
		var err error
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}

	if config.Enabled {
		inst.meterProvider = config.MeterProvider
		inst.tracerProvider = config.TracerProvider
	}
	if inst.meterProvider == nil {
		inst.meterProvider = noop.NewMeterProvider()
	}
	if inst.tracerProvider == nil {
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	var err error
	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// Shutdown gracefully shuts down all registered instrumentation components.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error

	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}
	})

	return shutdownErr
}

// Meter returns a named meter for the given scope ("engine", "storage", ...).
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(instrumentationScope + scope)
}

// Tracer returns a named tracer for the given scope.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(instrumentationScope + scope)
}

// Metrics returns the metrics holder for recording metric values.
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// TracerProvider returns the underlying tracer provider.
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider.
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// StorageSizeCallback returns the current size of one storage component.
type StorageSizeCallback func() int64

// RegisterStorageSizeCallbacks registers gauges for the three stores.
// Storage implementations call this after instrumentation is set.
func (i *Instrumentation) RegisterStorageSizeCallbacks(
	statesCount, codesCount, refreshCount StorageSizeCallback,
) error {
	meter := i.Meter("storage")

	_, err := meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			if statesCount != nil {
				observer.ObserveInt64(i.metrics.StorageStatesCount, statesCount())
			}
			if codesCount != nil {
				observer.ObserveInt64(i.metrics.StorageCodesCount, codesCount())
			}
			if refreshCount != nil {
				observer.ObserveInt64(i.metrics.StorageRefreshCount, refreshCount())
			}
			return nil
		},
		i.metrics.StorageStatesCount,
		i.metrics.StorageCodesCount,
		i.metrics.StorageRefreshCount,
	)

	return err
}
