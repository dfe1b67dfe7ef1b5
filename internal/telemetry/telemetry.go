// Package telemetry initializes OpenTelemetry exporters and defines the
// instruments darwin records: agent transitions, version conflicts,
// capacity deferrals, assignment outcomes, cycle timing and pool size.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Shutdown combines multiple shutdown functions.
type Shutdown func(ctx context.Context) error

// Init configures the global OpenTelemetry tracer and meter providers.
// If endpoint is empty, OTEL is disabled and no-op providers are used.
// Returns a shutdown function that must be called during graceful shutdown.
func Init(ctx context.Context, endpoint, serviceName, version string, insecure bool) (Shutdown, error) {
	if endpoint == "" {
		return func(ctx context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	// Trace exporter.
	traceOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
	}
	if insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp,
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// W3C Trace Context and Baggage, so spans started by the tracker or the
	// spawn process continue into assignment and activation handling.
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	// Metric exporter.
	metricOpts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(endpoint),
	}
	if insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExp,
				sdkmetric.WithInterval(15*time.Second),
			),
		),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	shutdown := func(ctx context.Context) error {
		var firstErr error
		if err := tp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := mp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	}

	return shutdown, nil
}

// Scope is the instrumentation scope of darwin's domain instruments.
const Scope = "github.com/ashita-ai/darwin"

// Instruments are darwin's domain metrics. Each component builds its own set
// against the global meter provider; the SDK hands back the same underlying
// instrument for identical names.
type Instruments struct {
	transitions   metric.Int64Counter
	conflicts     metric.Int64Counter
	deferrals     metric.Int64Counter
	outcomes      metric.Int64Counter
	cycles        metric.Int64Counter
	cycleDuration metric.Float64Histogram
}

// NewInstruments creates the instrument set. On error the affected
// instruments are no-ops and the rest still record.
func NewInstruments() (*Instruments, error) {
	m := Meter(Scope)
	var errs [6]error
	i := &Instruments{}
	i.transitions, errs[0] = m.Int64Counter("darwin.agent.transitions",
		metric.WithDescription("Agent status transitions committed, by from and to status"))
	i.conflicts, errs[1] = m.Int64Counter("darwin.registry.version_conflicts",
		metric.WithDescription("Conditional writes that lost a version race, by entity"))
	i.deferrals, errs[2] = m.Int64Counter("darwin.pool.deferrals",
		metric.WithDescription("Moves into the pool held back because it was full, by stage"))
	i.outcomes, errs[3] = m.Int64Counter("darwin.assign.outcomes",
		metric.WithDescription("Ready events handled, by outcome"))
	i.cycles, errs[4] = m.Int64Counter("darwin.evaluation.cycles",
		metric.WithDescription("Evaluation cycles completed"))
	i.cycleDuration, errs[5] = m.Float64Histogram("darwin.evaluation.cycle.duration",
		metric.WithDescription("Time to run one evaluation cycle"),
		metric.WithUnit("ms"))
	if err := errors.Join(errs[:]...); err != nil {
		return i, fmt.Errorf("telemetry: instruments: %w", err)
	}
	return i, nil
}

// Transition counts a committed status change.
func (i *Instruments) Transition(ctx context.Context, from, to string) {
	i.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// Conflict counts a lost version race on entity ("agent" or "work_item").
func (i *Instruments) Conflict(ctx context.Context, entity string) {
	i.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("entity", entity)))
}

// Deferral counts a capacity deferral at stage ("activation" or "cycle").
func (i *Instruments) Deferral(ctx context.Context, stage string) {
	i.deferrals.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// AssignOutcome counts one handled ready event.
func (i *Instruments) AssignOutcome(ctx context.Context, outcome string) {
	i.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Cycle records one finished evaluation cycle.
func (i *Instruments) Cycle(ctx context.Context, took time.Duration) {
	i.cycles.Add(ctx, 1)
	i.cycleDuration.Record(ctx, float64(took.Milliseconds()))
}

// RegisterPoolGauge publishes darwin.pool.agents, the number of agents per
// status, reading count at every collection. The returned func unregisters
// the callback.
func RegisterPoolGauge(count func(ctx context.Context) (map[string]int64, error)) (func() error, error) {
	m := Meter(Scope)
	gauge, err := m.Int64ObservableGauge("darwin.pool.agents",
		metric.WithDescription("Agents in the registry, by status"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: pool gauge: %w", err)
	}
	reg, err := m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		counts, err := count(ctx)
		if err != nil {
			return err
		}
		for status, n := range counts {
			o.ObserveInt64(gauge, n, metric.WithAttributes(attribute.String("status", status)))
		}
		return nil
	}, gauge)
	if err != nil {
		return nil, fmt.Errorf("telemetry: pool gauge callback: %w", err)
	}
	return reg.Unregister, nil
}

// Meter returns the global meter for the given instrumentation scope.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// Tracer returns the global tracer for the given instrumentation scope.
func Tracer(name string) trace.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}
