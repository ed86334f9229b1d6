// Package telemetry wires the OpenTelemetry SDK for the process: metrics
// through the Prometheus exporter behind a scrape endpoint, traces through
// a ratio sampler. A disabled config yields noop providers so call sites
// never branch on whether telemetry is on.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Config holds the telemetry settings.
type Config struct {
	// Enabled toggles the whole subsystem; off means noop providers.
	Enabled bool `yaml:"enabled" ini:"enabled"`
	// ServiceName tags exported metrics and traces.
	ServiceName string `yaml:"service_name" ini:"service_name"`
	// PrometheusPort is where /metrics is served.
	PrometheusPort int `yaml:"prometheus_port" ini:"prometheus_port"`
	// TraceSampleRatio is the fraction of traces kept; out-of-range values
	// mean keep everything.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio" ini:"trace_sample_ratio"`
}

// Telemetry bundles the live providers and the tracer/meter cut from them.
type Telemetry struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
}

// ShutdownFunc flushes and stops the providers.
type ShutdownFunc func(ctx context.Context) error

// New initializes metrics and tracing and installs the global providers
// and propagator. The returned shutdown func also tears down the metrics
// endpoint, so an embedder can release the port with the engine.
func New(config Config) (*Telemetry, ShutdownFunc, error) {
	if !config.Enabled {
		return &Telemetry{
			Tracer: nooptrace.NewTracerProvider().Tracer(""),
			Meter:  noop.NewMeterProvider().Meter(""),
		}, func(context.Context) error { return nil }, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(config.ServiceName)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("building telemetry resource: %w", err)
	}

	meterProvider, stopMetrics, err := newMeterProvider(res, config.PrometheusPort)
	if err != nil {
		return nil, nil, err
	}
	tracerProvider := newTracerProvider(res, config.TraceSampleRatio)

	otel.SetMeterProvider(meterProvider)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	tel := &Telemetry{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Tracer:         tracerProvider.Tracer(config.ServiceName),
		Meter:          meterProvider.Meter(config.ServiceName),
	}
	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := stopMetrics(ctx); err != nil {
			return fmt.Errorf("stopping metrics endpoint: %w", err)
		}
		if err := tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("stopping tracer provider: %w", err)
		}
		if err := meterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("stopping meter provider: %w", err)
		}
		return nil
	}
	return tel, shutdown, nil
}

// newMeterProvider builds the Prometheus-backed meter provider and starts
// the scrape endpoint on a dedicated server, returned as a stop func.
func newMeterProvider(res *resource.Resource, port int) (*sdkmetric.MeterProvider, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("building prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			otel.Handle(fmt.Errorf("metrics endpoint: %w", err))
		}
	}()
	return provider, server.Shutdown, nil
}

// newTracerProvider samples the given fraction of traces.
func newTracerProvider(res *resource.Resource, ratio float64) *sdktrace.TracerProvider {
	if ratio <= 0 || ratio > 1 {
		ratio = 1.0
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(ratio)),
	)
}
