// Package otel turns eventbus lifecycle events into OpenTelemetry spans and
// exposes the process metrics in Prometheus format.
package otel

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/hanpama/querydag/internal/config"
	"github.com/hanpama/querydag/internal/eventbus"
)

// Telemetry holds what Setup installed.
type Telemetry struct {
	// Metrics serves the Prometheus exposition, or is nil when metrics are
	// disabled.
	Metrics http.Handler

	shutdown []func(context.Context) error
}

// Shutdown flushes and stops every installed provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdown {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}

// Setup configures OpenTelemetry from cfg. Tracing is enabled when
// cfg.Endpoint is set and subscribes to the global eventbus, installing one
// if needed. Metrics are enabled by cfg.Metrics. With neither, Setup is a
// no-op.
func Setup(ctx context.Context, cfg config.Telemetry) (*Telemetry, error) {
	t := &Telemetry{}
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.Service),
	)

	if cfg.Endpoint != "" {
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("otel: trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)

		bus := eventbus.Current()
		if bus == nil {
			bus = eventbus.New()
			eventbus.Use(bus)
		}
		unsubscribe := Trace(bus, tp.Tracer("querydag"))
		t.shutdown = append(t.shutdown, func(ctx context.Context) error {
			unsubscribe()
			return tp.Shutdown(ctx)
		})
	}

	if cfg.Metrics {
		reg := prometheus.NewRegistry()
		exp, err := promexporter.New(promexporter.WithRegisterer(reg))
		if err != nil {
			_ = t.Shutdown(ctx)
			return nil, fmt.Errorf("otel: prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(exp),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(mp)
		t.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
		t.shutdown = append(t.shutdown, mp.Shutdown)
	}
	return t, nil
}
