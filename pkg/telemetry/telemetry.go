// Package telemetry wires OpenTelemetry tracing, metrics, and log export,
// and installs the slog bridge that routes any lower-level log.Printf call
// sites through structured logging.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otellog "go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Init initializes OpenTelemetry providers from OTEL_EXPORTER_OTLP_ENDPOINT.
// When unset, global providers remain noop and Init also installs a plain
// slog text handler at level. When set, OTLP gRPC exporters back traces,
// metrics, and logs, and the slog handler additionally bridges records
// into the OTel log pipeline.
//
// The returned function must be called on shutdown to flush pending
// telemetry; it is safe to call even when no exporter was configured.
func Init(ctx context.Context, serviceName, serviceVersion string, level slog.Level) (func(context.Context), error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return func(context.Context) {}, nil
	}

	res, err := buildResource(ctx, serviceName, serviceVersion)
	if err != nil {
		return func(context.Context) {}, fmt.Errorf("telemetry: build resource: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return func(context.Context) {}, fmt.Errorf("telemetry: trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	metricExporter, err := otlpmetricgrpc.New(ctx)
	if err != nil {
		return shutdownFunc(tp, nil, nil), fmt.Errorf("telemetry: metric exporter: %w", err)
	}
	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(metricExporter, metric.WithInterval(30*time.Second))),
		metric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExporter, err := otlploggrpc.New(ctx)
	if err != nil {
		return shutdownFunc(tp, mp, nil), fmt.Errorf("telemetry: log exporter: %w", err)
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
		sdklog.WithResource(res),
	)
	otellog.SetLoggerProvider(lp)

	slog.SetDefault(slog.New(NewBridgeHandler(lp.Logger(serviceName), level, os.Stderr)))

	slog.Info("telemetry initialized", "endpoint", endpoint, "service", serviceName)

	return shutdownFunc(tp, mp, lp), nil
}

func buildResource(ctx context.Context, serviceName, serviceVersion string) (*resource.Resource, error) {
	hostname, _ := os.Hostname()
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
			semconv.HostName(hostname),
		),
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
	)
}

type shutdownable interface {
	Shutdown(context.Context) error
}

func shutdownFunc(providers ...shutdownable) func(context.Context) {
	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		for _, p := range providers {
			if p == nil {
				continue
			}
			if err := p.Shutdown(ctx); err != nil {
				slog.Warn("telemetry shutdown error", "err", err)
			}
		}
	}
}
