package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// InitOpenTelemetry initializes OpenTelemetry tracing and metrics providers.
// It returns a cleanup function to be called on application shutdown.
func InitOpenTelemetry(serviceName, serviceVersion string) (func(context.Context) error, error) {
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
		attribute.String("environment", os.Getenv("ENVIRONMENT")),
	)

	// --- Tracing Provider ---
	traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
	}
	tracerProvider := trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithBatcher(traceExporter),
	)
	otel.SetTracerProvider(tracerProvider)

	// --- Metric Provider ---
	metricExporter, err := stdoutmetric.New(stdoutmetric.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
	}
	meterProvider := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(metricExporter)),
	)
	otel.SetMeterProvider(meterProvider)

	// --- Log Provider ---
	logExporter, err := stdoutlog.New(stdoutlog.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout log exporter: %w", err)
	}
	logProvider := log.NewLoggerProvider(log.WithResource(res), log.WithProcessor(log.NewBatchProcessor(logExporter)))
	// otel.SetLoggerProvider(logProvider) // Removed due to undefined error and updated OpenTelemetry API usage

	cleanup := func(ctx context.Context) error {
		var errs []error
		if err := tracerProvider.Shutdown(ctx); err != nil {
			err = fmt.Errorf("failed to shutdown tracer provider: %w", err)
			errs = append(errs, err)
		}
		if err := meterProvider.Shutdown(ctx); err != nil {
			err = fmt.Errorf("failed to shutdown meter provider: %w", err)
			errs = append(errs, err)
		}
		if err := logProvider.Shutdown(ctx); err != nil {
			err = fmt.Errorf("failed to shutdown log provider: %w", err)
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			return fmt.Errorf("failed to shutdown OpenTelemetry: %v", errs)
		}
		return nil
	}

	slog.Info("OpenTelemetry initialized successfully")
	return cleanup, nil
}
