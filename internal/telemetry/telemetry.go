// Package telemetry provides OpenTelemetry integration for the engine.
//
// Telemetry is disabled by default (no-op providers, zero runtime overhead).
//
// # Configuration
//
//	SWARM_OTEL_ENABLED=true          enable telemetry (default: off)
//	SWARM_OTEL_STDOUT=true           write metrics to stdout (dev mode)
//	OTEL_EXPORTER_OTLP_ENDPOINT=...  OTLP HTTP endpoint
//	OTEL_SERVICE_NAME=swarmd         override service name
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const instrumentationScope = "github.com/corynaegle-ai/swarm-engine"

var shutdownFns []func(context.Context) error

// Enabled reports whether telemetry is active (SWARM_OTEL_ENABLED=true).
func Enabled() bool {
	return os.Getenv("SWARM_OTEL_ENABLED") == "true"
}

// Init configures the OTel meter provider. When SWARM_OTEL_ENABLED is not
// "true" this installs a no-op provider and returns immediately.
func Init(ctx context.Context, serviceName, version string) error {
	if !Enabled() {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}

	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		serviceName = name
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to build otel resource: %w", err)
	}

	var reader sdkmetric.Reader
	switch {
	case os.Getenv("SWARM_OTEL_STDOUT") == "true":
		exp, err := stdoutmetric.New()
		if err != nil {
			return fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	case os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "":
		exp, err := otlpmetrichttp.New(ctx)
		if err != nil {
			return fmt.Errorf("failed to create otlp exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(30*time.Second))
	default:
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(provider)
	shutdownFns = append(shutdownFns, provider.Shutdown)
	return nil
}

// Shutdown flushes and stops all configured providers.
func Shutdown(ctx context.Context) error {
	var firstErr error
	for _, fn := range shutdownFns {
		if err := fn(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	shutdownFns = nil
	return firstErr
}

// Meter returns a named meter from the global provider.
func Meter(scope string) metric.Meter {
	if scope == "" {
		scope = instrumentationScope
	}
	return otel.GetMeterProvider().Meter(scope)
}
