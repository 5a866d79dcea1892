// Package telemetry installs the OTLP trace exporter when one is configured.
package telemetry

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type Config struct {
	ServiceName string
	Endpoint    string
	Insecure    bool
}

type ShutdownFunc func(context.Context) error

func noop(context.Context) error { return nil }

// Setup returns a shutdown func that flushes pending spans. Without an
// endpoint the global no-op tracer stays in place.
func Setup(cfg Config, logger logrus.FieldLogger) ShutdownFunc {
	if cfg.Endpoint == "" {
		return noop
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(context.Background(), opts...)
	if err != nil {
		logger.WithError(err).Error("otel exporter setup failed")
		return noop
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		logger.WithError(err).Warn("otel resource setup failed")
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	logger.WithField("endpoint", cfg.Endpoint).Info("otel tracing enabled")
	return provider.Shutdown
}
