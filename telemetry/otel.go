// Package telemetry configures the OpenTelemetry tracer provider used by
// the accelerator spans.
package telemetry

import (
	"context"
	"net/url"
	"time"

	"github.com/agentuity/querycache/logger"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

type ShutdownFunc func()

// Config selects where traces are exported.
type Config struct {
	// Endpoint is the OTLP/HTTP server URL. The path is replaced with
	// /v1/traces. Empty disables export.
	Endpoint    string
	AuthToken   string
	ServiceName string
}

// New installs a global tracer provider exporting to cfg.Endpoint and
// returns a function that flushes and stops it. With no endpoint it
// installs nothing and the otel no-op provider stays in place.
func New(ctx context.Context, cfg Config, log logger.Logger) (ShutdownFunc, error) {
	if cfg.Endpoint == "" {
		log.Debug("no OTLP endpoint configured, tracing disabled")
		return func() {}, nil
	}
	oltpURL, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "error parsing OTLP endpoint")
	}
	oltpURL.Path = "/v1/traces"

	res, err := resource.New(
		ctx,
		resource.WithFromEnv(),      // Discover and provide attributes from OTEL_RESOURCE_ATTRIBUTES and OTEL_SERVICE_NAME environment variables.
		resource.WithTelemetrySDK(), // Discover and provide information about the OpenTelemetry SDK used.
		resource.WithProcess(),      // Discover and provide process information.
		resource.WithHost(),         // Discover and provide host information.
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if errors.Is(err, resource.ErrPartialResource) || errors.Is(err, resource.ErrSchemaURLConflict) {
		log.Warn("partial telemetry resource: %s", err)
	} else if err != nil {
		return nil, errors.Wrap(err, "error creating resource")
	}

	headers := make(map[string]string)
	if cfg.AuthToken != "" {
		headers["Authorization"] = "Bearer " + cfg.AuthToken
	}
	traceExporterOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpointURL(oltpURL.String()),
		otlptracehttp.WithHeaders(headers),
		otlptracehttp.WithTimeout(time.Second * 10),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	}
	if oltpURL.Scheme == "http" {
		traceExporterOpts = append(traceExporterOpts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, traceExporterOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "error creating trace exporter")
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	log.Info("exporting traces to %s", oltpURL.String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			log.Warn("error shutting down tracer provider: %s", err)
		}
	}, nil
}
