// ABOUTME: OpenTelemetry exporter factory for creating metric readers and trace exporters (Prometheus, OTLP, stdout)
// ABOUTME: Handles configuration and creation of various telemetry export destinations

package telemetry

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc/credentials"
)

// createMetricReaders creates metric readers based on configuration.
// The returned registry is non-nil when the prometheus exporter is configured.
func createMetricReaders(cfg Config, out io.Writer) ([]metric.Reader, *prometheus.Registry, error) {
	var readers []metric.Reader
	var registry *prometheus.Registry

	for _, exporterName := range cfg.Exporters {
		switch exporterName {
		case "prometheus":
			registry = prometheus.NewRegistry()
			exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
			}
			readers = append(readers, exporter)

		case "stdout":
			exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(out))
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
			}
			readers = append(readers, metric.NewPeriodicReader(exporter,
				metric.WithInterval(cfg.BatchTimeout),
				metric.WithTimeout(cfg.ExportTimeout),
			))

		default:
			// otlp is only wired for traces
			continue
		}
	}

	return readers, registry, nil
}

// createTraceExporters creates trace exporters based on configuration.
func createTraceExporters(ctx context.Context, cfg Config, out io.Writer) ([]trace.SpanExporter, error) {
	var exporters []trace.SpanExporter

	for _, exporterName := range cfg.Exporters {
		switch exporterName {
		case "otlp":
			exporter, err := createOTLPTraceExporter(ctx, cfg)
			if err != nil {
				return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
			}
			exporters = append(exporters, exporter)

		case "stdout":
			exporter, err := stdouttrace.New(stdouttrace.WithWriter(out))
			if err != nil {
				return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
			}
			exporters = append(exporters, exporter)

		default:
			// prometheus does not carry traces
			continue
		}
	}

	return exporters, nil
}

// createOTLPTraceExporter creates an OTLP trace exporter over gRPC.
func createOTLPTraceExporter(ctx context.Context, cfg Config) (trace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithTimeout(cfg.ExportTimeout),
	}
	if cfg.OTLPInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	return otlptracegrpc.New(ctx, opts...)
}
