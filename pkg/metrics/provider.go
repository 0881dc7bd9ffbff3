package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.uber.org/zap"
)

// Exporter names accepted by ProviderConfig.
const (
	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"
	ExporterNone   = "none"
)

// ProviderConfig selects where the engine's counters are exported.
type ProviderConfig struct {
	Exporter    string
	Service     string
	Instance    string
	Environment string
	// Endpoint is the OTLP/HTTP collector host:port. Empty keeps the
	// exporter default, which also honours OTEL_EXPORTER_OTLP_ENDPOINT.
	Endpoint string
	Insecure bool
	Headers  map[string]string
	Interval time.Duration
}

// Provider owns the SDK meter provider installed as the global provider.
// A nil *Provider is valid and shuts down as a no-op.
type Provider struct {
	mp *sdkmetric.MeterProvider
}

// Install builds a meter provider with a periodic exporter and registers it
// globally. ExporterNone leaves the global no-op provider in place.
func Install(ctx context.Context, cfg ProviderConfig, logger *zap.Logger) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	exporterName := strings.ToLower(strings.TrimSpace(cfg.Exporter))
	if exporterName == ExporterNone {
		logger.Warn("metrics export disabled")
		return nil, nil
	}

	exporter, err := buildExporter(ctx, exporterName, cfg)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.Service),
		semconv.ServiceInstanceIDKey.String(cfg.Instance),
		attribute.String("deployment.environment", cfg.Environment),
	))
	if err != nil {
		logger.Warn("metrics resource incomplete", zap.Error(err))
	}
	if res == nil {
		res = resource.Default()
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(mp)

	logger.Info("metrics export initialized",
		zap.String("exporter", exporterName),
		zap.String("endpoint", cfg.Endpoint),
		zap.Duration("interval", interval))
	return &Provider{mp: mp}, nil
}

func buildExporter(ctx context.Context, name string, cfg ProviderConfig) (sdkmetric.Exporter, error) {
	switch name {
	case ExporterOTLP, "":
		var opts []otlpmetrichttp.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlpmetrichttp.WithHeaders(cfg.Headers))
		}
		return otlpmetrichttp.New(ctx, opts...)
	case ExporterStdout:
		return stdoutmetric.New()
	default:
		return nil, fmt.Errorf("unknown metrics exporter %q", name)
	}
}

// Shutdown flushes pending data points and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.mp == nil {
		return nil
	}
	return p.mp.Shutdown(ctx)
}
