package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/billingcore/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	exporterOTLPGRPC = "otlp_grpc"
	exporterOTLPHTTP = "otlp_http"

	exportInterval = 15 * time.Second
)

// Register installs an OTLP-backed meter provider when metrics are enabled.
// Export failures are logged and never block billing.
func Register(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.MetricsEnabled {
		return
	}

	provider, err := newProvider(cfg)
	if err != nil {
		logger.Warn("metrics disabled", zap.Error(err))
		return
	}

	otel.SetMeterProvider(provider)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return provider.Shutdown(ctx)
		},
	})
}

func newProvider(cfg config.Config) (*metric.MeterProvider, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("otlp endpoint is required when metrics are enabled")
	}

	ctx := context.Background()
	var (
		exporter metric.Exporter
		err      error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.MetricsExporter)) {
	case exporterOTLPGRPC, "":
		exporter, err = otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case exporterOTLPHTTP:
		exporter, err = otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unknown metrics exporter %q", cfg.MetricsExporter)
	}
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.AppName),
		semconv.ServiceVersion(cfg.AppVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	)

	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(exportInterval))),
	), nil
}
