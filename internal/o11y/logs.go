package o11y

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
)

const envLogsEndpoint = "OTEL_EXPORTER_OTLP_LOGS_ENDPOINT"

// SetupLogExport returns a slog handler that ships records via OTLP/HTTP
// when OTEL_EXPORTER_OTLP_LOGS_ENDPOINT is set, and a nil handler otherwise.
func SetupLogExport(ctx context.Context) (slog.Handler, ShutdownFunc, error) {
	if os.Getenv(envLogsEndpoint) == "" {
		return nil, noop, nil
	}

	exporter, err := otlploghttp.New(ctx)
	if err != nil {
		return nil, noop, err
	}

	res, err := resource.New(ctx, resource.WithFromEnv())
	if err != nil {
		return nil, noop, err
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
		sdklog.WithResource(res),
	)
	handler := otelslog.NewHandler(tracerName, otelslog.WithLoggerProvider(provider))
	return handler, provider.Shutdown, nil
}
