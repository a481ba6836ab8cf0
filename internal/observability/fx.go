package observability

import (
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/plangate/internal/config"
	"github.com/smallbiznis/plangate/internal/observability/logger"
	"github.com/smallbiznis/plangate/internal/observability/metrics"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		newLoggerConfig,
		logger.New,
		newRegistry,
		metrics.New,
	),
)

func newLoggerConfig(cfg config.Config) logger.Config {
	return logger.Config{
		ServiceName: cfg.AppName,
		Environment: cfg.Environment,
		Version:     cfg.AppVersion,
		Level:       os.Getenv("LOG_LEVEL"),
		Format:      os.Getenv("LOG_FORMAT"),
	}
}

func newRegistry() prometheus.Registerer {
	return prometheus.DefaultRegisterer
}
