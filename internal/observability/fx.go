package observability

import (
	"github.com/smallbiznis/tally/internal/config"
	"github.com/smallbiznis/tally/internal/observability/metrics"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(provideMetricsConfig),
	fx.Invoke(ensureMetrics),
)

func provideMetricsConfig(cfg config.Config) metrics.Config {
	return metrics.Config{
		ServiceName: cfg.AppName,
		Environment: cfg.Environment,
	}
}

// ensureMetrics registers every instrument at startup so the const labels
// come from config rather than the zero-value defaults.
func ensureMetrics(cfg metrics.Config) {
	metrics.LedgerWithConfig(cfg)
	metrics.SchedulerWithConfig(cfg)
}
