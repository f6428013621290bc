package main

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingcore/internal/audit"
	"github.com/smallbiznis/billingcore/internal/billingrun"
	"github.com/smallbiznis/billingcore/internal/clock"
	"github.com/smallbiznis/billingcore/internal/config"
	"github.com/smallbiznis/billingcore/internal/discount"
	"github.com/smallbiznis/billingcore/internal/invoice"
	"github.com/smallbiznis/billingcore/internal/ledger"
	"github.com/smallbiznis/billingcore/internal/logger"
	"github.com/smallbiznis/billingcore/internal/migration"
	obsmetrics "github.com/smallbiznis/billingcore/internal/observability/metrics"
	"github.com/smallbiznis/billingcore/internal/pricing"
	pricingdomain "github.com/smallbiznis/billingcore/internal/pricing/domain"
	"github.com/smallbiznis/billingcore/internal/rateplan"
	"github.com/smallbiznis/billingcore/internal/tax"
	"github.com/smallbiznis/billingcore/internal/usage"
	"github.com/smallbiznis/billingcore/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		obsmetrics.Module,
		migration.Module,

		usage.Module,
		rateplan.Module,
		pricing.Module,
		discount.Module,
		tax.Module,
		ledger.Module,
		audit.Module,
		invoice.Module,
		billingrun.Module,

		fx.Provide(RunnerConfig),
		fx.Invoke(StartRun),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

func RunnerConfig(cfg config.Config) billingrun.Config {
	return billingrun.Config{Workers: cfg.RunWorkers}
}

// StartRun executes one billing run from env configuration and exits. With no
// run configured the process starts, migrates, and idles until stopped.
func StartRun(lc fx.Lifecycle, sd fx.Shutdowner, runner *billingrun.Runner, cfg config.Config, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if cfg.RunPlanCode == "" {
				log.Info("no billing run configured")
				return nil
			}

			period, err := parsePeriod(cfg.RunPeriodStart, cfg.RunPeriodEnd)
			if err != nil {
				return err
			}

			go func() {
				result, err := runner.Run(context.Background(), billingrun.RunRequest{
					PlanCode: cfg.RunPlanCode,
					Period:   period,
				})
				if err != nil {
					log.Error("billing run failed", zap.Error(err))
					_ = sd.Shutdown(fx.ExitCode(1))
					return
				}
				log.Info("billing run completed",
					zap.String("run_id", result.RunID),
					zap.Int("succeeded", result.Succeeded),
					zap.Int("failed", result.Failed),
					zap.Int("skipped", result.Skipped),
				)
				_ = sd.Shutdown()
			}()
			return nil
		},
	})
}

func parsePeriod(start, end string) (pricingdomain.Period, error) {
	periodStart, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return pricingdomain.Period{}, err
	}
	periodEnd, err := time.Parse(time.RFC3339, end)
	if err != nil {
		return pricingdomain.Period{}, err
	}
	return pricingdomain.Period{Start: periodStart, End: periodEnd}, nil
}
