package commands

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/rs/zerolog/log"

	"github.com/ladpipe/ladpipe/pkg/awsx"
	"github.com/ladpipe/ladpipe/pkg/config"
	"github.com/ladpipe/ladpipe/pkg/retry"
	"github.com/ladpipe/ladpipe/pkg/stores"
	"github.com/ladpipe/ladpipe/pkg/telemetry"
)

// app bundles everything a command needs at runtime.
type app struct {
	cfg    *config.AppConfig
	aws    aws.Config
	region string
	exec   *retry.Executor
	store  stores.Store
	tel    *telemetry.Telemetry
}

// newApp loads config, resolves the region, and builds the shared AWS
// config and retry executor. The store is opened lazily by openStore.
// preferredRegion sits between the --region flag and the config file in
// precedence; manifests carry their own region.
func newApp(ctx context.Context, preferredRegion string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	explicit := regionFlag
	if explicit == "" {
		explicit = preferredRegion
	}
	if explicit == "" {
		explicit = cfg.Region
	}
	region := awsx.NewRegionResolver().Resolve(ctx, explicit)

	awsCfg, err := awsx.LoadConfig(ctx, region)
	if err != nil {
		return nil, err
	}

	tel, err := buildTelemetry(cfg)
	if err != nil {
		return nil, err
	}

	exec := retry.NewExecutor(cfg.RetryPolicy(), retry.WithOnRetry(
		func(attempt int, delay time.Duration, err error) {
			log.Warn().
				Int("attempt", attempt).
				Dur("delay", delay).
				Err(err).
				Msg("Transient failure, retrying")
			tel.Metrics.AddRetry(retriedOp(err))
		},
	))

	return &app{cfg: cfg, aws: awsCfg, region: region, exec: exec, tel: tel}, nil
}

// retriedOp extracts the remote operation name from a classified error,
// for the retry counter's label.
func retriedOp(err error) string {
	var re *awsx.RemoteError
	if errors.As(err, &re) && re.Op != "" {
		return re.Op
	}
	return "unknown"
}

// buildTelemetry maps the YAML telemetry section onto a telemetry instance.
func buildTelemetry(cfg *config.AppConfig) (*telemetry.Telemetry, error) {
	telCfg := telemetry.DefaultConfig()
	if cfg.Telemetry.LogLevel != "" {
		telCfg.Logging.Level = cfg.Telemetry.LogLevel
	}
	if cfg.Telemetry.LogFormat != "" {
		telCfg.Logging.Format = cfg.Telemetry.LogFormat
	}
	telCfg.Tracing.Enabled = cfg.Telemetry.TracingEnabled
	if cfg.Telemetry.TracingOTLP != "" {
		telCfg.Tracing.Exporter = "otlp"
		telCfg.Tracing.Endpoint = cfg.Telemetry.TracingOTLP
	}
	return telemetry.NewTelemetry(telCfg)
}

// shutdown flushes pending telemetry. Call when a command finishes.
func (a *app) shutdown(ctx context.Context) {
	if err := a.tel.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Telemetry shutdown failed")
	}
}

// openStore initializes the run-history database and runs migrations.
func (a *app) openStore(ctx context.Context) error {
	dbPath, err := a.cfg.DatabasePath()
	if err != nil {
		return err
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return err
	}

	a.store = store
	return nil
}

// closeStore closes the run-history database if open.
func (a *app) closeStore() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Closing run history database failed")
		}
	}
}
