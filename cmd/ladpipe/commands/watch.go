package commands

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ladpipe/ladpipe/pkg/logs"
	"github.com/ladpipe/ladpipe/pkg/manifest"
	"github.com/ladpipe/ladpipe/pkg/telemetry"
)

func newWatchCommand() *cobra.Command {
	var (
		manifestPath string
		outDir       string
		concurrency  int
		lookback     time.Duration
		metricsAddr  string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-fetch a manifest whenever it changes",
		Long: `Watch a batch manifest and re-run the fetch whenever the file changes.

The batch runs once at startup and again after every settled change to
the manifest. A Prometheus endpoint serves retrieval metrics for the
lifetime of the watch.`,
		Example: `  # Watch and refetch with metrics on :9090
  ladpipe watch --manifest jobs.json

  # Custom metrics address
  ladpipe watch --manifest jobs.json --metrics-address :9191`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			batch, err := manifest.Load(manifestPath)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, batch.Region)
			if err != nil {
				return err
			}
			defer a.shutdown(ctx)
			if err := a.openStore(ctx); err != nil {
				return err
			}
			defer a.closeStore()

			if outDir == "" {
				outDir = a.cfg.OutDir
			}
			if concurrency == 0 {
				concurrency = a.cfg.Concurrency
			}
			if lookback == 0 {
				lookback = time.Duration(a.cfg.LookbackHours) * time.Hour
			}
			if metricsAddr == "" {
				metricsAddr = a.cfg.Telemetry.MetricsAddress
			}

			metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{
				Enabled:       true,
				ListenAddress: metricsAddr,
				Path:          "/metrics",
				Namespace:     "ladpipe",
			})
			if err != nil {
				return err
			}
			if err := metrics.StartMetricsServer(); err != nil {
				return err
			}
			log.Info().Str("address", metricsAddr).Msg("Metrics server started")

			runBatch := func(ctx context.Context) error {
				b, err := manifest.Load(manifestPath)
				if err != nil {
					return err
				}
				w, err := b.Window(lookback, time.Now())
				if err != nil {
					return err
				}
				// Job failures are reported per run; the watch outlives them
				if err := runFetchBatch(ctx, a, b, w, outDir, concurrency, metrics); err != nil {
					log.Warn().Err(err).Msg("Batch completed with failures")
				}
				return nil
			}

			if err := runBatch(ctx); err != nil {
				return err
			}

			watcher := logs.NewManifestWatcher(log.Logger)
			err = watcher.Watch(ctx, manifestPath, runBatch)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "jobs.json", "batch manifest file")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "artifact output directory")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "max parallel jobs")
	cmd.Flags().DurationVar(&lookback, "lookback", 0, "window lookback when the manifest has no start time")
	cmd.Flags().StringVar(&metricsAddr, "metrics-address", "", "Prometheus listen address")

	return cmd
}
