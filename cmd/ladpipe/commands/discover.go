package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ladpipe/ladpipe/pkg/logs"
	"github.com/ladpipe/ladpipe/pkg/manifest"
)

func newDiscoverCommand() *cobra.Command {
	var (
		logGroup      string
		labelKey      string
		sourcesPath   string
		writeManifest string
		lookback      time.Duration
		startISO      string
		endISO        string
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Discover label values or expand sources into a manifest",
		Long: `Discover the distinct values a label key takes within a time window,
using a Logs Insights query. Discovery is best-effort: failures and
timeouts yield an empty set.

With --sources, each labeled source fans out into one job per discovered
value and the resulting batch manifest is written with --write-manifest.`,
		Example: `  # List the services seen in a log group over the last day
  ladpipe discover --log-group /app/prod --label-key service

  # Expand a source set into a batch manifest
  ladpipe discover --sources sources.yaml --write-manifest jobs.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if sourcesPath != "" {
				set, err := manifest.LoadSources(sourcesPath)
				if err != nil {
					return err
				}
				a, err := newApp(ctx, set.Region)
				if err != nil {
					return err
				}
				defer a.shutdown(ctx)
				if lookback == 0 {
					lookback = time.Duration(a.cfg.LookbackHours) * time.Hour
				}
				w, err := set.Window(lookback, time.Now())
				if err != nil {
					return err
				}

				discoverer := logs.NewDiscoverer(cloudwatchlogs.NewFromConfig(a.aws), a.exec)
				jobs := manifest.Expand(ctx, set.Sources, discoverer, w)
				if len(jobs) == 0 {
					return fmt.Errorf("no jobs produced from %s", sourcesPath)
				}

				batch := &manifest.Batch{
					Region:   set.Region,
					StartISO: set.StartISO,
					EndISO:   set.EndISO,
					Jobs:     jobs,
				}
				if writeManifest == "" {
					writeManifest = "jobs.json"
				}
				if err := manifest.Write(writeManifest, batch); err != nil {
					return err
				}
				log.Info().
					Int("jobs", len(jobs)).
					Str("manifest", writeManifest).
					Msg("Manifest written")
				return nil
			}

			if logGroup == "" || labelKey == "" {
				return fmt.Errorf("either --sources or both --log-group and --label-key are required")
			}

			a, err := newApp(ctx, "")
			if err != nil {
				return err
			}
			defer a.shutdown(ctx)
			if lookback == 0 {
				lookback = time.Duration(a.cfg.LookbackHours) * time.Hour
			}
			b := manifest.Batch{StartISO: startISO, EndISO: endISO}
			w, err := b.Window(lookback, time.Now())
			if err != nil {
				return err
			}

			discoverer := logs.NewDiscoverer(cloudwatchlogs.NewFromConfig(a.aws), a.exec)
			values, _ := discoverer.DiscoverLabelValues(ctx, logGroup, labelKey, w)

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(values)
			}
			for _, v := range values {
				fmt.Println(v)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&logGroup, "log-group", "", "log group to query")
	cmd.Flags().StringVar(&labelKey, "label-key", "", "label key to discover values for")
	cmd.Flags().StringVar(&sourcesPath, "sources", "", "source set file to expand")
	cmd.Flags().StringVar(&writeManifest, "write-manifest", "", "manifest file to write after expansion")
	cmd.Flags().DurationVar(&lookback, "lookback", 0, "window lookback when no start time is given")
	cmd.Flags().StringVar(&startISO, "start", "", "window start (RFC3339)")
	cmd.Flags().StringVar(&endISO, "end", "", "window end (RFC3339)")

	return cmd
}
