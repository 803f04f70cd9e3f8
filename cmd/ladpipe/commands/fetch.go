package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ladpipe/ladpipe/pkg/logs"
	"github.com/ladpipe/ladpipe/pkg/manifest"
	"github.com/ladpipe/ladpipe/pkg/stores"
	"github.com/ladpipe/ladpipe/pkg/telemetry"
)

func newFetchCommand() *cobra.Command {
	var (
		manifestPath string
		outDir       string
		concurrency  int
		lookback     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch log events for every job in a manifest",
		Long: `Fetch log events for every job in a batch manifest.

This command:
  - Loads the batch manifest (JSON or YAML)
  - Resolves the time window from the manifest or the lookback
  - Fetches each job's events through paginated FilterLogEvents calls
  - Writes one JSON artifact per job
  - Records the run and its artifacts in the local history`,
		Example: `  # Fetch a batch
  ladpipe fetch --manifest jobs.json

  # Fetch the last 6 hours regardless of manifest timestamps
  ladpipe fetch --manifest jobs.json --lookback 6h

  # Write artifacts somewhere else
  ladpipe fetch --manifest jobs.json --out /tmp/artifacts`,
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, err := manifest.Load(manifestPath)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), batch.Region)
			if err != nil {
				return err
			}
			defer a.shutdown(cmd.Context())
			if err := a.openStore(cmd.Context()); err != nil {
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

			w, err := batch.Window(lookback, time.Now())
			if err != nil {
				return err
			}

			return runFetchBatch(cmd.Context(), a, batch, w, outDir, concurrency, nil)
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "jobs.json", "batch manifest file")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "artifact output directory")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "max parallel jobs")
	cmd.Flags().DurationVar(&lookback, "lookback", 0, "window lookback when the manifest has no start time")

	return cmd
}

// runFetchBatch executes a batch, records it in run history, and prints
// the summary. Shared with the watch command; metrics may be nil.
func runFetchBatch(ctx context.Context, a *app, batch *manifest.Batch, w manifest.Window, outDir string, concurrency int, metrics *telemetry.Metrics) error {
	runID := uuid.NewString()
	ctx = telemetry.WithRunContext(a.tel.WithContext(ctx), runID, "fetch")
	now := time.Now()
	meta, _ := json.Marshal(map[string]interface{}{
		"window_start": w.Start,
		"window_end":   w.End,
		"jobs":         len(batch.Jobs),
	})
	if err := a.store.CreateRun(ctx, &stores.Run{
		ID:        runID,
		Kind:      stores.RunKindFetch,
		Status:    stores.RunStatusRunning,
		Region:    a.region,
		StartedAt: now,
		Metadata:  string(meta),
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return err
	}

	log.Info().
		Str("run_id", runID).
		Int("jobs", len(batch.Jobs)).
		Time("start", w.Start).
		Time("end", w.End).
		Msg("Starting fetch batch")

	runner := &logs.BatchRunner{
		Fetcher:     logs.NewFetcher(cloudwatchlogs.NewFromConfig(a.aws), a.exec, metrics),
		OutDir:      outDir,
		Concurrency: concurrency,
		Metrics:     metrics,
	}
	results := runner.Run(ctx, batch.Jobs, w)

	failed := 0
	for _, r := range results {
		artifact := &stores.Artifact{
			ID:        uuid.NewString(),
			RunID:     runID,
			Job:       r.Job.Name(),
			LogGroup:  r.Job.LogGroup,
			Path:      r.ArtifactPath,
			Events:    r.Events,
			Pages:     r.Pages,
			Status:    "succeeded",
			CreatedAt: time.Now(),
		}
		if r.Failed() {
			failed++
			artifact.Status = "failed"
			artifact.Error = &r.Error
		}
		if err := a.store.CreateArtifact(ctx, artifact); err != nil {
			log.Warn().Err(err).Str("job", r.Job.Name()).Msg("Recording artifact failed")
		}
	}

	status := stores.RunStatusSucceeded
	var runErr *string
	switch {
	case failed == len(results):
		status = stores.RunStatusFailed
	case failed > 0:
		status = stores.RunStatusPartial
	}
	if failed > 0 {
		msg := fmt.Sprintf("%d of %d jobs failed", failed, len(results))
		runErr = &msg
	}
	if err := a.store.UpdateRunStatus(ctx, runID, status, runErr); err != nil {
		log.Warn().Err(err).Msg("Recording run status failed")
	}

	var batchErr error
	if failed > 0 {
		batchErr = fmt.Errorf("%d of %d jobs failed", failed, len(results))
	}
	telemetry.EndRunContext(ctx, "fetch", string(status), batchErr)

	printFetchSummary(results)
	return batchErr
}

func printFetchSummary(results []logs.JobResult) {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(results)
		return
	}

	for _, r := range results {
		if r.Failed() {
			fmt.Printf("FAIL  %-30s %s\n", r.Job.Name(), r.Error)
			continue
		}
		fmt.Printf("OK    %-30s %6d events %3d pages  %s\n",
			r.Job.Name(), r.Events, r.Pages, r.ArtifactPath)
	}
}
