package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ladpipe/ladpipe/pkg/stores"
)

func newRunsCommand() *cobra.Command {
	var (
		kind  string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs",
		Long: `List fetch and launch runs from the local run history, newest first.

Use "runs show <id>" for a run's artifacts and instances.`,
		Example: `  # Last 20 runs
  ladpipe runs

  # Launch runs only
  ladpipe runs --kind launch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, "")
			if err != nil {
				return err
			}
			defer a.shutdown(ctx)
			if err := a.openStore(ctx); err != nil {
				return err
			}
			defer a.closeStore()

			var kindFilter *stores.RunKind
			if kind != "" {
				k := stores.RunKind(kind)
				if k != stores.RunKindFetch && k != stores.RunKindLaunch {
					return fmt.Errorf("invalid kind: %s", kind)
				}
				kindFilter = &k
			}

			runs, err := a.store.ListRuns(ctx, kindFilter, limit, 0)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}
			for _, r := range runs {
				fmt.Printf("%-36s  %-6s  %-9s  %s\n",
					r.ID, r.Kind, r.Status, r.StartedAt.Local().Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "filter by run kind (fetch, launch)")
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to list")

	cmd.AddCommand(newRunsShowCommand())

	return cmd
}

func newRunsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run's artifacts and instances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, "")
			if err != nil {
				return err
			}
			defer a.shutdown(ctx)
			if err := a.openStore(ctx); err != nil {
				return err
			}
			defer a.closeStore()

			run, err := a.store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			artifacts, err := a.store.ListArtifactsByRun(ctx, run.ID)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]interface{}{
					"run":       run,
					"artifacts": artifacts,
				})
			}

			fmt.Printf("run:     %s\n", run.ID)
			fmt.Printf("kind:    %s\n", run.Kind)
			fmt.Printf("status:  %s\n", run.Status)
			fmt.Printf("region:  %s\n", run.Region)
			fmt.Printf("started: %s\n", run.StartedAt.Local().Format(time.RFC3339))
			if run.CompletedAt != nil {
				fmt.Printf("ended:   %s\n", run.CompletedAt.Local().Format(time.RFC3339))
			}
			if run.Error != nil {
				fmt.Printf("error:   %s\n", *run.Error)
			}
			for _, art := range artifacts {
				marker := "OK  "
				if art.Status == "failed" {
					marker = "FAIL"
				}
				fmt.Printf("  %s %-30s %6d events %3d pages  %s\n",
					marker, art.Job, art.Events, art.Pages, art.Path)
			}
			return nil
		},
	}
}
