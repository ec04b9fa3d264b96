package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/catalogsync/internal/model"
	"github.com/sells-group/catalogsync/internal/syncjob"
)

var syncCmd = &cobra.Command{
	Use:   "sync <job>",
	Short: "Run one sync job in the foreground",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("sync"); err != nil {
			return err
		}
		force, _ := cmd.Flags().GetBool("force")
		autoSync, _ := cmd.Flags().GetBool("auto-sync")
		asJSON, _ := cmd.Flags().GetBool("json")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Runner.Run(ctx, args[0], syncjob.RunOptions{
			Force:    force,
			AutoSync: autoSync || cfg.Sync.AutoSync,
		})
		switch {
		case errors.Is(err, syncjob.ErrBusy):
			fmt.Fprintf(os.Stderr, "Job %s is already running; nothing to do.\n", args[0])
			return nil
		case errors.Is(err, syncjob.ErrTooSoon):
			fmt.Fprintf(os.Stderr, "Job %s ran recently; use --force to run anyway.\n", args[0])
			return nil
		}
		if res != nil {
			if asJSON {
				if encErr := writeJSONOut(os.Stdout, res); encErr != nil {
					return encErr
				}
			} else {
				formatResult(os.Stdout, res)
			}
		}
		return eris.Wrapf(err, "sync %s", args[0])
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List the configured sync jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, err := buildRegistry(cfg, nil, nil)
		if err != nil {
			return err
		}
		for _, name := range reg.Names() {
			spec := cfg.Schedule[name]
			if spec == "" {
				spec = "manual"
			}
			fmt.Fprintf(os.Stdout, "%s\t%s\n", name, spec)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [job]",
	Short: "Show the latest run of each job",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		asJSON, _ := cmd.Flags().GetBool("json")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		names := env.Runner.Registry().Names()
		if len(args) == 1 {
			if _, err := env.Runner.Registry().Get(args[0]); err != nil {
				return err
			}
			names = args
		}

		var runs []model.SyncProgress
		for _, name := range names {
			p, err := env.Tracker.Latest(ctx, name)
			if err != nil {
				return err
			}
			if p != nil {
				runs = append(runs, *p)
			}
		}

		if asJSON {
			return writeJSONOut(os.Stdout, runs)
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}
		formatProgressList(os.Stdout, runs)
		return nil
	},
}

func formatResult(out io.Writer, res *syncjob.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Job:\t%s\n", res.JobName)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", res.RunID)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", res.Status)
	_, _ = fmt.Fprintf(w, "Items:\t%d total, %d upserted, %d skipped, %d failed\n", res.Total, res.Upserts, res.Skipped, res.Errors)
	if res.Issues > 0 {
		_, _ = fmt.Fprintf(w, "Issues:\t%d\n", res.Issues)
	}
	if res.Error != "" {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", res.Error)
	}
	_ = w.Flush()
}

func formatProgressList(out io.Writer, runs []model.SyncProgress) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "JOB\tRUN\tSTATUS\tPROGRESS\tOK\tFAILED\tSKIPPED\tSTARTED\tDURATION")
	_, _ = fmt.Fprintln(w, "---\t---\t------\t--------\t--\t------\t-------\t-------\t--------")

	for _, p := range runs {
		end := p.UpdatedAt
		if p.CompletedAt != nil {
			end = *p.CompletedAt
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%d\t%d\t%s\t%s\n",
			p.JobName,
			truncateID(p.RunID),
			p.Status,
			p.CurrentItem, p.TotalItems,
			p.SuccessCount,
			p.FailedCount,
			p.SkippedCount,
			p.StartedAt.Format("2006-01-02 15:04"),
			end.Sub(p.StartedAt).Round(time.Second),
		)
	}
	_ = w.Flush()
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func writeJSONOut(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "encode output")
}

func init() {
	syncCmd.Flags().Bool("force", false, "reclaim this job's stale runs and ignore the minimum interval")
	syncCmd.Flags().Bool("auto-sync", false, "let the identity mapper create automatic mappings")
	syncCmd.Flags().Bool("json", false, "print the result as JSON")
	statusCmd.Flags().Bool("json", false, "print runs as JSON")

	rootCmd.AddCommand(syncCmd, jobsCmd, statusCmd)
}
