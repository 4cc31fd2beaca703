package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pointmesh/internal/job"
	"pointmesh/internal/service"
)

var (
	jobsLocal   bool
	statusJSON  bool
	statusWatch bool
	listLimit   int
	listOffset  int
)

// jobService builds a Service for the read and cancel paths, which never
// launch anything.
func jobService(ctx context.Context) (*service.Service, func(), error) {
	store, closeStore, err := openStore(ctx, jobsLocal)
	if err != nil {
		return nil, nil, err
	}
	return service.New(store, noLaunch{}), closeStore, nil
}

type noLaunch struct{}

func (noLaunch) Launch(context.Context, job.Job) (string, error) {
	return "", fmt.Errorf("launching is not available here")
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, closeStore, err := jobService(ctx)
		if err != nil {
			return err
		}
		defer closeStore()

		j, err := svc.Status(ctx, args[0])
		if err != nil {
			return err
		}
		if statusWatch {
			interval := max(cfg.ProgressPollInterval, 500*time.Millisecond)
			for !j.Status.Terminal() {
				fmt.Fprint(cmd.ErrOrStderr(), progressBar(j.Progress, j.StatusText))
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(interval):
				}
				if j, err = svc.Status(ctx, args[0]); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.ErrOrStderr())
		}
		return printJob(cmd.OutOrStdout(), j, statusJSON)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request cancellation of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeStore, err := jobService(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		res, err := svc.Cancel(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], res)
		if res == service.CancelNotFound {
			return fmt.Errorf("job %s not found", args[0])
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeStore, err := jobService(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		jobs, err := svc.List(cmd.Context(), listLimit, listOffset)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No jobs.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "ID\tStatus\tProgress\tCreated\tOutput/Error\n")
		for _, j := range jobs {
			detail := j.OutputRef
			if j.Error != "" {
				detail = j.Error
			}
			fmt.Fprintf(w, "%s\t%s\t%d%%\t%s\t%s\n", j.ID, j.Status, j.Progress, j.CreatedAt.Local().Format(time.DateTime), detail)
		}
		return w.Flush()
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a finished job record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeStore, err := jobService(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()
		if err := svc.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{statusCmd, cancelCmd, listCmd, deleteCmd} {
		c.Flags().BoolVar(&jobsLocal, "local", false, "use the local job database instead of DATABASE_URL")
	}
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the record as JSON")
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "poll until the job is terminal")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum number of jobs, 0 for all")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "skip this many jobs")
}
