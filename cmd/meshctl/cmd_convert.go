package main

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"pointmesh/internal/job"
	"pointmesh/internal/local"
	"pointmesh/internal/pipeline"
	"pointmesh/internal/service"
	"pointmesh/internal/storage"
	"pointmesh/pkg/graceful"
)

var (
	convertParams paramFlags
	convertOutput string
	convertQuiet  bool
)

var convertCmd = &cobra.Command{
	Use:   "convert <input.xyz|input.ply>",
	Short: "Reconstruct a mesh in this process",
	Long: "convert runs the full pipeline locally and shows progress. The first Ctrl-C\n" +
		"cancels at the next stage boundary, a second one aborts.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := convertParams.params(cmd)
		if err != nil {
			return err
		}
		if !convertQuiet {
			log.SetOutput(cmd.ErrOrStderr())
		}
		pipeline.SetLogger(nil)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		store, closeStore, err := openStore(ctx, true)
		if err != nil {
			return err
		}
		defer closeStore()
		blobs, err := blobStore(ctx)
		if err != nil {
			return err
		}
		artifacts := storage.NewArtifacts(blobs)

		orch := pipeline.NewOrchestrator(store, pipeline.DefaultRegistry(artifacts))
		runner := local.NewRunner(store, orch, local.Config{
			Timeout:    cfg.LocalJobTimeout,
			CancelPoll: cfg.CancelPollInterval,
			Lease:      cfg.LocalJobLease,
		})
		if n, err := runner.Recover(ctx); err != nil {
			return err
		} else if n > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "marked %d interrupted job(s) as failed\n", n)
		}
		defer runner.Wait()

		inputRef, err := uploadInput(ctx, artifacts, args[0])
		if err != nil {
			return fmt.Errorf("input: %w", err)
		}
		svc := service.New(store, runner)
		j, err := svc.Submit(ctx, "", inputRef, params)
		if err != nil {
			return err
		}
		h, ok := runner.Handle(j.ID)
		if !ok {
			// finished before we looked; the record has the result
			return reportLocal(cmd, store, j.ID, blobs)
		}

		sigs := graceful.Signals(ctx)
		go func() {
			interrupts := 0
			for range sigs {
				interrupts++
				if interrupts == 1 {
					fmt.Fprintln(cmd.ErrOrStderr(), "\ncancelling after the current stage, Ctrl-C again to abort")
					res, err := svc.Cancel(context.WithoutCancel(ctx), j.ID)
					if err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "cancel failed: %v\n", err)
						h.Cancel()
					} else if res != service.CancelOK {
						fmt.Fprintf(cmd.ErrOrStderr(), "cancel: job %s\n", res)
					}
					continue
				}
				cancel()
				return
			}
		}()

		out, err := h.Poll(ctx, cfg.ProgressPollInterval, func(s local.Snapshot) {
			if !convertQuiet {
				fmt.Fprint(cmd.ErrOrStderr(), progressBar(s.Progress, s.Status))
			}
		})
		if !convertQuiet {
			fmt.Fprintln(cmd.ErrOrStderr())
		}
		if err != nil {
			// aborted: wait for the runner to record the outcome
			out, _ = h.Wait(context.WithoutCancel(ctx))
		}
		return finishLocal(cmd, out, blobs)
	},
}

func init() {
	convertParams.register(convertCmd)
	convertCmd.Flags().StringVarP(&convertOutput, "output", "o", "", "copy the mesh to this path")
	convertCmd.Flags().BoolVarP(&convertQuiet, "quiet", "q", false, "no progress bar")
}

func finishLocal(cmd *cobra.Command, out local.Outcome, blobs storage.BlobStore) error {
	if out.Err != nil {
		return out.Err
	}
	w := cmd.OutOrStdout()
	switch out.Job.Status {
	case job.Completed:
		ref := out.OutputRef()
		if convertOutput != "" {
			if err := download(cmd.Context(), blobs, ref, convertOutput); err != nil {
				return fmt.Errorf("copy output: %w", err)
			}
			ref = convertOutput
		}
		if out.Output != nil {
			m := out.Output.Meta
			fmt.Fprintf(w, "%s: %d vertices, %d triangles, colors=%t\n", ref, m.Vertices, m.Triangles, m.HasColors)
		} else {
			fmt.Fprintln(w, ref)
		}
		return nil
	case job.Cancelled:
		fmt.Fprintf(w, "job %s cancelled at %d%%\n", out.Job.ID, out.Job.Progress)
		return nil
	default:
		return fmt.Errorf("job %s %s: %s", out.Job.ID, out.Job.Status, out.Job.Error)
	}
}

func reportLocal(cmd *cobra.Command, store job.Store, id string, blobs storage.BlobStore) error {
	j, err := store.Get(cmd.Context(), id)
	if err != nil {
		return err
	}
	if !j.Status.Terminal() {
		return printJob(cmd.OutOrStdout(), j, false)
	}
	return finishLocal(cmd, local.Outcome{Job: j}, blobs)
}
