package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pointmesh/internal/dispatch"
	"pointmesh/internal/service"
	"pointmesh/internal/storage"
	"pointmesh/pkg/kafkaclient"
)

var (
	submitParams paramFlags
	submitJobID  string
	submitRef    bool
)

var submitCmd = &cobra.Command{
	Use:   "submit <input>",
	Short: "Queue a job for the worker fleet",
	Long: "submit uploads the input point cloud, creates the job record and publishes a\n" +
		"task. With --ref the argument is an existing artifact locator and nothing is uploaded.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		params, err := submitParams.params(cmd)
		if err != nil {
			return err
		}

		inputRef := args[0]
		if !submitRef {
			blobs, err := blobStore(ctx)
			if err != nil {
				return err
			}
			if inputRef, err = uploadInput(ctx, storage.NewArtifacts(blobs), args[0]); err != nil {
				return fmt.Errorf("input: %w", err)
			}
		}

		store, closeStore, err := openStore(ctx, false)
		if err != nil {
			return err
		}
		defer closeStore()
		producer, err := kafkaclient.NewKafkaProducer(cfg.KafkaBroker, cfg.KafkaTopic)
		if err != nil {
			return err
		}
		defer producer.Close()

		j, err := service.New(store, dispatch.NewDispatcher(producer)).Submit(ctx, submitJobID, inputRef, params)
		if err != nil {
			if j.ID != "" {
				return fmt.Errorf("job %s: %w", j.ID, err)
			}
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), j.ID)
		return nil
	},
}

func init() {
	submitParams.register(submitCmd)
	submitCmd.Flags().StringVar(&submitJobID, "id", "", "job id (generated when empty)")
	submitCmd.Flags().BoolVar(&submitRef, "ref", false, "treat the argument as an artifact locator")
}
