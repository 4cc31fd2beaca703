package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pointmesh/internal/env"
)

// version is set at build time via -ldflags.
var version = "dev"

var (
	envFile string
	cfg     env.Config
)

var rootCmd = &cobra.Command{
	Use:   "meshctl",
	Short: "Turn point clouds into meshes",
	Long: "meshctl reconstructs surface meshes from point clouds, either in this process\n" +
		"(convert) or on the worker fleet (submit, status, cancel, list, delete).",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if envFile != "" {
			env.LoadEnv(envFile)
		} else {
			env.LoadEnv()
		}
		var err error
		cfg, err = env.FromEnv()
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "read variables from this file instead of .env")
	rootCmd.AddCommand(convertCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(algorithmsCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
