package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pointmesh/internal/pipeline"
)

var algorithmsOutput string

var algorithmsCmd = &cobra.Command{
	Use:   "algorithms",
	Short: "List reconstruction methods and their parameters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cat := pipeline.Algorithms()
		w := cmd.OutOrStdout()
		switch algorithmsOutput {
		case "json":
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(cat)
		case "yaml":
			enc := yaml.NewEncoder(w)
			defer enc.Close()
			return enc.Encode(cat)
		case "", "table":
			return printCatalogue(w, cat)
		}
		return fmt.Errorf("unknown output %q (table, json, yaml)", algorithmsOutput)
	},
}

func init() {
	algorithmsCmd.Flags().StringVarP(&algorithmsOutput, "output", "o", "table", "table, json or yaml")
}

func printCatalogue(w io.Writer, cat pipeline.Catalogue) error {
	for _, m := range cat.Methods {
		fmt.Fprintf(w, "%s: %s\n", m.Name, m.Description)
		if err := printParams(w, m.Params); err != nil {
			return err
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w, "common:")
	return printParams(w, cat.Common)
}

func printParams(w io.Writer, params []pipeline.ParamInfo) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, p := range params {
		rng := ""
		switch {
		case len(p.Options) > 0:
			rng = strings.Join(p.Options, "|")
		case p.Min != nil && p.Max != nil:
			rng = fmt.Sprintf("%g..%g", *p.Min, *p.Max)
		}
		fmt.Fprintf(tw, "  %s\t%s\t%v\t%s\t%s\n", p.Name, p.Type, p.Default, rng, p.Description)
	}
	return tw.Flush()
}
