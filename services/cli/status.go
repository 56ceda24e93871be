package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/forge-ai/testforge/shared/ollama"
	"github.com/spf13/cobra"
)

func newStatusCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check that the Ollama server is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.settings()
			if err != nil {
				return err
			}
			client := ollama.NewClient()
			defer client.Close()

			if !client.CheckAvailability(cmd.Context(), s) {
				return fmt.Errorf("ollama is not reachable at %s", s.EndpointURL)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Ollama is available at %s (model %s)\n", s.EndpointURL, s.ModelName)
			return nil
		},
	}
}

func newModelsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List models installed on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.settings()
			if err != nil {
				return err
			}
			client := ollama.NewClient()
			defer client.Close()

			models, err := client.Models(cmd.Context(), s)
			if err != nil {
				return fmt.Errorf("list models (%s): %w", ollama.Kind(err), err)
			}
			if len(models) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No models installed, run: ollama pull %s\n", s.ModelName)
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "\tNAME\tPARAMS\tQUANT\tSIZE")
			for _, m := range models {
				mark := ""
				if m.Name == s.ModelName {
					mark = "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.1f GB\n",
					mark, m.Name, m.Details.ParameterSize, m.Details.QuantizationLevel, float64(m.Size)/1e9)
			}
			return tw.Flush()
		},
	}
}
