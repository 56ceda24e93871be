package main

import (
	"github.com/forge-ai/testforge/shared/ollama"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// rootOptions are the flags shared by every subcommand. Unset flags
// fall back to OLLAMA_* from the environment.
type rootOptions struct {
	url     string
	model   string
	timeout int
	verbose bool
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "testforge",
		Short: "Generate JUnit 5 tests with a local Ollama model",
		Long: `testforge sends a Java class to an Ollama server, asks it for a
JUnit 5 test class and writes the result into the matching test root.

Available subcommands:
  generate - Generate and write a test for a class
  prompt   - Print the prompt generate would send
  scan     - List classes that have no test yet
  status   - Check that the Ollama server is reachable
  models   - List models installed on the server`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if o.verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	cmd.PersistentFlags().StringVar(&o.url, "url", "", "Ollama endpoint (or set OLLAMA_URL)")
	cmd.PersistentFlags().StringVarP(&o.model, "model", "m", "", "Model name (or set OLLAMA_MODEL)")
	cmd.PersistentFlags().IntVar(&o.timeout, "timeout", 0, "Request timeout in seconds, 10-300 (or set OLLAMA_TIMEOUT_SECONDS)")
	cmd.PersistentFlags().BoolVarP(&o.verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(
		newGenerateCmd(o),
		newPromptCmd(o),
		newScanCmd(o),
		newStatusCmd(o),
		newModelsCmd(o),
	)
	return cmd
}

// settings layers the flags over the environment and validates the result.
func (o *rootOptions) settings() (ollama.Settings, error) {
	s := ollama.SettingsFromEnv()
	if o.url != "" {
		s.EndpointURL = o.url
	}
	if o.model != "" {
		s.ModelName = o.model
	}
	if o.timeout != 0 {
		s.TimeoutSeconds = o.timeout
	}
	if err := s.Validate(); err != nil {
		return ollama.Settings{}, err
	}
	return s, nil
}
