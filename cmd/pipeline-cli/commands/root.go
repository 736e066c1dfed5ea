// Package commands implements the pipeline CLI commands.
package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/zerotyping/ingest-pipeline/cmd/pipeline-cli/ui"
	"github.com/zerotyping/ingest-pipeline/internal/config"
	"github.com/zerotyping/ingest-pipeline/internal/observability"
)

var (
	cfgFile string
	verbose bool
	noColor bool
)

var rootCmd = &cobra.Command{
	Use:   "pipeline-cli",
	Short: "Run and watch the document ingestion pipeline",
	Long: `pipeline-cli runs uploaded documents through the configured worker stages,
follows live progress of runs started by the API server, and lists the
recorded run history.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ui.Init(noColor)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

// newLogger logs to stderr in console format; quiet unless --verbose so the
// progress bar stays readable.
func newLogger(cfg *config.Config) *observability.Logger {
	level := "warn"
	if verbose {
		level = "debug"
	}
	return observability.NewLogger(observability.LogConfig{
		Level:       level,
		Format:      "console",
		Output:      os.Stderr,
		ServiceName: cfg.Observability.ServiceName,
	})
}
