package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zerotyping/ingest-pipeline/cmd/pipeline-cli/ui"
	"github.com/zerotyping/ingest-pipeline/internal/config"
)

var stagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "Show the configured stage sequence",
	RunE:  runStages,
}

func init() {
	rootCmd.AddCommand(stagesCmd)
}

func runStages(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ui.Section("Pipeline Stages")
	ui.Table([]string{"#", "Name", "Label", "Band", "Parser", "Identity", "Command"}, stageTable(cfg.Stages))
	return nil
}

func stageTable(stages []config.StageConfig) [][]string {
	rows := make([][]string, 0, len(stages))
	for i, s := range stages {
		band := fmt.Sprintf("%d-%d", s.Low, s.High)
		if s.Absolute {
			band += " (absolute)"
		}
		parser := s.Parser
		if parser == "" {
			parser = "none"
		}
		identity := ""
		if s.ReceivesIdentity {
			identity = "yes"
		}
		command := strings.TrimSpace(s.Command + " " + strings.Join(s.Args, " "))
		rows = append(rows, []string{
			fmt.Sprintf("%d", i+1),
			s.Name,
			s.Label,
			band,
			parser,
			identity,
			ui.Truncate(command, 60),
		})
	}
	return rows
}
