package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/zerotyping/ingest-pipeline/cmd/pipeline-cli/ui"
	"github.com/zerotyping/ingest-pipeline/internal/storage"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded pipeline runs",
	RunE:  runRuns,
}

func init() {
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Number of runs to show")
	rootCmd.AddCommand(runsCmd)
}

func runRuns(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	repo, closeDB, err := openRuns(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open run history: %w", err)
	}
	defer closeDB()

	runs, err := repo.ListRecent(ctx, runsLimit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		ui.Info("No runs recorded")
		return nil
	}

	ui.Section("Recent Runs")
	ui.Table([]string{"Started", "Session", "File", "Status", "Items", "Duration", "Detail"}, runRows(runs))
	return nil
}

func runRows(runs []*storage.RunRecord) [][]string {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		detail := r.Error
		if r.FailedStage != "" {
			detail = r.FailedStage + ": " + detail
		}
		rows = append(rows, []string{
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			ui.Truncate(r.SessionID, 36),
			ui.Truncate(r.Filename, 32),
			string(r.Status),
			strconv.Itoa(r.ItemCount),
			ui.FormatDuration(r.Duration),
			ui.Truncate(detail, 60),
		})
	}
	return rows
}
