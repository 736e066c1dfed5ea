package commands

import (
	"context"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/zerotyping/ingest-pipeline/cmd/pipeline-cli/ui"
	"github.com/zerotyping/ingest-pipeline/internal/config"
	"github.com/zerotyping/ingest-pipeline/internal/ingest"
	"github.com/zerotyping/ingest-pipeline/internal/monitoring"
	"github.com/zerotyping/ingest-pipeline/internal/observability"
	"github.com/zerotyping/ingest-pipeline/internal/pipeline"
	"github.com/zerotyping/ingest-pipeline/internal/stage"
	"github.com/zerotyping/ingest-pipeline/internal/storage"
)

var (
	runFile        string
	runUser        string
	runParent      string
	runSession     string
	runContentType string
	runNoAudit     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a document through the pipeline locally",
	Long: `Run a document through every configured stage in this process, rendering
progress as the workers report it. The run is recorded in the audit database
unless --no-audit is given.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "Path to the document (required)")
	runCmd.Flags().StringVar(&runUser, "user", "", "User id passed to identity-aware stages")
	runCmd.Flags().StringVar(&runParent, "parent", "", "Parent path passed to identity-aware stages")
	runCmd.Flags().StringVar(&runSession, "session", "", "Session id (generated when empty)")
	runCmd.Flags().StringVar(&runContentType, "type", "", "Media type (guessed from the extension when empty)")
	runCmd.Flags().BoolVar(&runNoAudit, "no-audit", false, "Do not record the run")
	runCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)

	f, err := os.Open(runFile)
	if err != nil {
		return fmt.Errorf("open document: %w", err)
	}
	defer f.Close()

	sessionID := runSession
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	contentType := runContentType
	if contentType == "" {
		contentType = guessContentType(runFile)
	}

	var auditor ingest.Auditor
	if !runNoAudit {
		a, closeAudit, err := openAuditor(ctx, cfg, logger)
		if err != nil {
			ui.Warning("Run history disabled: %v", err)
		} else {
			defer closeAudit()
			auditor = a
		}
	}

	view := ui.NewProgressView(os.Stderr)
	coordinator := pipeline.NewCoordinator(stage.NewProcessRunner(logger, 0), view, logger)
	svc, err := ingest.NewService(ingest.ConfigFrom(cfg), coordinator, view, auditor, logger)
	if err != nil {
		return fmt.Errorf("create ingest service: %w", err)
	}
	defer svc.Close()

	// Interrupting the command cancels the running stage.
	stopOnSignal := context.AfterFunc(ctx, svc.Close)
	defer stopOnSignal()

	ui.Section("Document Ingestion")
	ui.Info("Document: %s", runFile)
	ui.Info("Session: %s", sessionID)
	ui.Newline()

	res, err := svc.Ingest(ctx, ingest.Upload{
		SessionID:   sessionID,
		Filename:    filepath.Base(runFile),
		ContentType: contentType,
		Body:        f,
		Identity: pipeline.RunContext{
			UserID:     runUser,
			ParentPath: runParent,
		},
	})
	view.Finish()
	if err != nil {
		ui.Error("%s", view.Message())
		return fmt.Errorf("run failed: %w", err)
	}

	ui.Success("Processing completed")
	ui.Newline()
	ui.Section("Run Summary")
	ui.Table([]string{"Metric", "Value"}, [][]string{
		{"Items", strconv.Itoa(res.ItemCount)},
		{"Source", res.Source},
		{"Text length", strconv.Itoa(res.TextLength)},
		{"Duration", ui.FormatDuration(res.Duration)},
	})
	ui.Newline()
	ui.Table([]string{"Stage", "Label", "Duration"}, stageRows(res.Stages))

	return nil
}

func guessContentType(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func stageRows(timings []pipeline.StageTiming) [][]string {
	rows := make([][]string, 0, len(timings))
	for _, t := range timings {
		rows = append(rows, []string{t.Name, t.Label, ui.FormatDuration(t.Duration)})
	}
	return rows
}

// openAuditor opens the configured run database.
func openAuditor(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*monitoring.AuditLogger, func(), error) {
	repo, closeDB, err := openRuns(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return monitoring.NewAuditLogger(logger, repo, nil), closeDB, nil
}

func openRuns(ctx context.Context, cfg *config.Config) (*storage.RunRepository, func(), error) {
	opts := storage.PoolOptions{MaxOpenConns: cfg.Database.SQLite.MaxOpenConns}
	if cfg.Database.Driver == storage.DriverPostgres {
		opts = storage.PoolOptions{
			MaxOpenConns:    cfg.Database.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Database.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.Postgres.ConnMaxLifetime,
		}
	}

	db, err := storage.Open(ctx, cfg.Database.Driver, cfg.DatabaseDSN(), opts)
	if err != nil {
		return nil, nil, err
	}
	if err := storage.Migrate(ctx, db, cfg.Database.Driver); err != nil {
		db.Close()
		return nil, nil, err
	}
	return storage.NewRunRepository(db), func() { db.Close() }, nil
}
