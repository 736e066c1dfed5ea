// Package monitoring provides the run audit trail.
package monitoring

import (
	"context"
	"time"

	"github.com/zerotyping/ingest-pipeline/internal/cache"
	"github.com/zerotyping/ingest-pipeline/internal/observability"
	"github.com/zerotyping/ingest-pipeline/internal/storage"
)

// RunsChannel is the broadcast channel for finished runs.
const RunsChannel = "pipeline.runs"

// RunStore persists run records.
type RunStore interface {
	Insert(ctx context.Context, run *storage.RunRecord) error
}

// AuditLogger records the terminal outcome of every run.
type AuditLogger struct {
	logger      *observability.Logger
	store       RunStore
	broadcaster cache.Broadcaster
	timeout     time.Duration
}

// NewAuditLogger creates an audit logger. store and broadcaster may be nil.
func NewAuditLogger(logger *observability.Logger, store RunStore, broadcaster cache.Broadcaster) *AuditLogger {
	if logger == nil {
		logger = observability.Nop()
	}
	return &AuditLogger{
		logger:      logger,
		store:       store,
		broadcaster: broadcaster,
		timeout:     5 * time.Second,
	}
}

// LogRun writes a log line and persists the record. Persistence is best
// effort: failures are logged and never returned to the caller's request.
func (a *AuditLogger) LogRun(ctx context.Context, run storage.RunRecord) {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	event := a.logger.Info()
	if run.Status != storage.RunStatusSucceeded {
		event = a.logger.Warn()
	}
	event.
		Str("session_id", run.SessionID).
		Str("filename", run.Filename).
		Str("user_id", run.UserID).
		Str("status", string(run.Status)).
		Str("failed_stage", run.FailedStage).
		Int("item_count", run.ItemCount).
		Dur("duration", run.Duration).
		Msg("Pipeline run")

	// The request may already be gone; the record must still be written.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	defer cancel()

	if a.store != nil {
		if err := a.store.Insert(ctx, &run); err != nil {
			a.logger.Error().Err(err).Str("session_id", run.SessionID).Msg("Failed to persist run record")
		}
	}

	if a.broadcaster != nil {
		if err := a.broadcaster.Publish(ctx, RunsChannel, run); err != nil {
			a.logger.Warn().Err(err).Str("session_id", run.SessionID).Msg("Failed to broadcast run record")
		}
	}
}
