package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zerotyping/ingest-pipeline/internal/ingest"
	"github.com/zerotyping/ingest-pipeline/internal/observability"
	"github.com/zerotyping/ingest-pipeline/internal/progress"
)

// SnapshotReader returns the latest recorded event of a session.
type SnapshotReader interface {
	Latest(ctx context.Context, sessionID string) (*progress.Snapshot, error)
}

// ProgressConfig configures the stream channels opened by ProgressHandler.
type ProgressConfig struct {
	QueueSize int
	Keepalive time.Duration
}

// ProgressHandler serves live progress streams and stored snapshots.
type ProgressHandler struct {
	logger    *observability.Logger
	registry  *progress.Registry
	snapshots SnapshotReader
	cfg       ProgressConfig
}

// NewProgressHandler creates a progress handler. snapshots may be nil, in
// which case Latest always answers 404.
func NewProgressHandler(logger *observability.Logger, registry *progress.Registry, snapshots SnapshotReader, cfg ProgressConfig) *ProgressHandler {
	if logger == nil {
		logger = observability.Nop()
	}
	return &ProgressHandler{
		logger:    logger,
		registry:  registry,
		snapshots: snapshots,
		cfg:       cfg,
	}
}

// Stream handles GET /progress/{sessionId}.
func (h *ProgressHandler) Stream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	if err := ingest.ValidateSessionID(sessionID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid sessionId", err.Error())
		return
	}

	liftWriteDeadline(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ch := progress.NewStreamChannel(h.cfg.QueueSize, h.cfg.Keepalive)
	// Queued ahead of registration so it is always the first frame.
	if err := ch.Send(progress.Connected()); err != nil {
		return
	}
	h.registry.Register(sessionID, ch)
	defer h.registry.Release(sessionID, ch)

	log := h.logger.WithSession(sessionID)
	log.Debug().Msg("Progress stream opened")

	if err := ch.Serve(r.Context(), w); err != nil {
		log.Debug().Err(err).Msg("Progress stream write failed")
	}
	log.Debug().Msg("Progress stream closed")
}

// SnapshotDTO is the response of Latest.
type SnapshotDTO struct {
	SessionID  string         `json:"sessionId"`
	Percent    int            `json:"percent"`
	Message    string         `json:"message"`
	RecordedAt string         `json:"recordedAt"`
	Event      progress.Event `json:"event"`
}

// Latest handles GET /progress/{sessionId}/latest.
func (h *ProgressHandler) Latest(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	if err := ingest.ValidateSessionID(sessionID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid sessionId", err.Error())
		return
	}
	if h.snapshots == nil {
		writeError(w, http.StatusNotFound, "no progress recorded", "")
		return
	}

	snap, err := h.snapshots.Latest(r.Context(), sessionID)
	if errors.Is(err, progress.ErrNoSnapshot) {
		writeError(w, http.StatusNotFound, "no progress recorded", "")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to read progress snapshot")
		writeError(w, http.StatusInternalServerError, "failed to read progress", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, SnapshotDTO{
		SessionID:  snap.SessionID,
		Percent:    snap.Percent,
		Message:    snap.Event.Message,
		RecordedAt: snap.RecordedAt.Format(time.RFC3339),
		Event:      snap.Event,
	})
}
