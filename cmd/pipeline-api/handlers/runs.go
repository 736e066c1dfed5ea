package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/zerotyping/ingest-pipeline/internal/observability"
	"github.com/zerotyping/ingest-pipeline/internal/storage"
)

const maxRunsLimit = 500

// RunLister lists recorded uploads.
type RunLister interface {
	ListRecent(ctx context.Context, limit int) ([]*storage.RunRecord, error)
}

// RunsHandler serves the run audit trail.
type RunsHandler struct {
	logger *observability.Logger
	runs   RunLister
}

// NewRunsHandler creates a runs handler. runs may be nil when no database is
// configured.
func NewRunsHandler(logger *observability.Logger, runs RunLister) *RunsHandler {
	if logger == nil {
		logger = observability.Nop()
	}
	return &RunsHandler{logger: logger, runs: runs}
}

// RunsDTO is the response of List.
type RunsDTO struct {
	Runs []*storage.RunRecord `json:"runs"`
}

// List handles GET /runs?limit=N.
func (h *RunsHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable", "")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}

	runs, err := h.runs.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list runs")
		writeError(w, http.StatusInternalServerError, "failed to list runs", err.Error())
		return
	}
	if runs == nil {
		runs = []*storage.RunRecord{}
	}

	writeJSON(w, http.StatusOK, RunsDTO{Runs: runs})
}
