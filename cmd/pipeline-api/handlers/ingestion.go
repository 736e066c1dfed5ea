package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/zerotyping/ingest-pipeline/cmd/pipeline-api/middleware"
	"github.com/zerotyping/ingest-pipeline/internal/ingest"
	"github.com/zerotyping/ingest-pipeline/internal/observability"
	"github.com/zerotyping/ingest-pipeline/internal/pipeline"
)

// multipartMemory is the part of a multipart body kept in memory; the rest
// spills to temporary files.
const multipartMemory = 8 << 20

// Uploader runs an upload through the pipeline.
type Uploader interface {
	Ingest(ctx context.Context, up ingest.Upload) (*ingest.Result, error)
}

// IngestionHandler handles document uploads.
type IngestionHandler struct {
	logger   *observability.Logger
	uploader Uploader
	maxBytes int64
}

// NewIngestionHandler creates a new ingestion handler. A non-positive maxBytes
// disables the size limit.
func NewIngestionHandler(logger *observability.Logger, uploader Uploader, maxBytes int64) *IngestionHandler {
	if logger == nil {
		logger = observability.Nop()
	}
	return &IngestionHandler{
		logger:   logger,
		uploader: uploader,
		maxBytes: maxBytes,
	}
}

// UploadResponseDTO is the response of a successful upload.
type UploadResponseDTO struct {
	Success      bool              `json:"success"`
	SessionID    string            `json:"sessionId"`
	Problems     []json.RawMessage `json:"problems"`
	ProblemCount int               `json:"problemCount"`
	Source       string            `json:"source"`
	Stats        UploadStatsDTO    `json:"stats"`
	Stages       []StageTimingDTO  `json:"stages"`
}

// UploadStatsDTO summarises a processed document.
type UploadStatsDTO struct {
	Filename   string `json:"filename"`
	ItemCount  int    `json:"itemCount"`
	TextLength int    `json:"textLength"`
	DurationMs int64  `json:"durationMs"`
}

// StageTimingDTO is the wall time of one stage.
type StageTimingDTO struct {
	Name       string `json:"name"`
	Label      string `json:"label"`
	DurationMs int64  `json:"durationMs"`
}

// Upload handles POST /uploads.
func (h *IngestionHandler) Upload(w http.ResponseWriter, r *http.Request) {
	liftWriteDeadline(w)

	if h.maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart body", err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	sessionID := r.Header.Get("X-Session-ID")
	if sessionID == "" {
		sessionID = r.FormValue("sessionId")
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	up := ingest.Upload{
		SessionID: sessionID,
		Identity: pipeline.RunContext{
			UserID:     middleware.UserFromContext(r.Context()),
			ParentPath: r.FormValue("parentPath"),
		},
	}

	file, header, err := r.FormFile("file")
	switch {
	case err == nil:
		defer file.Close()
		up.Body = file
		up.Filename = header.Filename
		up.ContentType = header.Header.Get("Content-Type")
	case errors.Is(err, http.ErrMissingFile):
		// The service rejects the nil body and records the rejection.
	default:
		writeError(w, http.StatusBadRequest, "invalid file part", err.Error())
		return
	}

	log := h.logger.WithSession(sessionID)
	log.Info().
		Str("filename", up.Filename).
		Str("user_id", up.Identity.UserID).
		Msg("Upload received")

	res, err := h.uploader.Ingest(r.Context(), up)
	if err != nil {
		status, message := uploadErrorStatus(err)
		if status >= http.StatusInternalServerError {
			log.Error().Err(err).Msg("Upload processing failed")
		}
		writeError(w, status, message, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, toUploadResponse(res))
}

func uploadErrorStatus(err error) (int, string) {
	var verr *ingest.ValidationError
	if errors.As(err, &verr) {
		switch {
		case errors.Is(err, ingest.ErrUnsupportedType):
			return http.StatusUnsupportedMediaType, verr.Err.Error()
		default:
			return http.StatusBadRequest, verr.Err.Error()
		}
	}

	var stageErr *pipeline.StageError
	if errors.As(err, &stageErr) {
		return http.StatusInternalServerError, stageErr.Label + " failed"
	}

	var artifactErr *ingest.ArtifactError
	if errors.As(err, &artifactErr) {
		return http.StatusInternalServerError, "no result produced"
	}

	if errors.Is(err, io.ErrUnexpectedEOF) {
		return http.StatusBadRequest, "upload interrupted"
	}

	return http.StatusInternalServerError, "processing failed"
}

func toUploadResponse(res *ingest.Result) UploadResponseDTO {
	problems := res.Items
	if problems == nil {
		problems = []json.RawMessage{}
	}

	stages := make([]StageTimingDTO, 0, len(res.Stages))
	for _, st := range res.Stages {
		stages = append(stages, StageTimingDTO{
			Name:       st.Name,
			Label:      st.Label,
			DurationMs: st.Duration.Milliseconds(),
		})
	}

	return UploadResponseDTO{
		Success:      true,
		SessionID:    res.SessionID,
		Problems:     problems,
		ProblemCount: res.ItemCount,
		Source:       res.Source,
		Stats: UploadStatsDTO{
			Filename:   res.Filename,
			ItemCount:  res.ItemCount,
			TextLength: res.TextLength,
			DurationMs: res.Duration.Milliseconds(),
		},
		Stages: stages,
	}
}
