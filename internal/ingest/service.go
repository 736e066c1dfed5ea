// Package ingest accepts uploaded documents, runs the stage pipeline over them
// and reads back the structured result.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/zerotyping/ingest-pipeline/internal/config"
	"github.com/zerotyping/ingest-pipeline/internal/observability"
	"github.com/zerotyping/ingest-pipeline/internal/pipeline"
	"github.com/zerotyping/ingest-pipeline/internal/progress"
	"github.com/zerotyping/ingest-pipeline/internal/stage"
	"github.com/zerotyping/ingest-pipeline/internal/storage"
)

// Validation failures.
var (
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrMissingFile      = errors.New("no file uploaded")
	ErrInvalidFilename  = errors.New("invalid filename")
	ErrUnsupportedType  = errors.New("unsupported media type")
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ValidateSessionID checks that id is usable as a session key and a directory name.
func ValidateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) || id == "." || id == ".." {
		return &ValidationError{Err: ErrInvalidSessionID, Detail: "must be 1-128 characters of [A-Za-z0-9._-]"}
	}
	return nil
}

// ValidationError is a rejected upload. No stage runs for it.
type ValidationError struct {
	Err    error
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + e.Detail
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ArtifactError reports a result file that is missing or unreadable after the
// stages succeeded.
type ArtifactError struct {
	Path string
	Err  error
}

func (e *ArtifactError) Error() string {
	return fmt.Sprintf("read result artifact %s: %v", e.Path, e.Err)
}

func (e *ArtifactError) Unwrap() error {
	return e.Err
}

// Executor runs a stage sequence for a session.
type Executor interface {
	Execute(ctx context.Context, sessionID string, stages []stage.Spec, rc pipeline.RunContext) (*pipeline.Result, error)
}

// Auditor records the outcome of every upload.
type Auditor interface {
	LogRun(ctx context.Context, run storage.RunRecord)
}

// Config holds service settings.
type Config struct {
	ScratchDir   string
	WorkDir      string
	ScriptsDir   string
	Python       string
	AllowedTypes []string
	RunTimeout   time.Duration
	KeepWorkDir  bool
	ResultPath   string
	FallbackPath string
	TextPath     string
	Stages       []config.StageConfig
}

// ConfigFrom extracts service settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		ScratchDir:   cfg.Ingestion.ScratchDir,
		WorkDir:      cfg.Ingestion.WorkDir,
		ScriptsDir:   cfg.Ingestion.ScriptsDir,
		Python:       cfg.Ingestion.Python,
		AllowedTypes: cfg.Ingestion.AllowedTypes,
		RunTimeout:   cfg.Ingestion.RunTimeout,
		KeepWorkDir:  cfg.Ingestion.KeepWorkDir,
		ResultPath:   cfg.Ingestion.ResultPath,
		FallbackPath: cfg.Ingestion.FallbackPath,
		TextPath:     cfg.Ingestion.TextPath,
		Stages:       cfg.Stages,
	}
}

// Upload is one document submitted for processing.
type Upload struct {
	SessionID   string
	Filename    string
	ContentType string
	Body        io.Reader
	Identity    pipeline.RunContext
}

// Result is the outcome of a successful upload.
type Result struct {
	SessionID  string
	Filename   string
	Items      []json.RawMessage
	ItemCount  int
	Source     string
	TextLength int
	Stages     []pipeline.StageTiming
	Duration   time.Duration
	// WorkDir is the run's directory. It is removed before Ingest returns
	// unless KeepWorkDir is set.
	WorkDir    string
}

// Service runs uploads through the pipeline.
type Service struct {
	cfg       Config
	executor  Executor
	publisher pipeline.Publisher
	auditor   Auditor
	logger    *observability.Logger

	// lifetime ends when the service is closed and cancels in-flight runs.
	lifetime context.Context
	stop     context.CancelFunc
}

// NewService creates the service. publisher receives the failure event of runs
// that fail outside a stage; publisher and auditor may be nil.
func NewService(cfg Config, executor Executor, publisher pipeline.Publisher, auditor Auditor, logger *observability.Logger) (*Service, error) {
	if logger == nil {
		logger = observability.Nop()
	}
	if len(cfg.AllowedTypes) == 0 {
		cfg.AllowedTypes = []string{"application/pdf"}
	}
	if cfg.ScriptsDir != "" {
		abs, err := filepath.Abs(cfg.ScriptsDir)
		if err != nil {
			return nil, fmt.Errorf("resolve scripts dir: %w", err)
		}
		cfg.ScriptsDir = abs
	}
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	specs, err := BuildStages(cfg.Stages, Vars{Python: cfg.Python, Scripts: cfg.ScriptsDir})
	if err != nil {
		return nil, err
	}
	if err := pipeline.ValidateStages(specs); err != nil {
		return nil, err
	}
	lifetime, stop := context.WithCancel(context.Background())
	return &Service{
		cfg:       cfg,
		executor:  executor,
		publisher: publisher,
		auditor:   auditor,
		logger:    logger,
		lifetime:  lifetime,
		stop:      stop,
	}, nil
}

// Close cancels every in-flight run. Uploads started afterwards fail at their
// first stage.
func (s *Service) Close() {
	s.stop()
}

// AllowedTypes returns the accepted media types.
func (s *Service) AllowedTypes() []string {
	return s.cfg.AllowedTypes
}

// Ingest validates the upload, runs every stage and reads the result. The
// stages run on a context detached from ctx so a client leaving does not stop
// them; RunTimeout and Close bound them instead. The scratch copy of the upload is
// removed before Ingest returns, whatever the outcome.
func (s *Service) Ingest(ctx context.Context, up Upload) (*Result, error) {
	startedAt := time.Now()
	record := storage.RunRecord{
		SessionID: up.SessionID,
		Filename:  up.Filename,
		UserID:    up.Identity.UserID,
		StartedAt: startedAt,
	}

	res, failedStage, err := s.ingest(ctx, up)

	record.Duration = time.Since(startedAt)
	var verr *ValidationError
	switch {
	case err == nil:
		record.Status = storage.RunStatusSucceeded
		record.ItemCount = res.ItemCount
	case errors.As(err, &verr):
		record.Status = storage.RunStatusRejected
		record.Error = err.Error()
	default:
		record.Status = storage.RunStatusFailed
		record.FailedStage = failedStage
		record.Error = err.Error()
		// A failed stage has already been reported by the coordinator.
		if failedStage == "" {
			s.publishFailure(up.SessionID, err)
		}
	}
	if s.auditor != nil {
		s.auditor.LogRun(ctx, record)
	}

	return res, err
}

func (s *Service) ingest(ctx context.Context, up Upload) (*Result, string, error) {
	filename, err := s.validate(up)
	if err != nil {
		return nil, "", err
	}

	log := s.logger.WithSession(up.SessionID)

	workDir, err := s.createWorkDir(up.SessionID)
	if err != nil {
		return nil, "", err
	}
	if !s.cfg.KeepWorkDir {
		defer os.RemoveAll(workDir)
	}

	scratch, err := s.writeScratch(up.Body, filename)
	if scratch != "" {
		defer os.Remove(scratch)
	}
	if err != nil {
		return nil, "", err
	}

	stages, err := BuildStages(s.cfg.Stages, Vars{
		Python:  s.cfg.Python,
		Scripts: s.cfg.ScriptsDir,
		Input:   scratch,
		WorkDir: workDir,
		Output:  filepath.Join(workDir, "output"),
	})
	if err != nil {
		return nil, "", err
	}

	rc := up.Identity
	if rc.Filename == "" {
		rc.Filename = filename
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	defer context.AfterFunc(s.lifetime, cancel)()
	if s.cfg.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, s.cfg.RunTimeout)
		defer cancel()
	}

	log.Info().Str("filename", filename).Str("work_dir", workDir).Msg("Processing upload")

	runResult, err := s.executor.Execute(runCtx, up.SessionID, stages, rc)
	if err != nil {
		var stageErr *pipeline.StageError
		if errors.As(err, &stageErr) {
			return nil, stageErr.Stage, err
		}
		return nil, "", err
	}

	items, source, err := s.readItems(workDir)
	if err != nil {
		log.Error().Err(err).Msg("Result artifact unavailable")
		return nil, "", err
	}

	res := &Result{
		SessionID:  up.SessionID,
		Filename:   filename,
		Items:      items,
		ItemCount:  len(items),
		Source:     source,
		TextLength: s.textLength(workDir),
		Stages:     runResult.Stages,
		Duration:   runResult.Duration,
		WorkDir:    workDir,
	}
	log.Info().Int("item_count", res.ItemCount).Str("source", source).Msg("Upload processed")
	return res, "", nil
}

// createWorkDir makes a fresh directory for one run. Runs of the same session
// never share a directory.
func (s *Service) createWorkDir(sessionID string) (string, error) {
	if err := os.MkdirAll(s.cfg.WorkDir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	dir, err := os.MkdirTemp(s.cfg.WorkDir, sessionID+"-*")
	if err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	if err := os.Mkdir(filepath.Join(dir, "output"), 0o755); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("create output dir: %w", err)
	}
	return dir, nil
}

func (s *Service) publishFailure(sessionID string, err error) {
	if s.publisher == nil {
		return
	}
	what := "processing"
	var artifactErr *ArtifactError
	if errors.As(err, &artifactErr) {
		what = "reading result"
	}
	s.publisher.Publish(sessionID, progress.At(0, fmt.Sprintf("%s failed: %v", what, err)))
}

func (s *Service) validate(up Upload) (string, error) {
	if err := ValidateSessionID(up.SessionID); err != nil {
		return "", err
	}
	if up.Body == nil {
		return "", &ValidationError{Err: ErrMissingFile}
	}

	filename := filepath.Base(strings.ReplaceAll(up.Filename, "\\", "/"))
	if filename == "" || filename == "." || filename == "/" || len(filename) > 255 {
		return "", &ValidationError{Err: ErrInvalidFilename, Detail: up.Filename}
	}

	mediaType, _, err := mime.ParseMediaType(up.ContentType)
	if err != nil {
		return "", &ValidationError{Err: ErrUnsupportedType, Detail: up.ContentType}
	}
	for _, allowed := range s.cfg.AllowedTypes {
		if strings.EqualFold(mediaType, allowed) {
			return filename, nil
		}
	}
	return "", &ValidationError{
		Err:    ErrUnsupportedType,
		Detail: fmt.Sprintf("%s (allowed: %s)", mediaType, strings.Join(s.cfg.AllowedTypes, ", ")),
	}
}

// writeScratch copies body to a new scratch file. The returned path is set
// whenever a file was created, even on error.
func (s *Service) writeScratch(body io.Reader, filename string) (string, error) {
	if err := os.MkdirAll(s.cfg.ScratchDir, 0o755); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}

	f, err := os.CreateTemp(s.cfg.ScratchDir, "upload-*"+filepath.Ext(filename))
	if err != nil {
		return "", fmt.Errorf("create scratch file: %w", err)
	}
	path := f.Name()

	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return path, fmt.Errorf("write scratch file: %w", err)
	}
	if err := f.Close(); err != nil {
		return path, fmt.Errorf("close scratch file: %w", err)
	}
	return path, nil
}

// readItems reads the structured result, falling back to the earlier split
// result when the structured one is missing or unreadable.
func (s *Service) readItems(workDir string) ([]json.RawMessage, string, error) {
	candidates := []string{s.cfg.ResultPath}
	if s.cfg.FallbackPath != "" {
		candidates = append(candidates, s.cfg.FallbackPath)
	}

	var lastErr error
	for _, rel := range candidates {
		items, err := readJSONArray(filepath.Join(workDir, rel))
		if err == nil {
			return items, filepath.Base(rel), nil
		}
		s.logger.Debug().Err(err).Str("path", rel).Msg("Result candidate unavailable")
		lastErr = &ArtifactError{Path: rel, Err: err}
	}
	return nil, "", lastErr
}

func readJSONArray(path string) ([]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse json array: %w", err)
	}
	if items == nil {
		items = []json.RawMessage{}
	}
	return items, nil
}

func (s *Service) textLength(workDir string) int {
	if s.cfg.TextPath == "" {
		return 0
	}
	data, err := os.ReadFile(filepath.Join(workDir, s.cfg.TextPath))
	if err != nil {
		return 0
	}
	return len([]rune(string(data)))
}
