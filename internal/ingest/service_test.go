package ingest

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerotyping/ingest-pipeline/internal/config"
	"github.com/zerotyping/ingest-pipeline/internal/pipeline"
	"github.com/zerotyping/ingest-pipeline/internal/progress"
	"github.com/zerotyping/ingest-pipeline/internal/stage"
	"github.com/zerotyping/ingest-pipeline/internal/storage"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []progress.Event
}

func (p *recordingPublisher) Publish(_ string, ev progress.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) Events() []progress.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]progress.Event(nil), p.events...)
}

type recordingAuditor struct {
	mu   sync.Mutex
	runs []storage.RunRecord
}

func (a *recordingAuditor) LogRun(_ context.Context, run storage.RunRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runs = append(a.runs, run)
}

func (a *recordingAuditor) Last() storage.RunRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runs[len(a.runs)-1]
}

type countingExecutor struct {
	calls int
}

func (e *countingExecutor) Execute(context.Context, string, []stage.Spec, pipeline.RunContext) (*pipeline.Result, error) {
	e.calls++
	return &pipeline.Result{}, nil
}

func shStage(name string, low, high int, script string) config.StageConfig {
	return config.StageConfig{
		Name:    name,
		Label:   name,
		Command: "/bin/sh",
		Args:    []string{"-c", script},
		Low:     low,
		High:    high,
		Parser:  "percent+status",
	}
}

type fixture struct {
	svc       *Service
	publisher *recordingPublisher
	auditor   *recordingAuditor
	scratch   string
	workDir   string
}

func newFixture(t *testing.T, stages []config.StageConfig) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		publisher: &recordingPublisher{},
		auditor:   &recordingAuditor{},
		scratch:   filepath.Join(root, "scratch"),
		workDir:   filepath.Join(root, "runs"),
	}

	cfg := ConfigFrom(config.DefaultConfig())
	cfg.ScratchDir = f.scratch
	cfg.WorkDir = f.workDir
	cfg.ScriptsDir = root
	cfg.RunTimeout = 10 * time.Second
	cfg.KeepWorkDir = true
	cfg.Stages = stages

	coordinator := pipeline.NewCoordinator(stage.NewProcessRunner(nil, 0), f.publisher, nil)
	svc, err := NewService(cfg, coordinator, f.publisher, f.auditor, nil)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) upload(sessionID string) Upload {
	return Upload{
		SessionID:   sessionID,
		Filename:    "exam.pdf",
		ContentType: "application/pdf",
		Body:        strings.NewReader("%PDF-1.4 fake document"),
		Identity:    pipeline.RunContext{UserID: "user-1", ParentPath: "/math"},
	}
}

func assertNoScratchFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch files left behind")
}

// runDirs returns the work directories created for sessionID.
func runDirs(t *testing.T, workDir, sessionID string) []string {
	t.Helper()
	dirs, err := filepath.Glob(filepath.Join(workDir, sessionID+"-*"))
	require.NoError(t, err)
	return dirs
}

func lastEvent(t *testing.T, p *recordingPublisher) progress.Event {
	t.Helper()
	events := p.Events()
	require.NotEmpty(t, events)
	return events[len(events)-1]
}

func happyStages() []config.StageConfig {
	return []config.StageConfig{
		shStage("convert", 5, 40, `echo "Progress: 50%"; cat "{input}" > "{output}/result.paged.mmd"`),
		shStage("filter", 40, 50, `echo "[OK] filtered"`),
		shStage("split", 50, 70, `echo '[{"n":1},{"n":2},{"n":3}]' > output/problems.json`),
		func() config.StageConfig {
			s := shStage("structure", 70, 95,
				`echo "$PIPELINE_USER_ID|$PIPELINE_FILENAME|$PIPELINE_PARENT_PATH" > output/identity.txt; `+
					`echo '[{"n":1,"answer":"a"},{"n":2,"answer":"b"}]' > output/problems_llm_structured.json`)
			s.ReceivesIdentity = true
			return s
		}(),
	}
}

func TestIngest_Success(t *testing.T) {
	f := newFixture(t, happyStages())

	res, err := f.svc.Ingest(context.Background(), f.upload("session-a"))
	require.NoError(t, err)

	assert.Equal(t, "session-a", res.SessionID)
	assert.Equal(t, 2, res.ItemCount)
	assert.Len(t, res.Items, 2)
	assert.JSONEq(t, `{"n":1,"answer":"a"}`, string(res.Items[0]))
	assert.Equal(t, "problems_llm_structured.json", res.Source)
	assert.Equal(t, len([]rune("%PDF-1.4 fake document")), res.TextLength)
	assert.Len(t, res.Stages, 4)

	assert.Equal(t, []string{res.WorkDir}, runDirs(t, f.workDir, "session-a"))
	identity, err := os.ReadFile(filepath.Join(res.WorkDir, "output", "identity.txt"))
	require.NoError(t, err)
	assert.Equal(t, "user-1|exam.pdf|/math", strings.TrimSpace(string(identity)))

	events := f.publisher.Events()
	final := events[len(events)-1]
	assert.Equal(t, 100, *final.Percent)
	assertNoScratchFiles(t, f.scratch)

	run := f.auditor.Last()
	assert.Equal(t, storage.RunStatusSucceeded, run.Status)
	assert.Equal(t, 2, run.ItemCount)
	assert.Equal(t, "user-1", run.UserID)
}

func TestIngest_FallsBackToSplitResult(t *testing.T) {
	stages := happyStages()
	stages[3] = shStage("structure", 70, 95, `echo "[!] structuring skipped"`)
	f := newFixture(t, stages)

	res, err := f.svc.Ingest(context.Background(), f.upload("session-b"))
	require.NoError(t, err)
	assert.Equal(t, "problems.json", res.Source)
	assert.Equal(t, 3, res.ItemCount)
	assertNoScratchFiles(t, f.scratch)
}

func TestIngest_ArtifactError(t *testing.T) {
	stages := []config.StageConfig{
		shStage("convert", 0, 50, `true`),
		shStage("structure", 50, 95, `echo 'not json' > output/problems_llm_structured.json`),
	}
	f := newFixture(t, stages)

	_, err := f.svc.Ingest(context.Background(), f.upload("session-c"))
	require.Error(t, err)

	var artifactErr *ArtifactError
	require.True(t, errors.As(err, &artifactErr))
	assert.Equal(t, "output/problems.json", artifactErr.Path)
	assertNoScratchFiles(t, f.scratch)
	assert.Equal(t, storage.RunStatusFailed, f.auditor.Last().Status)

	final := lastEvent(t, f.publisher)
	require.True(t, final.HasPercent())
	assert.Equal(t, 0, *final.Percent)
	assert.Contains(t, final.Message, "reading result failed")
	assert.True(t, final.Terminal())
}

func TestIngest_StageFailure(t *testing.T) {
	stages := happyStages()
	stages[1] = shStage("filter", 40, 50, `echo "disk full" >&2; exit 1`)
	stages[3] = shStage("structure", 70, 95, `touch output/structure-ran`)
	f := newFixture(t, stages)

	_, err := f.svc.Ingest(context.Background(), f.upload("session-d"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	var stageErr *pipeline.StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, "filter", stageErr.Stage)

	dirs := runDirs(t, f.workDir, "session-d")
	require.Len(t, dirs, 1)
	_, statErr := os.Stat(filepath.Join(dirs[0], "output", "structure-ran"))
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "later stages must not run")

	events := f.publisher.Events()
	final := events[len(events)-1]
	assert.Equal(t, 0, *final.Percent)
	assert.Contains(t, final.Message, "disk full")
	for _, ev := range events[:len(events)-1] {
		assert.False(t, ev.Terminal(), "only one terminal event per run")
	}

	assertNoScratchFiles(t, f.scratch)
	run := f.auditor.Last()
	assert.Equal(t, storage.RunStatusFailed, run.Status)
	assert.Equal(t, "filter", run.FailedStage)
}

func TestIngest_SpawnFailure(t *testing.T) {
	stages := []config.StageConfig{{
		Name:    "convert",
		Command: filepath.Join(t.TempDir(), "no-such-worker"),
		Low:     0,
		High:    90,
	}}
	f := newFixture(t, stages)

	_, err := f.svc.Ingest(context.Background(), f.upload("session-e"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, stage.ErrSpawn))
	assertNoScratchFiles(t, f.scratch)
}

func TestIngest_RejectsBeforeAnyWork(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Upload)
		target error
	}{
		{"media type", func(u *Upload) { u.ContentType = "image/png" }, ErrUnsupportedType},
		{"malformed media type", func(u *Upload) { u.ContentType = "" }, ErrUnsupportedType},
		{"session id", func(u *Upload) { u.SessionID = "../escape" }, ErrInvalidSessionID},
		{"empty session id", func(u *Upload) { u.SessionID = "" }, ErrInvalidSessionID},
		{"missing file", func(u *Upload) { u.Body = nil }, ErrMissingFile},
		{"filename", func(u *Upload) { u.Filename = "" }, ErrInvalidFilename},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, happyStages())
			exec := &countingExecutor{}
			f.svc.executor = exec

			up := f.upload("session-f")
			tc.mutate(&up)

			_, err := f.svc.Ingest(context.Background(), up)
			require.Error(t, err)

			var verr *ValidationError
			assert.True(t, errors.As(err, &verr))
			assert.ErrorIs(t, err, tc.target)

			assert.Zero(t, exec.calls)
			assert.Empty(t, f.publisher.Events())
			_, statErr := os.Stat(f.scratch)
			assert.True(t, errors.Is(statErr, os.ErrNotExist), "no scratch file may be created")
			assert.Equal(t, storage.RunStatusRejected, f.auditor.Last().Status)
		})
	}
}

func TestIngest_MediaTypeParameters(t *testing.T) {
	f := newFixture(t, happyStages())
	up := f.upload("session-g")
	up.ContentType = "Application/PDF; name=exam.pdf"

	_, err := f.svc.Ingest(context.Background(), up)
	assert.NoError(t, err)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, io.ErrUnexpectedEOF
}

func TestIngest_BodyReadErrorRemovesScratch(t *testing.T) {
	f := newFixture(t, happyStages())
	up := f.upload("session-h")
	up.Body = io.MultiReader(strings.NewReader("%PDF"), failingReader{})

	_, err := f.svc.Ingest(context.Background(), up)
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assertNoScratchFiles(t, f.scratch)

	events := f.publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, 0, *events[0].Percent)
	assert.Contains(t, events[0].Message, "write scratch file")
	assert.Equal(t, storage.RunStatusFailed, f.auditor.Last().Status)
}

func TestIngest_SameSessionRunsDoNotShareWorkDir(t *testing.T) {
	stages := []config.StageConfig{
		shStage("convert", 0, 50, `echo started > output/marker; sleep 0.5; cat output/marker`),
		shStage("split", 50, 95, `echo '[{"n":1}]' > output/problems.json`),
	}
	f := newFixture(t, stages)
	f.svc.cfg.KeepWorkDir = false

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(time.Duration(i) * 200 * time.Millisecond)
			_, errs[i] = f.svc.Ingest(context.Background(), f.upload("session-same"))
		}()
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "run %d", i)
	}
	assert.Empty(t, runDirs(t, f.workDir, "session-same"))
	assertNoScratchFiles(t, f.scratch)
}

func TestIngest_CallerCancellationDoesNotStopStages(t *testing.T) {
	f := newFixture(t, happyStages())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.svc.Ingest(ctx, f.upload("session-i"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.ItemCount)
}

func TestIngest_RunTimeout(t *testing.T) {
	f := newFixture(t, []config.StageConfig{shStage("convert", 0, 90, `exec sleep 5`)})
	f.svc.cfg.RunTimeout = 100 * time.Millisecond

	start := time.Now()
	_, err := f.svc.Ingest(context.Background(), f.upload("session-j"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 4*time.Second)
	assertNoScratchFiles(t, f.scratch)
}

func TestService_CloseCancelsInFlightRuns(t *testing.T) {
	f := newFixture(t, []config.StageConfig{shStage("convert", 0, 90, `exec sleep 5`)})

	time.AfterFunc(100*time.Millisecond, f.svc.Close)

	start := time.Now()
	_, err := f.svc.Ingest(context.Background(), f.upload("session-k"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.Equal(t, storage.RunStatusFailed, f.auditor.Last().Status)
}

func TestNewService_RejectsBadStages(t *testing.T) {
	cfg := ConfigFrom(config.DefaultConfig())
	cfg.Stages = []config.StageConfig{shStage("convert", 0, 50, "true")}
	cfg.Stages[0].Parser = "bogus"
	_, err := NewService(cfg, &countingExecutor{}, nil, nil, nil)
	assert.Error(t, err)

	cfg.Stages = []config.StageConfig{shStage("a", 0, 50, "true"), shStage("b", 40, 90, "true")}
	_, err = NewService(cfg, &countingExecutor{}, nil, nil, nil)
	assert.Error(t, err)
}

func TestValidateSessionID(t *testing.T) {
	assert.NoError(t, ValidateSessionID("3f1c2a9e-1f7b-4c55-9d0a-6a9c8e2b1f00"))
	assert.NoError(t, ValidateSessionID("1700000000000"))
	assert.Error(t, ValidateSessionID(".."))
	assert.Error(t, ValidateSessionID("a/b"))
	assert.Error(t, ValidateSessionID(strings.Repeat("x", 129)))
}

func TestBuildStages_ExpandsPlaceholders(t *testing.T) {
	specs, err := BuildStages([]config.StageConfig{{
		Name:    "convert",
		Command: "{python}",
		Args:    []string{"{scripts}/convert_pdf.py", "--input", "{input}", "--out", "{output}"},
		Env:     map[string]string{"WORK": "{workdir}", "B": "x"},
		Low:     5,
		High:    40,
		Parser:  "convert",
	}}, Vars{Python: "python3", Scripts: "/opt/workers", Input: "/tmp/u.pdf", WorkDir: "/runs/s1", Output: "/runs/s1/output"})
	require.NoError(t, err)
	require.Len(t, specs, 1)

	s := specs[0]
	assert.Equal(t, "python3", s.Command)
	assert.Equal(t, []string{"/opt/workers/convert_pdf.py", "--input", "/tmp/u.pdf", "--out", "/runs/s1/output"}, s.Args)
	assert.Equal(t, []string{"B=x", "WORK=/runs/s1"}, s.Env)
	assert.Equal(t, "/runs/s1", s.Dir)
	assert.Equal(t, "convert", s.Label)
	assert.NotNil(t, s.Parser)
}
