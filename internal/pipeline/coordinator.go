// Package pipeline runs an ordered list of stages for one session and reports
// their progress.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zerotyping/ingest-pipeline/internal/observability"
	"github.com/zerotyping/ingest-pipeline/internal/progress"
	"github.com/zerotyping/ingest-pipeline/internal/stage"
)

// CompletedMessage is the message of the terminal success event.
const CompletedMessage = "processing complete"

// Identity environment variables passed to stages with ReceivesIdentity.
const (
	EnvUserID     = "PIPELINE_USER_ID"
	EnvFilename   = "PIPELINE_FILENAME"
	EnvParentPath = "PIPELINE_PARENT_PATH"
)

// Publisher delivers progress events for a session.
type Publisher interface {
	Publish(sessionID string, ev progress.Event)
}

// RunContext carries caller identity for the stage that stores results.
type RunContext struct {
	UserID     string
	Filename   string
	ParentPath string
}

// Env returns the identity as KEY=VALUE entries, skipping empty fields.
func (rc RunContext) Env() []string {
	var env []string
	if rc.UserID != "" {
		env = append(env, EnvUserID+"="+rc.UserID)
	}
	if rc.Filename != "" {
		env = append(env, EnvFilename+"="+rc.Filename)
	}
	if rc.ParentPath != "" {
		env = append(env, EnvParentPath+"="+rc.ParentPath)
	}
	return env
}

// StageTiming records how one executed stage went.
type StageTiming struct {
	Name      string
	Label     string
	StartedAt time.Time
	Duration  time.Duration
	Failed    bool
}

// Result summarizes a successful run.
type Result struct {
	SessionID string
	Stages    []StageTiming
	StartedAt time.Time
	Duration  time.Duration
}

// StageError attaches stage identity to a stage failure.
type StageError struct {
	Index int
	Stage string
	Label string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %d (%s): %v", e.Index+1, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ValidateStages checks that stages is non-empty, each stage is valid and the
// bands are ascending and non-overlapping.
func ValidateStages(stages []stage.Spec) error {
	if len(stages) == 0 {
		return errors.New("no stages configured")
	}
	for i, s := range stages {
		if err := s.Validate(); err != nil {
			return err
		}
		if i > 0 && stages[i-1].High > s.Low {
			return fmt.Errorf("stage %s: band [%d, %d) overlaps previous stage %s [%d, %d)",
				s.Name, s.Low, s.High, stages[i-1].Name, stages[i-1].Low, stages[i-1].High)
		}
	}
	return nil
}

// Coordinator executes stage sequences. It holds no per-session state, so one
// Coordinator serves any number of concurrent sessions.
type Coordinator struct {
	runner    stage.Runner
	publisher Publisher
	logger    *observability.Logger
}

// NewCoordinator creates a coordinator.
func NewCoordinator(runner stage.Runner, publisher Publisher, logger *observability.Logger) *Coordinator {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Coordinator{runner: runner, publisher: publisher, logger: logger}
}

// Execute runs stages in order for sessionID. The first failing stage stops
// the sequence and is returned as a *StageError.
func (c *Coordinator) Execute(ctx context.Context, sessionID string, stages []stage.Spec, rc RunContext) (*Result, error) {
	return c.ExecuteRun(ctx, NewRun(sessionID, stages), rc)
}

// ExecuteRun drives run from Pending to a terminal state. A run can be
// executed once. A run with invalid stages is left Pending and nothing is
// spawned.
func (c *Coordinator) ExecuteRun(ctx context.Context, run *Run, rc RunContext) (*Result, error) {
	if err := ValidateStages(run.stages); err != nil {
		return nil, fmt.Errorf("invalid stages: %w", err)
	}
	if err := run.start(); err != nil {
		return nil, err
	}

	log := c.logger.WithSession(run.SessionID)
	startedAt := run.startedAt
	log.Info().Int("stages", len(run.stages)).Msg("Pipeline started")

	for i, spec := range run.stages {
		if spec.ReceivesIdentity {
			spec = spec.WithEnv(rc.Env()...)
		}
		run.enter(i)
		c.publish(run.SessionID, progress.At(spec.Low, spec.Label))

		stageStart := time.Now()
		err := ctx.Err()
		if err == nil {
			err = c.runner.Run(ctx, spec, func(u stage.Update) {
				c.publish(run.SessionID, toEvent(u))
			})
		}
		timing := StageTiming{
			Name:      spec.Name,
			Label:     spec.Label,
			StartedAt: stageStart,
			Duration:  time.Since(stageStart),
		}

		if err != nil {
			timing.Failed = true
			run.fail(i, err, timing)

			log.Error().
				Err(err).
				Str("stage", spec.Name).
				Dur("duration", time.Since(startedAt)).
				Msg("Pipeline failed")

			c.publish(run.SessionID, progress.At(0, fmt.Sprintf("%s failed: %v", spec.Label, err)))
			return nil, &StageError{Index: i, Stage: spec.Name, Label: spec.Label, Err: err}
		}

		run.complete(timing)
		c.publish(run.SessionID, progress.At(spec.High, spec.Label+" done"))
		log.Debug().Str("stage", spec.Name).Dur("duration", timing.Duration).Msg("Stage completed")
	}

	run.succeed()
	c.publish(run.SessionID, progress.At(100, CompletedMessage))

	result := &Result{
		SessionID: run.SessionID,
		Stages:    run.Timings(),
		StartedAt: startedAt,
		Duration:  time.Since(startedAt),
	}
	log.Info().Dur("duration", result.Duration).Msg("Pipeline completed")
	return result, nil
}

func (c *Coordinator) publish(sessionID string, ev progress.Event) {
	if c.publisher == nil {
		return
	}
	c.publisher.Publish(sessionID, ev)
}

func toEvent(u stage.Update) progress.Event {
	if u.Percent == nil {
		return progress.Note(u.Message)
	}
	return progress.At(*u.Percent, u.Message)
}
