// Package stage runs one external pipeline worker and turns its output into
// progress updates.
package stage

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSpawn marks failures to start a worker process.
var ErrSpawn = errors.New("spawn failed")

// Update is a parsed progress line. A nil Percent is a message-only update.
type Update struct {
	Percent *int
	Message string
}

// Percent returns an Update with a percent.
func Percent(p int, message string) Update {
	v := p
	return Update{Percent: &v, Message: message}
}

// Message returns a message-only Update.
func Message(message string) Update {
	return Update{Message: message}
}

// LineParser maps one raw stdout line to an update. It returns false when the
// line carries nothing worth reporting.
type LineParser func(line string) (Update, bool)

// Spec is the static configuration of one stage.
type Spec struct {
	Name    string
	Label   string
	Command string
	Args    []string
	// Env is a KEY=VALUE overlay applied on top of the server environment.
	Env []string
	Dir string

	// Low and High bound the stage's share of overall progress.
	Low  int
	High int
	// Absolute means the parser already emits overall percents.
	Absolute bool
	Parser   LineParser

	// ReceivesIdentity marks the stage that gets caller identity fields.
	ReceivesIdentity bool
}

// WithEnv returns a copy of s with extra environment entries appended.
func (s Spec) WithEnv(kv ...string) Spec {
	env := make([]string, 0, len(s.Env)+len(kv))
	env = append(env, s.Env...)
	env = append(env, kv...)
	s.Env = env
	return s
}

// Scale maps a parser percent into the stage band.
func (s Spec) Scale(raw int) int {
	var p int
	if s.Absolute {
		p = raw
	} else {
		if raw < 0 {
			raw = 0
		}
		if raw > 100 {
			raw = 100
		}
		p = s.Low + int(float64(raw)/100*float64(s.High-s.Low)+0.5)
	}
	if p < s.Low {
		p = s.Low
	}
	if p > s.High {
		p = s.High
	}
	return p
}

// Validate checks a single stage's configuration.
func (s Spec) Validate() error {
	if s.Name == "" {
		return errors.New("stage name is required")
	}
	if s.Command == "" {
		return fmt.Errorf("stage %s: command is required", s.Name)
	}
	if s.Low < 0 || s.High > 100 || s.Low >= s.High {
		return fmt.Errorf("stage %s: invalid band [%d, %d)", s.Name, s.Low, s.High)
	}
	return nil
}

// SpawnError reports a worker that could not be started.
type SpawnError struct {
	Stage string
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Stage, ErrSpawn, e.Err)
}

func (e *SpawnError) Unwrap() []error {
	return []error{ErrSpawn, e.Err}
}

// ExitError reports a worker that exited with a non-zero status.
type ExitError struct {
	Stage  string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Stage, e.Code)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}
