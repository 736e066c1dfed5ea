package ui

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"github.com/schollz/progressbar/v3"

	"github.com/zerotyping/ingest-pipeline/internal/progress"
)

// Spinner wraps a spinner instance for indeterminate progress display.
type Spinner struct {
	spinner *spinner.Spinner
}

// NewSpinner creates a new spinner with the given message.
func NewSpinner(message string) *Spinner {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " " + message
	s.Writer = os.Stderr
	return &Spinner{spinner: s}
}

// Start starts the spinner animation.
func (s *Spinner) Start() {
	s.spinner.Start()
}

// Stop stops the spinner animation and clears the line.
func (s *Spinner) Stop() {
	s.spinner.Stop()
}

// ProgressView renders pipeline events as a percent bar. Message-only events
// update the description and leave the bar where it is.
type ProgressView struct {
	mu      sync.Mutex
	w       io.Writer
	bar     *progressbar.ProgressBar
	percent int
	message string
	last    progress.Event
	seen    bool
}

// NewProgressView creates a view that draws to w.
func NewProgressView(w io.Writer) *ProgressView {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription("waiting"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "│",
			BarEnd:        "│",
		}),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(w, "\n")
		}),
	)
	return &ProgressView{w: w, bar: bar}
}

// Publish implements pipeline.Publisher.
func (v *ProgressView) Publish(_ string, ev progress.Event) {
	v.Apply(ev)
}

// Apply renders one event.
func (v *ProgressView) Apply(ev progress.Event) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.seen = true
	v.last = ev
	if ev.Message != "" {
		v.message = ev.Message
		v.bar.Describe(Truncate(ev.Message, 48))
	}
	if ev.HasPercent() {
		v.percent = *ev.Percent
		_ = v.bar.Set(v.percent)
	}
}

// Percent returns the last rendered percent.
func (v *ProgressView) Percent() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.percent
}

// Message returns the last rendered message.
func (v *ProgressView) Message() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.message
}

// Last returns the last event and whether any arrived.
func (v *ProgressView) Last() (progress.Event, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.last, v.seen
}

// Finish completes the bar output. A run that stopped short leaves the bar
// where it was.
func (v *ProgressView) Finish() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.percent >= 100 {
		_ = v.bar.Finish()
		return
	}
	fmt.Fprintln(v.w)
}
