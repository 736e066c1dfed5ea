package ui

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/zerotyping/ingest-pipeline/internal/progress"
)

func TestProgressView_MessageOnlyKeepsPercent(t *testing.T) {
	var buf bytes.Buffer
	v := NewProgressView(&buf)

	v.Apply(progress.At(40, "Filtering text"))
	v.Apply(progress.Note("page 3"))

	assert.Equal(t, 40, v.Percent())
	assert.Equal(t, "page 3", v.Message())

	last, ok := v.Last()
	assert.True(t, ok)
	assert.False(t, last.HasPercent())
}

func TestProgressView_Publish(t *testing.T) {
	var buf bytes.Buffer
	v := NewProgressView(&buf)

	_, ok := v.Last()
	assert.False(t, ok)

	v.Publish("s-1", progress.At(100, "processing complete"))
	assert.Equal(t, 100, v.Percent())
	assert.NotEmpty(t, buf.String())
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "250ms", FormatDuration(250*time.Millisecond))
	assert.Equal(t, "42s", FormatDuration(42*time.Second))
	assert.Equal(t, "2m 5s", FormatDuration(125*time.Second))
	assert.Equal(t, "1h 0m 1s", FormatDuration(time.Hour+time.Second))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcd…", Truncate("abcdefgh", 5))
	assert.Equal(t, "é…", Truncate("éèêë", 2))
}
