package commands

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerotyping/ingest-pipeline/cmd/pipeline-cli/ui"
	"github.com/zerotyping/ingest-pipeline/internal/config"
	"github.com/zerotyping/ingest-pipeline/internal/progress"
	"github.com/zerotyping/ingest-pipeline/internal/storage"
)

func TestStageTable(t *testing.T) {
	rows := stageTable(config.DefaultStages())
	require.Len(t, rows, 4)

	assert.Equal(t, "1", rows[0][0])
	assert.Equal(t, "convert", rows[0][1])
	assert.Equal(t, "5-40", rows[0][3])
	assert.Equal(t, "structure", rows[3][1])
	assert.Equal(t, "yes", rows[3][5])
}

func TestRunRows(t *testing.T) {
	rows := runRows([]*storage.RunRecord{{
		SessionID:   "s-1",
		Filename:    "exam.pdf",
		Status:      storage.RunStatusFailed,
		FailedStage: "filter",
		Error:       "exit 3",
		StartedAt:   time.Now(),
		Duration:    3 * time.Second,
	}})
	require.Len(t, rows, 1)
	assert.Equal(t, "failed", rows[0][3])
	assert.Equal(t, "3s", rows[0][5])
	assert.Equal(t, "filter: exit 3", rows[0][6])
}

func TestGuessContentType(t *testing.T) {
	assert.Equal(t, "application/pdf", guessContentType("/tmp/exam.pdf"))
	assert.Equal(t, "application/octet-stream", guessContentType("/tmp/exam"))
}

func mirrored(t *testing.T, evs ...progress.Event) <-chan []byte {
	t.Helper()
	ch := make(chan []byte, len(evs)+1)
	for _, ev := range evs {
		data, err := json.Marshal(ev)
		require.NoError(t, err)
		ch <- data
	}
	ch <- []byte("not json")
	return ch
}

func TestFollowEvents_StopsAtTerminalEvent(t *testing.T) {
	msgs := mirrored(t,
		progress.At(5, "Converting PDF"),
		progress.Note("page 2"),
		progress.At(100, "processing complete"),
		progress.At(5, "ignored"),
	)
	view := ui.NewProgressView(io.Discard)

	calls := 0
	last, err := followEvents(context.Background(), msgs, view, func() { calls++ })
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 100, last.PercentOr(-1))
	assert.Equal(t, 100, view.Percent())
	assert.NoError(t, reportWatch(last))
}

func TestFollowEvents_Failure(t *testing.T) {
	msgs := mirrored(t, progress.At(40, "Filtering text"), progress.At(0, "Filtering text failed: exit 3"))
	view := ui.NewProgressView(io.Discard)

	last, err := followEvents(context.Background(), msgs, view, func() {})
	require.NoError(t, err)
	assert.Error(t, reportWatch(last))
}

func TestFollowEvents_ClosedSubscription(t *testing.T) {
	ch := make(chan []byte)
	close(ch)

	_, err := followEvents(context.Background(), ch, ui.NewProgressView(io.Discard), func() {})
	assert.Error(t, err)
}

func TestFollowEvents_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := followEvents(ctx, make(chan []byte), ui.NewProgressView(io.Discard), func() {})
	assert.ErrorIs(t, err, context.Canceled)
}
