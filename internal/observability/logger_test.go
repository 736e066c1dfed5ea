package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf, ServiceName: "test"})

	logger.WithSession("s-1").WithStage("convert").Info().Int("exit_code", 0).Msg("stage finished")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "test", entry["service"])
	assert.Equal(t, "s-1", entry["session_id"])
	assert.Equal(t, "convert", entry["stage"])
	assert.Equal(t, "stage finished", entry["message"])
	assert.EqualValues(t, 0, entry["exit_code"])
}

func TestLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Output: &buf})

	logger.Debug().Msg("hidden")
	logger.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestLogger_WithContextRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Output: &buf})

	ctx := ContextWithRequestID(context.Background(), "req-42")
	logger.WithContext(ctx).Info().Msg("hello")
	assert.Contains(t, buf.String(), `"request_id":"req-42"`)

	assert.Same(t, logger, logger.WithContext(context.Background()))
}

func TestParseLevel_Default(t *testing.T) {
	assert.Equal(t, parseLevel("info"), parseLevel("nonsense"))
}
