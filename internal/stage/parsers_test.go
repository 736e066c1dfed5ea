package stage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsers(t *testing.T) {
	tests := []struct {
		name    string
		parser  LineParser
		line    string
		ok      bool
		percent *int
		message string
	}{
		{"percent", PercentLines, "Progress: 45%", true, intPtr(45), "45%"},
		{"percent no match", PercentLines, "uploading page 3", false, nil, ""},
		{"pages", PageLines, "[PDF진행] 10/40 페이지 (25%) - 예상 남은 시간: 30초", true, intPtr(25), "converting page 10 of 40"},
		{"items", ItemLines, "Processing problem 3/12", true, intPtr(25), "structuring item 3 of 12"},
		{"items zero total", ItemLines, "Processing problem 3/0", false, nil, ""},
		{"items overflow", ItemLines, "Processing problem 14/12", true, intPtr(100), "structuring item 12 of 12"},
		{"split summary", SplitSummary, "총 27개 문제로 분할됨", true, intPtr(100), "split into 27 items"},
		{"status ok", StatusLines, "[OK] output/result.paged.filtered.mmd 생성", true, nil, "[OK] output/result.paged.filtered.mmd 생성"},
		{"status debug", StatusLines, "    [DEBUG] 줄 12", false, nil, ""},
		{"echo", EchoLines, "  page 3 upload  ", true, nil, "page 3 upload"},
		{"echo blank", EchoLines, "   ", false, nil, ""},
		{"ignore", IgnoreLines, "anything", false, nil, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			upd, ok := tc.parser(tc.line)
			assert.Equal(t, tc.ok, ok)
			if !tc.ok {
				return
			}
			assert.Equal(t, tc.message, upd.Message)
			if tc.percent == nil {
				assert.Nil(t, upd.Percent)
			} else {
				require.NotNil(t, upd.Percent)
				assert.Equal(t, *tc.percent, *upd.Percent)
			}
		})
	}
}

func TestChain_FirstMatchWins(t *testing.T) {
	p := Chain(PercentLines, EchoLines)

	upd, ok := p("Progress: 10%")
	require.True(t, ok)
	require.NotNil(t, upd.Percent)

	upd, ok = p("hello")
	require.True(t, ok)
	assert.Nil(t, upd.Percent)
	assert.Equal(t, "hello", upd.Message)
}

func TestParserByName(t *testing.T) {
	p, err := ParserByName("percent+status")
	require.NoError(t, err)

	_, ok := p("[OK] done")
	assert.True(t, ok)
	_, ok = p("Progress: 5%")
	assert.True(t, ok)
	_, ok = p("noise")
	assert.False(t, ok)

	_, err = ParserByName("bogus")
	assert.Error(t, err)

	p, err = ParserByName("")
	require.NoError(t, err)
	_, ok = p("anything")
	assert.False(t, ok)

	assert.Contains(t, ParserNames(), "convert")
}

func intPtr(v int) *int { return &v }
